package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hungerhunt/storefront/internal/platform/config"
)

func TestWrapErrorClassifies(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{codes.NotFound, true, false, false},
		{codes.Aborted, false, true, false},
		{codes.Unavailable, false, false, true},
		{codes.PermissionDenied, false, false, true},
		{codes.InvalidArgument, false, false, false},
	}
	for _, tc := range cases {
		err := WrapError("products.list", status.Error(tc.code, "x"))
		var fsErr *Error
		if !errors.As(err, &fsErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if fsErr.IsNotFound() != tc.notFound || fsErr.IsConflict() != tc.conflict || fsErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification", tc.code)
		}
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestProviderClosed(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "test-project"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}
