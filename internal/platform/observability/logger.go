package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hungerhunt/storefront/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON zap logger used in production. Unknown levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || strings.TrimSpace(level) == "" {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger adapts zap to the event logger signature the services take. The request logger on ctx
// wins over base so request ids and widget sessions are attached. Failure events log at warn.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			if err, ok := v.(error); ok {
				zFields = append(zFields, zap.NamedError(k, err))
				continue
			}
			zFields = append(zFields, zap.Any(k, v))
		}
		if isFailureEvent(event) {
			logger.Warn(event, zFields...)
			return
		}
		logger.Info(event, zFields...)
	}
}

func isFailureEvent(event string) bool {
	for _, marker := range []string{"failed", "failure", "error", "aborted", "out_of_stock"} {
		if strings.Contains(event, marker) {
			return true
		}
	}
	return false
}
