package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	t.Helper()

	t.Run("trims keys and values", func(t *testing.T) {
		input := map[string]string{
			" Title ":     " About ",
			"description": " Learn ",
			"empty":       " ",
			" ":           "ignored",
			"":            "ignore",
		}

		expected := map[string]string{
			"Title":       "About",
			"description": "Learn",
			"empty":       "",
		}

		actual := NormalizeStringMap(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if NormalizeStringMap(nil) != nil {
			t.Fatalf("expected nil for nil input")
		}
		if NormalizeStringMap(map[string]string{}) != nil {
			t.Fatalf("expected nil for empty map")
		}
	})
}

func TestCleanFreeText(t *testing.T) {
	cases := map[string]string{
		"":                        "",
		"   ":                     "",
		"  Asha   Rao ":           "Asha Rao",
		"<b>Asha</b> Rao":         "Asha Rao",
		"Tom & Jerry":             "Tom & Jerry",
		"Ｇｒａｄｅ　5":          "Grade 5",
		"St. Mary's\tHigh\nSchool": "St. Mary's High School",
		"<i></i>":                 "",
	}
	for input, want := range cases {
		if got := CleanFreeText(input); got != want {
			t.Fatalf("CleanFreeText(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("expected no truncation for zero limit, got %q", got)
	}
}
