package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// NormalizeStringMap trims keys and values, removing entries with empty keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// CleanFreeText strips markup, applies NFKC and collapses runs of whitespace.
// The result is empty when the input held nothing but markup or spaces.
func CleanFreeText(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	stripped := plainTextPolicy.Sanitize(value)
	stripped = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", "\"", "&lt;", "<", "&gt;", ">").Replace(stripped)
	return strings.Join(strings.Fields(norm.NFKC.String(stripped)), " ")
}

// Truncate cuts value to at most limit runes.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
