package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
)

const corsMaxAge = 10 * time.Minute

// CORSMiddleware lets the widget be embedded on the listed origins. An empty list
// disables cross-origin access and "*" allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed = append(allowed, origin)
		}
	}
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key", WidgetSessionHeader},
		ExposedHeaders: []string{WidgetSessionHeader, "X-Request-Id", "X-Idempotent-Replay", "Retry-After"},
		MaxAge:         int(corsMaxAge / time.Second),
	})
	return c.Handler
}
