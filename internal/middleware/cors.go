package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

// rateLimitHeaders must be exposed for browser clients to show remaining
// budget and back off on 429.
var rateLimitHeaders = []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}

// CORS returns cors.Options for the user-facing endpoints. With no origins
// configured cross-origin requests are refused. A "*" entry disables
// credentials, which browsers reject alongside a wildcard origin.
func CORS(allowedOrigins []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   append([]string{"X-Request-ID"}, rateLimitHeaders...),
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		MaxAge:           300,
	}
	if len(allowedOrigins) == 0 {
		// An empty list means "allow all" to the cors package.
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	return opts
}
