package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows the configured frontends to call the API with credentials
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"If-None-Match",
			"Idempotency-Key",
			requestIDHeader,
		},
		ExposedHeaders:   []string{"ETag", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}
