package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows any origin to read the status API. It is bound to localhost
// by default, so this is only relevant when a dashboard is served elsewhere.
func CORS(next http.Handler) http.Handler {
	return newCORS().Handler(next)
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         86400,
	})
}
