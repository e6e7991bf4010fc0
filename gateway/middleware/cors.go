package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig controls the cross-origin policy applied to gateway routes. An
// empty config allows any origin with the methods and headers the escrow
// endpoints actually serve.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// CORS answers preflight requests and stamps cross-origin headers on every
// response. When explicit origins are configured, the request origin is
// echoed back only if it matches.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{
			"Content-Type",
			"Idempotency-Key",
			"X-Api-Key",
			"X-Timestamp",
			"X-Nonce",
			"X-Signature",
		}
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(cfg.AllowedOrigins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Allow-Methods", allowMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(configured []string, requested string) string {
	if len(configured) == 0 {
		return "*"
	}
	for _, origin := range configured {
		if origin == "*" {
			return "*"
		}
		if requested != "" && strings.EqualFold(origin, requested) {
			return requested
		}
	}
	return ""
}
