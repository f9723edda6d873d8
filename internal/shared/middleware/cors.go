package middleware

import (
	"net/http"
	"net/url"
)

// CORS applies Cross-Origin Resource Sharing headers and answers preflight
// requests. With no allowed hosts every origin is accepted with a wildcard;
// otherwise the request origin is echoed when its host is listed and other
// cross-origin requests are refused.
func CORS(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "3600")

			origin := r.Header.Get("Origin")
			switch {
			case len(allowedHosts) == 0:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin == "":
				// same-origin or non-browser client
			case isOriginAllowed(origin, allowedHosts):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			default:
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isOriginAllowed(origin string, allowedHosts []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return IsHostAllowed(u.Host, allowedHosts)
}
