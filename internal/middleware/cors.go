package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, X-Correlation-ID, Retry-After"
	corsMaxAge        = "600"
)

// CORS answers browser requests from the listed origins. Requests from any
// other origin get no CORS headers, which the browser treats as a denial.
// Preflights are answered here and never reach the handler.
func CORS(allowed []string) Middleware {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin != "" {
				h := w.Header()
				h.Add("Vary", "Origin")
				if _, ok := set[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
					if preflight {
						h.Add("Vary", "Access-Control-Request-Method")
						h.Add("Vary", "Access-Control-Request-Headers")
						h.Set("Access-Control-Allow-Methods", corsAllowMethods)
						h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
						h.Set("Access-Control-Max-Age", corsMaxAge)
					}
				}
			}

			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
