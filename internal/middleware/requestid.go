package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"

	maxIDLength = 128
)

// RequestID propagates request and correlation IDs through the context and
// echoes them on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get(HeaderRequestID))
			correlationID := getOrGenerateID(r.Header.Get(HeaderCorrelationID))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set(HeaderRequestID, requestID)
			w.Header().Set(HeaderCorrelationID, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getOrGenerateID keeps a caller-supplied ID unless it is blank, too long or
// carries characters that would corrupt headers or log lines.
func getOrGenerateID(existing string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" || len(existing) > maxIDLength || !printable(existing) {
		return uuid.New().String()
	}
	return existing
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
