package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name                  string
		existingRequestID     string
		existingCorrelationID string
	}{
		{name: "no existing headers - generates new IDs"},
		{name: "existing request ID - uses it", existingRequestID: "existing-req-123"},
		{name: "existing correlation ID - uses it", existingCorrelationID: "existing-corr-456"},
		{name: "both existing headers - uses them", existingRequestID: "existing-req-123", existingCorrelationID: "existing-corr-456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxRequestID, ctxCorrelationID string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxRequestID = logging.GetRequestID(r.Context())
				ctxCorrelationID = logging.GetCorrelationID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(HeaderRequestID, tt.existingRequestID)
			}
			if tt.existingCorrelationID != "" {
				req.Header.Set(HeaderCorrelationID, tt.existingCorrelationID)
			}
			rr := httptest.NewRecorder()
			RequestID()(handler).ServeHTTP(rr, req)

			if tt.existingRequestID != "" {
				assert.Equal(t, tt.existingRequestID, ctxRequestID)
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, ctxRequestID)
			}
			if tt.existingCorrelationID != "" {
				assert.Equal(t, tt.existingCorrelationID, ctxCorrelationID)
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, ctxCorrelationID)
			}
			assert.Equal(t, ctxRequestID, rr.Header().Get(HeaderRequestID))
			assert.Equal(t, ctxCorrelationID, rr.Header().Get(HeaderCorrelationID))
		})
	}
}

func TestRequestID_GeneratesUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[logging.GetRequestID(r.Context())] = true
	})
	mw := RequestID()
	for i := 0; i < 10; i++ {
		mw(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	}
	assert.Len(t, seen, 10)
}

func TestRequestID_HeaderValidation(t *testing.T) {
	tests := []struct {
		name        string
		headerValue string
		expectUsed  bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", true},
		{"valid short ID", "req-12345", true},
		{"whitespace only", "   ", false},
		{"too long", strings.Repeat("a", maxIDLength+1), false},
		{"control characters", "req\x01id", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = logging.GetRequestID(r.Context())
			})
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(HeaderRequestID, tt.headerValue)
			RequestID()(handler).ServeHTTP(httptest.NewRecorder(), req)

			if tt.expectUsed {
				assert.Equal(t, tt.headerValue, got)
			} else {
				assert.NotEqual(t, tt.headerValue, got)
				assert.NotEmpty(t, got)
			}
		})
	}
}
