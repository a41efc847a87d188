package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Curve-Labs/egregore-site-sub000/internal/gateway"
)

// errorBody is the JSON shape of every rejection. Optional fields are
// filled only where they apply.
type errorBody struct {
	Error       string   `json:"error"`
	Description string   `json:"description,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	Tokens      []string `json:"tokens,omitempty"`
	Index       *int     `json:"index,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Window      int      `json:"window,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

// gatewayBody renders a pipeline rejection. Window is reported in seconds.
func gatewayBody(e *gateway.Error) errorBody {
	body := errorBody{Error: e.Code, Tokens: e.Tokens}
	if e.Index >= 0 {
		idx := e.Index
		body.Index = &idx
	}
	if e.Code == gateway.CodeRateLimited {
		body.Limit = e.Limit
		body.Window = int(e.Window.Seconds())
	}
	if e.Code == gateway.CodeInvalidRequest && e.Err != nil {
		body.Description = e.Err.Error()
	}
	return body
}

func writeGatewayError(w http.ResponseWriter, e *gateway.Error) {
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Seconds())
		if float64(secs) < e.RetryAfter.Seconds() {
			secs++
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, e.Status, gatewayBody(e))
}

// decodeJSON reads a size-limited JSON body into v. Numbers in untyped
// fields such as query parameters decode as json.Number, keeping integers
// above 2^53 exact.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("malformed JSON body: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, errorBody{Error: gateway.CodeInvalidRequest, Description: err.Error()})
}
