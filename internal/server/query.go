package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/gateway"
	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
)

type identityKey struct{}

// authenticated resolves the bearer credential before next runs. Every
// failure answers the same opaque 401.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.unauthorized(w, r, "", "missing bearer credential")
			return
		}
		id, err := s.deps.Auth.Authenticate(r.Context(), credential)
		if err != nil {
			s.unauthorized(w, r, credential, err.Error())
			return
		}
		ctx := logging.WithTenant(r.Context(), id.Slug)
		ctx = context.WithValue(ctx, identityKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, credential, reason string) {
	s.deps.Metrics.RecordRejection("unauthorized")
	logging.WithContext(r.Context(), s.logger).Debug("authentication failed",
		zap.String("credential", obfuscate.Token(credential)),
		zap.String("reason", reason))
	w.Header().Set("WWW-Authenticate", `Bearer realm="egregore"`)
	writeError(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

func bearerToken(header string) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func identityFrom(ctx context.Context) apikey.Identity {
	id, _ := ctx.Value(identityKey{}).(apikey.Identity)
	return id
}

type queryResponse struct {
	Data json.RawMessage `json:"data"`
}

type batchRequest struct {
	Queries []gateway.Query `json:"queries"`
}

type batchItem struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Tokens []string        `json:"tokens,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Window int             `json:"window,omitempty"`
}

type batchResponse struct {
	Results []batchItem `json:"results"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q gateway.Query
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &q); err != nil {
		badRequest(w, err)
		return
	}

	id := identityFrom(r.Context())
	data, err := s.deps.Queries.Execute(r.Context(), &id.Tenant, q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Data: nullIfEmpty(data)})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}

	id := identityFrom(r.Context())
	results, err := s.deps.Queries.ExecuteBatch(r.Context(), &id.Tenant, req.Queries)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	out := batchResponse{Results: make([]batchItem, len(results))}
	for i, res := range results {
		if res.Err != nil {
			body := gatewayBody(res.Err)
			out.Results[i] = batchItem{Error: body.Error, Tokens: body.Tokens, Limit: body.Limit, Window: body.Window}
			continue
		}
		out.Results[i] = batchItem{Data: nullIfEmpty(res.Data)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if e := gateway.AsError(err); e != nil {
		writeGatewayError(w, e)
		return
	}
	logging.WithContext(r.Context(), s.logger).Error("query pipeline failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
