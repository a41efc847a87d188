package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/onboarding"
)

var onboardingStatus = map[onboarding.Code]int{
	onboarding.CodeInvalidRequest:  http.StatusBadRequest,
	onboarding.CodeUnauthorized:    http.StatusUnauthorized,
	onboarding.CodeSlugTaken:       http.StatusConflict,
	onboarding.CodeProvisionFailed: http.StatusBadGateway,
	onboarding.CodeConfigFailed:    http.StatusBadGateway,
	onboarding.CodeDirectoryFailed: http.StatusInternalServerError,
	onboarding.CodeNotCollaborator: http.StatusForbidden,
	onboarding.CodeNotAdmin:        http.StatusForbidden,
	onboarding.CodeUnknownTenant:   http.StatusNotFound,
	onboarding.CodeExpiredToken:    http.StatusGone,
	onboarding.CodeUnknownToken:    http.StatusNotFound,
	onboarding.CodeUpstream:        http.StatusBadGateway,
	onboarding.CodeInternal:        http.StatusInternalServerError,
}

// onboardingRoute answers 503 when the code-hosting integration is off.
func (s *Server) onboardingRoute(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Onboarding == nil {
			writeError(w, http.StatusServiceUnavailable, errorBody{
				Error:       "onboarding_disabled",
				Description: "onboarding is not configured on this gateway",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) writeOnboardingError(w http.ResponseWriter, r *http.Request, err error) {
	oe, ok := onboarding.AsError(err)
	if !ok {
		logging.WithContext(r.Context(), s.logger).Error("onboarding failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: string(onboarding.CodeInternal)})
		return
	}
	status, known := onboardingStatus[oe.Code]
	if !known {
		status = http.StatusInternalServerError
	}
	writeError(w, status, errorBody{Error: string(oe.Code), Fields: oe.Fields})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req onboarding.SetupRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.deps.Onboarding.Setup(r.Context(), req)
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req onboarding.JoinRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.deps.Onboarding.Join(r.Context(), req)
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req onboarding.InviteRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.deps.Onboarding.Invite(r.Context(), req)
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handlePeekInvite(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Onboarding.PeekInvite(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req onboarding.AcceptRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.deps.Onboarding.Accept(r.Context(), req)
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleClaim returns the bootstrap payload itself; it can be read once.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req onboarding.ClaimRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &req); err != nil {
		badRequest(w, err)
		return
	}
	payload, err := s.deps.Onboarding.Claim(r.Context(), req)
	if err != nil {
		s.writeOnboardingError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, payload)
}
