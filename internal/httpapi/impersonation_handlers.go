package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"adfunds.io/internal/impersonation"
)

type startImpersonationRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,max=64"`
	Reason         string `json:"reason" validate:"required,max=1000"`
	// DurationSeconds of zero selects the default length.
	DurationSeconds int64 `json:"duration_seconds,omitempty" validate:"gte=0"`
}

func (a *API) startImpersonation(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusNotFound, kindNotFound, "impersonation disabled")
		return
	}
	var req startImpersonationRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	s, err := a.sessions.Start(r.Context(), impersonation.StartRequest{
		Admin:          actorFrom(r),
		OrganizationID: req.OrganizationID,
		Reason:         req.Reason,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admin/impersonations/"+s.ID)
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) endImpersonation(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusNotFound, kindNotFound, "impersonation disabled")
		return
	}
	s, err := a.sessions.End(r.Context(), chi.URLParam(r, "sessionID"), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) listImpersonations(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []impersonation.Session{}})
		return
	}
	items, err := a.sessions.ListActive(r.Context(), actorFrom(r).ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// validateImpersonation reports whether a session is usable right now.
func (a *API) validateImpersonation(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, r, http.StatusNotFound, kindNotFound, "impersonation disabled")
		return
	}
	s, err := a.sessions.Resolve(r.Context(), chi.URLParam(r, "sessionID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "session": s})
	case errors.Is(err, impersonation.ErrSessionExpired), errors.Is(err, impersonation.ErrSessionEnded):
		_, kind := errorKind(err)
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": kind})
	default:
		writeDomainError(w, r, err)
	}
}
