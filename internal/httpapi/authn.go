package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"adfunds.io/internal/audit"
	"adfunds.io/internal/auth"
	"adfunds.io/internal/impersonation"
)

const (
	authHeader          = "Authorization"
	bearer              = "Bearer "
	impersonationHeader = "X-Impersonation-Session"
)

// withAuth verifies the bearer token and, when the impersonation header is
// present, swaps the caller for the admin acting as the session's organization.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, kindUnauthorized, "authentication is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		actor := claims.Actor()

		if sid := strings.TrimSpace(r.Header.Get(impersonationHeader)); sid != "" {
			actor, err = a.impersonate(r, actor, sid)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithActor(r.Context(), actor)))
	})
}

func (a *API) impersonate(r *http.Request, admin audit.Actor, sessionID string) (audit.Actor, error) {
	if a.sessions == nil || !admin.IsAdmin() {
		return audit.Actor{}, impersonation.ErrAdminAccessRequired
	}
	s, err := a.sessions.Resolve(r.Context(), sessionID)
	if err != nil {
		return audit.Actor{}, err
	}
	if s.AdminID != admin.ID {
		return audit.Actor{}, impersonation.ErrNotSessionOwner
	}
	return s.Actor(admin), nil
}

// requireOrgAccess admits members of the path organization and privileged
// callers. Impersonating admins count as members of the target only.
func (a *API) requireOrgAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			unauthorized(w, r, "authentication required")
			return
		}
		orgID := chi.URLParam(r, "orgID")
		if actor.MemberOf(orgID) || (actor.Privileged() && !actor.Impersonating()) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, r, http.StatusForbidden, kindAccessDenied, "organization access denied")
	})
}

// RequireAdmin admits platform admins that are not currently impersonating.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			unauthorized(w, r, "authentication required")
			return
		}
		if !actor.IsAdmin() || actor.Impersonating() {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, kindAdminAccessRequired, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="adfunds"`)
	writeError(w, r, http.StatusUnauthorized, kindUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func actorFrom(r *http.Request) audit.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}
