package authapi

import (
	"errors"
	"net/http"
	"strings"

	"ember/cmd/internal/auth/session"
)

// RequireAuth validates the bearer access token once per request, rejects
// before the wrapped handler runs, and attaches the claims to the context.
//
// Every failure is a 401 with a distinguishable code so clients know whether
// to rotate (token_expired), re-login (token_revoked), or give up
// (token_malformed). Store outages also reject: auth_unavailable, 503.
func RequireAuth(sessions *session.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "token_missing", "missing bearer token")
			return
		}

		claims, err := sessions.ValidateAccess(r.Context(), tok)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired, rotate the refresh token")
	case errors.Is(err, session.ErrRevoked):
		writeError(w, http.StatusUnauthorized, "token_revoked", "token revoked, authenticate again")
	case errors.Is(err, session.ErrMalformed):
		writeError(w, http.StatusUnauthorized, "token_malformed", "token malformed")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication temporarily unavailable")
	default:
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
