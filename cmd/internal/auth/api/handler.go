// Package authapi wires the token authority and the principal store to HTTP.
package authapi

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"ember/cmd/identity"
	"ember/cmd/internal/auth/session"
	"ember/cmd/security/password"
)

// Handler serves the auth endpoints.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	users    identity.Store
	sessions *session.Service

	// dummyHash keeps login timing flat for unknown usernames.
	dummyHash string
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, sessions *session.Service) *Handler {
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		sessions: sessions,
	}
	if hash, err := password.Hash("dummy-password-for-timing-only", password.DefaultParams()); err == nil {
		h.dummyHash = hash
	}
	return h
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/revoke_all", h.handleRevokeAll)
	mux.HandleFunc("/me", h.handleMe)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, err := h.users.CreateUser(r.Context(), identity.CreateUserInput{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	switch {
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "username_taken", "username already registered")
		return
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", "username or password not acceptable")
		return
	case err != nil:
		h.log.Error("auth.register.fail", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "registration temporarily unavailable")
		return
	}

	issued, err := h.sessions.Issue(r.Context(), user.ID)
	if err != nil {
		h.log.Error("auth.register.issue_fail", "error", err, "user_id", user.ID)
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "registration succeeded, login to continue")
		return
	}

	h.log.Info("auth.register.ok", "user_id", user.ID, "ip", clientIPString(r, h.cfg.TrustProxy))
	writeJSON(w, http.StatusCreated, loginResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), identity.NormalizeUsername(req.Username))
	if err != nil && !identity.IsNotFound(err) {
		h.log.Error("auth.login.store_fail", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "login temporarily unavailable")
		return
	}

	// Verify against a dummy hash when the user is unknown so response timing
	// does not reveal whether the username exists.
	hash := h.dummyHash
	if err == nil {
		hash = user.PasswordHash
	}
	ok, verr := identity.VerifyPassword(req.Password, hash)
	if verr != nil || !ok || err != nil {
		h.log.Info("auth.login.fail", "ip", clientIPString(r, h.cfg.TrustProxy))
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	issued, err := h.sessions.Issue(r.Context(), user.ID)
	if err != nil {
		h.log.Error("auth.login.issue_fail", "error", err, "user_id", user.ID)
		writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "login temporarily unavailable")
		return
	}

	h.log.Info("auth.login.ok", "user_id", user.ID, "session_id", issued.SessionID)
	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "refresh_token required")
		return
	}

	issued, err := h.sessions.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.sessions.RevokeSession(r.Context(), claims.SessionID, "logout"); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ids, err := h.sessions.RevokeUser(r.Context(), claims.UserID, "logout_all")
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutAllResponse{RevokedSessions: len(ids)})
}

// handleRevokeAll is the global kill switch: every token issued before now
// becomes invalid in one O(1) operation.
func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.AdminKey == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.AdminKey)) != 1 {
		h.log.Warn("auth.revoke_all.denied", "ip", clientIPString(r, h.cfg.TrustProxy))
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	epoch, err := h.sessions.RevokeAll(r.Context())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{Epoch: epoch})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	user, err := h.users.GetUserByID(r.Context(), claims.UserID)
	if identity.IsNotFound(err) {
		writeError(w, http.StatusUnauthorized, "token_revoked", "principal no longer exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(user)})
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "token_missing", "missing bearer token")
		return session.Claims{}, false
	}
	claims, err := h.sessions.ValidateAccess(r.Context(), tok)
	if err != nil {
		writeAuthError(w, err)
		return session.Claims{}, false
	}
	return claims, true
}

func clientIPString(r *http.Request, trustProxy bool) string {
	if ip := clientIP(r, trustProxy); ip != nil {
		return ip.String()
	}
	return ""
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(strings.TrimSpace(r.RemoteAddr))
	}
	return net.ParseIP(host)
}
