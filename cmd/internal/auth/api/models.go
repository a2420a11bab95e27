package authapi

import (
	"time"

	"ember/cmd/identity"
	"ember/cmd/internal/auth/session"
)

type registerRequest struct {
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name"`
	Password    string  `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type logoutAllResponse struct {
	RevokedSessions int `json:"revoked_sessions"`
}

type revokeAllResponse struct {
	Epoch time.Time `json:"epoch"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
}
