package session

import "errors"

var (
	// ErrExpired is returned when a token is past its expiry or its session
	// breached the idle window. Recoverable: the client should rotate.
	ErrExpired = errors.New("token expired")

	// ErrRevoked is returned when a token or its session was explicitly
	// invalidated (logout, admin revoke, global epoch). Requires re-login.
	ErrRevoked = errors.New("token revoked")

	// ErrMalformed is returned when a token fails signature or shape checks.
	// Treated as attack-adjacent and logged distinctly.
	ErrMalformed = errors.New("token malformed")

	// ErrStoreUnavailable is returned when the credential store or revocation
	// cache cannot answer. Validation fails closed: unavailable means invalid.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrNotFound is returned by stores when a session or refresh record does
	// not exist. The service maps it to ErrRevoked at the transport boundary.
	ErrNotFound = errors.New("record not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
