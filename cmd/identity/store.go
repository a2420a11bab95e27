package identity

import (
	"context"
	"time"

	"ember/cmd/identity/ids"
	"ember/cmd/security/password"
)

// User is Ember's canonical security principal.
// PasswordHash is the server-stored Argon2id PHC string; the plain password
// is never stored.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	DisplayName  *string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUserInput describes a registration request.
type CreateUserInput struct {
	Username    string
	DisplayName *string
	Password    string
	Now         time.Time
}

// Store is the principal persistence boundary.
type Store interface {
	// CreateUser registers a principal. Returns ConflictError{Field:
	// "username"} when the normalized username is taken.
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	// GetUserByUsername resolves a principal by normalized username.
	// Returns ErrNotFound when absent.
	GetUserByUsername(ctx context.Context, usernameNorm string) (User, error)

	// GetUserByID resolves a principal by ID. Returns ErrNotFound when absent.
	GetUserByID(ctx context.Context, id string) (User, error)
}

// newUser validates input and builds the durable record (shared by store
// implementations so policy cannot drift between them).
func newUser(in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	username := NormalizeUsername(in.Username)
	if username == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "username required"}
	}

	hash, err := password.Hash(in.Password, password.DefaultParams())
	if err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	return User{
		ID:           id,
		Username:     in.Username,
		UsernameNorm: username,
		DisplayName:  in.DisplayName,
		PasswordHash: hash,
		CreatedAt:    now,
	}, nil
}

// VerifyPassword checks a candidate password against the stored hash in
// constant time.
func VerifyPassword(candidate, storedHash string) (bool, error) {
	return password.Verify(candidate, storedHash)
}
