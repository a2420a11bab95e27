package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore implements identity persistence over PostgreSQL (ember.users).
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed principal store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	u, err := newUser(in)
	if err != nil {
		return User{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ember.users (id, username, username_norm, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Username, u.UsernameNorm, u.DisplayName, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return User{}, ConflictError{Op: "identity.CreateUser", Field: "username"}
		}
		return User{}, err
	}

	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, usernameNorm string) (User, error) {
	return scanUser(s.pool.QueryRow(ctx, userSelect+` WHERE username_norm = $1`, usernameNorm))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.pool.QueryRow(ctx, userSelect+` WHERE id = $1`, id))
}

const userSelect = `
	SELECT id, username, username_norm, display_name, password_hash, created_at
	FROM ember.users`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.UsernameNorm, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}
