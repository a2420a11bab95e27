package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (ember.sessions,
// ember.refresh_tokens, ember.revocation_epoch).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed credential store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateSession inserts the session row and its initial refresh record in one
// transaction.
func (s *PostgresStore) CreateSession(ctx context.Context, sess SessionRow, r RefreshRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO ember.sessions (id, user_id, created_at, last_activity_at, revoked_at)
		VALUES ($1, $2, $3, $3, NULL)
	`, sess.ID, sess.UserID, sess.CreatedAt)
	if err != nil {
		return err
	}

	if err := insertRefreshTx(ctx, tx, r); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetSession loads a session row by ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	var row SessionRow

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, last_activity_at, revoked_at
		FROM ember.sessions
		WHERE id = $1
	`, sessionID).Scan(&row.ID, &row.UserID, &row.CreatedAt, &row.LastActivityAt, &row.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, err
	}

	return row, nil
}

// GetRefresh loads a refresh record by token ID.
func (s *PostgresStore) GetRefresh(ctx context.Context, tokenID string) (RefreshRow, error) {
	return scanRefresh(s.pool.QueryRow(ctx, refreshSelect+` WHERE id = $1`, tokenID))
}

const refreshSelect = `
	SELECT id, user_id, session_id, token_hash,
	       issued_at, expires_at, replaced_by, replaced_at, revoked_at
	FROM ember.refresh_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefresh(r rowScanner) (RefreshRow, error) {
	var row RefreshRow
	err := r.Scan(
		&row.ID,
		&row.UserID,
		&row.SessionID,
		&row.TokenHash,
		&row.IssuedAt,
		&row.ExpiresAt,
		&row.ReplacedBy,
		&row.ReplacedAt,
		&row.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshRow{}, ErrNotFound
	}
	if err != nil {
		return RefreshRow{}, err
	}
	return row, nil
}

// Rotate claims the old record with a conditional update and inserts the
// successor in the same transaction. The WHERE clause is the compare-and-swap:
// only a record still in the issued state can be claimed, so exactly one of N
// concurrent rotations commits the transition.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldID string, successor RefreshRow) (RotateOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RotateOutcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE ember.refresh_tokens
		SET replaced_by = $2, replaced_at = $3
		WHERE id = $1 AND replaced_by IS NULL AND revoked_at IS NULL
	`, oldID, successor.ID, now)
	if err != nil {
		return RotateOutcome{}, err
	}

	if tag.RowsAffected() == 0 {
		// Lost the swap (or the record was revoked meanwhile): report the
		// current state so the caller can evaluate the grace window.
		_ = tx.Rollback(ctx)
		old, err := s.GetRefresh(ctx, oldID)
		if err != nil {
			return RotateOutcome{}, err
		}
		return RotateOutcome{Won: false, Old: old}, nil
	}

	if err := insertRefreshTx(ctx, tx, successor); err != nil {
		return RotateOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RotateOutcome{}, err
	}

	return RotateOutcome{Won: true}, nil
}

func insertRefreshTx(ctx context.Context, tx pgx.Tx, r RefreshRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ember.refresh_tokens (
			id, user_id, session_id, token_hash,
			issued_at, expires_at, replaced_by, replaced_at, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULL, NULL, NULL)
	`, r.ID, r.UserID, r.SessionID, r.TokenHash, r.IssuedAt, r.ExpiresAt)
	return err
}

// TouchSession advances last_activity_at, never backwards.
func (s *PostgresStore) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ember.sessions
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1
	`, sessionID, now)
	return err
}

// RevokeSession revokes one session and all refresh records bound to it
// (idempotent).
func (s *PostgresStore) RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE ember.sessions
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE ember.refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE session_id = $1
	`, sessionID, now)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RevokeUser revokes every active session of a principal and returns their IDs.
func (s *PostgresStore) RevokeUser(ctx context.Context, now time.Time, userID, reason string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE ember.sessions
		SET revoked_at = $2, revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING id
	`, userID, now, reason)
	if err != nil {
		return nil, err
	}

	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		sessionIDs = append(sessionIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE ember.refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE user_id = $1
	`, userID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sessionIDs, nil
}

// LoadEpoch returns the global revocation epoch (zero time when never bumped).
func (s *PostgresStore) LoadEpoch(ctx context.Context) (time.Time, error) {
	var revokedBefore *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT revoked_before FROM ember.revocation_epoch WHERE singleton
	`).Scan(&revokedBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if revokedBefore == nil {
		return time.Time{}, nil
	}
	return *revokedBefore, nil
}

// BumpEpoch advances the epoch marker in a single-row update: O(1) regardless
// of how many sessions are outstanding.
func (s *PostgresStore) BumpEpoch(ctx context.Context, now time.Time) (time.Time, error) {
	var stored time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE ember.revocation_epoch
		SET revoked_before = GREATEST(COALESCE(revoked_before, 'epoch'::timestamptz), $1)
		WHERE singleton
		RETURNING revoked_before
	`, now).Scan(&stored)
	if err != nil {
		return time.Time{}, err
	}
	return stored, nil
}
