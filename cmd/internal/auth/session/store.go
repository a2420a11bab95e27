package session

import (
	"context"
	"time"
)

// SessionRow mirrors the ember.sessions row: one authenticated login instance.
type SessionRow struct {
	ID             string
	UserID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	RevokedAt      *time.Time
}

// RefreshRow mirrors the ember.refresh_tokens row: durable proof that a
// refresh token is currently exchangeable.
//
// State machine: issued (ReplacedBy nil, RevokedAt nil) ->
// rotated_pending_grace (ReplacedBy set) -> expired_or_revoked (past grace,
// past expiry, or RevokedAt set). issued and rotated_pending_grace are both
// exchangeable; only the former can win a rotation.
type RefreshRow struct {
	ID         string
	UserID     string
	SessionID  string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ReplacedBy *string
	ReplacedAt *time.Time
	RevokedAt  *time.Time
}

// RotateOutcome reports the result of the conditional rotation update.
// When Won is false, Old reflects the record's current state so the caller
// can serve the grace-window replay path.
type RotateOutcome struct {
	Won bool
	Old RefreshRow
}

// Store abstracts persistence for session and refresh-token state.
//
// Implementations must make Rotate an atomic conditional update (compare-and-
// swap on the replaced/revoked state), never a read-then-write, and must keep
// TouchSession monotonic. No method may hold a lock across an I/O round trip
// to another subsystem.
type Store interface {
	// CreateSession durably creates a session row and its initial refresh
	// record in one atomic write.
	CreateSession(ctx context.Context, s SessionRow, r RefreshRow) error

	// GetSession loads a session row by ID. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (SessionRow, error)

	// GetRefresh loads a refresh record by token ID. Returns ErrNotFound when absent.
	GetRefresh(ctx context.Context, tokenID string) (RefreshRow, error)

	// Rotate atomically claims oldID for rotation and inserts the successor
	// record. Exactly one concurrent caller wins; losers get the current row.
	Rotate(ctx context.Context, now time.Time, oldID string, successor RefreshRow) (RotateOutcome, error)

	// TouchSession advances last_activity_at. Monotonic: a delayed touch must
	// never move the timestamp backwards.
	TouchSession(ctx context.Context, now time.Time, sessionID string) error

	// RevokeSession revokes one session and all refresh records bound to it
	// (idempotent).
	RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) error

	// RevokeUser revokes every session of a principal (logout everywhere) and
	// returns the IDs of the sessions that were still active.
	RevokeUser(ctx context.Context, now time.Time, userID, reason string) ([]string, error)

	// LoadEpoch returns the current global revocation epoch (zero time when a
	// global revoke has never happened).
	LoadEpoch(ctx context.Context) (time.Time, error)

	// BumpEpoch advances the global revocation epoch to now and returns the
	// stored value. O(1) regardless of session count.
	BumpEpoch(ctx context.Context, now time.Time) (time.Time, error)
}
