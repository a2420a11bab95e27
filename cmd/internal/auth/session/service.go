package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"ember/cmd/internal/auth/revocation"
	"ember/cmd/internal/metrics"
	"ember/cmd/security/token"
)

const touchTimeout = 5 * time.Second

// Issued is the credential pair handed to a client after login or rotation.
type Issued struct {
	SessionID        string
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Service is the token authority: it issues, validates, rotates, and revokes
// session-bound token pairs. It is safe for concurrent use.
type Service struct {
	cfg      Config
	tokens   TokenManager
	store    Store
	cache    *revocation.Cache
	notifier revocation.Notifier
	log      *slog.Logger

	// rotations collapses concurrent exchanges of the same refresh token into
	// one execution; gracePairs remembers each rotation's successor pair for
	// the grace window so a delayed retry gets the identical result.
	rotations  singleflight.Group
	gracePairs *gocache.Cache

	now func() time.Time
}

// NewService wires the token authority from its collaborators.
func NewService(cfg Config, tokens TokenManager, store Store, cache *revocation.Cache, notifier revocation.Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	var pairs *gocache.Cache
	if cfg.RotationGrace > 0 {
		pairs = gocache.New(cfg.RotationGrace, cfg.RotationGrace)
	}

	return &Service{
		cfg:        cfg,
		tokens:     tokens,
		store:      store,
		cache:      cache,
		notifier:   notifier,
		log:        log,
		gracePairs: pairs,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Prime loads the durable revocation epoch into the process-local cache.
// Call it once at startup before serving traffic.
func (s *Service) Prime(ctx context.Context) error {
	epoch, err := s.store.LoadEpoch(ctx)
	if err != nil {
		return ErrStoreUnavailable
	}
	s.cache.SetEpoch(epoch)
	return nil
}

// PublicKeyHex exposes the verification key for external validators.
func (s *Service) PublicKeyHex() string {
	return s.tokens.PublicKeyHex()
}

// Issue creates a new session for userID and mints its first token pair.
// The durable write happens before any token leaves the authority: if the
// store is down, no credentials exist.
func (s *Service) Issue(ctx context.Context, userID string) (Issued, error) {
	now := s.now()
	sessionID := ulid.Make().String()
	refreshID := ulid.Make().String()

	refreshTok, refreshExp, err := s.tokens.Issue(KindRefresh, userID, sessionID, refreshID, now)
	if err != nil {
		return Issued{}, err
	}

	sess := SessionRow{
		ID:             sessionID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	row := RefreshRow{
		ID:        refreshID,
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: token.HashRefreshTokenHex(refreshTok),
		IssuedAt:  now,
		ExpiresAt: refreshExp,
	}
	if err := s.store.CreateSession(ctx, sess, row); err != nil {
		s.log.Error("auth.issue.store_fail", "error", err, "user_id", userID)
		return Issued{}, ErrStoreUnavailable
	}

	accessTok, accessExp, err := s.tokens.Issue(KindAccess, userID, sessionID, ulid.Make().String(), now)
	if err != nil {
		return Issued{}, err
	}

	s.log.Info("auth.session.issue", "user_id", userID, "session_id", sessionID)
	return Issued{
		SessionID:        sessionID,
		UserID:           userID,
		AccessToken:      accessTok,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshTok,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// ValidateAccess checks an access token and returns its claims.
//
// Order: signature and shape, token kind, revocation epoch, denylist, session
// state, idle window. Any store failure fails closed as ErrStoreUnavailable.
// A passing validation touches the session's activity clock asynchronously so
// the hot path never waits on the write.
func (s *Service) ValidateAccess(ctx context.Context, accessToken string) (Claims, error) {
	claims, err := s.validateAccess(ctx, accessToken)
	metrics.AuthValidations.WithLabelValues(outcomeLabel(err)).Inc()
	return claims, err
}

func (s *Service) validateAccess(ctx context.Context, accessToken string) (Claims, error) {
	now := s.now()

	claims, err := s.tokens.Verify(accessToken, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != KindAccess {
		return Claims{}, ErrMalformed
	}

	if s.cache.RevokedByEpoch(claims.IssuedAt) {
		return Claims{}, ErrRevoked
	}
	if s.cache.Contains(claims.TokenID) || s.cache.Contains(claims.SessionID) {
		return Claims{}, ErrRevoked
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return Claims{}, ErrRevoked
	}
	if err != nil {
		s.log.Error("auth.validate.store_fail", "error", err, "session_id", claims.SessionID)
		return Claims{}, ErrStoreUnavailable
	}
	if sess.RevokedAt != nil {
		return Claims{}, ErrRevoked
	}

	if s.cfg.IdleTimeout > 0 && now.Sub(sess.LastActivityAt) > s.cfg.IdleTimeout {
		return Claims{}, ErrExpired
	}

	s.touchAsync(claims.SessionID, now)
	return claims, nil
}

// touchAsync records session activity without blocking the caller. The store
// keeps the timestamp monotonic, so out-of-order touches are harmless.
func (s *Service) touchAsync(sessionID string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.TouchSession(ctx, at, sessionID); err != nil {
			s.log.Warn("auth.touch.fail", "error", err, "session_id", sessionID)
		}
	}()
}

// Rotate exchanges a refresh token for a fresh pair on the same session.
//
// Exactly one of N concurrent exchanges of the same token wins the swap in
// the store. Within the rotation grace window a replay of the retired token
// returns the identical successor pair; past the window it is ErrRevoked.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (Issued, error) {
	issued, err := s.rotate(ctx, refreshToken)
	metrics.AuthRotations.WithLabelValues(outcomeLabel(err)).Inc()
	return issued, err
}

func (s *Service) rotate(ctx context.Context, refreshToken string) (Issued, error) {
	now := s.now()

	claims, err := s.tokens.Verify(refreshToken, now)
	if err != nil {
		return Issued{}, err
	}
	if claims.Kind != KindRefresh {
		return Issued{}, ErrMalformed
	}
	if s.cache.RevokedByEpoch(claims.IssuedAt) {
		return Issued{}, ErrRevoked
	}
	if s.cache.Contains(claims.SessionID) {
		return Issued{}, ErrRevoked
	}

	v, err, _ := s.rotations.Do(claims.TokenID, func() (any, error) {
		return s.rotateOnce(ctx, now, claims, refreshToken)
	})
	if err != nil {
		return Issued{}, err
	}
	return v.(Issued), nil
}

func (s *Service) rotateOnce(ctx context.Context, now time.Time, claims Claims, refreshToken string) (Issued, error) {
	if issued, ok := s.gracePair(claims.TokenID); ok {
		s.log.Info("auth.rotate.replay", "session_id", claims.SessionID, "refresh_id", claims.TokenID)
		return issued, nil
	}

	old, err := s.store.GetRefresh(ctx, claims.TokenID)
	if errors.Is(err, ErrNotFound) {
		// Signed token with no record: either revoked and reaped, or forged
		// against a leaked key. Treated as revoked.
		return Issued{}, ErrRevoked
	}
	if err != nil {
		s.log.Error("auth.rotate.store_fail", "error", err, "refresh_id", claims.TokenID)
		return Issued{}, ErrStoreUnavailable
	}

	if subtle.ConstantTimeCompare([]byte(old.TokenHash), []byte(token.HashRefreshTokenHex(refreshToken))) != 1 {
		return Issued{}, ErrMalformed
	}
	if old.RevokedAt != nil {
		return Issued{}, ErrRevoked
	}
	if !old.ExpiresAt.After(now) {
		return Issued{}, ErrExpired
	}
	if old.ReplacedBy != nil {
		// Already rotated and the winner's pair has left the grace cache (or
		// never lived in this process). The lineage moved on without us.
		return Issued{}, ErrRevoked
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return Issued{}, ErrRevoked
	}
	if err != nil {
		return Issued{}, ErrStoreUnavailable
	}
	if sess.RevokedAt != nil {
		return Issued{}, ErrRevoked
	}
	if s.cfg.IdleTimeout > 0 && now.Sub(sess.LastActivityAt) > s.cfg.IdleTimeout {
		return Issued{}, ErrExpired
	}

	// Mint the successor refresh token before the swap: its hash must be in
	// the successor row the swap inserts.
	nextID := ulid.Make().String()
	nextTok, nextExp, err := s.tokens.Issue(KindRefresh, claims.UserID, claims.SessionID, nextID, now)
	if err != nil {
		return Issued{}, err
	}
	successor := RefreshRow{
		ID:        nextID,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		TokenHash: token.HashRefreshTokenHex(nextTok),
		IssuedAt:  now,
		ExpiresAt: nextExp,
	}

	outcome, err := s.store.Rotate(ctx, now, claims.TokenID, successor)
	if err != nil {
		s.log.Error("auth.rotate.store_fail", "error", err, "refresh_id", claims.TokenID)
		return Issued{}, ErrStoreUnavailable
	}
	if !outcome.Won {
		// Lost a cross-process race. The winner's pair is not reachable from
		// here, so the retired token is treated as revoked.
		if issued, ok := s.gracePair(claims.TokenID); ok {
			return issued, nil
		}
		return Issued{}, ErrRevoked
	}

	accessTok, accessExp, err := s.tokens.Issue(KindAccess, claims.UserID, claims.SessionID, ulid.Make().String(), now)
	if err != nil {
		return Issued{}, err
	}

	issued := Issued{
		SessionID:        claims.SessionID,
		UserID:           claims.UserID,
		AccessToken:      accessTok,
		AccessExpiresAt:  accessExp,
		RefreshToken:     nextTok,
		RefreshExpiresAt: nextExp,
	}
	if s.gracePairs != nil {
		s.gracePairs.Set(claims.TokenID, issued, s.cfg.RotationGrace)
	}
	s.touchAsync(claims.SessionID, now)

	s.log.Info("auth.rotate.ok", "session_id", claims.SessionID, "old_refresh_id", claims.TokenID, "new_refresh_id", nextID)
	return issued, nil
}

func (s *Service) gracePair(oldID string) (Issued, bool) {
	if s.gracePairs == nil {
		return Issued{}, false
	}
	v, ok := s.gracePairs.Get(oldID)
	if !ok {
		return Issued{}, false
	}
	return v.(Issued), true
}

// RevokeSession invalidates one session: its refresh lineage stops being
// exchangeable durably, and outstanding access tokens are denylisted for the
// remainder of their lifetime. Idempotent.
func (s *Service) RevokeSession(ctx context.Context, sessionID, reason string) error {
	now := s.now()

	if err := s.store.RevokeSession(ctx, now, sessionID, reason); err != nil {
		s.log.Error("auth.revoke.store_fail", "error", err, "session_id", sessionID)
		return ErrStoreUnavailable
	}

	s.cache.Add(sessionID, s.denyTTL())
	_ = s.notifier.Publish(ctx, revocation.Event{
		Kind:      revocation.KindSessionRevoked,
		SessionID: sessionID,
		At:        now,
	})
	metrics.Revocations.WithLabelValues("session").Inc()

	s.log.Info("auth.revoke.session", "session_id", sessionID, "reason", reason)
	return nil
}

// RevokeUser invalidates every active session of a principal (logout
// everywhere) and returns the affected session IDs.
func (s *Service) RevokeUser(ctx context.Context, userID, reason string) ([]string, error) {
	now := s.now()

	sessionIDs, err := s.store.RevokeUser(ctx, now, userID, reason)
	if err != nil {
		s.log.Error("auth.revoke.store_fail", "error", err, "user_id", userID)
		return nil, ErrStoreUnavailable
	}

	for _, id := range sessionIDs {
		s.cache.Add(id, s.denyTTL())
		_ = s.notifier.Publish(ctx, revocation.Event{
			Kind:      revocation.KindSessionRevoked,
			SessionID: id,
			At:        now,
		})
	}
	metrics.Revocations.WithLabelValues("user").Inc()

	s.log.Info("auth.revoke.user", "user_id", userID, "sessions", len(sessionIDs), "reason", reason)
	return sessionIDs, nil
}

// RevokeAll invalidates every token issued before now in one O(1) epoch bump.
// No per-session enumeration happens; validation compares each token's
// issued-at against the epoch.
func (s *Service) RevokeAll(ctx context.Context) (time.Time, error) {
	// Token issued-at claims carry second precision, so the epoch must be
	// truncated to the same grain. A sub-second epoch would reject tokens
	// issued later within the bump's own second.
	now := s.now().Truncate(time.Second)

	epoch, err := s.store.BumpEpoch(ctx, now)
	if err != nil {
		s.log.Error("auth.revoke.store_fail", "error", err)
		return time.Time{}, ErrStoreUnavailable
	}

	s.cache.SetEpoch(epoch)
	_ = s.notifier.Publish(ctx, revocation.Event{
		Kind:  revocation.KindEpochBumped,
		Epoch: epoch,
		At:    now,
	})
	metrics.Revocations.WithLabelValues("all").Inc()

	s.log.Warn("auth.revoke.all", "epoch", epoch)
	return epoch, nil
}

// denyTTL is how long a denylist entry must outlive the newest access token
// that could still reference the revoked identifier.
func (s *Service) denyTTL() time.Duration {
	return s.cfg.AccessTokenTTL + s.cfg.ClockSkew
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
