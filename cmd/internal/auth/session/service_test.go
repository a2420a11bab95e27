package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"ember/cmd/internal/auth/revocation"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	cache  *revocation.Cache
	broker *revocation.Broker
	clock  *fakeClock
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	if mutate != nil {
		mutate(&cfg)
	}

	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	store := NewMemoryStore()
	cache := revocation.NewCache()
	broker := revocation.NewBroker(nil)
	svc := NewService(cfg, mgr, store, cache, broker, nil)

	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	svc.now = clock.Now

	return &fixture{svc: svc, store: store, cache: cache, broker: broker, clock: clock}
}

func TestIssueAndValidate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.SessionID == "" || issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", issued)
	}

	claims, err := f.svc.ValidateAccess(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != issued.SessionID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsRefreshToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := f.svc.ValidateAccess(ctx, issued.RefreshToken); !errors.Is(err, ErrMalformed) {
		t.Fatalf("ValidateAccess(refresh) = %v, want ErrMalformed", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.AccessToken); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Rotate(access) = %v, want ErrMalformed", err)
	}
}

func TestValidateExpiredAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(f.svc.cfg.AccessTokenTTL + f.svc.cfg.ClockSkew + time.Second)
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("ValidateAccess = %v, want ErrExpired", err)
	}
}

func TestRotateIssuesNewPairOnSameSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(time.Minute)
	next, err := f.svc.Rotate(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.SessionID != issued.SessionID {
		t.Fatalf("session changed across rotation: %q -> %q", issued.SessionID, next.SessionID)
	}
	if next.RefreshToken == issued.RefreshToken || next.AccessToken == issued.AccessToken {
		t.Fatal("rotation must mint fresh tokens")
	}

	if _, err := f.svc.ValidateAccess(ctx, next.AccessToken); err != nil {
		t.Fatalf("ValidateAccess(new): %v", err)
	}
}

func TestRotateConcurrentReturnsIdenticalPair(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	results := make([]Issued, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Rotate(ctx, issued.RefreshToken)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Rotate[%d]: %v", i, errs[i])
		}
		if results[i].RefreshToken != results[0].RefreshToken || results[i].AccessToken != results[0].AccessToken {
			t.Fatalf("Rotate[%d] returned a different pair", i)
		}
	}
}

func TestRotateReplayWithinGrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	first, err := f.svc.Rotate(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// A delayed retry with the retired token gets the identical pair back.
	replay, err := f.svc.Rotate(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate replay: %v", err)
	}
	if replay.RefreshToken != first.RefreshToken || replay.AccessToken != first.AccessToken {
		t.Fatal("grace replay must return the already-issued pair")
	}
}

func TestRotateReplayOutsideGrace(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RotationGrace = 50 * time.Millisecond
	})
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Rotate outside grace = %v, want ErrRevoked", err)
	}
}

func TestRotateReplayGraceDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RotationGrace = 0
	})
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Rotate with grace disabled = %v, want ErrRevoked", err)
	}
}

func TestRotateExpiredRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(f.svc.cfg.RefreshTokenTTL + f.svc.cfg.ClockSkew + time.Second)
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("Rotate = %v, want ErrExpired", err)
	}
}

func TestRevokeSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	events, cancel := f.broker.Subscribe()
	defer cancel()

	if err := f.svc.RevokeSession(ctx, issued.SessionID, "logout"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("ValidateAccess = %v, want ErrRevoked", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Rotate = %v, want ErrRevoked", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != revocation.KindSessionRevoked || ev.SessionID != issued.SessionID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no revocation event published")
	}

	// Idempotent.
	if err := f.svc.RevokeSession(ctx, issued.SessionID, "logout"); err != nil {
		t.Fatalf("RevokeSession again: %v", err)
	}
}

func TestRevokeUserRevokesAllSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue a: %v", err)
	}
	b, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue b: %v", err)
	}
	other, err := f.svc.Issue(ctx, "user-2")
	if err != nil {
		t.Fatalf("Issue other: %v", err)
	}

	ids, err := f.svc.RevokeUser(ctx, "user-1", "logout_all")
	if err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("revoked %d sessions, want 2", len(ids))
	}

	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if _, err := f.svc.ValidateAccess(ctx, tok); !errors.Is(err, ErrRevoked) {
			t.Fatalf("ValidateAccess = %v, want ErrRevoked", err)
		}
	}
	if _, err := f.svc.ValidateAccess(ctx, other.AccessToken); err != nil {
		t.Fatalf("unrelated principal affected: %v", err)
	}
}

func TestRevokeAllEpoch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	before, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.RevokeAll(ctx); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	if _, err := f.svc.ValidateAccess(ctx, before.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("pre-epoch token = %v, want ErrRevoked", err)
	}
	if _, err := f.svc.Rotate(ctx, before.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("pre-epoch refresh = %v, want ErrRevoked", err)
	}

	f.clock.Advance(time.Minute)
	after, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue after epoch: %v", err)
	}
	if _, err := f.svc.ValidateAccess(ctx, after.AccessToken); err != nil {
		t.Fatalf("post-epoch token: %v", err)
	}
}

func TestRevokeAllSameSecondIssueStaysValid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Claims carry second-precision timestamps, so a bump mid-second must not
	// swallow tokens issued later within that same second.
	f.clock.Advance(300 * time.Millisecond)
	if _, err := f.svc.RevokeAll(ctx); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	f.clock.Advance(300 * time.Millisecond)
	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); err != nil {
		t.Fatalf("token issued after the bump = %v, want valid", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("refresh issued after the bump = %v, want rotation", err)
	}
}

func TestPrimeLoadsEpoch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// A restart loses the in-memory epoch; Prime restores it from the store.
	f.clock.Advance(time.Minute)
	if _, err := f.store.BumpEpoch(ctx, f.clock.Now()); err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); err != nil {
		t.Fatalf("epoch applied before Prime: %v", err)
	}

	if err := f.svc.Prime(ctx); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("ValidateAccess after Prime = %v, want ErrRevoked", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AccessTokenTTL = 24 * time.Hour
		cfg.IdleTimeout = time.Hour
	})
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("idle breach = %v, want ErrExpired", err)
	}
}

func TestIdleTimeoutResetByActivity(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AccessTokenTTL = 24 * time.Hour
		cfg.IdleTimeout = time.Hour
	})
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(45 * time.Minute)
	if err := f.store.TouchSession(ctx, f.clock.Now(), issued.SessionID); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	f.clock.Advance(45 * time.Minute)
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); err != nil {
		t.Fatalf("ValidateAccess after activity: %v", err)
	}
}

func TestIdleTimeoutDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.AccessTokenTTL = 24 * time.Hour
		cfg.IdleTimeout = 0
	})
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.clock.Advance(12 * time.Hour)
	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); err != nil {
		t.Fatalf("ValidateAccess with idle disabled: %v", err)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later := f.clock.Now().Add(time.Hour)
	if err := f.store.TouchSession(ctx, later, issued.SessionID); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	// A delayed touch with an older timestamp must not move the clock back.
	if err := f.store.TouchSession(ctx, later.Add(-30*time.Minute), issued.SessionID); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	sess, err := f.store.GetSession(ctx, issued.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.LastActivityAt.Equal(later) {
		t.Fatalf("LastActivityAt = %v, want %v", sess.LastActivityAt, later)
	}
}

// failingStore simulates an unreachable database.
type failingStore struct {
	Store
}

var errDown = errors.New("connection refused")

func (failingStore) GetSession(context.Context, string) (SessionRow, error) {
	return SessionRow{}, errDown
}
func (failingStore) GetRefresh(context.Context, string) (RefreshRow, error) {
	return RefreshRow{}, errDown
}
func (failingStore) RevokeSession(context.Context, time.Time, string, string) error {
	return errDown
}
func (failingStore) BumpEpoch(context.Context, time.Time) (time.Time, error) {
	return time.Time{}, errDown
}

func TestFailClosedOnStoreErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.svc.store = failingStore{Store: f.store}

	if _, err := f.svc.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("ValidateAccess = %v, want ErrStoreUnavailable", err)
	}
	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Rotate = %v, want ErrStoreUnavailable", err)
	}
	if err := f.svc.RevokeSession(ctx, issued.SessionID, "x"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("RevokeSession = %v, want ErrStoreUnavailable", err)
	}
	if _, err := f.svc.RevokeAll(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("RevokeAll = %v, want ErrStoreUnavailable", err)
	}
}

func TestRotateUnknownRefreshRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Reap the durable record: a verifiable token with no record is revoked.
	f.store.mu.Lock()
	for id := range f.store.refresh {
		delete(f.store.refresh, id)
	}
	f.store.mu.Unlock()

	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Rotate = %v, want ErrRevoked", err)
	}
}

func TestRotateHashMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.store.mu.Lock()
	for _, r := range f.store.refresh {
		r.TokenHash = "deadbeef"
	}
	f.store.mu.Unlock()

	if _, err := f.svc.Rotate(ctx, issued.RefreshToken); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Rotate = %v, want ErrMalformed", err)
	}
}
