package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func testTokenConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	return cfg
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testTokenConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	tok, exp, err := mgr.Issue(KindAccess, "user-1", "sess-1", "jti-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := now.Add(cfg.AccessTokenTTL); !exp.Equal(want) {
		t.Fatalf("exp = %v, want %v", exp, want)
	}

	claims, err := mgr.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TokenID != "jti-1" || claims.UserID != "user-1" || claims.SessionID != "sess-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("kind = %q, want %q", claims.Kind, KindAccess)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("issuer = %q, want %q", claims.Issuer, cfg.Issuer)
	}
}

func TestTokenRefreshKindAndTTL(t *testing.T) {
	cfg := testTokenConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	tok, exp, err := mgr.Issue(KindRefresh, "user-1", "sess-1", "jti-r", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := now.Add(cfg.RefreshTokenTTL); !exp.Equal(want) {
		t.Fatalf("exp = %v, want %v", exp, want)
	}

	claims, err := mgr.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Kind != KindRefresh {
		t.Fatalf("kind = %q, want %q", claims.Kind, KindRefresh)
	}
}

func TestTokenExpired(t *testing.T) {
	cfg := testTokenConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	tok, _, err := mgr.Issue(KindAccess, "user-1", "sess-1", "jti-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	late := now.Add(cfg.AccessTokenTTL + cfg.ClockSkew + time.Second)
	if _, err := mgr.Verify(tok, late); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify after expiry = %v, want ErrExpired", err)
	}
}

func TestTokenMalformed(t *testing.T) {
	cfg := testTokenConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	good, _, err := mgr.Issue(KindAccess, "user-1", "sess-1", "jti-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// A token signed by a different key must not verify.
	otherCfg := testTokenConfig(t)
	other, err := NewPasetoV4PublicManager(otherCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	foreign, _, err := other.Issue(KindAccess, "user-1", "sess-1", "jti-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := map[string]string{
		"garbage":     "not-a-token",
		"empty":       "",
		"tampered":    good[:len(good)-4] + "AAAA",
		"foreign key": foreign,
	}
	for name, tok := range cases {
		if _, err := mgr.Verify(tok, now); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: Verify = %v, want ErrMalformed", name, err)
		}
	}
}

func TestTokenBadSecretKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = "zz"
	if _, err := NewPasetoV4PublicManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("NewPasetoV4PublicManager = %v, want ErrConfig", err)
	}
}

func TestTokenPublicKeyHex(t *testing.T) {
	cfg := testTokenConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	if pub := mgr.PublicKeyHex(); pub == "" || strings.EqualFold(pub, cfg.PasetoV4SecretKeyHex) {
		t.Fatalf("PublicKeyHex = %q", pub)
	}
}
