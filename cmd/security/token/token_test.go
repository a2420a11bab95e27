package token

import "testing"

func TestHashRefreshTokenHex_SHAFallback(t *testing.T) {
	t.Setenv(HMACEnvKey, "")

	got := HashRefreshTokenHex("refresh-token-plain")
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got != HashSHA256Hex("refresh-token-plain") {
		t.Fatalf("expected SHA-256 fallback when HMAC key is unset")
	}
}

func TestHashRefreshTokenHex_HMACMode(t *testing.T) {
	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")

	got := HashRefreshTokenHex("refresh-token-plain")
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got == HashSHA256Hex("refresh-token-plain") {
		t.Fatalf("HMAC mode must not equal plain SHA-256 digest")
	}

	want := HashHMACSHA256Hex("refresh-token-plain", []byte("0123456789abcdef0123456789abcdef"))
	if got != want {
		t.Fatalf("digest mismatch")
	}
}

func TestHMACKeyFromEnv_Policy(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	key, err := HMACKeyFromEnv(32)
	if err != nil {
		t.Fatalf("HMACKeyFromEnv: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}
}
