package app

import (
	"strings"
	"testing"
)

func TestValidateSecurityConfigPolicyDisabled(t *testing.T) {
	t.Setenv("EMBER_TOKEN_HMAC_KEY", "")

	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: false}); err != nil {
		t.Fatalf("disabled policy should pass, got %v", err)
	}
}

func TestValidateSecurityConfigMissingKey(t *testing.T) {
	t.Setenv("EMBER_TOKEN_HMAC_KEY", "")

	err := ValidateSecurityConfig(Config{RequireTokenHMAC: true})
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("want missing-key error, got %v", err)
	}
}

func TestValidateSecurityConfigShortKey(t *testing.T) {
	t.Setenv("EMBER_TOKEN_HMAC_KEY", "too-short")

	err := ValidateSecurityConfig(Config{RequireTokenHMAC: true})
	if err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("want short-key error, got %v", err)
	}
}

func TestValidateSecurityConfigOK(t *testing.T) {
	t.Setenv("EMBER_TOKEN_HMAC_KEY", strings.Repeat("k", 48))

	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err != nil {
		t.Fatalf("valid key should pass, got %v", err)
	}
}
