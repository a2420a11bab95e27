package token

import "errors"

// Sentinel errors surfaced to the startup security-policy check.
var (
	// ErrHMACKeyMissing means EMBER_TOKEN_HMAC_KEY is unset or blank.
	ErrHMACKeyMissing = errors.New("token HMAC key missing")
	// ErrHMACKeyTooShort means the key is set but under the required length.
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
)
