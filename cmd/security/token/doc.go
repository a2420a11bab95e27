// Package token provides token hashing primitives for Ember.
//
// It is the single source of truth for refresh-token hashing: a refresh token
// string is never persisted in plaintext, only its 64-char hex digest is
// stored next to the refresh record and compared on rotation.
//
// Modes:
//   - Dev/back-compat: SHA-256(token) when no HMAC key is configured.
//   - Production-enforced: HMAC-SHA256(token, key) when EMBER_TOKEN_HMAC_KEY
//     is set. Under the RequireTokenHMAC startup policy the key MUST be
//     present and at least 32 bytes.
package token
