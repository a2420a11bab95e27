// Package password implements Argon2id password hashing for Ember principals.
//
// Encoded hash format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Parameters are embedded in the hash so they can be raised over time without
// invalidating existing credentials.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Public, stable errors for callers.
var (
	ErrInvalidHash = errors.New("invalid password hash")
	ErrTooShort    = errors.New("password too short")
	ErrTooLong     = errors.New("password too long")
)

const (
	argon2Version = 19 // argon2.Version (0x13)

	minPasswordLen = 8
	maxPasswordLen = 256

	// Anti-DoS ceiling for attacker-controlled encoded hashes.
	maxVerifyMemoryKiB  = 1024 * 1024
	maxVerifyIterations = 32
)

// Params controls Argon2id hashing cost. MemoryKiB is in KiB as required by
// argon2.IDKey.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns a strong baseline suitable for interactive logins.
func DefaultParams() Params {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Params{
		MemoryKiB:   64 * 1024, // 64 MiB
		Iterations:  3,
		Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hash hashes a password with the given params and returns the encoded hash.
func Hash(password string, p Params) (string, error) {
	if len(password) < minPasswordLen {
		return "", ErrTooShort
	}
	if len(password) > maxPasswordLen {
		return "", ErrTooLong
	}

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// Verify checks whether password matches the encoded hash.
// Returns (true, nil) for a match, (false, nil) for a mismatch, and
// (false, ErrInvalidHash) for malformed or out-of-bounds hashes.
func Verify(password, encodedHash string) (bool, error) {
	p, salt, expected, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	// Refuse attacker-controlled hashes with pathological cost parameters.
	if p.MemoryKiB > maxVerifyMemoryKiB || p.Iterations > maxVerifyIterations {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(expected))) // #nosec G115 -- expected length bounded by decode.

	if subtle.ConstantTimeCompare(key, expected) == 1 {
		return true, nil
	}
	return false, nil
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	// "" / "argon2id" / "v=19" / "m=..,t=..,p=.." / salt / hash
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2Version {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	hash, err := b64.DecodeString(parts[5])
	if err != nil || len(hash) < 16 || len(hash) > 64 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	return p, salt, hash, nil
}
