// Package session implements Ember's token authority.
//
// It issues access/refresh token pairs bound to a session (one authenticated
// login instance), exposes the single validity predicate consumed by both the
// HTTP and WebSocket transports, performs refresh rotation with a replay
// grace window, and drives per-session and global revocation.
//
// Both token kinds are PASETO v4.public and carry {jti, sub, sid, typ, iat,
// exp}. Refresh tokens are additionally anchored to a durable record keyed by
// jti; the record stores only a hash of the full token string.
//
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session
