// Package revocation provides the fast invalidation surface consulted on
// every request and connection.
//
// It has two halves:
//
//   - Cache: a TTL denylist of token/session identifiers plus the global
//     revocation epoch marker. The denylist is superset-safe: an entry may
//     outlive the token it denies without harm, but it must never be absent
//     while that token would otherwise validate.
//   - Notifier: a publish/subscribe channel carrying revocation events to
//     long-lived connections. Delivery is at-least-once; consumers must
//     tolerate duplicates (disconnecting twice is a no-op).
//
// The credential store stays authoritative; the cache only makes revocation
// observable without a database round trip per check.
package revocation
