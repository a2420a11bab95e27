package revocation

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// denylistSweep controls how often expired denylist entries are purged.
	denylistSweep = 30 * time.Second
)

// Cache is the process-local revocation lookup: a TTL denylist of identifiers
// and the current revocation epoch.
//
// The epoch is stored as unix nanoseconds in an atomic so the hot validation
// path never takes a lock. SetEpoch is monotonic: a stale epoch from a
// delayed notification can never roll the marker backwards.
type Cache struct {
	entries *gocache.Cache
	epoch   atomic.Int64
}

// NewCache constructs an empty revocation cache.
func NewCache() *Cache {
	return &Cache{
		// Per-entry TTLs are always provided by Add; the default here is a
		// safety net only.
		entries: gocache.New(gocache.NoExpiration, denylistSweep),
	}
}

// Add denylists an identifier (token id or session id) for ttl.
// Entries with non-positive ttl are ignored: the token they would deny is
// already expired on its own.
func (c *Cache) Add(id string, ttl time.Duration) {
	if id == "" || ttl <= 0 {
		return
	}
	c.entries.Set(id, struct{}{}, ttl)
}

// Contains reports whether an identifier is currently denylisted.
func (c *Cache) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, found := c.entries.Get(id)
	return found
}

// SetEpoch records a new revocation epoch. Tokens issued strictly before the
// epoch are invalid. Older epochs are ignored (monotonic).
func (c *Cache) SetEpoch(epoch time.Time) {
	if epoch.IsZero() {
		return
	}
	next := epoch.UnixNano()
	for {
		cur := c.epoch.Load()
		if next <= cur {
			return
		}
		if c.epoch.CompareAndSwap(cur, next) {
			return
		}
	}
}

// CurrentEpoch returns the cached revocation epoch, or the zero time when no
// global revocation has ever happened.
func (c *Cache) CurrentEpoch() time.Time {
	n := c.epoch.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RevokedByEpoch reports whether a token issued at issuedAt predates the
// current epoch.
func (c *Cache) RevokedByEpoch(issuedAt time.Time) bool {
	n := c.epoch.Load()
	if n == 0 {
		return false
	}
	return issuedAt.UnixNano() < n
}
