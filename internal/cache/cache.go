// Package cache defines the narrow contract the store needs from a
// bounded, expiring cache, and an implementation backed by
// github.com/jellydator/ttlcache.
//
// The store never decides when an entry goes away.  It only reacts to
// the eviction callback registered with each entry, which receives the
// key, the reason, and the state captured when the entry was set.
package cache

import "time"

// EvictionReason says why an entry left the cache.
type EvictionReason int

const (
	// ReasonRemoved means Remove or Close was called.
	ReasonRemoved EvictionReason = iota
	// ReasonExpired means the sliding or absolute expiration elapsed.
	ReasonExpired
	// ReasonTokenExpired means the entry's expiration token fired.
	ReasonTokenExpired
	// ReasonCapacity means the entry was dropped to make room.
	ReasonCapacity
	// ReasonReplaced means another value was set under the same key.
	ReasonReplaced
)

// String returns the reason name.
func (r EvictionReason) String() string {
	switch r {
	case ReasonRemoved:
		return "removed"
	case ReasonExpired:
		return "expired"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonCapacity:
		return "capacity"
	case ReasonReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// EvictionFunc is called once after an entry has left the cache.  It
// may run on a cache-internal goroutine and must not block for long.
type EvictionFunc func(key string, reason EvictionReason, state any)

// EntryOptions describes how an entry is weighed, when it expires, and
// whom to notify when it goes away.
type EntryOptions struct {
	// Size is the entry's weight in the cache's total size.
	Size int64

	// SlidingExpiration evicts the entry after this long without a
	// successful TryGet.  Zero means the cache default.
	SlidingExpiration time.Duration

	// AbsoluteExpiration evicts the entry this long after Set,
	// regardless of access.  Zero means none.
	AbsoluteExpiration time.Duration

	// ExpirationToken evicts the entry as soon as it is closed.
	ExpirationToken <-chan struct{}

	// OnEvicted is notified with State after eviction.
	OnEvicted EvictionFunc
	State     any
}

// Cache is the bounded cache consumed by the store.
type Cache interface {
	// Set inserts value under key.  An existing entry under key is
	// evicted with ReasonReplaced.
	Set(key string, value any, opts EntryOptions)

	// TryGet returns the live value under key and refreshes its sliding
	// expiration.
	TryGet(key string) (any, bool)

	// Remove evicts the entry under key, if any, with ReasonRemoved.
	Remove(key string)

	// Len returns the number of live entries.
	Len() int

	// Size returns the summed Size of live entries.
	Size() int64

	// Close evicts every entry with ReasonRemoved and stops background
	// expiration.
	Close()
}
