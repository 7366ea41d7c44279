package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLConfig configures a TTL cache.
type TTLConfig struct {
	// Capacity caps the number of entries.  Zero means unbounded.
	Capacity uint64
	// DefaultTTL applies to entries without a sliding or absolute
	// expiration.  Zero means such entries never expire.
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// TTL implements Cache on top of ttlcache.  ttlcache drives sliding
// expiration and capacity eviction; TTL adds absolute deadlines,
// expiration tokens, per-entry sizes and callbacks.
type TTL struct {
	items  *ttlcache.Cache[string, *entry]
	logger *slog.Logger
	size   atomic.Int64

	// mu serializes writes so token watchers and deadline checks never
	// delete an entry that has since been replaced.
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	key      string
	value    any
	opts     EntryOptions
	deadline time.Time
	stop     chan struct{}

	// forced overrides the reason reported by ttlcache, stored as
	// reason+1 so the zero value means "none".
	forced    atomic.Int32
	evictOnce sync.Once
}

// Compile-time check.
var _ Cache = (*TTL)(nil)

// NewTTL creates a TTL cache and starts its expiration loop.
func NewTTL(cfg TTLConfig) *TTL {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := []ttlcache.Option[string, *entry]{
		// Sliding expiration is refreshed by TryGet so absolute
		// deadlines can cap it.
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *entry](cfg.Capacity))
	}
	if cfg.DefaultTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[string, *entry](cfg.DefaultTTL))
	}

	c := &TTL{
		items:   ttlcache.New(opts...),
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
	}
	c.items.OnEviction(c.onEviction)
	go c.items.Start()
	return c
}

// Set implements Cache.
func (c *TTL) Set(key string, value any, opts EntryOptions) {
	now := time.Now()
	e := &entry{
		key:   key,
		value: value,
		opts:  opts,
		stop:  make(chan struct{}),
	}
	if opts.AbsoluteExpiration > 0 {
		e.deadline = now.Add(opts.AbsoluteExpiration)
	}
	c.size.Add(opts.Size)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go c.fire(e, ReasonRemoved)
		return
	}
	old := c.entries[key]
	c.entries[key] = e
	c.items.Set(key, e, e.ttl(now))
	c.mu.Unlock()

	if old != nil {
		go c.fire(old, ReasonReplaced)
	}
	c.watch(e)
}

// TryGet implements Cache.
func (c *TTL) TryGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.items.Get(key)
	if item == nil {
		return nil, false
	}
	e := item.Value()
	now := time.Now()
	if !e.deadline.IsZero() && !now.Before(e.deadline) {
		e.forced.Store(int32(ReasonExpired) + 1)
		c.items.Delete(key)
		return nil, false
	}
	if e.opts.SlidingExpiration > 0 {
		c.items.Set(key, e, e.ttl(now))
	}
	return e.value, true
}

// Remove implements Cache.
func (c *TTL) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.items.Delete(key)
	}
}

// Len implements Cache.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size implements Cache.
func (c *TTL) Size() int64 { return c.size.Load() }

// Close implements Cache.
func (c *TTL) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.items.DeleteAll()
	c.mu.Unlock()

	c.items.Stop()
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// ttl returns the time to live for e from now: the sliding expiration,
// capped by the absolute deadline.
func (e *entry) ttl(now time.Time) time.Duration {
	ttl := e.opts.SlidingExpiration
	if !e.deadline.IsZero() {
		remaining := max(e.deadline.Sub(now), time.Millisecond)
		if ttl <= 0 || remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return ttlcache.DefaultTTL
	}
	return ttl
}

// watch evicts e when its expiration token fires.
func (c *TTL) watch(e *entry) {
	if e.opts.ExpirationToken == nil {
		return
	}
	go func() {
		select {
		case <-e.opts.ExpirationToken:
			c.mu.Lock()
			if c.entries[e.key] == e {
				e.forced.Store(int32(ReasonTokenExpired) + 1)
				c.items.Delete(e.key)
			}
			c.mu.Unlock()
		case <-e.stop:
		}
	}()
}

func (c *TTL) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
	e := item.Value()

	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	r := ReasonRemoved
	switch reason {
	case ttlcache.EvictionReasonExpired:
		r = ReasonExpired
	case ttlcache.EvictionReasonCapacityReached:
		r = ReasonCapacity
	case ttlcache.EvictionReasonDeleted:
		r = ReasonRemoved
	}
	if forced := e.forced.Load(); forced > 0 {
		r = EvictionReason(forced - 1)
	}
	c.fire(e, r)
}

// fire runs e's callback exactly once.  A panicking callback is logged
// and contained.
func (c *TTL) fire(e *entry, reason EvictionReason) {
	e.evictOnce.Do(func() {
		close(e.stop)
		c.size.Add(-e.opts.Size)

		if e.opts.OnEvicted == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("eviction callback panicked",
					slog.String("key", e.key),
					slog.String("reason", reason.String()),
					slog.Any("panic", r),
				)
			}
		}()
		e.opts.OnEvicted(e.key, reason, e.opts.State)
	})
}
