// Package cache implements the bounded in-process key/value cache with
// interchangeable eviction policies (LRU, LFU, ARC, ADAPTIVE).
//
// A cache fault must never fail the caller: every public operation
// recovers internal panics, logs them, and degrades to a miss or no-op.
package cache

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbforge/retrieval/internal/kberr"
)

// decayHalfWindow is the time constant of the frequency decay:
// score = score * exp(-age/24h) + 1 on each access.
const decayHalfWindow = 24 * time.Hour

// defaultEntrySize is the assumed memory footprint when the caller did
// not report one.
const defaultEntrySize = 256

// Entry is one cached value with its bookkeeping.
type Entry[V any] struct {
	Key           string
	Value         V
	CreatedAt     time.Time
	TTL           time.Duration
	HitCount      int
	LastAccessed  time.Time
	ComputeTimeMs float64
	SizeBytes     int64

	// scoreAt anchors the decayed frequency score in time.
	scoreAt time.Time
	meta    *entryMeta
}

// Expired reports whether the entry is logically expired at now.
func (e *Entry[V]) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Meta carries optional per-entry metadata for Set.
type Meta struct {
	TTL           time.Duration
	ComputeTimeMs float64
	SizeBytes     int64
}

// Options configures a cache.
type Options struct {
	// Policy selects the eviction strategy (default LRU).
	Policy EvictionPolicy
	// MaxEntries bounds the entry count (default 1000).
	MaxEntries int
	// MaxMemoryBytes bounds estimated memory (default 64 MiB).
	MaxMemoryBytes int64
	// PressureThreshold scales the memory bound during capacity
	// enforcement (default 0.9).
	PressureThreshold float64
	// DefaultTTL applies when Set is called with a zero TTL
	// (default 15 min). Must be positive.
	DefaultTTL time.Duration
	// MaintenanceInterval is the background sweep period
	// (default 1 min; <= 0 disables the timer).
	MaintenanceInterval time.Duration
	// Logger for degradation and eviction events (default slog.Default).
	Logger *slog.Logger
}

func (o *Options) withDefaults() (Options, error) {
	out := *o
	switch out.Policy {
	case "":
		out.Policy = PolicyLRU
	case PolicyLRU, PolicyLFU, PolicyARC, PolicyAdaptive:
	default:
		return out, kberr.New(kberr.ErrCodeUnknownPolicy,
			"unknown eviction policy: "+string(out.Policy), nil)
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = 1000
	}
	if out.MaxMemoryBytes <= 0 {
		out.MaxMemoryBytes = 64 << 20
	}
	if out.PressureThreshold <= 0 || out.PressureThreshold > 1 {
		out.PressureThreshold = 0.9
	}
	if out.DefaultTTL < 0 {
		return out, kberr.ValidationError("cache ttl must be positive", nil)
	}
	if out.DefaultTTL == 0 {
		out.DefaultTTL = 15 * time.Minute
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out, nil
}

// Stats is an immutable snapshot of cache counters.
type Stats struct {
	Policy      EvictionPolicy `json:"policy"`
	Hits        uint64         `json:"hits"`
	Misses      uint64         `json:"misses"`
	Evictions   uint64         `json:"evictions"`
	Expirations uint64         `json:"expirations"`
	Size        int            `json:"size"`
	MemoryBytes int64          `json:"memory_bytes"`
	HitRate     float64        `json:"hit_rate"`
}

// HotKey pairs a key with its decayed frequency score.
type HotKey struct {
	Key      string  `json:"key"`
	Score    float64 `json:"score"`
	HitCount int     `json:"hit_count"`
}

// Cache is the adaptive bounded cache. All operations are safe for
// concurrent use.
type Cache[V any] struct {
	mu sync.Mutex

	opts    Options
	entries map[string]*Entry[V]
	pol     policy

	memoryBytes int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	maintTicker  *time.Ticker
	stopCh       chan struct{}
	maintRunning atomic.Bool
	destroyed    bool
}

// New creates a cache. Returns a validation error for unknown policies
// or non-positive TTLs.
func New[V any](opts Options) (*Cache[V], error) {
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Cache[V]{
		opts:    resolved,
		entries: make(map[string]*Entry[V]),
		pol:     newPolicy(resolved.Policy),
		stopCh:  make(chan struct{}),
	}

	if resolved.MaintenanceInterval > 0 {
		c.maintTicker = time.NewTicker(resolved.MaintenanceInterval)
		go c.maintenanceLoop()
	}

	return c, nil
}

// Get returns the value for key. Expired entries are deleted on access
// and counted as a miss plus an expiration (not an eviction).
func (c *Cache[V]) Get(key string) (value V, ok bool) {
	defer c.recoverToMiss("get", &ok)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return value, false
	}

	e, exists := c.entries[key]
	if !exists {
		c.misses++
		return value, false
	}

	now := time.Now()
	if e.Expired(now) {
		c.removeLocked(key, e, false)
		c.expirations++
		c.misses++
		return value, false
	}

	c.hits++
	e.HitCount++
	c.bumpScore(e, now)
	e.LastAccessed = now
	c.pol.OnAccess(key, e.meta)
	return e.Value, true
}

// Set stores a value with the given TTL (zero = DefaultTTL).
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetWith(key, value, Meta{TTL: ttl})
}

// SetWith stores a value with full metadata. Existing keys are updated
// in place; new keys are inserted after the capacity check.
func (c *Cache[V]) SetWith(key string, value V, meta Meta) {
	defer c.recoverToNoop("set")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}

	ttl := meta.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	size := meta.SizeBytes
	if size <= 0 {
		size = defaultEntrySize
	}
	now := time.Now()

	if e, exists := c.entries[key]; exists {
		// Update in place.
		c.memoryBytes += size - e.SizeBytes
		e.Value = value
		e.CreatedAt = now
		e.TTL = ttl
		e.ComputeTimeMs = meta.ComputeTimeMs
		e.SizeBytes = size
		c.bumpScore(e, now)
		e.LastAccessed = now
		c.pol.OnAccess(key, e.meta)
		return
	}

	c.enforceCapacityLocked(size)

	e := &Entry[V]{
		Key:           key,
		Value:         value,
		CreatedAt:     now,
		TTL:           ttl,
		LastAccessed:  now,
		ComputeTimeMs: meta.ComputeTimeMs,
		SizeBytes:     size,
		scoreAt:       now,
		meta:          &entryMeta{score: 1},
	}
	c.entries[key] = e
	c.memoryBytes += size
	c.pol.OnInsert(key, e.meta)
}

// Delete removes a key. Returns true if it was present.
func (c *Cache[V]) Delete(key string) bool {
	removed := false
	defer c.recoverToNoop("delete")

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		c.removeLocked(key, e, false)
		removed = true
	}
	return removed
}

// Clear removes all entries without touching counters.
func (c *Cache[V]) Clear() {
	defer c.recoverToNoop("clear")

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		c.pol.OnRemove(key, e.meta, false)
	}
	c.entries = make(map[string]*Entry[V])
	c.memoryBytes = 0
}

// Has reports whether key is present and unexpired, without mutating
// recency or counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	return exists && !e.Expired(time.Now())
}

// Keys lists all unexpired keys.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if !e.Expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the current entry count (including not-yet-swept expired
// entries).
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns a snapshot of the counters.
func (c *Cache[V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Policy:      c.opts.Policy,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.entries),
		MemoryBytes: c.memoryBytes,
		HitRate:     rate,
	}
}

// GetHotKeys returns up to limit keys ordered by decayed frequency
// score descending.
func (c *Cache[V]) GetHotKeys(limit int) []HotKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	hot := make([]HotKey, 0, len(c.entries))
	for key, e := range c.entries {
		if e.Expired(now) {
			continue
		}
		hot = append(hot, HotKey{Key: key, Score: e.meta.score, HitCount: e.HitCount})
	}
	sort.Slice(hot, func(i, j int) bool {
		if hot[i].Score != hot[j].Score {
			return hot[i].Score > hot[j].Score
		}
		return hot[i].Key < hot[j].Key
	})
	if limit > 0 && len(hot) > limit {
		hot = hot[:limit]
	}
	return hot
}

// Optimize sweeps expired entries, decays frequency scores, and lets the
// policy rebalance (ARC ghost lists, ADAPTIVE threshold).
func (c *Cache[V]) Optimize() {
	defer c.recoverToNoop("optimize")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.optimizeLocked()
}

func (c *Cache[V]) optimizeLocked() {
	now := time.Now()
	expired := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(key, e, false)
			c.expirations++
			expired++
			continue
		}
		c.decayScore(e, now)
	}
	c.pol.Maintain()

	if expired > 0 {
		c.opts.Logger.Debug("cache_maintenance",
			slog.Int("expired", expired),
			slog.Int("size", len(c.entries)))
	}
}

// Destroy stops the maintenance timer and frees all entries. The cache
// degrades every subsequent operation to a miss/no-op.
func (c *Cache[V]) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.entries = make(map[string]*Entry[V])
	c.memoryBytes = 0
	c.mu.Unlock()

	if c.maintTicker != nil {
		c.maintTicker.Stop()
	}
	close(c.stopCh)
}

// ---------------------------------------------------------------------

func (c *Cache[V]) maintenanceLoop() {
	for {
		select {
		case <-c.maintTicker.C:
			// Skip the cycle if the previous one is still running.
			if !c.maintRunning.CompareAndSwap(false, true) {
				continue
			}
			c.Optimize()
			c.maintRunning.Store(false)
		case <-c.stopCh:
			return
		}
	}
}

// bumpScore applies the smooth recency-weighted decay and adds the
// access increment: score = score * exp(-age/24h) + 1.
func (c *Cache[V]) bumpScore(e *Entry[V], now time.Time) {
	c.decayScore(e, now)
	e.meta.score++
	e.meta.hitCount = e.HitCount
}

func (c *Cache[V]) decayScore(e *Entry[V], now time.Time) {
	age := now.Sub(e.scoreAt)
	if age > 0 {
		e.meta.score *= math.Exp(-float64(age) / float64(decayHalfWindow))
	}
	e.scoreAt = now
}

// enforceCapacityLocked evicts policy-selected victims until both the
// count and the memory constraints hold or the cache is empty. An empty
// cache that still exceeds the memory bound is a no-op, not an error.
func (c *Cache[V]) enforceCapacityLocked(incomingSize int64) {
	memCeiling := int64(float64(c.opts.MaxMemoryBytes) * c.opts.PressureThreshold)
	for len(c.entries) >= c.opts.MaxEntries ||
		c.memoryBytes+incomingSize > memCeiling {
		if len(c.entries) == 0 {
			c.opts.Logger.Warn("cache_over_capacity_empty",
				slog.Int64("incoming_size", incomingSize))
			return
		}
		victim := c.pol.EvictCandidate()
		if victim == "" {
			// Policy has no candidate; take any key.
			for key := range c.entries {
				victim = key
				break
			}
		}
		e, exists := c.entries[victim]
		if !exists {
			// Stale policy bookkeeping; drop it and retry.
			c.pol.OnRemove(victim, &entryMeta{}, false)
			continue
		}
		c.removeLocked(victim, e, true)
		c.evictions++
		c.opts.Logger.Debug("cache_eviction",
			slog.String("key", victim),
			slog.String("policy", string(c.opts.Policy)))
	}
}

func (c *Cache[V]) removeLocked(key string, e *Entry[V], evicted bool) {
	delete(c.entries, key)
	c.memoryBytes -= e.SizeBytes
	c.pol.OnRemove(key, e.meta, evicted)
}

func (c *Cache[V]) recoverToMiss(op string, ok *bool) {
	if r := recover(); r != nil {
		*ok = false
		c.opts.Logger.Error("cache_internal_fault",
			slog.String("op", op),
			slog.Any("panic", r))
	}
}

func (c *Cache[V]) recoverToNoop(op string) {
	if r := recover(); r != nil {
		c.opts.Logger.Error("cache_internal_fault",
			slog.String("op", op),
			slog.Any("panic", r))
	}
}
