// Package querycache implements the tiered query cache: a bounded
// in-process tier in front of the store's persistent query_cache table.
// Values are opaque strings (JSON payloads); misses invoke a
// caller-supplied compute function and write both tiers.
package querycache

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbforge/retrieval/internal/cache"
	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/store"
)

// Priority scales the effective TTL of a write.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) ttlFactor() float64 {
	switch p {
	case PriorityHigh:
		return 2.0
	case PriorityLow:
		return 0.5
	default:
		return 1.0
	}
}

// Options configures the tiered cache. Zero values take defaults.
type Options struct {
	// MaxEntries bounds the in-process tier.
	MaxEntries int

	// DefaultTTL applies when a caller passes none.
	DefaultTTL time.Duration

	// SweepInterval is the frequent expiry sweep; DeepSweepInterval
	// additionally prunes low-hit persistent rows past Retention.
	SweepInterval     time.Duration
	DeepSweepInterval time.Duration
	Retention         time.Duration
	LowHitMax         int

	// PreWarmWorkers bounds pre-warm concurrency within a priority tier.
	PreWarmWorkers int

	// Memory configures the in-process tier (eviction policy, memory
	// bound, maintenance). Zero values take the tier's own defaults;
	// its entry capacity is floored at twice MaxEntries so eviction
	// stays governed by the compute-cost score, not the policy.
	Memory cache.Options

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 500
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.DeepSweepInterval <= 0 {
		o.DeepSweepInterval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.LowHitMax <= 0 {
		o.LowHitMax = 2
	}
	if o.PreWarmWorkers <= 0 {
		o.PreWarmWorkers = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// GetOptions controls one Get call.
type GetOptions struct {
	TTL          time.Duration
	Tags         []string
	ForceRefresh bool
}

// SetOptions controls one Set call.
type SetOptions struct {
	TTL      time.Duration
	Tags     []string
	Priority Priority
}

// tierMeta is the in-process bookkeeping behind the eviction score
// hitCount·ln(computeTimeMs+1).
type tierMeta struct {
	tags          []string
	computeTimeMs float64
	hitCount      int
	lastAccessed  time.Time
}

// Stats aggregates both tiers.
type Stats struct {
	Memory          cache.Stats
	PersistentCount int
}

// TieredQueryCache is the two-tier compute-on-miss cache.
type TieredQueryCache struct {
	mem    *cache.Cache[string]
	st     *store.Store
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	meta map[string]*tierMeta

	stopCh    chan struct{}
	stopOnce  sync.Once
	sweeping  atomic.Bool
	deepSweep atomic.Bool
}

// New creates the tiered cache over the shared store.
func New(st *store.Store, opts Options) (*TieredQueryCache, error) {
	opts = opts.withDefaults()

	// The in-process tier's own capacity sits above ours so eviction
	// stays governed by the compute-cost score below, not the policy.
	memOpts := opts.Memory
	if memOpts.MaxEntries < opts.MaxEntries*2 {
		memOpts.MaxEntries = opts.MaxEntries * 2
	}
	if memOpts.DefaultTTL <= 0 {
		memOpts.DefaultTTL = opts.DefaultTTL
	}
	if memOpts.MaintenanceInterval == 0 {
		memOpts.MaintenanceInterval = -1 // the sweep loop below maintains the tier
	}
	memOpts.Logger = opts.Logger
	mem, err := cache.New[string](memOpts)
	if err != nil {
		return nil, err
	}

	qc := &TieredQueryCache{
		mem:    mem,
		st:     st,
		opts:   opts,
		logger: opts.Logger,
		meta:   make(map[string]*tierMeta),
		stopCh: make(chan struct{}),
	}
	go qc.sweepLoop()
	return qc, nil
}

// Get returns the cached value for key, consulting the in-process tier,
// then the persistent tier (promoting a hit), and finally invoking
// compute and writing both tiers. ForceRefresh bypasses both tiers.
// Persistent-tier faults degrade to a tier-miss; compute faults
// propagate typed.
func (qc *TieredQueryCache) Get(ctx context.Context, key string, compute func(context.Context) (string, error), opts GetOptions) (string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = qc.opts.DefaultTTL
	}

	if !opts.ForceRefresh {
		if val, ok := qc.mem.Get(key); ok {
			qc.touch(key)
			return val, nil
		}
		if row := qc.persistentGet(ctx, key); row != nil {
			// Promote with the remaining lifetime.
			remaining := time.Until(row.ExpiresAt)
			if remaining > 0 {
				qc.memSet(key, row.Value, remaining, opts.Tags, 0)
			}
			return row.Value, nil
		}
	}

	start := time.Now()
	val, err := compute(ctx)
	if err != nil {
		return "", kberr.ComputeError(err)
	}
	computeMs := float64(time.Since(start).Microseconds()) / 1000.0

	qc.memSet(key, val, ttl, opts.Tags, computeMs)
	qc.persistentPut(ctx, key, val, ttl, opts.Tags)
	return val, nil
}

// Set writes both tiers, scaling the effective TTL by priority.
func (qc *TieredQueryCache) Set(ctx context.Context, key, value string, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = qc.opts.DefaultTTL
	}
	ttl = time.Duration(float64(ttl) * opts.Priority.ttlFactor())

	qc.memSet(key, value, ttl, opts.Tags, 0)
	qc.persistentPut(ctx, key, value, ttl, opts.Tags)
}

// Delete removes a key from both tiers.
func (qc *TieredQueryCache) Delete(ctx context.Context, key string) {
	qc.mem.Delete(key)
	qc.mu.Lock()
	delete(qc.meta, key)
	qc.mu.Unlock()
	if err := qc.st.CacheDelete(ctx, key); err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "delete"), slog.String("error", err.Error()))
	}
}

// Invalidate removes entries whose key matches the regex pattern or
// whose tags contain any of the given substrings, returning how many
// distinct keys were removed. An invalid pattern is a validation error.
func (qc *TieredQueryCache) Invalidate(ctx context.Context, pattern string, tags []string) (int, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return 0, kberr.New(kberr.ErrCodeInvalidPattern, "invalid invalidation pattern: "+pattern, err)
		}
	}

	matches := func(key string, keyTags []string) bool {
		if re != nil && re.MatchString(key) {
			return true
		}
		for _, want := range tags {
			for _, have := range keyTags {
				if strings.Contains(have, want) {
					return true
				}
			}
		}
		return false
	}

	removed := make(map[string]bool)

	qc.mu.Lock()
	for key, m := range qc.meta {
		if matches(key, m.tags) {
			removed[key] = true
			delete(qc.meta, key)
		}
	}
	qc.mu.Unlock()
	for key := range removed {
		qc.mem.Delete(key)
	}

	rows, err := qc.st.CacheKeysWithTags(ctx)
	if err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "invalidate"), slog.String("error", err.Error()))
		return len(removed), nil
	}
	for key, tagStr := range rows {
		if matches(key, strings.Split(tagStr, ",")) {
			if err := qc.st.CacheDelete(ctx, key); err == nil {
				removed[key] = true
			}
		}
	}
	return len(removed), nil
}

// GetStats aggregates both tiers.
func (qc *TieredQueryCache) GetStats(ctx context.Context) Stats {
	count, err := qc.st.CacheCount(ctx)
	if err != nil {
		count = 0
	}
	return Stats{Memory: qc.mem.GetStats(), PersistentCount: count}
}

// HotKeys reports the most valuable in-process keys, best first.
func (qc *TieredQueryCache) HotKeys(limit int) []cache.HotKey {
	return qc.mem.GetHotKeys(limit)
}

// Close stops the sweep timers and destroys the in-process tier.
func (qc *TieredQueryCache) Close() {
	qc.stopOnce.Do(func() { close(qc.stopCh) })
	qc.mem.Destroy()
}

// touch bumps the in-process bookkeeping on a memory-tier hit.
func (qc *TieredQueryCache) touch(key string) {
	qc.mu.Lock()
	if m, ok := qc.meta[key]; ok {
		m.hitCount++
		m.lastAccessed = time.Now()
	}
	qc.mu.Unlock()
}

// memSet writes the in-process tier, evicting by compute-cost score
// when the tier is full.
func (qc *TieredQueryCache) memSet(key, value string, ttl time.Duration, tags []string, computeMs float64) {
	qc.mu.Lock()
	if _, exists := qc.meta[key]; !exists && len(qc.meta) >= qc.opts.MaxEntries {
		qc.evictLocked()
	}
	qc.meta[key] = &tierMeta{
		tags:          tags,
		computeTimeMs: computeMs,
		lastAccessed:  time.Now(),
	}
	qc.mu.Unlock()

	qc.mem.SetWith(key, value, cache.Meta{TTL: ttl, ComputeTimeMs: computeMs, SizeBytes: int64(len(value))})
}

// evictLocked removes at least 10% of the in-process tier, lowest
// hitCount·ln(computeTimeMs+1) first, oldest lastAccessed on ties.
func (qc *TieredQueryCache) evictLocked() {
	type scored struct {
		key   string
		score float64
		last  time.Time
	}
	all := make([]scored, 0, len(qc.meta))
	for key, m := range qc.meta {
		all = append(all, scored{
			key:   key,
			score: float64(m.hitCount) * math.Log(m.computeTimeMs+1),
			last:  m.lastAccessed,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].last.Before(all[j].last)
	})

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	over := len(all) - qc.opts.MaxEntries + 1
	if over > n {
		n = over
	}
	for _, victim := range all[:n] {
		delete(qc.meta, victim.key)
		qc.mem.Delete(victim.key)
	}
	qc.logger.Debug("query_cache_eviction", slog.Int("evicted", n))
}

func (qc *TieredQueryCache) persistentGet(ctx context.Context, key string) *store.CacheRow {
	row, err := qc.st.CacheGet(ctx, key)
	if err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "get"), slog.String("error", err.Error()))
		return nil
	}
	return row
}

func (qc *TieredQueryCache) persistentPut(ctx context.Context, key, value string, ttl time.Duration, tags []string) {
	now := time.Now()
	err := qc.st.CachePut(ctx, &store.CacheRow{
		Key:          key,
		Value:        value,
		Type:         "query",
		Tags:         strings.Join(tags, ","),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Size:         int64(len(value)),
	})
	if err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "put"), slog.String("error", err.Error()))
	}
}

// sweepLoop runs the frequent expiry sweep and the infrequent deep
// sweep until Close. Each job carries its own re-entrancy guard.
func (qc *TieredQueryCache) sweepLoop() {
	sweep := time.NewTicker(qc.opts.SweepInterval)
	deep := time.NewTicker(qc.opts.DeepSweepInterval)
	defer sweep.Stop()
	defer deep.Stop()

	for {
		select {
		case <-sweep.C:
			if qc.sweeping.CompareAndSwap(false, true) {
				qc.runSweep()
				qc.sweeping.Store(false)
			}
		case <-deep.C:
			if qc.deepSweep.CompareAndSwap(false, true) {
				qc.runDeepSweep()
				qc.deepSweep.Store(false)
			}
		case <-qc.stopCh:
			return
		}
	}
}

func (qc *TieredQueryCache) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	qc.mem.Optimize()
	qc.pruneDeadMeta()

	n, err := qc.st.CacheSweepExpired(ctx)
	if err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "sweep"), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		qc.logger.Debug("query_cache_sweep", slog.Int64("expired", n))
	}
}

func (qc *TieredQueryCache) runDeepSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	qc.runSweep()
	n, err := qc.st.CachePruneLowHit(ctx, time.Now().Add(-qc.opts.Retention), qc.opts.LowHitMax)
	if err != nil {
		qc.logger.Warn("query_cache_persist_fault",
			slog.String("op", "deep_sweep"), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		qc.logger.Info("query_cache_deep_sweep", slog.Int64("pruned", n))
	}
}

// pruneDeadMeta drops bookkeeping for keys the memory tier no longer
// holds (expired or evicted by its own maintenance).
func (qc *TieredQueryCache) pruneDeadMeta() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	for key := range qc.meta {
		if !qc.mem.Has(key) {
			delete(qc.meta, key)
		}
	}
}
