package querycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/retrieval/internal/cache"
	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/store"
)

func newTestCache(t *testing.T, opts Options) (*TieredQueryCache, *store.Store) {
	t.Helper()
	st, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	qc, err := New(st, opts)
	require.NoError(t, err)
	t.Cleanup(qc.Close)
	return qc, st
}

func fixed(value string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return value, nil }
}

func TestGet_ComputeOnceWithinTTL(t *testing.T) {
	qc, _ := newTestCache(t, Options{})
	ctx := context.Background()

	// given: two sequential gets inside the TTL window
	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "popular", nil
	}

	// when
	v1, err := qc.Get(ctx, "popular_entries", compute, GetOptions{TTL: 15 * time.Minute})
	require.NoError(t, err)
	v2, err := qc.Get(ctx, "popular_entries", compute, GetOptions{TTL: 15 * time.Minute})
	require.NoError(t, err)

	// then: the compute function ran exactly once
	assert.Equal(t, "popular", v1)
	assert.Equal(t, "popular", v2)
	assert.Equal(t, 1, calls)
}

func TestGet_ForceRefreshBypassesBothTiers(t *testing.T) {
	qc, _ := newTestCache(t, Options{})
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "v", nil
	}

	_, err := qc.Get(ctx, "k", compute, GetOptions{})
	require.NoError(t, err)
	_, err = qc.Get(ctx, "k", compute, GetOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGet_PersistentHitIsPromoted(t *testing.T) {
	qc, st := newTestCache(t, Options{})
	ctx := context.Background()

	// Seed the persistent tier only.
	now := time.Now()
	require.NoError(t, st.CachePut(ctx, &store.CacheRow{
		Key: "k", Value: "persisted", CreatedAt: now,
		ExpiresAt: now.Add(time.Hour), LastAccessed: now,
	}))

	v, err := qc.Get(ctx, "k", func(context.Context) (string, error) {
		t.Fatal("compute must not run on a persistent hit")
		return "", nil
	}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "persisted", v)

	// Promoted: present in memory now.
	assert.True(t, qc.mem.Has("k"))
}

func TestGet_ComputeFailurePropagatesTyped(t *testing.T) {
	qc, _ := newTestCache(t, Options{})

	boom := errors.New("backend unavailable")
	_, err := qc.Get(context.Background(), "k",
		func(context.Context) (string, error) { return "", boom }, GetOptions{})

	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeComputeFailed, kberr.GetCode(err))
	assert.ErrorIs(t, err, boom)
}

func TestGet_PersistentFaultDegradesToMiss(t *testing.T) {
	qc, st := newTestCache(t, Options{})
	ctx := context.Background()

	// A closed store makes every persistent call fail; the compute path
	// must stay authoritative.
	require.NoError(t, st.Close())

	v, err := qc.Get(ctx, "k", fixed("computed"), GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
}

func TestSet_PriorityScalesTTL(t *testing.T) {
	qc, st := newTestCache(t, Options{DefaultTTL: time.Hour})
	ctx := context.Background()

	qc.Set(ctx, "high", "v", SetOptions{Priority: PriorityHigh})
	qc.Set(ctx, "normal", "v", SetOptions{Priority: PriorityNormal})
	qc.Set(ctx, "low", "v", SetOptions{Priority: PriorityLow})

	rowHigh, err := st.CacheGet(ctx, "high")
	require.NoError(t, err)
	rowNormal, err := st.CacheGet(ctx, "normal")
	require.NoError(t, err)
	rowLow, err := st.CacheGet(ctx, "low")
	require.NoError(t, err)

	highTTL := rowHigh.ExpiresAt.Sub(rowHigh.CreatedAt)
	normalTTL := rowNormal.ExpiresAt.Sub(rowNormal.CreatedAt)
	lowTTL := rowLow.ExpiresAt.Sub(rowLow.CreatedAt)

	assert.InDelta(t, 2.0, float64(highTTL)/float64(normalTTL), 0.01)
	assert.InDelta(t, 0.5, float64(lowTTL)/float64(normalTTL), 0.01)
}

func TestInvalidate_ByPatternAndTags(t *testing.T) {
	qc, _ := newTestCache(t, Options{})
	ctx := context.Background()

	qc.Set(ctx, "search:s0c7", "v", SetOptions{Tags: []string{"search"}})
	qc.Set(ctx, "search:vsam", "v", SetOptions{Tags: []string{"search"}})
	qc.Set(ctx, "stats:categories", "v", SetOptions{Tags: []string{"aggregate"}})

	n, err := qc.Invalidate(ctx, `^search:`, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = qc.Invalidate(ctx, "", []string{"aggregate"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Everything gone from both tiers.
	stats := qc.GetStats(ctx)
	assert.Zero(t, stats.PersistentCount)
}

func TestInvalidate_BadPatternIsValidationError(t *testing.T) {
	qc, _ := newTestCache(t, Options{})

	_, err := qc.Invalidate(context.Background(), `([`, nil)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeInvalidPattern, kberr.GetCode(err))
}

func TestEviction_LowScoreVictimsFirst(t *testing.T) {
	qc, _ := newTestCache(t, Options{MaxEntries: 10})
	ctx := context.Background()

	// Fill the tier; hit one key repeatedly so its score dominates.
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		_, err := qc.Get(ctx, key, fixed("v"), GetOptions{})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := qc.Get(ctx, "a", fixed("v"), GetOptions{})
		require.NoError(t, err)
	}

	// One more insert forces an eviction round (>= 10%).
	_, err := qc.Get(ctx, "overflow", fixed("v"), GetOptions{})
	require.NoError(t, err)

	qc.mu.Lock()
	_, hotSurvives := qc.meta["a"]
	total := len(qc.meta)
	qc.mu.Unlock()

	assert.True(t, hotSurvives)
	assert.LessOrEqual(t, total, 10)
}

func TestNew_MemoryTierOptionsSelectPolicy(t *testing.T) {
	qc, _ := newTestCache(t, Options{
		Memory: cache.Options{Policy: cache.PolicyARC},
	})

	stats := qc.GetStats(context.Background())
	assert.Equal(t, cache.PolicyARC, stats.Memory.Policy)
}

func TestNew_MemoryTierDefaultsToLRU(t *testing.T) {
	qc, _ := newTestCache(t, Options{})

	stats := qc.GetStats(context.Background())
	assert.Equal(t, cache.PolicyLRU, stats.Memory.Policy)
}

func TestPreWarm_SeedsBothTiersOnce(t *testing.T) {
	qc, _ := newTestCache(t, Options{})
	ctx := context.Background()

	calls := 0
	high := []WarmTask{{
		Key: "popular_entries", TTL: 15 * time.Minute, Tags: []string{"prewarm"},
		Compute: func(context.Context) (string, error) { calls++; return "p", nil },
	}}
	low := []WarmTask{{
		Key: "category_counts", TTL: 15 * time.Minute,
		Compute: fixed("c"),
	}}

	n, err := qc.PreWarm(ctx, high, low)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, calls)

	// A second pre-warm finds the keys already seeded.
	n, err = qc.PreWarm(ctx, high, low)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

func TestPreWarm_FailedTaskIsSkipped(t *testing.T) {
	qc, _ := newTestCache(t, Options{})

	tasks := []WarmTask{
		{Key: "bad", TTL: time.Minute,
			Compute: func(context.Context) (string, error) { return "", errors.New("nope") }},
		{Key: "good", TTL: time.Minute, Compute: fixed("ok")},
	}
	n, err := qc.PreWarm(context.Background(), tasks, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGet_ExpiredPersistentRowIsMiss(t *testing.T) {
	qc, st := newTestCache(t, Options{})
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, st.CachePut(ctx, &store.CacheRow{
		Key: "stale", Value: "old", CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour), LastAccessed: now.Add(-2 * time.Hour),
	}))

	v, err := qc.Get(ctx, "stale", fixed("fresh"), GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}
