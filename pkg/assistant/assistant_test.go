package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/retrieval/internal/cache"
)

func newTestAssistant(t *testing.T) *Assistant {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Watcher.Enabled = false
	cfg.Optimizer.SettlePeriod = -1

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func seedEntries(t *testing.T, a *Assistant) {
	t.Helper()
	ctx := context.Background()

	entries := []*Entry{
		{
			ID:       "kb-1",
			Title:    "S0C7 abend in billing batch job",
			Problem:  "Nightly billing job fails with S0C7 data exception",
			Solution: "Initialize the packed decimal fields before arithmetic",
			Category: "batch",
			Tags:     []string{"abend", "cobol"},

			UsageCount:   10,
			SuccessCount: 8,
			FailureCount: 2,
		},
		{
			ID:       "kb-2",
			Title:    "VSAM status 35 on file open",
			Problem:  "Program receives VSAM status 35 opening the master file",
			Solution: "Define the cluster before first use",
			Category: "vsam",
			Tags:     []string{"vsam", "file"},

			UsageCount: 3,
		},
		{
			ID:       "kb-3",
			Title:    "DB2 deadlock on order table",
			Problem:  "Concurrent updates deadlock with SQLCODE -911",
			Solution: "Commit more frequently and access tables in one order",
			Category: "db2",
			Tags:     []string{"db2", "deadlock"},

			UsageCount:   50,
			SuccessCount: 40,
		},
	}
	for _, e := range entries {
		require.NoError(t, a.AddEntry(ctx, e))
	}
}

func TestAssistant_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Watcher.Enabled = false
	cfg.Optimizer.SettlePeriod = -1

	a, err := New(cfg)
	require.NoError(t, err)

	// given a constructed assistant, Start and Close are idempotent
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	assert.NotPanics(t, func() { _ = a.Close() })
}

func TestAssistant_SearchCachesResponses(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	// given a first search that misses the cache
	first := a.Search(ctx, "S0C7", SearchOptions{})
	require.Len(t, first.Results, 1)
	assert.Equal(t, "kb-1", first.Results[0].Entry.ID)
	assert.Equal(t, "fulltext", first.StrategyUsed)

	// when the identical request repeats
	second := a.Search(ctx, "S0C7", SearchOptions{})

	// then the cached response is served
	require.Len(t, second.Results, 1)
	assert.Equal(t, first.Results[0].Entry.ID, second.Results[0].Entry.ID)
	assert.Equal(t, first.TotalCount, second.TotalCount)

	snap := a.Stats(ctx).Performance
	assert.InDelta(t, 0.5, snap.CacheHitRate, 0.001)
}

func TestAssistant_CachedSearchStillRecordsHistory(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	a.Search(ctx, "S0C7", SearchOptions{})
	a.Search(ctx, "S0C7", SearchOptions{})

	// both executions land in the history; the cached one is marked as
	// a hit so frequency mining can skip it
	top, err := a.st.TopSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].Count)
	assert.Equal(t, 1, top[0].CacheHits)
}

func TestAssistant_CachePolicyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Watcher.Enabled = false
	cfg.Optimizer.SettlePeriod = -1
	cfg.Cache.Policy = "ARC"

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })

	// the configured eviction policy reaches the memory tier
	stats := a.CacheStats(context.Background())
	assert.Equal(t, cache.PolicyARC, stats.Memory.Policy)
}

func TestAssistant_SearchBypassCache(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	a.Search(ctx, "deadlock", SearchOptions{BypassCache: true})
	a.Search(ctx, "deadlock", SearchOptions{BypassCache: true})

	// both executions recomputed
	snap := a.Stats(ctx).Performance
	assert.Equal(t, 0.0, snap.CacheHitRate)
}

func TestAssistant_AddAndRemoveEntry(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	require.NoError(t, a.AddEntry(ctx, &Entry{
		ID:       "kb-4",
		Title:    "IEF450I job step abend",
		Problem:  "Step terminated with IEF450I",
		Solution: "Check the allocation messages above the abend",
		Category: "batch",
	}))

	resp := a.Search(ctx, "IEF450I", SearchOptions{})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "kb-4", resp.Results[0].Entry.ID)

	require.NoError(t, a.RemoveEntry(ctx, "kb-4"))

	resp = a.Search(ctx, "IEF450I", SearchOptions{BypassCache: true})
	assert.Empty(t, resp.Results)

	got, err := a.GetEntry(ctx, "kb-4")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAssistant_Suggest(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	// given recorded search history
	a.Search(ctx, "vsam status 35", SearchOptions{})

	suggestions := a.Suggest(ctx, "vsam", 10)
	require.NotEmpty(t, suggestions)
	assert.Contains(t, suggestions, "vsam status 35")

	// index terms complete the list past the history
	assert.Contains(t, suggestions, "vsam")
}

func TestAssistant_CategoryCounts(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	counts, err := a.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"batch": 1, "vsam": 1, "db2": 1}, counts)

	// the second call is served from the cache and agrees
	again, err := a.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, counts, again)
}

func TestAssistant_PreWarm(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	seeded, err := a.PreWarm(ctx)
	require.NoError(t, err)

	// popular entries and the category aggregate get seeded
	assert.GreaterOrEqual(t, seeded, 4)
	assert.Greater(t, a.CacheStats(ctx).PersistentCount, 0)

	// a second pre-warm finds everything already cached
	seeded, err = a.PreWarm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, seeded)
}

func TestAssistant_InvalidateCache(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	a.Search(ctx, "deadlock", SearchOptions{})
	_, err := a.CategoryCounts(ctx)
	require.NoError(t, err)

	removed, err := a.InvalidateCache(ctx, "", []string{"search", "aggregate"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 2)
	assert.Equal(t, 0, a.CacheStats(ctx).PersistentCount)
}

func TestAssistant_RebuildPicksUpExternalWrites(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	// given an entry written directly by an external collaborator
	now := time.Now()
	require.NoError(t, a.st.UpsertEntry(ctx, &Entry{
		ID:        "kb-9",
		Title:     "CICS transaction ASRA abend",
		Problem:   "Transaction abends with ASRA",
		Solution:  "Check for storage violations in the program",
		Category:  "cics",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, a.Rebuild(ctx))

	resp := a.Search(ctx, "ASRA", SearchOptions{BypassCache: true})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "kb-9", resp.Results[0].Entry.ID)
}

func TestAssistant_Stats(t *testing.T) {
	a := newTestAssistant(t)
	seedEntries(t, a)
	ctx := context.Background()

	s := a.Stats(ctx)
	assert.Equal(t, 3, s.Engine.DocCount)
	assert.Equal(t, 3, s.Index.DocumentCount)
	assert.InDelta(t, 1.2, s.Engine.K1, 0.001)
	assert.Empty(t, s.ActiveOptimizations)
}
