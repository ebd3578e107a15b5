package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(id, title, category string, tags []string, usage int) *corpus.Entry {
	now := time.Now()
	return &corpus.Entry{
		ID:         id,
		Title:      title,
		Problem:    "problem text for " + title,
		Solution:   "solution text for " + title,
		Category:   category,
		Tags:       tags,
		UsageCount: usage,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	// Re-running the DDL against a live store must not fail.
	require.NoError(t, s.initSchema())
}

func TestOpen_SecondProcessIsLockedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(path, nil)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeStoreLocked, kberr.GetCode(err))

	// Lock is released on close.
	require.NoError(t, first.Close())
	second, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestClose_Idempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestEntries_UpsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntry("kb-1", "S0C7 data exception", "ABEND", []string{"cobol", "abend"}, 5)
	require.NoError(t, s.UpsertEntry(ctx, e))

	got, err := s.GetEntry(ctx, "kb-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S0C7 data exception", got.Title)
	assert.Equal(t, []string{"cobol", "abend"}, got.Tags)
	assert.Equal(t, 5, got.UsageCount)

	// Upsert updates in place.
	e.Title = "S0C7 data exception in COBOL"
	require.NoError(t, s.UpsertEntry(ctx, e))

	got, err = s.GetEntry(ctx, "kb-1")
	require.NoError(t, err)
	assert.Equal(t, "S0C7 data exception in COBOL", got.Title)

	count, err := s.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetEntry_AbsentReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetEntry(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetEntries_PreservesRequestedOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.UpsertEntry(ctx, testEntry(id, "entry "+id, "CAT", nil, 0)))
	}

	got, err := s.GetEntries(ctx, []string{"c", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

func TestEntriesByCategory_OrderedByUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntry(ctx, testEntry("low", "rarely used", "VSAM", nil, 1)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("high", "often used", "VSAM", nil, 50)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("other", "different category", "JCL", nil, 99)))

	got, err := s.EntriesByCategory(ctx, "vsam", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "low", got[1].ID)

	count, err := s.CountByCategory(ctx, "VSAM")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCategoryCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntry(ctx, testEntry("1", "a", "VSAM", nil, 0)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("2", "b", "VSAM", nil, 0)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("3", "c", "JCL", nil, 0)))

	archived := testEntry("4", "d", "JCL", nil, 0)
	archived.Archived = true
	require.NoError(t, s.UpsertEntry(ctx, archived))

	counts, err := s.CategoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"VSAM": 2, "JCL": 1}, counts)
}

func TestEntriesByTags_CountsOverlap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntry(ctx, testEntry("both", "two tags", "X", []string{"cobol", "db2"}, 0)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("one", "one tag", "X", []string{"DB2"}, 0)))
	require.NoError(t, s.UpsertEntry(ctx, testEntry("none", "no tags", "X", []string{"cics"}, 0)))

	matched, err := s.EntriesByTags(ctx, []string{"cobol", "db2"})
	require.NoError(t, err)

	counts := make(map[string]int)
	for e, n := range matched {
		counts[e.ID] = n
	}
	assert.Equal(t, map[string]int{"both": 2, "one": 1}, counts)
}

func TestHistory_RecordAndAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	records := []*corpus.SearchRecord{
		{Query: "S0C7 abend", Normalized: "s0c7 abend", Strategy: "fulltext", DurationMs: 700, ResultCount: 3, CreatedAt: base},
		{Query: "s0c7 ABEND", Normalized: "s0c7 abend", Strategy: "fulltext", DurationMs: 100, ResultCount: 3, CacheHit: true, CreatedAt: base},
		{Query: "vsam status", Normalized: "vsam status", Strategy: "fulltext", DurationMs: 50, ResultCount: 1, CreatedAt: base},
	}
	for _, rec := range records {
		require.NoError(t, s.RecordSearch(ctx, rec))
	}

	slow, err := s.SlowSearches(ctx, base.Add(-time.Second), 500)
	require.NoError(t, err)
	require.Len(t, slow, 1)
	assert.Equal(t, "S0C7 abend", slow[0].Query)

	freq, err := s.FrequentSearches(ctx, base.Add(-time.Second), 2)
	require.NoError(t, err)
	require.Len(t, freq, 1)
	assert.Equal(t, "s0c7 abend", freq[0].Normalized)
	assert.Equal(t, 2, freq[0].Count)
	assert.Equal(t, 1, freq[0].CacheHits)
	assert.InDelta(t, 400.0, freq[0].AvgMs, 0.1)

	top, err := s.TopSearches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "s0c7 abend", top[0].Normalized)
}

func TestPruneHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &corpus.SearchRecord{Query: "old", Normalized: "old", Strategy: "fulltext",
		CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &corpus.SearchRecord{Query: "fresh", Normalized: "fresh", Strategy: "fulltext",
		CreatedAt: time.Now()}
	require.NoError(t, s.RecordSearch(ctx, old))
	require.NoError(t, s.RecordSearch(ctx, fresh))

	n, err := s.PruneHistory(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCache_PutGetExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	row := &CacheRow{
		Key: "search:s0c7", Value: `["kb-1"]`, Type: "search", Tags: "search,abend",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccessed: now, Size: 10,
	}
	require.NoError(t, s.CachePut(ctx, row))

	got, err := s.CacheGet(ctx, "search:s0c7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `["kb-1"]`, got.Value)

	// Expired rows read as a miss and are removed.
	expired := &CacheRow{
		Key: "search:stale", Value: "x", CreatedAt: now,
		ExpiresAt: now.Add(-2 * time.Second), LastAccessed: now,
	}
	require.NoError(t, s.CachePut(ctx, expired))

	got, err = s.CacheGet(ctx, "search:stale")
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := s.CacheCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCache_GetBumpsHitCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	row := &CacheRow{Key: "k", Value: "v", CreatedAt: now,
		ExpiresAt: now.Add(time.Hour), LastAccessed: now}
	require.NoError(t, s.CachePut(ctx, row))

	_, err := s.CacheGet(ctx, "k")
	require.NoError(t, err)
	got, err := s.CacheGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, got.HitCount)
}

func TestCache_SweepAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rows := []*CacheRow{
		{Key: "live", Value: "v", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccessed: now, HitCount: 20},
		{Key: "expired", Value: "v", CreatedAt: now, ExpiresAt: now.Add(-time.Hour), LastAccessed: now},
		{Key: "coldLowHit", Value: "v", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			LastAccessed: now.Add(-48 * time.Hour), HitCount: 1},
	}
	for _, r := range rows {
		require.NoError(t, s.CachePut(ctx, r))
	}

	swept, err := s.CacheSweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	pruned, err := s.CachePruneLowHit(ctx, now.Add(-24*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	keys, err := s.CacheKeysWithTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, mapKeys(keys))
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestOptimizationLog_ApplyAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.LogOptimization(ctx, &OptimizationRecord{
		Strategy:       "cache_ttl_extension",
		Pattern:        "category_filter",
		BeforeAvgMs:    800,
		AfterAvgMs:     780,
		ImprovementPct: 2.5,
		Status:         OptStatusApplied,
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkOptimizationRolledBack(ctx, id))

	history, err := s.OptimizationHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OptStatusRolledBack, history[0].Status)
	require.NotNil(t, history[0].RolledBackAt)

	count, err := s.RecentRollbackCount(ctx, "cache_ttl_extension", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSnapshots_SaveQueryPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := telemetry.PerformanceSnapshot{AvgResponseTime: 100, QueryVolume: 5,
		Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := telemetry.PerformanceSnapshot{AvgResponseTime: 200, P95: 400, P99: 600,
		CacheHitRate: 0.7, QueryVolume: 10, SlowQueryCount: 1, Timestamp: time.Now()}
	require.NoError(t, s.SaveSnapshot(ctx, old))
	require.NoError(t, s.SaveSnapshot(ctx, fresh))

	snaps, err := s.Snapshots(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 200.0, snaps[0].AvgResponseTime, 0.01)
	assert.Equal(t, 10, snaps[0].QueryVolume)

	pruned, err := s.PruneSnapshots(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestPatternStats_UpsertReplacesAggregate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPatternStat(ctx, PatternStat{
		Pattern: "category_filter", QueryCount: 3, AvgMs: 900, LastSeen: time.Now()}))
	require.NoError(t, s.UpsertPatternStat(ctx, PatternStat{
		Pattern: "category_filter", QueryCount: 7, AvgMs: 450, LastSeen: time.Now()}))

	stats, err := s.PatternStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 7, stats[0].QueryCount)
	assert.InDelta(t, 450.0, stats[0].AvgMs, 0.01)
}

func TestFTS_MatchAndRebuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []*FTSDoc{
		{EntryID: "kb-1", Title: "s0c7 data except", Problem: "cobol abend numer field",
			Solution: "check comp-3 field", Tags: "cobol abend",
			Lengths: map[string]int{"title": 3, "problem": 4, "solution": 3, "tags": 2}},
		{EntryID: "kb-2", Title: "vsam statu 93", Problem: "vsam open fail",
			Solution: "verifi catalog", Tags: "vsam",
			Lengths: map[string]int{"title": 3, "problem": 3, "solution": 2, "tags": 1}},
	}
	require.NoError(t, s.RebuildFTS(ctx, docs))

	count, err := s.FTSDocCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	candidates, err := s.MatchIDs(ctx, `"s0c7"`, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "kb-1", candidates[0].EntryID)

	df, err := s.TermDocCount(ctx, "vsam")
	require.NoError(t, err)
	assert.Equal(t, 1, df)

	// Rebuild replaces, never appends.
	require.NoError(t, s.RebuildFTS(ctx, docs[:1]))
	count, err = s.FTSDocCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFTS_ReplaceAndDeleteDoc(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := &FTSDoc{EntryID: "kb-1", Title: "db2 deadlock", Problem: "sqlcode 911",
		Lengths: map[string]int{"title": 2, "problem": 2}}
	require.NoError(t, s.ReplaceFTSDoc(ctx, doc))

	// Replacing the same id keeps a single row.
	doc.Title = "db2 deadlock timeout"
	doc.Lengths["title"] = 3
	require.NoError(t, s.ReplaceFTSDoc(ctx, doc))

	count, err := s.FTSDocCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	lengths, err := s.DocLengths(ctx, []string{"kb-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, lengths["kb-1"]["title"])

	require.NoError(t, s.DeleteFTSDoc(ctx, "kb-1"))
	count, err = s.FTSDocCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAvgFieldLengths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []*FTSDoc{
		{EntryID: "a", Title: "x", Lengths: map[string]int{"title": 2}},
		{EntryID: "b", Title: "y", Lengths: map[string]int{"title": 4}},
	}
	require.NoError(t, s.RebuildFTS(ctx, docs))

	avgs, err := s.AvgFieldLengths(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, avgs["title"], 1e-9)
}
