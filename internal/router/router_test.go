package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/engine"
	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/telemetry"
	"github.com/kbforge/retrieval/internal/textproc"
)

func newTestRouter(t *testing.T, entries []*corpus.Entry) (*Router, *store.Store) {
	t.Helper()
	st, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, e := range entries {
		require.NoError(t, st.UpsertEntry(ctx, e))
	}

	proc := textproc.NewProcessor(nil)
	eng := engine.New(st, proc, engine.Options{})
	require.NoError(t, eng.Init(ctx))

	return New(eng, st, proc, telemetry.NewRecorder(500), Options{}), st
}

func entry(id, title, problem, category string, tags []string, usage int) *corpus.Entry {
	now := time.Now()
	return &corpus.Entry{
		ID: id, Title: title, Problem: problem, Solution: "fix it",
		Category: category, Tags: tags, UsageCount: usage,
		CreatedAt: now, UpdatedAt: now,
	}
}

func testCorpus() []*corpus.Entry {
	return []*corpus.Entry{
		entry("kb-1", "S0C7 Data Exception", "packed field holds garbage", "ABEND", []string{"s0c7", "cobol"}, 10),
		entry("kb-2", "VSAM file status 93", "vsam open fails in batch", "VSAM", []string{"vsam"}, 5),
		entry("kb-3", "VSAM reorg procedure", "how to reorg a ksds", "VSAM", []string{"vsam", "reorg"}, 2),
		entry("kb-4", "DB2 deadlock", "two jobs deadlock on a tablespace", "DB2", []string{"db2", "cobol"}, 40),
	}
}

func TestSelect_ShapeTable(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"free text only", Request{Text: "s0c7 abend"}, StrategyFulltext},
		{"category and text", Request{Text: "open failure", Category: "VSAM"}, StrategyFiltered},
		{"tags present", Request{Tags: []string{"cobol"}}, StrategyTags},
		{"tags beat category without text", Request{Category: "VSAM", Tags: []string{"vsam"}}, StrategyTags},
		{"category only", Request{Category: "VSAM"}, StrategyCategory},
		{"empty request", Request{}, StrategyPopularity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Select(tt.req))
		})
	}
}

func TestSearch_FulltextStrategy(t *testing.T) {
	r, _ := newTestRouter(t, testCorpus())

	resp := r.Search(context.Background(), Request{Text: "deadlock"})

	assert.Equal(t, StrategyFulltext, resp.StrategyUsed)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "kb-4", resp.Results[0].Entry.ID)
	assert.Equal(t, 1, resp.TotalCount)
	assert.GreaterOrEqual(t, resp.ExecutionTimeMs, 0.0)
}

func TestSearch_CategoryPrefixRoutesToCategoryStrategy(t *testing.T) {
	// given: scenario — "category:VSAM" with no free text
	r, _ := newTestRouter(t, testCorpus())

	// when
	resp := r.Search(context.Background(), Request{Text: "category:VSAM"})

	// then: category strategy, count equals the literal number of
	// non-archived VSAM entries
	assert.Equal(t, StrategyCategory, resp.StrategyUsed)
	assert.Equal(t, 2, resp.TotalCount)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "kb-2", resp.Results[0].Entry.ID) // higher usage first
}

func TestSearch_FilteredCountNotCappedByCandidateLimit(t *testing.T) {
	// given: more category matches than the engine's candidate limit
	st, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	entries := []*corpus.Entry{
		entry("v1", "VSAM cluster define", "define the vsam cluster", "VSAM", []string{"vsam"}, 1),
		entry("v2", "VSAM cluster reorg", "reorg the vsam cluster", "VSAM", nil, 1),
		entry("v3", "VSAM cluster delete", "delete the vsam cluster", "VSAM", nil, 1),
		entry("d1", "DB2 clustering index", "clustering index on a db2 table", "DB2", nil, 1),
	}
	for _, e := range entries {
		require.NoError(t, st.UpsertEntry(ctx, e))
	}

	proc := textproc.NewProcessor(nil)
	eng := engine.New(st, proc, engine.Options{CandidateLimit: 2})
	require.NoError(t, eng.Init(ctx))
	r := New(eng, st, proc, telemetry.NewRecorder(500), Options{})

	// when
	resp := r.Search(ctx, Request{Text: "cluster", Category: "VSAM"})

	// then: the total reflects every category match, not the truncated
	// candidate set
	assert.Equal(t, StrategyFiltered, resp.StrategyUsed)
	assert.Equal(t, 3, resp.TotalCount)
	assert.LessOrEqual(t, len(resp.Results), 2)
}

func TestSearch_TagOverlapRanksByMatchedTags(t *testing.T) {
	r, _ := newTestRouter(t, testCorpus())

	resp := r.Search(context.Background(), Request{Tags: []string{"vsam", "reorg"}})

	assert.Equal(t, StrategyTags, resp.StrategyUsed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "kb-3", resp.Results[0].Entry.ID) // two matched tags
	assert.Equal(t, "kb-2", resp.Results[1].Entry.ID)
}

func TestSearch_TagCapAtTen(t *testing.T) {
	r, _ := newTestRouter(t, testCorpus())

	tags := make([]string, 15)
	for i := range tags {
		tags[i] = "t"
	}
	tags[0] = "vsam"

	resp := r.Search(context.Background(), Request{Tags: tags})
	assert.Equal(t, StrategyTags, resp.StrategyUsed)
	require.NotEmpty(t, resp.Results)
}

func TestSearch_PopularityStrategyForEmptyRequest(t *testing.T) {
	r, _ := newTestRouter(t, testCorpus())

	resp := r.Search(context.Background(), Request{Limit: 2})

	assert.Equal(t, StrategyPopularity, resp.StrategyUsed)
	assert.Equal(t, 4, resp.TotalCount)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "kb-4", resp.Results[0].Entry.ID)
}

func TestSearch_StoreFailureFallsBack(t *testing.T) {
	// given: a router whose store fails mid-flight
	r, st := newTestRouter(t, testCorpus())
	require.NoError(t, st.Close())

	// when
	resp := r.Search(context.Background(), Request{Text: "deadlock"})

	// then: a usable degraded response, never an error
	require.NotNil(t, resp)
	assert.Equal(t, StrategyFallback, resp.StrategyUsed)
	assert.NotNil(t, resp.Results)
}

func TestSearch_RecordsHistory(t *testing.T) {
	r, st := newTestRouter(t, testCorpus())
	ctx := context.Background()

	r.Search(ctx, Request{Text: "VSAM Status"})

	top, err := st.TopSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "vsam status", top[0].Normalized)
}

func TestRecordCacheHit_MarksHistoryRow(t *testing.T) {
	r, st := newTestRouter(t, testCorpus())
	ctx := context.Background()

	req := Request{Text: "VSAM Status"}
	resp := r.Search(ctx, req)
	r.RecordCacheHit(ctx, req, resp, time.Millisecond)

	top, err := st.TopSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "vsam status", top[0].Normalized)
	assert.Equal(t, 2, top[0].Count)
	assert.Equal(t, 1, top[0].CacheHits)
}

func TestSearch_SortByUsage(t *testing.T) {
	r, _ := newTestRouter(t, testCorpus())

	resp := r.Search(context.Background(), Request{Text: "vsam", SortBy: "usage"})

	require.GreaterOrEqual(t, len(resp.Results), 2)
	assert.Equal(t, "kb-2", resp.Results[0].Entry.ID)
}

func TestNormalize_Memoized(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	first := r.Normalize("S0C7  Data   Exception")
	second := r.Normalize("S0C7  Data   Exception")

	assert.Equal(t, "s0c7 data exception", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.tokenCache.Len())
}
