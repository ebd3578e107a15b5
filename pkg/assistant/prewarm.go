package assistant

import (
	"context"
	"encoding/json"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/querycache"
	"github.com/kbforge/retrieval/internal/router"
)

const categoryCountsKey = "aggregate:category_counts"

const (
	prewarmQueries = 10
	prewarmEntries = 10
)

// PreWarm seeds the query cache with high-value results: the most
// frequent historical queries and the most used entries at high
// priority, aggregates and recently touched entries at low priority.
// Returns how many keys were seeded.
func (a *Assistant) PreWarm(ctx context.Context) (int, error) {
	var high, low []querycache.WarmTask

	if top, err := a.st.TopSearches(ctx, prewarmQueries); err == nil {
		for _, q := range top {
			high = append(high, a.searchWarmTask(q.Normalized))
		}
	}
	if popular, err := a.st.PopularEntries(ctx, prewarmEntries); err == nil {
		for _, e := range popular {
			high = append(high, entryWarmTask(e))
		}
	}

	low = append(low, querycache.WarmTask{
		Key:  categoryCountsKey,
		Tags: []string{"aggregate", "prewarm"},
		Compute: func(ctx context.Context) (string, error) {
			counts, err := a.st.CategoryCounts(ctx)
			if err != nil {
				return "", err
			}
			raw, err := json.Marshal(counts)
			return string(raw), err
		},
	})
	if recent, err := a.st.RecentEntries(ctx, prewarmEntries); err == nil {
		for _, e := range recent {
			low = append(low, entryWarmTask(e))
		}
	}

	return a.qc.PreWarm(ctx, high, low)
}

// searchWarmTask caches a full search response under the canonical
// request key, so later Search calls for the same query hit.
func (a *Assistant) searchWarmTask(query string) querycache.WarmTask {
	req := router.Request{Text: query}
	return querycache.WarmTask{
		Key:  a.router.CacheKey(req),
		Tags: []string{"search", "prewarm"},
		Compute: func(ctx context.Context) (string, error) {
			resp := a.router.Search(ctx, req)
			raw, err := json.Marshal(resp)
			return string(raw), err
		},
	}
}

func entryWarmTask(e *corpus.Entry) querycache.WarmTask {
	return querycache.WarmTask{
		Key:  "entry:" + e.ID,
		Tags: []string{"entry", "prewarm"},
		Compute: func(ctx context.Context) (string, error) {
			raw, err := json.Marshal(e)
			return string(raw), err
		},
	}
}
