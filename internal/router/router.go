// Package router implements the strategy router: it inspects the shape
// of each search request, executes the cheapest adequate retrieval
// path, records timings into the search history, and degrades to the
// popularity strategy on any execution error.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/engine"
	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/telemetry"
	"github.com/kbforge/retrieval/internal/textproc"
)

// Strategy names reported in responses and recorded in history.
const (
	StrategyFulltext   = "fulltext"
	StrategyFiltered   = "category_filtered"
	StrategyTags       = "tag_overlap"
	StrategyCategory   = "category"
	StrategyPopularity = "popularity"
	StrategyFallback   = "fallback"
)

// maxInputTags caps how many tags a request may filter on.
const maxInputTags = 10

const tokenCacheSize = 256

// Request is one search request.
type Request struct {
	Text     string
	Category string
	Tags     []string
	Limit    int
	Offset   int
	SortBy   string
}

// Response is the search result envelope.
type Response struct {
	Results         []engine.Result `json:"results"`
	TotalCount      int             `json:"total_count"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	StrategyUsed    string          `json:"strategy_used"`
}

// Options configures the router.
type Options struct {
	// SlowThresholdMs marks executions as slow queries for later mining.
	SlowThresholdMs float64
	// DefaultLimit applies when a request carries none.
	DefaultLimit int
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SlowThresholdMs <= 0 {
		o.SlowThresholdMs = 500
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Router selects and executes retrieval strategies.
type Router struct {
	eng      *engine.Engine
	st       *store.Store
	proc     *textproc.Processor
	recorder *telemetry.Recorder
	opts     Options
	logger   *slog.Logger

	// tokenCache memoizes query tokenization across repeated searches.
	tokenCache *lru.Cache[string, []textproc.Token]
}

// New creates a router. The recorder may be nil when timing telemetry
// is not wanted.
func New(eng *engine.Engine, st *store.Store, proc *textproc.Processor, recorder *telemetry.Recorder, opts Options) *Router {
	opts = opts.withDefaults()
	tokenCache, _ := lru.New[string, []textproc.Token](tokenCacheSize)
	return &Router{
		eng:        eng,
		st:         st,
		proc:       proc,
		recorder:   recorder,
		opts:       opts,
		logger:     opts.Logger,
		tokenCache: tokenCache,
	}
}

// CacheKey is the canonical query-cache key for a request. Every layer
// that caches search responses must build keys through this so cached
// and pre-warmed entries line up.
func (r *Router) CacheKey(req Request) string {
	var sb strings.Builder
	sb.WriteString("search:")
	sb.WriteString(r.Normalize(req.Text))
	sb.WriteString("|cat:")
	sb.WriteString(strings.ToLower(req.Category))
	sb.WriteString("|tags:")
	sb.WriteString(strings.ToLower(strings.Join(req.Tags, ",")))
	sb.WriteString("|sort:")
	sb.WriteString(req.SortBy)
	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	fmt.Fprintf(&sb, "|page:%d,%d", limit, req.Offset)
	return sb.String()
}

// Select returns the strategy name for a request shape. First match
// wins: free text, category+text, tags, category, popularity.
func (r *Router) Select(req Request) string {
	hasText := strings.TrimSpace(req.Text) != ""
	switch {
	case hasText && req.Category == "" && len(req.Tags) == 0:
		return StrategyFulltext
	case hasText && req.Category != "":
		return StrategyFiltered
	case len(req.Tags) > 0:
		return StrategyTags
	case req.Category != "":
		return StrategyCategory
	default:
		return StrategyPopularity
	}
}

// Search executes a request. Any execution error falls back to the
// popularity strategy with strategy="fallback"; Search itself never
// returns an error to the caller.
func (r *Router) Search(ctx context.Context, req Request) *Response {
	if req.Limit <= 0 {
		req.Limit = r.opts.DefaultLimit
	}
	if len(req.Tags) > maxInputTags {
		req.Tags = req.Tags[:maxInputTags]
	}

	// category:/tag: prefixes inside the text are structured filters.
	if parsed := engine.ParseQuery(req.Text); parsed.Category != "" || len(parsed.Tags) > 0 {
		req.Text = parsed.Text
		if req.Category == "" {
			req.Category = parsed.Category
		}
		req.Tags = append(req.Tags, parsed.Tags...)
	}

	strategy := r.Select(req)
	start := time.Now()

	resp, err := r.execute(ctx, strategy, req)
	if err != nil {
		r.logger.Warn("strategy_failed",
			slog.String("strategy", strategy),
			slog.String("query", req.Text),
			slog.String("error", err.Error()))
		resp = r.fallback(ctx, req)
	}

	elapsed := time.Since(start)
	resp.ExecutionTimeMs = float64(elapsed.Microseconds()) / 1000.0
	r.record(ctx, req, resp, elapsed, false)
	return resp
}

// RecordCacheHit writes a history row for a response served from the
// query cache, so frequency mining can tell cached queries apart from
// uncached ones.
func (r *Router) RecordCacheHit(ctx context.Context, req Request, resp *Response, elapsed time.Duration) {
	r.record(ctx, req, resp, elapsed, true)
}

func (r *Router) execute(ctx context.Context, strategy string, req Request) (*Response, error) {
	switch strategy {
	case StrategyFulltext:
		return r.runFulltext(ctx, req, "")
	case StrategyFiltered:
		return r.runFulltext(ctx, req, req.Category)
	case StrategyTags:
		return r.runTags(ctx, req)
	case StrategyCategory:
		return r.runCategory(ctx, req)
	default:
		return r.runPopularity(ctx, req)
	}
}

// runFulltext executes the engine search and the total-count query in
// parallel.
func (r *Router) runFulltext(ctx context.Context, req Request, category string) (*Response, error) {
	var results []engine.Result
	var total int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = r.eng.Search(gctx, req.Text, category, 0, 0)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = r.eng.Count(gctx, req.Text, category)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	strategy := StrategyFulltext
	if category != "" {
		strategy = StrategyFiltered
	}

	r.sortResults(results, req.SortBy)
	return &Response{
		Results:      paginate(results, req.Limit, req.Offset),
		TotalCount:   total,
		StrategyUsed: strategy,
	}, nil
}

// runTags ranks entries by how many request tags they share.
func (r *Router) runTags(ctx context.Context, req Request) (*Response, error) {
	matched, err := r.st.EntriesByTags(ctx, req.Tags)
	if err != nil {
		return nil, err
	}

	results := make([]engine.Result, 0, len(matched))
	for entry, count := range matched {
		results = append(results, engine.Result{
			Entry: entry,
			Score: float64(count)*10 + popularityScore(entry),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})

	r.sortResults(results, req.SortBy)
	return &Response{
		Results:      paginate(results, req.Limit, req.Offset),
		TotalCount:   len(results),
		StrategyUsed: StrategyTags,
	}, nil
}

// runCategory lists a category with the literal count fetched in
// parallel.
func (r *Router) runCategory(ctx context.Context, req Request) (*Response, error) {
	var entries []*corpus.Entry
	var total int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = r.st.EntriesByCategory(gctx, req.Category, req.Limit, req.Offset)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = r.st.CountByCategory(gctx, req.Category)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := toResults(entries)
	r.sortResults(results, req.SortBy)
	return &Response{
		Results:      results,
		TotalCount:   total,
		StrategyUsed: StrategyCategory,
	}, nil
}

func (r *Router) runPopularity(ctx context.Context, req Request) (*Response, error) {
	var entries []*corpus.Entry
	var total int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = r.st.PopularEntries(gctx, req.Limit+req.Offset)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = r.st.CountEntries(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := paginate(toResults(entries), req.Limit, req.Offset)
	return &Response{
		Results:      results,
		TotalCount:   total,
		StrategyUsed: StrategyPopularity,
	}, nil
}

// fallback degrades to popularity, and to an empty result set if even
// that fails. It never propagates an error.
func (r *Router) fallback(ctx context.Context, req Request) *Response {
	resp, err := r.runPopularity(ctx, req)
	if err != nil {
		r.logger.Error("fallback_failed", slog.String("error", err.Error()))
		resp = &Response{Results: []engine.Result{}}
	}
	resp.StrategyUsed = StrategyFallback
	return resp
}

// record writes the execution into the search history and telemetry.
// Recording faults never affect the response.
func (r *Router) record(ctx context.Context, req Request, resp *Response, elapsed time.Duration, cacheHit bool) {
	if r.recorder != nil {
		r.recorder.RecordQuery(elapsed)
	}

	ms := float64(elapsed.Microseconds()) / 1000.0
	if ms > r.opts.SlowThresholdMs {
		r.logger.Warn("slow_query",
			slog.String("query", req.Text),
			slog.String("strategy", resp.StrategyUsed),
			slog.Float64("duration_ms", ms))
	}

	err := r.st.RecordSearch(ctx, &corpus.SearchRecord{
		Query:       req.Text,
		Normalized:  r.Normalize(req.Text),
		Strategy:    resp.StrategyUsed,
		DurationMs:  ms,
		ResultCount: len(resp.Results),
		CacheHit:    cacheHit,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		r.logger.Warn("history_record_failed", slog.String("error", err.Error()))
	}
}

// Normalize returns the canonical form of a query used for history
// aggregation: tokenized, lowercased, space-joined. Tokenization is
// memoized.
func (r *Router) Normalize(text string) string {
	tokens, ok := r.tokenCache.Get(text)
	if !ok {
		tokens = r.proc.TokenizeQuery(text)
		r.tokenCache.Add(text, tokens)
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = tok.Normalized
	}
	return strings.Join(parts, " ")
}

func (r *Router) sortResults(results []engine.Result, sortBy string) {
	switch sortBy {
	case "usage":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Entry.UsageCount > results[j].Entry.UsageCount
		})
	case "recent":
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Entry.UpdatedAt.After(results[j].Entry.UpdatedAt)
		})
	}
	// Default is relevance order, already established per strategy.
}

func toResults(entries []*corpus.Entry) []engine.Result {
	results := make([]engine.Result, len(entries))
	for i, e := range entries {
		results[i] = engine.Result{Entry: e, Score: popularityScore(e)}
	}
	return results
}

func popularityScore(e *corpus.Entry) float64 {
	score := math.Log(float64(e.UsageCount)+1)*5 + e.SuccessRate()*10
	if score > 100 {
		return 100
	}
	return score
}

func paginate(results []engine.Result, limit, offset int) []engine.Result {
	if offset >= len(results) {
		return []engine.Result{}
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
