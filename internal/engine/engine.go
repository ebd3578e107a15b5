// Package engine implements the persistent BM25 full-text retrieval
// engine. Candidates come from the store's FTS5 table (pre-tokenized by
// the shared text pipeline); final scores are computed in Go so k1, b,
// and field weights stay tunable, then blended with popularity and
// success-rate boosts.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/textproc"
)

// Options configures the engine. Zero values take defaults.
type Options struct {
	// BM25 parameters.
	K1 float64
	B  float64

	// FieldWeights maps indexed fields to their scoring weight.
	FieldWeights map[string]float64

	// CandidateLimit bounds the FTS candidate set per query.
	CandidateLimit int

	// SnippetWindow and SnippetStride control snippet extraction, in
	// characters.
	SnippetWindow int
	SnippetStride int

	// HighlightPre/HighlightPost wrap query-term occurrences in
	// snippets. HighlightCaseSensitive matches terms exactly when set.
	HighlightPre           string
	HighlightPost          string
	HighlightCaseSensitive bool

	// RebuildThreshold is how far the corpus may drift from the last
	// full build before MaybeRebuild triggers one.
	RebuildThreshold int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.K1 <= 0 {
		o.K1 = 1.2
	}
	if o.B <= 0 {
		o.B = 0.75
	}
	if o.FieldWeights == nil {
		o.FieldWeights = map[string]float64{
			"title":    3.0,
			"problem":  2.0,
			"solution": 1.8,
			"tags":     1.5,
		}
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 200
	}
	if o.SnippetWindow <= 0 {
		o.SnippetWindow = 160
	}
	if o.SnippetStride <= 0 {
		o.SnippetStride = 40
	}
	if o.HighlightPre == "" {
		o.HighlightPre = "<mark>"
	}
	if o.HighlightPost == "" {
		o.HighlightPost = "</mark>"
	}
	if o.RebuildThreshold <= 0 {
		o.RebuildThreshold = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is one scored search hit.
type Result struct {
	Entry   *corpus.Entry
	Score   float64
	Snippet string
}

// Stats describes the engine's current index.
type Stats struct {
	DocCount  int
	LastBuilt time.Time
	K1        float64
	B         float64
}

// Engine is the BM25 retrieval engine over the shared store.
type Engine struct {
	st     *store.Store
	proc   *textproc.Processor
	opts   Options
	logger *slog.Logger

	mu             sync.RWMutex
	ready          bool
	scorer         *scorer
	docCount       int
	lastBuilt      time.Time
	lastBuiltCount int
}

// New creates an engine over the store and text pipeline. Init must
// succeed before the engine accepts queries.
func New(st *store.Store, proc *textproc.Processor, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		st:     st,
		proc:   proc,
		opts:   opts,
		logger: opts.Logger,
	}
}

// buildDoc tokenizes an entry into a pre-tokenized FTS document. Index
// terms are stemmed so query terms produced by TokenizeQuery line up.
func (e *Engine) buildDoc(entry *corpus.Entry) *store.FTSDoc {
	opts := textproc.DefaultOptions()
	doc := &store.FTSDoc{EntryID: entry.ID, Lengths: make(map[string]int)}

	fields := map[string]string{
		"title":    entry.Title,
		"problem":  entry.Problem,
		"solution": entry.Solution,
		"tags":     strings.Join(entry.Tags, " "),
	}
	for field, text := range fields {
		tokens := e.proc.Process(text, field, opts)
		terms := make([]string, len(tokens))
		for i, tok := range tokens {
			terms[i] = tok.Stemmed
		}
		joined := strings.Join(terms, " ")
		switch field {
		case "title":
			doc.Title = joined
		case "problem":
			doc.Problem = joined
		case "solution":
			doc.Solution = joined
		case "tags":
			doc.Tags = joined
		}
		doc.Lengths[field] = len(tokens)
	}
	return doc
}

// Init populates the full-text index from the corpus in one batched
// transaction and builds the scorer. Init failure is fatal to the
// engine; it stays not-ready.
func (e *Engine) Init(ctx context.Context) error {
	entries, err := e.st.ListEntries(ctx)
	if err != nil {
		return kberr.New(kberr.ErrCodeEngineRebuild, "failed to load corpus", err)
	}

	docs := make([]*store.FTSDoc, len(entries))
	for i, entry := range entries {
		docs[i] = e.buildDoc(entry)
	}
	if err := e.st.RebuildFTS(ctx, docs); err != nil {
		return kberr.New(kberr.ErrCodeEngineRebuild, "failed to populate full-text index", err)
	}

	avgLens, err := e.st.AvgFieldLengths(ctx)
	if err != nil {
		return kberr.New(kberr.ErrCodeEngineRebuild, "failed to load field lengths", err)
	}

	e.mu.Lock()
	e.scorer = newScorer(e.opts.K1, e.opts.B, e.opts.FieldWeights, len(docs), avgLens)
	e.docCount = len(docs)
	e.lastBuilt = time.Now()
	e.lastBuiltCount = len(docs)
	e.ready = true
	e.mu.Unlock()

	e.logger.Info("engine_initialized",
		slog.Int("doc_count", len(docs)),
		slog.Float64("k1", e.opts.K1),
		slog.Float64("b", e.opts.B))
	return nil
}

// Search runs a full-text query, optionally restricted to a category.
// Results are scored by BM25 blended with popularity and success-rate
// boosts, clamped to [0,100], highest first.
func (e *Engine) Search(ctx context.Context, text, category string, limit, offset int) ([]Result, error) {
	e.mu.RLock()
	ready := e.ready
	sc := e.scorer
	e.mu.RUnlock()
	if !ready {
		return nil, kberr.NotReadyError()
	}

	tokens := e.proc.TokenizeQuery(text)
	match := e.buildMatch(tokens)
	if match == "" {
		return []Result{}, nil
	}

	candidates, err := e.st.MatchIDs(ctx, match, e.opts.CandidateLimit)
	if err != nil {
		e.logger.Warn("engine_query_failed",
			slog.String("query", text),
			slog.String("error", err.Error()))
		return nil, kberr.New(kberr.ErrCodeEngineSearch, "full-text query failed", err)
	}
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.EntryID
	}
	entries, err := e.st.GetEntries(ctx, ids)
	if err != nil {
		return nil, kberr.New(kberr.ErrCodeEngineSearch, "failed to load candidates", err)
	}

	// Document frequencies are fetched once per query term per search.
	df := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		if _, ok := df[tok.Stemmed]; ok {
			continue
		}
		count, err := e.st.TermDocCount(ctx, tok.Stemmed)
		if err != nil {
			// A single unmatchable term must not fail the query.
			count = 0
		}
		df[tok.Stemmed] = count
	}

	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		if category != "" && !strings.EqualFold(entry.Category, category) {
			continue
		}
		score := sc.score(e.proc, entry, tokens, df)
		results = append(results, Result{
			Entry:   entry,
			Score:   score,
			Snippet: e.snippet(entry, tokens),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if offset >= len(results) {
		return []Result{}, nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the total number of documents matching a full-text
// query, independent of pagination and of the candidate limit. A
// non-empty category restricts the count to that category.
func (e *Engine) Count(ctx context.Context, text, category string) (int, error) {
	e.mu.RLock()
	ready := e.ready
	e.mu.RUnlock()
	if !ready {
		return 0, kberr.NotReadyError()
	}

	match := e.buildMatch(e.proc.TokenizeQuery(text))
	if match == "" {
		return 0, nil
	}
	var count int
	var err error
	if category != "" {
		count, err = e.st.MatchCountInCategory(ctx, match, category)
	} else {
		count, err = e.st.MatchCount(ctx, match)
	}
	if err != nil {
		return 0, kberr.New(kberr.ErrCodeEngineSearch, "full-text count failed", err)
	}
	return count, nil
}

// IndexEntry adds or refreshes one entry in the full-text index.
func (e *Engine) IndexEntry(ctx context.Context, entry *corpus.Entry) error {
	if err := e.st.ReplaceFTSDoc(ctx, e.buildDoc(entry)); err != nil {
		return kberr.New(kberr.ErrCodeEngineRebuild, "failed to index entry "+entry.ID, err)
	}
	e.refreshCounts(ctx)
	return nil
}

// RemoveEntry deletes one entry from the full-text index.
func (e *Engine) RemoveEntry(ctx context.Context, id string) error {
	if err := e.st.DeleteFTSDoc(ctx, id); err != nil {
		return kberr.New(kberr.ErrCodeEngineRebuild, "failed to remove entry "+id, err)
	}
	e.refreshCounts(ctx)
	return nil
}

func (e *Engine) refreshCounts(ctx context.Context) {
	count, err := e.st.FTSDocCount(ctx)
	if err != nil {
		return
	}
	avgLens, err := e.st.AvgFieldLengths(ctx)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.docCount = count
	if e.scorer != nil {
		e.scorer = newScorer(e.opts.K1, e.opts.B, e.opts.FieldWeights, count, avgLens)
	}
	e.mu.Unlock()
}

// Optimize merges the FTS b-trees and refreshes cached length stats.
func (e *Engine) Optimize(ctx context.Context) error {
	if err := e.st.OptimizeFTS(ctx); err != nil {
		return err
	}
	e.refreshCounts(ctx)
	e.logger.Info("engine_optimized", slog.Int("doc_count", e.Stats().DocCount))
	return nil
}

// Rebuild re-populates the full-text index from the current corpus.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.Init(ctx)
}

// MaybeRebuild triggers a full rebuild when the corpus has drifted past
// the rebuild threshold since the last build. The corpus watcher calls
// this on external writes.
func (e *Engine) MaybeRebuild(ctx context.Context) (bool, error) {
	count, err := e.st.CountEntries(ctx)
	if err != nil {
		return false, kberr.StoreError("failed to count corpus", err)
	}

	e.mu.RLock()
	drift := count - e.lastBuiltCount
	if drift < 0 {
		drift = -drift
	}
	threshold := e.opts.RebuildThreshold
	e.mu.RUnlock()

	if drift < threshold {
		return false, nil
	}
	e.logger.Info("engine_auto_rebuild", slog.Int("drift", drift))
	if err := e.Rebuild(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Ready reports whether Init has completed.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		DocCount:  e.docCount,
		LastBuilt: e.lastBuilt,
		K1:        e.opts.K1,
		B:         e.opts.B,
	}
}
