// Package assistant is the embedding surface of the retrieval core.
// An Assistant wires the store, text pipeline, retrieval engine, query
// cache, strategy router, and optimization monitor together behind one
// lifecycle, so the host application constructs a single object and
// searches through it.
package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbforge/retrieval/internal/cache"
	"github.com/kbforge/retrieval/internal/config"
	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/engine"
	"github.com/kbforge/retrieval/internal/invidx"
	"github.com/kbforge/retrieval/internal/logging"
	"github.com/kbforge/retrieval/internal/optimizer"
	"github.com/kbforge/retrieval/internal/querycache"
	"github.com/kbforge/retrieval/internal/router"
	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/telemetry"
	"github.com/kbforge/retrieval/internal/textproc"
)

// Aliases so embedding applications can construct requests and read
// results without reaching into internal packages.
type (
	Entry    = corpus.Entry
	Result   = engine.Result
	Response = router.Response
	Config   = config.Config
	Command  = optimizer.Command
	Observer = telemetry.Observer
	Event    = telemetry.Event
)

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc = telemetry.ObserverFunc

// Cache call options, re-exported for embedders.
type (
	CacheGetOptions = querycache.GetOptions
	CacheSetOptions = querycache.SetOptions
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file over the defaults. A
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// SearchOptions refine one Search call.
type SearchOptions struct {
	Category string
	Tags     []string
	Limit    int
	Offset   int
	SortBy   string

	// BypassCache forces a fresh execution, refreshing the cached copy.
	BypassCache bool
}

// Stats aggregates the observable state of every component.
type Stats struct {
	Engine      engine.Stats                  `json:"engine"`
	Index       invidx.Stats                  `json:"index"`
	Cache       querycache.Stats              `json:"cache"`
	Performance telemetry.PerformanceSnapshot `json:"performance"`

	ActiveOptimizations []string `json:"active_optimizations"`
}

// Assistant owns the retrieval subsystem. Construct with New, bring up
// with Start, and release with Close.
type Assistant struct {
	cfg      *config.Config
	logger   *slog.Logger
	logClose func()

	st       *store.Store
	proc     *textproc.Processor
	idx      *invidx.Index
	eng      *engine.Engine
	qc       *querycache.TieredQueryCache
	recorder *telemetry.Recorder
	notifier *telemetry.Notifier
	router   *router.Router
	monitor  *optimizer.Monitor
	watcher  *corpus.Watcher

	started   atomic.Bool
	closeOnce sync.Once
}

// New constructs the component graph from configuration. Nothing runs
// until Start.
func New(cfg *config.Config) (*Assistant, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	var logClose func()
	if cfg.Logging.FilePath != "" {
		var err error
		logger, logClose, err = logging.Setup(logging.Config{
			Level:         cfg.Logging.Level,
			FilePath:      cfg.Logging.FilePath,
			MaxSizeMB:     cfg.Logging.MaxSizeMB,
			MaxFiles:      cfg.Logging.MaxFiles,
			WriteToStderr: cfg.Logging.WriteToStderr,
		})
		if err != nil {
			return nil, err
		}
	}

	res := textproc.DefaultResources()
	if cfg.ResourcesPath != "" {
		var err error
		res, err = textproc.LoadResources(cfg.ResourcesPath)
		if err != nil {
			if logClose != nil {
				logClose()
			}
			return nil, err
		}
	}
	proc := textproc.NewProcessor(res)

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		if logClose != nil {
			logClose()
		}
		return nil, err
	}

	eng := engine.New(st, proc, engine.Options{
		K1:                     cfg.Engine.K1,
		B:                      cfg.Engine.B,
		FieldWeights:           cfg.Engine.FieldWeights,
		CandidateLimit:         cfg.Engine.CandidateLimit,
		SnippetWindow:          cfg.Engine.SnippetWindow,
		SnippetStride:          cfg.Engine.SnippetStride,
		HighlightPre:           cfg.Engine.HighlightPre,
		HighlightPost:          cfg.Engine.HighlightPost,
		HighlightCaseSensitive: cfg.Engine.HighlightCaseSensitive,
		RebuildThreshold:       cfg.Engine.RebuildThreshold,
		Logger:                 logger,
	})

	qc, err := querycache.New(st, querycache.Options{
		MaxEntries:        cfg.QueryCache.MaxEntries,
		DefaultTTL:        cfg.QueryCache.DefaultTTL,
		SweepInterval:     cfg.QueryCache.SweepInterval,
		DeepSweepInterval: cfg.QueryCache.DeepSweepInterval,
		Retention:         cfg.QueryCache.Retention,
		LowHitMax:         cfg.QueryCache.LowHitMax,
		PreWarmWorkers:    cfg.QueryCache.PreWarmWorkers,
		Memory: cache.Options{
			Policy:              cache.EvictionPolicy(cfg.Cache.Policy),
			MaxEntries:          cfg.Cache.MaxEntries,
			MaxMemoryBytes:      cfg.Cache.MaxMemoryBytes,
			PressureThreshold:   cfg.Cache.PressureThreshold,
			DefaultTTL:          cfg.Cache.DefaultTTL,
			MaintenanceInterval: cfg.Cache.MaintenanceInterval,
		},
		Logger: logger,
	})
	if err != nil {
		_ = st.Close()
		if logClose != nil {
			logClose()
		}
		return nil, err
	}

	recorder := telemetry.NewRecorder(cfg.Router.SlowThresholdMs)
	notifier := telemetry.NewNotifier(logger)

	rt := router.New(eng, st, proc, recorder, router.Options{
		SlowThresholdMs: cfg.Router.SlowThresholdMs,
		DefaultLimit:    cfg.Router.DefaultLimit,
		Logger:          logger,
	})

	mon := optimizer.New(st, qc, rt, recorder, notifier, optimizer.Options{
		SlowThresholdMs:  cfg.Router.SlowThresholdMs,
		MiningWindow:     cfg.Optimizer.MiningWindow,
		MinClusterSize:   cfg.Optimizer.MinClusterSize,
		MinFrequency:     cfg.Optimizer.MinFrequency,
		VolumeThreshold:  cfg.Optimizer.VolumeThreshold,
		SettlePeriod:     cfg.Optimizer.SettlePeriod,
		AnalysisInterval: cfg.Optimizer.AnalysisInterval,
		SnapshotInterval: cfg.Optimizer.SnapshotInterval,
		MinPriority:      cfg.Optimizer.MinPriority,
		MinEstimatePct:   cfg.Optimizer.MinEstimatePct,
		AlertCeilingMs:   cfg.Optimizer.AlertCeilingMs,
		Logger:           logger,
	})

	return &Assistant{
		cfg:      cfg,
		logger:   logger,
		logClose: logClose,
		st:       st,
		proc:     proc,
		idx:      invidx.New(proc, logger),
		eng:      eng,
		qc:       qc,
		recorder: recorder,
		notifier: notifier,
		router:   rt,
		monitor:  mon,
	}, nil
}

// Start builds the engine and in-process index from the corpus, starts
// the optimization monitor, and begins watching the database for
// external writes. Safe to call once; later calls are no-ops.
func (a *Assistant) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := a.eng.Init(ctx); err != nil {
		return err
	}
	entries, err := a.st.ListEntries(ctx)
	if err != nil {
		return err
	}
	a.idx.BuildIndex(entries)

	a.monitor.Start()

	if a.cfg.Watcher.Enabled && a.cfg.StorePath != "" {
		w, err := corpus.NewWatcher(a.cfg.StorePath, a.cfg.Watcher.Debounce,
			a.onCorpusChange, a.logger)
		if err != nil {
			a.logger.Warn("corpus_watch_unavailable", slog.String("error", err.Error()))
		} else {
			a.watcher = w
		}
	}

	a.logger.Info("assistant_started",
		slog.Int("entries", len(entries)),
		slog.String("store", a.cfg.StorePath))
	return nil
}

// onCorpusChange runs the engine's drift check after external writes
// settle, and refreshes the in-process index if a rebuild happened.
func (a *Assistant) onCorpusChange() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rebuilt, err := a.eng.MaybeRebuild(ctx)
	if err != nil {
		a.logger.Warn("corpus_rebuild_failed", slog.String("error", err.Error()))
		return
	}
	if !rebuilt {
		return
	}
	entries, err := a.st.ListEntries(ctx)
	if err != nil {
		a.logger.Warn("corpus_rebuild_failed", slog.String("error", err.Error()))
		return
	}
	a.idx.BuildIndex(entries)
	if _, err := a.qc.Invalidate(ctx, "", []string{"search", "aggregate"}); err != nil {
		a.logger.Warn("cache_invalidate_failed", slog.String("error", err.Error()))
	}
}

// Close releases components in reverse construction order. Idempotent.
func (a *Assistant) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.watcher != nil {
			_ = a.watcher.Close()
		}
		a.monitor.Close()
		a.qc.Close()
		err = a.st.Close()
		if a.logClose != nil {
			a.logClose()
		}
	})
	return err
}

// Subscribe registers an observer for optimization and performance
// events.
func (a *Assistant) Subscribe(obs Observer) {
	a.notifier.Subscribe(obs)
}

// Search executes a query through the tiered cache, falling through to
// the router on any cache fault. It never returns an error; degraded
// paths produce a response with a degraded strategy.
func (a *Assistant) Search(ctx context.Context, text string, opts SearchOptions) *Response {
	req := router.Request{
		Text:     text,
		Category: opts.Category,
		Tags:     opts.Tags,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		SortBy:   opts.SortBy,
	}

	start := time.Now()
	computed := false
	payload, err := a.qc.Get(ctx, a.router.CacheKey(req), func(ctx context.Context) (string, error) {
		computed = true
		resp := a.router.Search(ctx, req)
		raw, err := json.Marshal(resp)
		return string(raw), err
	}, querycache.GetOptions{Tags: []string{"search"}, ForceRefresh: opts.BypassCache})

	if err != nil {
		// The cached path failed; answer directly.
		a.logger.Warn("search_cache_bypass", slog.String("error", err.Error()))
		a.recorder.RecordCacheLookup(false)
		return a.router.Search(ctx, req)
	}
	a.recorder.RecordCacheLookup(!computed)

	var resp Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		a.logger.Warn("search_cache_bypass", slog.String("error", err.Error()))
		return a.router.Search(ctx, req)
	}
	if !computed {
		// Cached responses still count toward the search history, marked
		// as hits so frequency mining skips them.
		a.router.RecordCacheHit(ctx, req, &resp, time.Since(start))
	}
	return &resp
}

// Suggest completes a prefix from the historical queries (most frequent
// first) and the index's term dictionary. Results are deduplicated and
// capped at limit.
func (a *Assistant) Suggest(ctx context.Context, prefix string, limit int) []string {
	if limit <= 0 {
		limit = 10
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil
	}

	seen := make(map[string]bool)
	out := make([]string, 0, limit)
	add := func(s string) {
		if len(out) < limit && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if top, err := a.st.TopSearches(ctx, 50); err == nil {
		for _, q := range top {
			if strings.HasPrefix(q.Normalized, prefix) {
				add(q.Normalized)
			}
		}
	}
	for _, tf := range a.idx.TermsWithPrefix(prefix, limit) {
		add(tf.Term)
	}
	return out
}

// CategoryCounts returns the per-category entry counts, cached.
func (a *Assistant) CategoryCounts(ctx context.Context) (map[string]int, error) {
	payload, err := a.qc.Get(ctx, categoryCountsKey, func(ctx context.Context) (string, error) {
		counts, err := a.st.CategoryCounts(ctx)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(counts)
		return string(raw), err
	}, querycache.GetOptions{Tags: []string{"aggregate"}})
	if err != nil {
		return nil, err
	}

	var counts map[string]int
	if err := json.Unmarshal([]byte(payload), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// AddEntry upserts an entry into the corpus, both indexes, and
// invalidates cached results that may now be stale.
func (a *Assistant) AddEntry(ctx context.Context, e *Entry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := a.st.UpsertEntry(ctx, e); err != nil {
		return err
	}
	if err := a.eng.IndexEntry(ctx, e); err != nil {
		return err
	}
	a.idx.UpdateDocument(e)
	a.invalidateDerived(ctx)
	return nil
}

// RemoveEntry deletes an entry from the corpus and both indexes.
func (a *Assistant) RemoveEntry(ctx context.Context, id string) error {
	if err := a.st.DeleteEntry(ctx, id); err != nil {
		return err
	}
	if err := a.eng.RemoveEntry(ctx, id); err != nil {
		return err
	}
	a.idx.RemoveDocument(id)
	a.invalidateDerived(ctx)
	return nil
}

// GetEntry fetches one entry, nil when absent.
func (a *Assistant) GetEntry(ctx context.Context, id string) (*Entry, error) {
	return a.st.GetEntry(ctx, id)
}

func (a *Assistant) invalidateDerived(ctx context.Context) {
	if _, err := a.qc.Invalidate(ctx, "", []string{"search", "aggregate"}); err != nil {
		a.logger.Warn("cache_invalidate_failed", slog.String("error", err.Error()))
	}
}

// Rebuild reconstructs the persistent FTS index and the in-process
// index from the current corpus.
func (a *Assistant) Rebuild(ctx context.Context) error {
	if err := a.eng.Rebuild(ctx); err != nil {
		return err
	}
	entries, err := a.st.ListEntries(ctx)
	if err != nil {
		return err
	}
	a.idx.BuildIndex(entries)
	return nil
}

// TermsWithPrefix exposes the index term dictionary, most frequent
// first.
func (a *Assistant) TermsWithPrefix(prefix string, limit int) []invidx.TermFrequency {
	return a.idx.TermsWithPrefix(prefix, limit)
}

// ExportIndex serializes the in-process index for diagnostics.
func (a *Assistant) ExportIndex() ([]byte, error) { return a.idx.Export() }

// ImportIndex restores a previously exported in-process index.
func (a *Assistant) ImportIndex(data []byte) error { return a.idx.Import(data) }

// CacheGet returns the cached value for key, computing and caching it
// on a miss across both tiers.
func (a *Assistant) CacheGet(ctx context.Context, key string, compute func(context.Context) (string, error), opts CacheGetOptions) (string, error) {
	return a.qc.Get(ctx, key, compute, opts)
}

// CacheSet writes a value into both cache tiers.
func (a *Assistant) CacheSet(ctx context.Context, key, value string, opts CacheSetOptions) {
	a.qc.Set(ctx, key, value, opts)
}

// CacheDelete removes one key from both cache tiers.
func (a *Assistant) CacheDelete(ctx context.Context, key string) {
	a.qc.Delete(ctx, key)
}

// SearchIndex looks up stemmed terms in the in-process inverted index,
// returning the matching posting lists keyed by term.
func (a *Assistant) SearchIndex(terms []string) map[string]*invidx.PostingList {
	return a.idx.Search(terms)
}

// InvalidateCache removes cached responses whose key matches the regex
// pattern or whose tags contain any given substring, from both tiers.
func (a *Assistant) InvalidateCache(ctx context.Context, pattern string, tags []string) (int, error) {
	return a.qc.Invalidate(ctx, pattern, tags)
}

// CacheStats reports both cache tiers.
func (a *Assistant) CacheStats(ctx context.Context) querycache.Stats {
	return a.qc.GetStats(ctx)
}

// CacheHotKeys reports the most valuable in-process cache keys, best
// first.
func (a *Assistant) CacheHotKeys(limit int) []cache.HotKey {
	return a.qc.HotKeys(limit)
}

// AnalyzeAndOptimize mines the recent search history and returns the
// proposed optimization commands, best estimate first.
func (a *Assistant) AnalyzeAndOptimize(ctx context.Context) []*Command {
	return a.monitor.AnalyzeAndOptimize(ctx)
}

// ApplyOptimization runs one command through the measured apply
// protocol.
func (a *Assistant) ApplyOptimization(ctx context.Context, cmd *Command) (*optimizer.ApplyResult, error) {
	return a.monitor.ApplyOptimization(ctx, cmd)
}

// ActiveOptimizations lists currently applied optimization names.
func (a *Assistant) ActiveOptimizations() []string {
	return a.monitor.ActiveOptimizations()
}

// Stats aggregates component statistics into one snapshot.
func (a *Assistant) Stats(ctx context.Context) Stats {
	s := Stats{
		Engine:              a.eng.Stats(),
		Index:               a.idx.Stats(),
		Cache:               a.qc.GetStats(ctx),
		Performance:         a.recorder.Snapshot(),
		ActiveOptimizations: a.monitor.ActiveOptimizations(),
	}
	sort.Strings(s.ActiveOptimizations)
	return s
}
