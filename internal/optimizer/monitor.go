// Package optimizer implements the optimization monitor: it mines the
// search history for remediable patterns, proposes typed optimization
// commands, applies them under a measured improvement protocol, and
// rolls back the ones that do not pay off.
package optimizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/querycache"
	"github.com/kbforge/retrieval/internal/router"
	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/telemetry"
)

// Options configures the monitor. Zero values take defaults.
type Options struct {
	SlowThresholdMs float64
	MiningWindow    time.Duration
	MinClusterSize  int
	MinFrequency    int
	VolumeThreshold int

	// SettlePeriod is the wait between applying a command and measuring
	// its effect.
	SettlePeriod time.Duration

	// AnalysisInterval schedules the full mining cycle;
	// SnapshotInterval the lightweight snapshot/alert job.
	AnalysisInterval time.Duration
	SnapshotInterval time.Duration

	// Auto-apply gates for the hourly analysis.
	MinPriority    int
	MinEstimatePct float64

	// AlertCeilingMs raises a performanceAlert when the rolling average
	// response time exceeds it.
	AlertCeilingMs float64

	// WarmTTL is the cache TTL for seeded query results.
	WarmTTL time.Duration

	SnapshotRetention time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SlowThresholdMs <= 0 {
		o.SlowThresholdMs = 500
	}
	if o.MiningWindow <= 0 {
		o.MiningWindow = 24 * time.Hour
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 5
	}
	if o.MinFrequency <= 0 {
		o.MinFrequency = 5
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 50
	}
	if o.SettlePeriod < 0 {
		o.SettlePeriod = 0
	} else if o.SettlePeriod == 0 {
		o.SettlePeriod = 30 * time.Second
	}
	if o.AnalysisInterval <= 0 {
		o.AnalysisInterval = time.Hour
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 10 * time.Minute
	}
	if o.MinPriority <= 0 {
		o.MinPriority = 1
	}
	if o.MinEstimatePct <= 0 {
		o.MinEstimatePct = 10
	}
	if o.AlertCeilingMs <= 0 {
		o.AlertCeilingMs = 1000
	}
	if o.WarmTTL <= 0 {
		o.WarmTTL = 30 * time.Minute
	}
	if o.SnapshotRetention <= 0 {
		o.SnapshotRetention = 7 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ApplyResult reports the outcome of one apply protocol run.
type ApplyResult struct {
	Name           string
	Success        bool
	RolledBack     bool
	ImprovementPct float64
	LogID          int64
}

// Monitor mines, applies, and audits optimizations.
type Monitor struct {
	st       *store.Store
	qc       *querycache.TieredQueryCache
	router   *router.Router
	recorder *telemetry.Recorder
	notifier *telemetry.Notifier
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Command

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	analysisRunning atomic.Bool
	snapshotRunning atomic.Bool
}

// New creates a monitor; Start launches its scheduled jobs.
func New(st *store.Store, qc *querycache.TieredQueryCache, r *router.Router,
	recorder *telemetry.Recorder, notifier *telemetry.Notifier, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		st:       st,
		qc:       qc,
		router:   r,
		recorder: recorder,
		notifier: notifier,
		opts:     opts,
		logger:   opts.Logger,
		active:   make(map[string]*Command),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the hourly analysis job and the 10-minute snapshot
// job. Each job skips its run when the previous one is still going.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(m.opts.AnalysisInterval, &m.analysisRunning, m.runAnalysis)
	go m.loop(m.opts.SnapshotInterval, &m.snapshotRunning, m.runSnapshot)
}

// Close stops the scheduled jobs. Active optimizations stay applied.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) loop(interval time.Duration, guard *atomic.Bool, job func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if guard.CompareAndSwap(false, true) {
				job()
				guard.Store(false)
			}
		case <-m.stopCh:
			return
		}
	}
}

// AnalyzeAndOptimize runs every detector and returns the proposed
// commands ranked by estimated improvement descending. A failing
// detector is logged and skipped for the cycle, and a strategy rolled
// back within the mining window is suppressed rather than re-proposed.
func (m *Monitor) AnalyzeAndOptimize(ctx context.Context) []*Command {
	var candidates []*Command
	for _, d := range m.detectors() {
		commands, err := d.run(ctx)
		if err != nil {
			m.logger.Warn("detector_failed",
				slog.String("detector", d.name),
				slog.String("error", err.Error()))
			continue
		}
		candidates = append(candidates, commands...)
	}

	since := time.Now().Add(-m.opts.MiningWindow)
	kept := candidates[:0]
	for _, cmd := range candidates {
		rollbacks, err := m.st.RecentRollbackCount(ctx, cmd.Name(), since)
		if err != nil {
			m.logger.Warn("rollback_count_failed",
				slog.String("strategy", cmd.Name()),
				slog.String("error", err.Error()))
			kept = append(kept, cmd)
			continue
		}
		if rollbacks > 0 {
			m.logger.Debug("optimization_suppressed",
				slog.String("strategy", cmd.Name()),
				slog.Int("recent_rollbacks", rollbacks))
			continue
		}
		kept = append(kept, cmd)
	}
	candidates = kept

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EstimatedImprovementPct() > candidates[j].EstimatedImprovementPct()
	})
	return candidates
}

// ApplyOptimization runs the apply protocol: baseline snapshot, apply,
// settle, measure, persist, and roll back when the measured improvement
// misses both half the estimate and the 5% floor.
func (m *Monitor) ApplyOptimization(ctx context.Context, cmd *Command) (*ApplyResult, error) {
	m.mu.Lock()
	if _, exists := m.active[cmd.Name()]; exists {
		m.mu.Unlock()
		return nil, kberr.New(kberr.ErrCodeDuplicateActive,
			"optimization already active: "+cmd.Name(), nil)
	}
	m.mu.Unlock()

	before := m.recorder.Snapshot().AvgResponseTime

	if err := cmd.Apply(ctx); err != nil {
		// Best-effort rollback; its own failure is only logged.
		if rbErr := cmd.Rollback(ctx); rbErr != nil {
			m.logger.Error("optimization_rollback_failed",
				slog.String("strategy", cmd.Name()),
				slog.String("error", rbErr.Error()))
		}
		return nil, kberr.New(kberr.ErrCodeInternal,
			"optimization apply failed: "+cmd.Name(), err)
	}

	m.mu.Lock()
	m.active[cmd.Name()] = cmd
	m.mu.Unlock()

	m.settle(ctx)

	after := m.recorder.Snapshot().AvgResponseTime
	improvement := 0.0
	if before > 0 {
		improvement = (before - after) / before * 100
	}

	logID, err := m.st.LogOptimization(ctx, &store.OptimizationRecord{
		Strategy:       cmd.Name(),
		Pattern:        cmd.Pattern(),
		BeforeAvgMs:    before,
		AfterAvgMs:     after,
		ImprovementPct: improvement,
		AppliedAt:      time.Now(),
		Status:         store.OptStatusApplied,
	})
	if err != nil {
		m.logger.Warn("optimization_log_failed",
			slog.String("strategy", cmd.Name()), slog.String("error", err.Error()))
	}

	result := &ApplyResult{Name: cmd.Name(), ImprovementPct: improvement, LogID: logID}

	if improvement < 0.5*cmd.EstimatedImprovementPct() && improvement < 5 {
		if rbErr := cmd.Rollback(ctx); rbErr != nil {
			m.logger.Error("optimization_rollback_failed",
				slog.String("strategy", cmd.Name()),
				slog.String("error", rbErr.Error()))
		}
		m.mu.Lock()
		delete(m.active, cmd.Name())
		m.mu.Unlock()
		if logID != 0 {
			if err := m.st.MarkOptimizationRolledBack(ctx, logID); err != nil {
				m.logger.Warn("optimization_log_failed",
					slog.String("strategy", cmd.Name()), slog.String("error", err.Error()))
			}
		}
		result.RolledBack = true
		m.emit(telemetry.EventOptimizationApplied, map[string]any{
			"strategy":        cmd.Name(),
			"success":         false,
			"improvement_pct": improvement,
		})
		return result, nil
	}

	result.Success = true
	m.emit(telemetry.EventOptimizationApplied, map[string]any{
		"strategy":        cmd.Name(),
		"success":         true,
		"improvement_pct": improvement,
	})
	return result, nil
}

// ActiveOptimizations lists the names of currently active commands.
func (m *Monitor) ActiveOptimizations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) settle(ctx context.Context) {
	if m.opts.SettlePeriod <= 0 {
		return
	}
	select {
	case <-time.After(m.opts.SettlePeriod):
	case <-ctx.Done():
	case <-m.stopCh:
	}
}

// runAnalysis is the scheduled full mining cycle: detect, then
// auto-apply candidates meeting the priority and estimate gates.
func (m *Monitor) runAnalysis() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	candidates := m.AnalyzeAndOptimize(ctx)
	applied := 0
	for _, cmd := range candidates {
		if cmd.Priority() < m.opts.MinPriority ||
			cmd.EstimatedImprovementPct() < m.opts.MinEstimatePct {
			continue
		}
		result, err := m.ApplyOptimization(ctx, cmd)
		if err != nil {
			if kberr.GetCode(err) != kberr.ErrCodeDuplicateActive {
				m.logger.Warn("auto_apply_failed",
					slog.String("strategy", cmd.Name()),
					slog.String("error", err.Error()))
			}
			continue
		}
		if result.Success {
			applied++
		}
	}
	m.logger.Info("optimization_analysis",
		slog.Int("candidates", len(candidates)),
		slog.Int("applied", applied))
}

// runSnapshot persists a lightweight performance snapshot and raises an
// alert when the rolling average response time exceeds the ceiling.
func (m *Monitor) runSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	snap := m.recorder.Snapshot()
	if err := m.st.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("snapshot_persist_failed", slog.String("error", err.Error()))
	}
	if _, err := m.st.PruneSnapshots(ctx, time.Now().Add(-m.opts.SnapshotRetention)); err != nil {
		m.logger.Warn("snapshot_prune_failed", slog.String("error", err.Error()))
	}

	rolling := m.recorder.RollingAvgResponseTime(12)
	if rolling > m.opts.AlertCeilingMs {
		m.emit(telemetry.EventPerformanceAlert, map[string]any{
			"avg_ms":     rolling,
			"ceiling_ms": m.opts.AlertCeilingMs,
		})
	}
}

func (m *Monitor) emit(eventType telemetry.EventType, fields map[string]any) {
	if m.notifier != nil {
		m.notifier.Emit(eventType, fields)
	}
}

// seedQueries executes each query through the router and caches the
// response at high priority, tagged for rollback.
func (m *Monitor) seedQueries(ctx context.Context, name string, queries []string) error {
	for _, q := range queries {
		req := router.Request{Text: q}
		resp := m.router.Search(ctx, req)
		payload, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		m.qc.Set(ctx, m.router.CacheKey(req), string(payload), querycache.SetOptions{
			TTL:      m.opts.WarmTTL,
			Tags:     []string{"search", optTag(name)},
			Priority: querycache.PriorityHigh,
		})
	}
	return nil
}

// unseed invalidates every cache row a command seeded.
func (m *Monitor) unseed(ctx context.Context, name string) error {
	_, err := m.qc.Invalidate(ctx, "", []string{optTag(name)})
	return err
}
