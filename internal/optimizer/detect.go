package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kbforge/retrieval/internal/store"
	"github.com/kbforge/retrieval/internal/textproc"
)

// Query pattern taxonomy mined from the search history.
const (
	PatternCategoryFilter = "category_filter"
	PatternTagFilter      = "tag_filter"
	PatternLongText       = "long_text"
	PatternShortText      = "short_text"
	PatternStandard       = "standard_text_search"
)

const (
	longTextWords  = 7
	shortTextWords = 1
)

// ClassifyPattern assigns a raw query to the pattern taxonomy.
func ClassifyPattern(query string) string {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "category:") {
		return PatternCategoryFilter
	}
	if strings.Contains(lower, "tag:") {
		return PatternTagFilter
	}
	words := len(strings.Fields(query))
	if words >= longTextWords {
		return PatternLongText
	}
	if words <= shortTextWords {
		return PatternShortText
	}
	return PatternStandard
}

// detector is one candidate source. Detector failures are logged and
// skip only that detector for the cycle.
type detector struct {
	name string
	run  func(context.Context) ([]*Command, error)
}

func (m *Monitor) detectors() []detector {
	return []detector{
		{"slow_query_clusters", m.detectSlowClusters},
		{"uncached_frequent", m.detectUncachedFrequent},
		{"missing_index", m.detectMissingIndex},
		{"routing_opportunities", m.detectRouting},
	}
}

// detectSlowClusters groups slow history rows by pattern, persists the
// aggregates, and proposes a pre-warm command per large cluster.
func (m *Monitor) detectSlowClusters(ctx context.Context) ([]*Command, error) {
	since := time.Now().Add(-m.opts.MiningWindow)
	records, err := m.st.SlowSearches(ctx, since, m.opts.SlowThresholdMs)
	if err != nil {
		return nil, err
	}

	type cluster struct {
		count   int
		totalMs float64
		queries map[string]bool
	}
	clusters := make(map[string]*cluster)
	for _, rec := range records {
		pattern := ClassifyPattern(rec.Query)
		c := clusters[pattern]
		if c == nil {
			c = &cluster{queries: make(map[string]bool)}
			clusters[pattern] = c
		}
		c.count++
		c.totalMs += rec.DurationMs
		if rec.Normalized != "" {
			c.queries[rec.Normalized] = true
		}
	}

	var commands []*Command
	for pattern, c := range clusters {
		avgMs := c.totalMs / float64(c.count)
		if err := m.st.UpsertPatternStat(ctx, store.PatternStat{
			Pattern:    pattern,
			QueryCount: c.count,
			AvgMs:      avgMs,
			LastSeen:   time.Now(),
		}); err != nil {
			m.logger.Warn("pattern_stat_persist_failed",
				slog.String("pattern", pattern), slog.String("error", err.Error()))
		}

		if c.count < m.opts.MinClusterSize {
			continue
		}

		queries := setToSlice(c.queries)
		name := "slow_query_prewarm_" + pattern
		estimate := estimateFromLatency(avgMs, m.opts.SlowThresholdMs)
		commands = append(commands, NewCommand(name, pattern,
			int(avgMs/100), estimate,
			func(ctx context.Context) error { return m.seedQueries(ctx, name, queries) },
			func(ctx context.Context) error { return m.unseed(ctx, name) },
		))
	}
	return commands, nil
}

// detectUncachedFrequent proposes pre-warming for frequent queries that
// never hit the cache.
func (m *Monitor) detectUncachedFrequent(ctx context.Context) ([]*Command, error) {
	since := time.Now().Add(-m.opts.MiningWindow)
	freq, err := m.st.FrequentSearches(ctx, since, m.opts.MinFrequency)
	if err != nil {
		return nil, err
	}

	var queries []string
	var totalMs float64
	for _, qf := range freq {
		if qf.CacheHits > 0 {
			continue
		}
		queries = append(queries, qf.Normalized)
		totalMs += qf.AvgMs
	}
	if len(queries) == 0 {
		return nil, nil
	}

	avgMs := totalMs / float64(len(queries))
	name := "prewarm_frequent_queries"
	return []*Command{NewCommand(name, PatternStandard,
		len(queries), estimateFromLatency(avgMs, 0),
		func(ctx context.Context) error { return m.seedQueries(ctx, name, queries) },
		func(ctx context.Context) error { return m.unseed(ctx, name) },
	)}, nil
}

// detectMissingIndex proposes covering indexes when category or tag
// traffic crosses the volume threshold.
func (m *Monitor) detectMissingIndex(ctx context.Context) ([]*Command, error) {
	since := time.Now().Add(-m.opts.MiningWindow)
	volume, err := m.st.SearchVolumeByStrategy(ctx, since)
	if err != nil {
		return nil, err
	}

	var commands []*Command
	if volume["category"]+volume["category_filtered"] >= m.opts.VolumeThreshold {
		commands = append(commands, m.indexCommand(
			"index_category_usage", PatternCategoryFilter,
			`CREATE INDEX IF NOT EXISTS idx_entries_category_usage ON entries(category, usage_count DESC)`,
			`DROP INDEX IF EXISTS idx_entries_category_usage`))
	}
	if volume["tag_overlap"] >= m.opts.VolumeThreshold {
		commands = append(commands, m.indexCommand(
			"index_entry_tags", PatternTagFilter,
			`CREATE INDEX IF NOT EXISTS idx_entries_tags ON entries(tags)`,
			`DROP INDEX IF EXISTS idx_entries_tags`))
	}
	return commands, nil
}

func (m *Monitor) indexCommand(name, pattern, createDDL, dropDDL string) *Command {
	return NewCommand(name, pattern, 10, 15,
		func(ctx context.Context) error {
			_, err := m.st.DB().ExecContext(ctx, createDDL)
			return err
		},
		func(ctx context.Context) error {
			_, err := m.st.DB().ExecContext(ctx, dropDDL)
			return err
		})
}

// detectRouting finds fixed-format error codes going through the slow
// full-text path and proposes exact-match seeding for them.
func (m *Monitor) detectRouting(ctx context.Context) ([]*Command, error) {
	since := time.Now().Add(-m.opts.MiningWindow)
	records, err := m.st.SlowSearches(ctx, since, m.opts.SlowThresholdMs)
	if err != nil {
		return nil, err
	}

	codes := make(map[string]bool)
	for _, rec := range records {
		if rec.Strategy != "fulltext" {
			continue
		}
		fields := strings.Fields(rec.Normalized)
		if len(fields) == 1 && textproc.IsErrorCode(fields[0]) {
			codes[fields[0]] = true
		}
	}
	if len(codes) == 0 {
		return nil, nil
	}

	queries := setToSlice(codes)
	name := "route_exact_codes"
	return []*Command{NewCommand(name, PatternShortText,
		len(queries)*2, 25,
		func(ctx context.Context) error { return m.seedQueries(ctx, name, queries) },
		func(ctx context.Context) error { return m.unseed(ctx, name) },
	)}, nil
}

func estimateFromLatency(avgMs, floorMs float64) float64 {
	if avgMs <= 0 {
		return 5
	}
	target := floorMs / 2
	pct := (avgMs - target) / avgMs * 100
	if pct < 5 {
		pct = 5
	}
	if pct > 60 {
		pct = 60
	}
	return pct
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// optTag tags cache rows seeded by a command so rollback can
// invalidate exactly those rows.
func optTag(name string) string {
	return fmt.Sprintf("opt:%s", name)
}
