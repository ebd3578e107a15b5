package store

import (
	"context"
	"time"

	"github.com/kbforge/retrieval/internal/kberr"
	"github.com/kbforge/retrieval/internal/telemetry"
)

// Optimization statuses recorded in the audit log.
const (
	OptStatusApplied    = "applied"
	OptStatusRolledBack = "rolled_back"
)

// OptimizationRecord is one row of the optimization audit log.
type OptimizationRecord struct {
	ID             int64
	Strategy       string
	Pattern        string
	BeforeAvgMs    float64
	AfterAvgMs     float64
	ImprovementPct float64
	AppliedAt      time.Time
	RolledBackAt   *time.Time
	Status         string
}

// LogOptimization inserts an applied-optimization row and returns its id.
func (s *Store) LogOptimization(ctx context.Context, rec *OptimizationRecord) (int64, error) {
	stmt, err := s.prepared(`
		INSERT INTO optimization_log
			(strategy, pattern, before_avg_ms, after_avg_ms, improvement_pct, applied_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, kberr.StoreError("prepare optimization insert", err)
	}
	appliedAt := rec.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}
	res, err := stmt.ExecContext(ctx, rec.Strategy, rec.Pattern,
		rec.BeforeAvgMs, rec.AfterAvgMs, rec.ImprovementPct, appliedAt.Unix(), rec.Status)
	if err != nil {
		return 0, kberr.StoreError("insert optimization", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// MarkOptimizationRolledBack flips a row to rolled_back and stamps the
// rollback time.
func (s *Store) MarkOptimizationRolledBack(ctx context.Context, id int64) error {
	stmt, err := s.prepared(
		`UPDATE optimization_log SET status = ?, rolled_back_at = ? WHERE id = ?`)
	if err != nil {
		return kberr.StoreError("prepare rollback update", err)
	}
	if _, err := stmt.ExecContext(ctx, OptStatusRolledBack, time.Now().Unix(), id); err != nil {
		return kberr.StoreError("mark rolled back", err)
	}
	return nil
}

// OptimizationHistory returns the most recent audit rows, newest first.
func (s *Store) OptimizationHistory(ctx context.Context, limit int) ([]*OptimizationRecord, error) {
	stmt, err := s.prepared(`
		SELECT id, strategy, pattern, before_avg_ms, after_avg_ms, improvement_pct,
		       applied_at, rolled_back_at, status
		FROM optimization_log ORDER BY applied_at DESC, id DESC LIMIT ?`)
	if err != nil {
		return nil, kberr.StoreError("prepare optimization history", err)
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, kberr.StoreError("query optimization history", err)
	}
	defer rows.Close()

	var out []*OptimizationRecord
	for rows.Next() {
		var rec OptimizationRecord
		var appliedAt int64
		var rolledBackAt *int64
		if err := rows.Scan(&rec.ID, &rec.Strategy, &rec.Pattern, &rec.BeforeAvgMs,
			&rec.AfterAvgMs, &rec.ImprovementPct, &appliedAt, &rolledBackAt, &rec.Status); err != nil {
			return nil, kberr.StoreError("scan optimization row", err)
		}
		rec.AppliedAt = time.Unix(appliedAt, 0)
		if rolledBackAt != nil {
			t := time.Unix(*rolledBackAt, 0)
			rec.RolledBackAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecentRollbackCount counts rollbacks of a strategy within the window.
// The optimizer uses this to stop re-proposing strategies that keep
// failing their improvement check.
func (s *Store) RecentRollbackCount(ctx context.Context, strategy string, since time.Time) (int, error) {
	stmt, err := s.prepared(`
		SELECT COUNT(*) FROM optimization_log
		WHERE strategy = ? AND status = ? AND applied_at >= ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare rollback count", err)
	}
	var count int
	if err := stmt.QueryRowContext(ctx, strategy, OptStatusRolledBack, since.Unix()).Scan(&count); err != nil {
		return 0, kberr.StoreError("count rollbacks", err)
	}
	return count, nil
}

// SaveSnapshot persists one performance snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap telemetry.PerformanceSnapshot) error {
	stmt, err := s.prepared(`
		INSERT INTO performance_snapshots
			(avg_ms, p95_ms, p99_ms, cache_hit_rate, query_volume, slow_query_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return kberr.StoreError("prepare snapshot insert", err)
	}
	_, err = stmt.ExecContext(ctx, snap.AvgResponseTime, snap.P95, snap.P99,
		snap.CacheHitRate, snap.QueryVolume, snap.SlowQueryCount, snap.Timestamp.Unix())
	if err != nil {
		return kberr.StoreError("insert snapshot", err)
	}
	return nil
}

// Snapshots returns persisted snapshots since the given time, oldest first.
func (s *Store) Snapshots(ctx context.Context, since time.Time) ([]telemetry.PerformanceSnapshot, error) {
	stmt, err := s.prepared(`
		SELECT avg_ms, p95_ms, p99_ms, cache_hit_rate, query_volume, slow_query_count, created_at
		FROM performance_snapshots WHERE created_at >= ? ORDER BY created_at`)
	if err != nil {
		return nil, kberr.StoreError("prepare snapshot query", err)
	}
	rows, err := stmt.QueryContext(ctx, since.Unix())
	if err != nil {
		return nil, kberr.StoreError("query snapshots", err)
	}
	defer rows.Close()

	var out []telemetry.PerformanceSnapshot
	for rows.Next() {
		var snap telemetry.PerformanceSnapshot
		var createdAt int64
		if err := rows.Scan(&snap.AvgResponseTime, &snap.P95, &snap.P99,
			&snap.CacheHitRate, &snap.QueryVolume, &snap.SlowQueryCount, &createdAt); err != nil {
			return nil, kberr.StoreError("scan snapshot", err)
		}
		snap.Timestamp = time.Unix(createdAt, 0)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshot rows older than the retention window.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	stmt, err := s.prepared(`DELETE FROM performance_snapshots WHERE created_at < ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare snapshot prune", err)
	}
	res, err := stmt.ExecContext(ctx, olderThan.Unix())
	if err != nil {
		return 0, kberr.StoreError("prune snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PatternStat is one mined query-pattern aggregate.
type PatternStat struct {
	Pattern    string
	QueryCount int
	AvgMs      float64
	LastSeen   time.Time
}

// UpsertPatternStat records the latest aggregate for a query pattern.
func (s *Store) UpsertPatternStat(ctx context.Context, stat PatternStat) error {
	stmt, err := s.prepared(`
		INSERT INTO pattern_analysis (pattern, query_count, avg_ms, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			query_count = excluded.query_count,
			avg_ms = excluded.avg_ms,
			last_seen = excluded.last_seen`)
	if err != nil {
		return kberr.StoreError("prepare pattern upsert", err)
	}
	_, err = stmt.ExecContext(ctx, stat.Pattern, stat.QueryCount, stat.AvgMs, stat.LastSeen.Unix())
	if err != nil {
		return kberr.StoreError("upsert pattern", err)
	}
	return nil
}

// PatternStats returns all mined pattern aggregates, slowest first.
func (s *Store) PatternStats(ctx context.Context) ([]PatternStat, error) {
	stmt, err := s.prepared(
		`SELECT pattern, query_count, avg_ms, last_seen FROM pattern_analysis ORDER BY avg_ms DESC`)
	if err != nil {
		return nil, kberr.StoreError("prepare pattern query", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, kberr.StoreError("query patterns", err)
	}
	defer rows.Close()

	var out []PatternStat
	for rows.Next() {
		var stat PatternStat
		var lastSeen int64
		if err := rows.Scan(&stat.Pattern, &stat.QueryCount, &stat.AvgMs, &lastSeen); err != nil {
			return nil, kberr.StoreError("scan pattern", err)
		}
		stat.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, stat)
	}
	return out, rows.Err()
}
