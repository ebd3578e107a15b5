package store

import (
	"context"
	"time"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/kberr"
)

// RecordSearch appends one search execution to the history. The router
// calls this after every search; the optimizer mines the table.
func (s *Store) RecordSearch(ctx context.Context, rec *corpus.SearchRecord) error {
	stmt, err := s.prepared(`
		INSERT INTO search_history
			(query, normalized, strategy, duration_ms, result_count, cache_hit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return kberr.StoreError("prepare history insert", err)
	}
	cacheHit := 0
	if rec.CacheHit {
		cacheHit = 1
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = stmt.ExecContext(ctx, rec.Query, rec.Normalized, rec.Strategy,
		rec.DurationMs, rec.ResultCount, cacheHit, createdAt.Unix())
	if err != nil {
		return kberr.StoreError("insert history", err)
	}
	return nil
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]*corpus.SearchRecord, error) {
	stmt, err := s.prepared(query)
	if err != nil {
		return nil, kberr.StoreError("prepare history query", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, kberr.StoreError("query history", err)
	}
	defer rows.Close()

	var records []*corpus.SearchRecord
	for rows.Next() {
		var rec corpus.SearchRecord
		var cacheHit int
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Normalized, &rec.Strategy,
			&rec.DurationMs, &rec.ResultCount, &cacheHit, &createdAt); err != nil {
			return nil, kberr.StoreError("scan history", err)
		}
		rec.CacheHit = cacheHit != 0
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

const historyColumns = `id, query, normalized, strategy, duration_ms, result_count, cache_hit, created_at`

// SlowSearches returns history rows since the given time whose duration
// exceeded thresholdMs.
func (s *Store) SlowSearches(ctx context.Context, since time.Time, thresholdMs float64) ([]*corpus.SearchRecord, error) {
	return s.queryHistory(ctx,
		`SELECT `+historyColumns+` FROM search_history
		 WHERE created_at >= ? AND duration_ms > ?
		 ORDER BY duration_ms DESC`,
		since.Unix(), thresholdMs)
}

// QueryFrequency is a normalized query and how often it ran.
type QueryFrequency struct {
	Normalized string
	Count      int
	AvgMs      float64
	CacheHits  int
}

// FrequentSearches aggregates history since the given time by
// normalized query, most frequent first.
func (s *Store) FrequentSearches(ctx context.Context, since time.Time, minCount int) ([]QueryFrequency, error) {
	stmt, err := s.prepared(`
		SELECT normalized, COUNT(*), AVG(duration_ms), SUM(cache_hit)
		FROM search_history
		WHERE created_at >= ? AND normalized != ''
		GROUP BY normalized
		HAVING COUNT(*) >= ?
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, kberr.StoreError("prepare frequency query", err)
	}
	rows, err := stmt.QueryContext(ctx, since.Unix(), minCount)
	if err != nil {
		return nil, kberr.StoreError("query frequency", err)
	}
	defer rows.Close()

	var out []QueryFrequency
	for rows.Next() {
		var qf QueryFrequency
		if err := rows.Scan(&qf.Normalized, &qf.Count, &qf.AvgMs, &qf.CacheHits); err != nil {
			return nil, kberr.StoreError("scan frequency", err)
		}
		out = append(out, qf)
	}
	return out, rows.Err()
}

// TopSearches returns the most frequent normalized queries of all time,
// used by pre-warming.
func (s *Store) TopSearches(ctx context.Context, limit int) ([]QueryFrequency, error) {
	stmt, err := s.prepared(`
		SELECT normalized, COUNT(*), AVG(duration_ms), SUM(cache_hit)
		FROM search_history
		WHERE normalized != ''
		GROUP BY normalized
		ORDER BY COUNT(*) DESC
		LIMIT ?`)
	if err != nil {
		return nil, kberr.StoreError("prepare top searches", err)
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, kberr.StoreError("query top searches", err)
	}
	defer rows.Close()

	var out []QueryFrequency
	for rows.Next() {
		var qf QueryFrequency
		if err := rows.Scan(&qf.Normalized, &qf.Count, &qf.AvgMs, &qf.CacheHits); err != nil {
			return nil, kberr.StoreError("scan top searches", err)
		}
		out = append(out, qf)
	}
	return out, rows.Err()
}

// SearchVolumeByStrategy counts history rows per strategy since the
// given time. The optimizer uses this for missing-index detection.
func (s *Store) SearchVolumeByStrategy(ctx context.Context, since time.Time) (map[string]int, error) {
	stmt, err := s.prepared(`
		SELECT strategy, COUNT(*) FROM search_history
		WHERE created_at >= ? GROUP BY strategy`)
	if err != nil {
		return nil, kberr.StoreError("prepare volume query", err)
	}
	rows, err := stmt.QueryContext(ctx, since.Unix())
	if err != nil {
		return nil, kberr.StoreError("query volume", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var strategy string
		var count int
		if err := rows.Scan(&strategy, &count); err != nil {
			return nil, kberr.StoreError("scan volume", err)
		}
		out[strategy] = count
	}
	return out, rows.Err()
}

// PruneHistory deletes history rows older than the retention window.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	stmt, err := s.prepared(`DELETE FROM search_history WHERE created_at < ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare history prune", err)
	}
	res, err := stmt.ExecContext(ctx, olderThan.Unix())
	if err != nil {
		return 0, kberr.StoreError("prune history", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
