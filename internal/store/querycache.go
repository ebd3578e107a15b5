package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/kbforge/retrieval/internal/kberr"
)

// CacheRow is one persistent query-cache row.
type CacheRow struct {
	Key          string
	Value        string
	Type         string
	Tags         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	HitCount     int
	Size         int64
	Compressed   bool
}

// CacheGet returns the row for key when present and unexpired, bumping
// its hit count and access time. Expired rows are deleted on access.
func (s *Store) CacheGet(ctx context.Context, key string) (*CacheRow, error) {
	stmt, err := s.prepared(`
		SELECT key, value, type, tags, created_at, expires_at, last_accessed, hit_count, size, compressed
		FROM query_cache WHERE key = ?`)
	if err != nil {
		return nil, kberr.StoreError("prepare cache get", err)
	}

	var row CacheRow
	var createdAt, expiresAt, lastAccessed int64
	var compressed int
	err = stmt.QueryRowContext(ctx, key).Scan(&row.Key, &row.Value, &row.Type, &row.Tags,
		&createdAt, &expiresAt, &lastAccessed, &row.HitCount, &row.Size, &compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberr.StoreError("cache get", err)
	}

	now := time.Now()
	if now.Unix() > expiresAt {
		_ = s.CacheDelete(ctx, key)
		return nil, nil
	}

	row.CreatedAt = time.Unix(createdAt, 0)
	row.ExpiresAt = time.Unix(expiresAt, 0)
	row.LastAccessed = time.Unix(lastAccessed, 0)
	row.Compressed = compressed != 0

	touch, err := s.prepared(
		`UPDATE query_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`)
	if err == nil {
		_, _ = touch.ExecContext(ctx, now.Unix(), key)
	}
	return &row, nil
}

// CachePut upserts a row.
func (s *Store) CachePut(ctx context.Context, row *CacheRow) error {
	stmt, err := s.prepared(`
		INSERT INTO query_cache
			(key, value, type, tags, created_at, expires_at, last_accessed, hit_count, size, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			tags = excluded.tags,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_accessed = excluded.last_accessed,
			size = excluded.size,
			compressed = excluded.compressed`)
	if err != nil {
		return kberr.StoreError("prepare cache put", err)
	}
	compressed := 0
	if row.Compressed {
		compressed = 1
	}
	_, err = stmt.ExecContext(ctx, row.Key, row.Value, row.Type, row.Tags,
		row.CreatedAt.Unix(), row.ExpiresAt.Unix(), row.LastAccessed.Unix(),
		row.HitCount, row.Size, compressed)
	if err != nil {
		return kberr.StoreError("cache put", err)
	}
	return nil
}

// CacheDelete removes one key.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	stmt, err := s.prepared(`DELETE FROM query_cache WHERE key = ?`)
	if err != nil {
		return kberr.StoreError("prepare cache delete", err)
	}
	if _, err := stmt.ExecContext(ctx, key); err != nil {
		return kberr.StoreError("cache delete", err)
	}
	return nil
}

// CacheKeysWithTags lists all keys with their tag strings, for
// regex/tag invalidation done in Go.
func (s *Store) CacheKeysWithTags(ctx context.Context) (map[string]string, error) {
	stmt, err := s.prepared(`SELECT key, tags FROM query_cache`)
	if err != nil {
		return nil, kberr.StoreError("prepare cache keys", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, kberr.StoreError("cache keys", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var key, tags string
		if err := rows.Scan(&key, &tags); err != nil {
			return nil, kberr.StoreError("scan cache key", err)
		}
		keys[key] = tags
	}
	return keys, rows.Err()
}

// CacheSweepExpired deletes all expired rows, returning how many went.
func (s *Store) CacheSweepExpired(ctx context.Context) (int64, error) {
	stmt, err := s.prepared(`DELETE FROM query_cache WHERE expires_at < ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare cache sweep", err)
	}
	res, err := stmt.ExecContext(ctx, time.Now().Unix())
	if err != nil {
		return 0, kberr.StoreError("cache sweep", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CachePruneLowHit deletes rows past the retention window that never
// accumulated more than maxHits hits. Used by the deep hourly sweep.
func (s *Store) CachePruneLowHit(ctx context.Context, olderThan time.Time, maxHits int) (int64, error) {
	stmt, err := s.prepared(
		`DELETE FROM query_cache WHERE last_accessed < ? AND hit_count <= ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare cache prune", err)
	}
	res, err := stmt.ExecContext(ctx, olderThan.Unix(), maxHits)
	if err != nil {
		return 0, kberr.StoreError("cache prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheCount returns the number of persistent cache rows.
func (s *Store) CacheCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_cache`).Scan(&count)
	if err != nil {
		return 0, kberr.StoreError("cache count", err)
	}
	return count, nil
}
