package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/kberr"
)

const entryColumns = `id, title, problem, solution, category, tags,
	usage_count, success_count, failure_count, archived, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*corpus.Entry, error) {
	var e corpus.Entry
	var tags string
	var archived int
	var createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.Title, &e.Problem, &e.Solution, &e.Category, &tags,
		&e.UsageCount, &e.SuccessCount, &e.FailureCount, &archived, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			// Legacy rows may hold space-separated tags.
			e.Tags = strings.Fields(tags)
		}
	}
	e.Archived = archived != 0
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*corpus.Entry, error) {
	stmt, err := s.prepared(query)
	if err != nil {
		return nil, kberr.StoreError("prepare entry query", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, kberr.StoreError("query entries", err)
	}
	defer rows.Close()

	var entries []*corpus.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, kberr.StoreError("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEntries returns all non-archived entries.
func (s *Store) ListEntries(ctx context.Context) ([]*corpus.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE archived = 0 ORDER BY id`)
}

// GetEntry returns one entry by id, or nil when absent.
func (s *Store) GetEntry(ctx context.Context, id string) (*corpus.Entry, error) {
	stmt, err := s.prepared(`SELECT ` + entryColumns + ` FROM entries WHERE id = ?`)
	if err != nil {
		return nil, kberr.StoreError("prepare entry lookup", err)
	}
	e, err := scanEntry(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberr.StoreError("lookup entry", err)
	}
	return e, nil
}

// GetEntries batch-loads entries by id, preserving the requested order.
func (s *Store) GetEntries(ctx context.Context, ids []string) ([]*corpus.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*corpus.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	ordered := make([]*corpus.Entry, 0, len(entries))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// EntriesByCategory returns non-archived entries in a category, most
// used first.
func (s *Store) EntriesByCategory(ctx context.Context, category string, limit, offset int) ([]*corpus.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE archived = 0 AND category = ? COLLATE NOCASE
		 ORDER BY usage_count DESC, id LIMIT ? OFFSET ?`,
		category, limit, offset)
}

// CountByCategory counts non-archived entries in a category.
func (s *Store) CountByCategory(ctx context.Context, category string) (int, error) {
	stmt, err := s.prepared(
		`SELECT COUNT(*) FROM entries WHERE archived = 0 AND category = ? COLLATE NOCASE`)
	if err != nil {
		return 0, kberr.StoreError("prepare category count", err)
	}
	var count int
	if err := stmt.QueryRowContext(ctx, category).Scan(&count); err != nil {
		return 0, kberr.StoreError("count category", err)
	}
	return count, nil
}

// CategoryCounts returns entry counts per category.
func (s *Store) CategoryCounts(ctx context.Context) (map[string]int, error) {
	stmt, err := s.prepared(
		`SELECT category, COUNT(*) FROM entries WHERE archived = 0 GROUP BY category`)
	if err != nil {
		return nil, kberr.StoreError("prepare category counts", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, kberr.StoreError("query category counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, kberr.StoreError("scan category count", err)
		}
		counts[category] = count
	}
	return counts, rows.Err()
}

// PopularEntries returns the most-used non-archived entries.
func (s *Store) PopularEntries(ctx context.Context, limit int) ([]*corpus.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE archived = 0 ORDER BY usage_count DESC, id LIMIT ?`, limit)
}

// RecentEntries returns the most recently updated non-archived entries.
func (s *Store) RecentEntries(ctx context.Context, limit int) ([]*corpus.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE archived = 0 ORDER BY updated_at DESC, id LIMIT ?`, limit)
}

// EntriesByTags returns non-archived entries overlapping any of the
// given tags, together with how many tags matched.
func (s *Store) EntriesByTags(ctx context.Context, tags []string) (map[*corpus.Entry]int, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		wanted[strings.ToLower(t)] = struct{}{}
	}

	matched := make(map[*corpus.Entry]int)
	for _, e := range entries {
		count := 0
		for _, t := range e.Tags {
			if _, ok := wanted[strings.ToLower(t)]; ok {
				count++
			}
		}
		if count > 0 {
			matched[e] = count
		}
	}
	return matched, nil
}

// UpsertEntry writes an entry row. The corpus is produced by external
// collaborators; this write surface exists for them (and for tests).
func (s *Store) UpsertEntry(ctx context.Context, e *corpus.Entry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return kberr.StoreError("marshal tags", err)
	}
	stmt, err := s.prepared(`
		INSERT INTO entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			problem = excluded.problem,
			solution = excluded.solution,
			category = excluded.category,
			tags = excluded.tags,
			usage_count = excluded.usage_count,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			archived = excluded.archived,
			updated_at = excluded.updated_at`)
	if err != nil {
		return kberr.StoreError("prepare entry upsert", err)
	}
	archived := 0
	if e.Archived {
		archived = 1
	}
	_, err = stmt.ExecContext(ctx, e.ID, e.Title, e.Problem, e.Solution, e.Category,
		string(tags), e.UsageCount, e.SuccessCount, e.FailureCount, archived,
		e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil {
		return kberr.StoreError("upsert entry", err)
	}
	return nil
}

// DeleteEntry removes an entry row. The FTS document is maintained
// separately by the engine.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	stmt, err := s.prepared(`DELETE FROM entries WHERE id = ?`)
	if err != nil {
		return kberr.StoreError("prepare entry delete", err)
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return kberr.StoreError("delete entry", err)
	}
	return nil
}

// CountEntries counts non-archived entries.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE archived = 0`).Scan(&count)
	if err != nil {
		return 0, kberr.StoreError("count entries", err)
	}
	return count, nil
}
