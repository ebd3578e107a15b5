package store

import (
	"context"
	"database/sql"

	"github.com/kbforge/retrieval/internal/kberr"
)

// FTSDoc is one pre-tokenized document destined for the full-text
// table. Field text holds space-joined index terms, not raw prose, so
// query terms produced by the same pipeline line up exactly.
type FTSDoc struct {
	EntryID  string
	Title    string
	Problem  string
	Solution string
	Tags     string
	// Lengths holds the per-field token counts used for BM25 length
	// normalization.
	Lengths map[string]int
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func replaceFTSDoc(ctx context.Context, ex execer, doc *FTSDoc) error {
	if _, err := ex.ExecContext(ctx,
		`DELETE FROM entry_fts WHERE entry_id = ?`, doc.EntryID); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO entry_fts (entry_id, title, problem, solution, tags) VALUES (?, ?, ?, ?, ?)`,
		doc.EntryID, doc.Title, doc.Problem, doc.Solution, doc.Tags); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx,
		`DELETE FROM entry_doclen WHERE entry_id = ?`, doc.EntryID); err != nil {
		return err
	}
	for field, length := range doc.Lengths {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO entry_doclen (entry_id, field, length) VALUES (?, ?, ?)`,
			doc.EntryID, field, length); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceFTSDoc upserts one document into the full-text table and its
// doclen rows.
func (s *Store) ReplaceFTSDoc(ctx context.Context, doc *FTSDoc) error {
	if err := replaceFTSDoc(ctx, s.db, doc); err != nil {
		return kberr.StoreError("replace fts doc", err)
	}
	return nil
}

// DeleteFTSDoc removes one document from the full-text table.
func (s *Store) DeleteFTSDoc(ctx context.Context, entryID string) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entry_fts WHERE entry_id = ?`, entryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM entry_doclen WHERE entry_id = ?`, entryID)
		return err
	})
	if err != nil {
		return kberr.StoreError("delete fts doc", err)
	}
	return nil
}

// RebuildFTS clears the full-text table and repopulates it from docs in
// a single transaction, so readers never observe a half-built index.
func (s *Store) RebuildFTS(ctx context.Context, docs []*FTSDoc) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_fts`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entry_doclen`); err != nil {
			return err
		}
		for _, doc := range docs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entry_fts (entry_id, title, problem, solution, tags) VALUES (?, ?, ?, ?, ?)`,
				doc.EntryID, doc.Title, doc.Problem, doc.Solution, doc.Tags); err != nil {
				return err
			}
			for field, length := range doc.Lengths {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO entry_doclen (entry_id, field, length) VALUES (?, ?, ?)`,
					doc.EntryID, field, length); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return kberr.StoreError("rebuild fts", err)
	}
	return nil
}

// FTSCandidate is a candidate document from a MATCH query, carrying the
// builtin rank used only for candidate ordering before re-scoring.
type FTSCandidate struct {
	EntryID string
	Rank    float64
}

// MatchIDs runs an FTS5 MATCH and returns candidate entry ids ordered
// by the builtin bm25 rank weighted by field. Final scoring happens in
// the retrieval engine; this only bounds the candidate set.
func (s *Store) MatchIDs(ctx context.Context, match string, limit int) ([]FTSCandidate, error) {
	// Column weights follow field importance: entry_id is unindexed,
	// then title, problem, solution, tags.
	stmt, err := s.prepared(`
		SELECT entry_id, bm25(entry_fts, 0.0, 3.0, 2.0, 1.8, 1.5) AS rank
		FROM entry_fts WHERE entry_fts MATCH ?
		ORDER BY rank LIMIT ?`)
	if err != nil {
		return nil, kberr.StoreError("prepare fts match", err)
	}
	rows, err := stmt.QueryContext(ctx, match, limit)
	if err != nil {
		return nil, kberr.New(kberr.ErrCodeStoreQuery, "fts match failed: "+match, err)
	}
	defer rows.Close()

	var out []FTSCandidate
	for rows.Next() {
		var c FTSCandidate
		if err := rows.Scan(&c.EntryID, &c.Rank); err != nil {
			return nil, kberr.StoreError("scan fts candidate", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MatchCount counts all documents matching an FTS5 expression, the
// total-match figure behind paginated full-text results.
func (s *Store) MatchCount(ctx context.Context, match string) (int, error) {
	stmt, err := s.prepared(
		`SELECT COUNT(*) FROM entry_fts WHERE entry_fts MATCH ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare match count", err)
	}
	var count int
	if err := stmt.QueryRowContext(ctx, match).Scan(&count); err != nil {
		return 0, kberr.New(kberr.ErrCodeStoreQuery, "fts count failed: "+match, err)
	}
	return count, nil
}

// MatchCountInCategory counts documents matching an FTS5 expression
// whose entry belongs to the given category, so filtered full-text
// results report an exact total independent of the candidate limit.
func (s *Store) MatchCountInCategory(ctx context.Context, match, category string) (int, error) {
	stmt, err := s.prepared(`
		SELECT COUNT(*) FROM entry_fts
		JOIN entries ON entries.id = entry_fts.entry_id
		WHERE entry_fts MATCH ? AND entries.category = ? COLLATE NOCASE
			AND entries.archived = 0`)
	if err != nil {
		return 0, kberr.StoreError("prepare filtered match count", err)
	}
	var count int
	if err := stmt.QueryRowContext(ctx, match, category).Scan(&count); err != nil {
		return 0, kberr.New(kberr.ErrCodeStoreQuery, "filtered fts count failed: "+match, err)
	}
	return count, nil
}

// TermDocCount returns how many documents contain the given index term,
// the document frequency in BM25's IDF component.
func (s *Store) TermDocCount(ctx context.Context, term string) (int, error) {
	stmt, err := s.prepared(
		`SELECT COUNT(*) FROM entry_fts WHERE entry_fts MATCH ?`)
	if err != nil {
		return 0, kberr.StoreError("prepare term count", err)
	}
	var count int
	if err := stmt.QueryRowContext(ctx, `"`+term+`"`).Scan(&count); err != nil {
		return 0, kberr.StoreError("count term docs", err)
	}
	return count, nil
}

// FTSDocCount returns the number of indexed documents.
func (s *Store) FTSDocCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entry_fts`).Scan(&count)
	if err != nil {
		return 0, kberr.StoreError("count fts docs", err)
	}
	return count, nil
}

// DocLengths batch-loads per-field token lengths for the given entries.
func (s *Store) DocLengths(ctx context.Context, ids []string) (map[string]map[string]int, error) {
	if len(ids) == 0 {
		return map[string]map[string]int{}, nil
	}
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, field, length FROM entry_doclen WHERE entry_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, kberr.StoreError("query doc lengths", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int, len(ids))
	for rows.Next() {
		var id, field string
		var length int
		if err := rows.Scan(&id, &field, &length); err != nil {
			return nil, kberr.StoreError("scan doc length", err)
		}
		if out[id] == nil {
			out[id] = make(map[string]int)
		}
		out[id][field] = length
	}
	return out, rows.Err()
}

// AvgFieldLengths returns the average token length per field across the
// indexed corpus.
func (s *Store) AvgFieldLengths(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, AVG(length) FROM entry_doclen GROUP BY field`)
	if err != nil {
		return nil, kberr.StoreError("query avg lengths", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var field string
		var avg float64
		if err := rows.Scan(&field, &avg); err != nil {
			return nil, kberr.StoreError("scan avg length", err)
		}
		out[field] = avg
	}
	return out, rows.Err()
}

// OptimizeFTS merges the FTS5 b-trees. Issued by the optimizer's
// index-maintenance strategy.
func (s *Store) OptimizeFTS(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_fts (entry_fts) VALUES ('optimize')`)
	if err != nil {
		return kberr.StoreError("optimize fts", err)
	}
	return nil
}
