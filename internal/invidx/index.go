// Package invidx maintains the in-process inverted index over knowledge
// entries. Terms come out of the textproc pipeline; postings carry
// per-document frequencies, bounded positions, and field provenance.
package invidx

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/textproc"
)

// maxPositionsPerEntry bounds stored positions per (term, doc) so a
// pathological document cannot bloat the index.
const maxPositionsPerEntry = 20

// Per-field boost multipliers applied on top of token-type boosts.
var fieldBoosts = map[string]float64{
	"title":    3.0,
	"problem":  2.0,
	"solution": 1.8,
	"tags":     1.5,
	"category": 1.2,
}

// FieldBoost returns the fixed boost for a field (1.0 for unknown fields).
func FieldBoost(field string) float64 {
	if b, ok := fieldBoosts[field]; ok {
		return b
	}
	return 1.0
}

// PostingEntry records one document's occurrences of a term.
type PostingEntry struct {
	DocID         string   `json:"doc_id"`
	TermFrequency int      `json:"term_frequency"`
	Positions     []int    `json:"positions"`
	Fields        []string `json:"fields"`
	Boost         float64  `json:"boost"`
}

func (e *PostingEntry) hasField(field string) bool {
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// PostingList is the per-term record across all documents.
// Invariant: AggregateFrequency equals the sum of entry term frequencies.
type PostingList struct {
	Term               string                   `json:"term"`
	AggregateFrequency int                      `json:"aggregate_frequency"`
	Entries            map[string]*PostingEntry `json:"entries"`
}

// Stats summarizes index shape.
type Stats struct {
	DocumentCount int       `json:"document_count"`
	TermCount     int       `json:"term_count"`
	TotalTokens   int       `json:"total_tokens"`
	AvgDocLength  float64   `json:"avg_doc_length"`
	LastBuilt     time.Time `json:"last_built"`
}

// TermFrequency pairs a term with its aggregate frequency, used by
// prefix lookups.
type TermFrequency struct {
	Term      string `json:"term"`
	Frequency int    `json:"frequency"`
}

// Index is the in-process inverted index. Structures are exclusively
// owned; all access goes through the mutex.
type Index struct {
	mu sync.RWMutex

	proc       *textproc.Processor
	opts       textproc.Options
	postings   map[string]*PostingList
	docLengths map[string]int
	// docTerms maps docID -> term -> frequency, kept for O(terms)
	// removal without re-tokenizing the document.
	docTerms map[string]map[string]int

	totalTokens int
	lastBuilt   time.Time

	logger *slog.Logger
}

// New creates an empty index over the given processor.
// A nil logger falls back to slog.Default().
func New(proc *textproc.Processor, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		proc:       proc,
		opts:       textproc.DefaultOptions(),
		postings:   make(map[string]*PostingList),
		docLengths: make(map[string]int),
		docTerms:   make(map[string]map[string]int),
		logger:     logger,
	}
}

// BuildIndex clears all state and batch-indexes the given entries.
// Rebuilding with the same entries yields an identical structure.
func (ix *Index) BuildIndex(entries []*corpus.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.postings = make(map[string]*PostingList)
	ix.docLengths = make(map[string]int)
	ix.docTerms = make(map[string]map[string]int)
	ix.totalTokens = 0

	for _, e := range entries {
		ix.addLocked(e)
	}
	ix.lastBuilt = time.Now()

	ix.logger.Info("index_built",
		slog.Int("documents", len(ix.docLengths)),
		slog.Int("terms", len(ix.postings)))
}

// AddDocument incrementally indexes one entry. An entry that is already
// indexed is replaced.
func (ix *Index) AddDocument(e *corpus.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.docTerms[e.ID]; exists {
		ix.removeLocked(e.ID)
	}
	ix.addLocked(e)
}

// RemoveDocument removes an entry, decrementing aggregate frequencies
// and deleting postings that become empty.
func (ix *Index) RemoveDocument(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(docID)
}

// UpdateDocument is remove followed by add.
func (ix *Index) UpdateDocument(e *corpus.Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(e.ID)
	ix.addLocked(e)
}

// Search returns the posting list for each requested term. Terms with no
// postings are omitted from the result, never an error.
func (ix *Index) Search(terms []string) map[string]*PostingList {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := make(map[string]*PostingList, len(terms))
	for _, term := range terms {
		if pl, ok := ix.postings[term]; ok {
			result[term] = copyPostingList(pl)
		}
	}
	return result
}

// TermsWithPrefix returns up to limit terms starting with prefix, ranked
// by aggregate frequency descending.
func (ix *Index) TermsWithPrefix(prefix string, limit int) []TermFrequency {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []TermFrequency
	for term, pl := range ix.postings {
		if len(term) >= len(prefix) && term[:len(prefix)] == prefix {
			matches = append(matches, TermFrequency{Term: term, Frequency: pl.AggregateFrequency})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Frequency != matches[j].Frequency {
			return matches[i].Frequency > matches[j].Frequency
		}
		return matches[i].Term < matches[j].Term
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Stats returns an immutable snapshot of index statistics.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	docCount := len(ix.docLengths)
	var avg float64
	if docCount > 0 {
		avg = float64(ix.totalTokens) / float64(docCount)
	}
	return Stats{
		DocumentCount: docCount,
		TermCount:     len(ix.postings),
		TotalTokens:   ix.totalTokens,
		AvgDocLength:  avg,
		LastBuilt:     ix.lastBuilt,
	}
}

// DocumentLength returns the token count of a document (0 if absent).
func (ix *Index) DocumentLength(docID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.docLengths[docID]
}

// ---------------------------------------------------------------------

// indexedFields lists the entry fields fed into the index, in a fixed
// order so rebuilds are deterministic.
var indexedFields = []string{"title", "problem", "solution", "tags", "category"}

func (ix *Index) fieldText(e *corpus.Entry, field string) string {
	switch field {
	case "title":
		return e.Title
	case "problem":
		return e.Problem
	case "solution":
		return e.Solution
	case "tags":
		return joinTags(e.Tags)
	case "category":
		return e.Category
	}
	return ""
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func (ix *Index) addLocked(e *corpus.Entry) {
	terms := make(map[string]int)
	docLen := 0

	for _, field := range indexedFields {
		text := ix.fieldText(e, field)
		if text == "" {
			continue
		}
		fb := FieldBoost(field)
		for _, tok := range ix.proc.Process(text, field, ix.opts) {
			term := tok.Stemmed
			docLen++
			terms[term]++

			pl, ok := ix.postings[term]
			if !ok {
				pl = &PostingList{Term: term, Entries: make(map[string]*PostingEntry)}
				ix.postings[term] = pl
			}
			entry, ok := pl.Entries[e.ID]
			if !ok {
				entry = &PostingEntry{DocID: e.ID}
				pl.Entries[e.ID] = entry
			}
			entry.TermFrequency++
			pl.AggregateFrequency++
			if len(entry.Positions) < maxPositionsPerEntry {
				entry.Positions = append(entry.Positions, tok.Position)
			}
			if !entry.hasField(field) {
				entry.Fields = append(entry.Fields, field)
			}
			if weighted := tok.Boost * fb; weighted > entry.Boost {
				entry.Boost = weighted
			}
		}
	}

	ix.docTerms[e.ID] = terms
	ix.docLengths[e.ID] = docLen
	ix.totalTokens += docLen
}

func (ix *Index) removeLocked(docID string) {
	terms, ok := ix.docTerms[docID]
	if !ok {
		return
	}

	for term, freq := range terms {
		pl, ok := ix.postings[term]
		if !ok {
			continue
		}
		pl.AggregateFrequency -= freq
		delete(pl.Entries, docID)
		if len(pl.Entries) == 0 {
			delete(ix.postings, term)
		}
	}

	ix.totalTokens -= ix.docLengths[docID]
	delete(ix.docTerms, docID)
	delete(ix.docLengths, docID)
}

func copyPostingList(pl *PostingList) *PostingList {
	out := &PostingList{
		Term:               pl.Term,
		AggregateFrequency: pl.AggregateFrequency,
		Entries:            make(map[string]*PostingEntry, len(pl.Entries)),
	}
	for id, e := range pl.Entries {
		entry := &PostingEntry{
			DocID:         e.DocID,
			TermFrequency: e.TermFrequency,
			Positions:     append([]int(nil), e.Positions...),
			Fields:        append([]string(nil), e.Fields...),
			Boost:         e.Boost,
		}
		out.Entries[id] = entry
	}
	return out
}

// sanity check used by tests and import validation: the aggregate must
// equal the sum of entry frequencies.
func (pl *PostingList) checkAggregate() error {
	sum := 0
	for _, e := range pl.Entries {
		sum += e.TermFrequency
	}
	if sum != pl.AggregateFrequency {
		return fmt.Errorf("posting list %q: aggregate %d != sum %d", pl.Term, pl.AggregateFrequency, sum)
	}
	return nil
}
