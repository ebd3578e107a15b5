package invidx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kbforge/retrieval/internal/kberr"
)

// formatVersion identifies the export envelope layout. Import fails fast
// on any mismatch rather than guessing at migrations.
const formatVersion = 2

type exportEnvelope struct {
	Version     int                       `json:"version"`
	Postings    map[string]*PostingList   `json:"postings"`
	DocLengths  map[string]int            `json:"doc_lengths"`
	DocTerms    map[string]map[string]int `json:"doc_terms"`
	TotalTokens int                       `json:"total_tokens"`
	LastBuilt   time.Time                 `json:"last_built"`
}

// Export serializes the full index plus statistics. The result
// round-trips through Import.
func (ix *Index) Export() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	env := exportEnvelope{
		Version:     formatVersion,
		Postings:    ix.postings,
		DocLengths:  ix.docLengths,
		DocTerms:    ix.docTerms,
		TotalTokens: ix.totalTokens,
		LastBuilt:   ix.lastBuilt,
	}
	return json.Marshal(env)
}

// Import replaces the index state with a previously exported snapshot.
// The format version is validated first and mismatches fail fast; the
// existing state is left untouched on any error.
func (ix *Index) Import(data []byte) error {
	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return kberr.Wrap(kberr.ErrCodeFormatMismatch, err)
	}
	if env.Version != formatVersion {
		return kberr.New(kberr.ErrCodeFormatMismatch,
			fmt.Sprintf("index format version %d, expected %d", env.Version, formatVersion), nil)
	}

	if env.Postings == nil {
		env.Postings = make(map[string]*PostingList)
	}
	if env.DocLengths == nil {
		env.DocLengths = make(map[string]int)
	}
	if env.DocTerms == nil {
		env.DocTerms = make(map[string]map[string]int)
	}

	for _, pl := range env.Postings {
		if err := pl.checkAggregate(); err != nil {
			return kberr.Wrap(kberr.ErrCodeFormatMismatch, err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.postings = env.Postings
	ix.docLengths = env.DocLengths
	ix.docTerms = env.DocTerms
	ix.totalTokens = env.TotalTokens
	ix.lastBuilt = env.LastBuilt

	return nil
}
