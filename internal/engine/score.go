package engine

import (
	"math"
	"strings"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/textproc"
)

// Presented-score blend weights. BM25 relevance is boosted by how often
// an entry was used and how often it actually solved the problem.
const (
	popularityWeight  = 5.0
	successRateWeight = 10.0
	maxScore          = 100.0
)

// scorer computes BM25 over candidate entries. It is built at init (and
// rebuilt after index maintenance) so k1, b, field weights, and corpus
// length statistics stay fixed for the lifetime of one index build.
type scorer struct {
	k1           float64
	b            float64
	fieldWeights map[string]float64
	docCount     int
	avgLens      map[string]float64
}

func newScorer(k1, b float64, fieldWeights map[string]float64, docCount int, avgLens map[string]float64) *scorer {
	return &scorer{
		k1:           k1,
		b:            b,
		fieldWeights: fieldWeights,
		docCount:     docCount,
		avgLens:      avgLens,
	}
}

// idf is the BM25+ variant that never goes negative for very common
// terms.
func (s *scorer) idf(docFreq int) float64 {
	n := float64(s.docCount)
	return math.Log((n-float64(docFreq)+0.5)/(float64(docFreq)+0.5) + 1)
}

// score computes the presented score for one entry: weighted-field BM25
// blended with ln(usage+1) popularity and success-rate boosts, clamped
// to [0,100]. Candidate sets are small, so per-field term frequencies
// are recomputed from the entry text with the shared pipeline.
func (s *scorer) score(proc *textproc.Processor, entry *corpus.Entry, queryTokens []textproc.Token, docFreq map[string]int) float64 {
	fields := map[string]string{
		"title":    entry.Title,
		"problem":  entry.Problem,
		"solution": entry.Solution,
		"tags":     strings.Join(entry.Tags, " "),
	}

	var bm25 float64
	opts := textproc.DefaultOptions()
	for field, text := range fields {
		weight, ok := s.fieldWeights[field]
		if !ok || text == "" {
			continue
		}

		tokens := proc.Process(text, field, opts)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok.Stemmed]++
		}

		fieldLen := float64(len(tokens))
		avgLen := s.avgLens[field]
		if avgLen <= 0 {
			avgLen = fieldLen
		}

		for _, qt := range queryTokens {
			freq := float64(tf[qt.Stemmed])
			if freq == 0 {
				continue
			}
			idf := s.idf(docFreq[qt.Stemmed])
			norm := s.k1 * (1 - s.b + s.b*fieldLen/avgLen)
			bm25 += weight * idf * (freq * (s.k1 + 1)) / (freq + norm)
		}
	}

	score := bm25 +
		math.Log(float64(entry.UsageCount)+1)*popularityWeight +
		entry.SuccessRate()*successRateWeight

	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
