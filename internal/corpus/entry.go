// Package corpus models the read-only knowledge corpus the retrieval
// core operates over. Entries are written by external collaborators
// (UI, feedback loops); this core only reads them.
package corpus

import (
	"time"
)

// Entry is one knowledge-base record. Usage and outcome counters are
// mutated by external feedback collaborators and consumed here for
// popularity and success-rate ranking.
type Entry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Problem      string    `json:"problem"`
	Solution     string    `json:"solution"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	UsageCount   int       `json:"usage_count"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SuccessRate returns the fraction of recorded outcomes that succeeded,
// or 0 when no outcomes exist.
func (e *Entry) SuccessRate() float64 {
	total := e.SuccessCount + e.FailureCount
	if total == 0 {
		return 0
	}
	return float64(e.SuccessCount) / float64(total)
}

// SearchRecord is one row of search history, written by the router
// after every execution and mined by the optimization monitor.
type SearchRecord struct {
	ID          int64     `json:"id"`
	Query       string    `json:"query"`
	Normalized  string    `json:"normalized"`
	Strategy    string    `json:"strategy"`
	DurationMs  float64   `json:"duration_ms"`
	ResultCount int       `json:"result_count"`
	CacheHit    bool      `json:"cache_hit"`
	CreatedAt   time.Time `json:"created_at"`
}
