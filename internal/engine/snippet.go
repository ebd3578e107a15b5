package engine

import (
	"regexp"
	"strings"

	"github.com/kbforge/retrieval/internal/corpus"
	"github.com/kbforge/retrieval/internal/textproc"
)

var snippetWordRegex = regexp.MustCompile(`[A-Za-z0-9#$@]+(?:[._\-][A-Za-z0-9#$@]+)*`)

// occurrence is one query-term hit inside a field text, as a character
// span.
type occurrence struct {
	start int
	end   int
}

// findOccurrences locates every query-term occurrence in text. Matching
// compares the normalized word and its stem against the query tokens;
// case-sensitive highlighting additionally requires the raw text to
// match.
func (e *Engine) findOccurrences(text string, queryTokens []textproc.Token) []occurrence {
	exact := make(map[string]bool, len(queryTokens))
	normalized := make(map[string]bool, len(queryTokens))
	stemmed := make(map[string]bool, len(queryTokens))
	for _, qt := range queryTokens {
		exact[qt.Text] = true
		normalized[qt.Normalized] = true
		stemmed[qt.Stemmed] = true
	}

	var out []occurrence
	for _, span := range snippetWordRegex.FindAllStringIndex(text, -1) {
		word := text[span[0]:span[1]]
		if e.opts.HighlightCaseSensitive {
			if !exact[word] {
				continue
			}
		} else {
			lower := strings.ToLower(word)
			if !normalized[lower] && !stemmed[e.proc.Stem(lower)] {
				continue
			}
		}
		out = append(out, occurrence{start: span[0], end: span[1]})
	}
	return out
}

// bestWindow scans fixed-size windows at fixed strides and returns the
// one containing the most occurrences. Ties go to the first window.
func (e *Engine) bestWindow(text string, occurrences []occurrence) (start, end, count int) {
	window := e.opts.SnippetWindow
	if len(text) <= window {
		return 0, len(text), len(occurrences)
	}

	bestStart, bestCount := 0, -1
	for s := 0; s < len(text); s += e.opts.SnippetStride {
		w := s + window
		if w > len(text) {
			w = len(text)
		}
		c := 0
		for _, occ := range occurrences {
			if occ.start >= s && occ.end <= w {
				c++
			}
		}
		if c > bestCount {
			bestStart, bestCount = s, c
		}
		if w == len(text) {
			break
		}
	}

	end = bestStart + window
	if end > len(text) {
		end = len(text)
	}
	return bestStart, end, bestCount
}

// highlight wraps every occurrence inside [start,end) with the
// configured markers.
func (e *Engine) highlight(text string, occurrences []occurrence, start, end int) string {
	var sb strings.Builder
	cursor := start
	for _, occ := range occurrences {
		if occ.start < start || occ.end > end {
			continue
		}
		sb.WriteString(text[cursor:occ.start])
		sb.WriteString(e.opts.HighlightPre)
		sb.WriteString(text[occ.start:occ.end])
		sb.WriteString(e.opts.HighlightPost)
		cursor = occ.end
	}
	sb.WriteString(text[cursor:end])
	return sb.String()
}

// snippetFields is the scan order; earlier fields win occurrence ties.
var snippetFields = []string{"title", "problem", "solution"}

// snippet builds the highlighted snippet for one entry: the window with
// the most query-term occurrences across the weighted fields, with
// ellipses at non-boundary cuts.
func (e *Engine) snippet(entry *corpus.Entry, queryTokens []textproc.Token) string {
	fields := map[string]string{
		"title":    entry.Title,
		"problem":  entry.Problem,
		"solution": entry.Solution,
	}

	bestText := ""
	var bestOccs []occurrence
	bestStart, bestEnd, bestCount := 0, 0, -1
	for _, field := range snippetFields {
		text := fields[field]
		if text == "" {
			continue
		}
		occs := e.findOccurrences(text, queryTokens)
		start, end, count := e.bestWindow(text, occs)
		if count > bestCount {
			bestText, bestOccs = text, occs
			bestStart, bestEnd, bestCount = start, end, count
		}
	}
	if bestText == "" {
		return ""
	}

	out := e.highlight(bestText, bestOccs, bestStart, bestEnd)
	if bestStart > 0 {
		out = "..." + out
	}
	if bestEnd < len(bestText) {
		out += "..."
	}
	return out
}
