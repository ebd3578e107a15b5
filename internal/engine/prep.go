package engine

import (
	"strings"

	"github.com/kbforge/retrieval/internal/textproc"
)

// ParsedQuery is the structured form of a raw query string. category:
// and tag: prefixes are extracted so the router can pick a filtered
// strategy; the rest stays free text.
type ParsedQuery struct {
	Text     string
	Category string
	Tags     []string
}

// ParseQuery extracts category:/tag: prefixes from a raw query.
func ParseQuery(raw string) ParsedQuery {
	var pq ParsedQuery
	var free []string
	for _, part := range strings.Fields(raw) {
		lower := strings.ToLower(part)
		switch {
		case strings.HasPrefix(lower, "category:"):
			pq.Category = part[len("category:"):]
		case strings.HasPrefix(lower, "tag:"):
			if tag := part[len("tag:"):]; tag != "" {
				pq.Tags = append(pq.Tags, tag)
			}
		default:
			free = append(free, part)
		}
	}
	pq.Text = strings.Join(free, " ")
	return pq
}

// buildMatch turns query tokens into an FTS5 MATCH expression. Exact-
// match families (error codes, dataset-name shapes) and glossary terms
// are quoted verbatim so wildcarding and stemming cannot dilute them;
// every other term gets a trailing wildcard for prefix matching.
func (e *Engine) buildMatch(tokens []textproc.Token) string {
	var parts []string
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		var part string
		switch {
		case tok.Type == textproc.TokenError || tok.Type == textproc.TokenCode:
			part = quoteFTS(tok.Normalized)
		case e.proc.IsGlossaryTerm(tok.Normalized):
			part = quoteFTS(tok.Normalized)
		default:
			part = quoteFTS(tok.Stemmed) + "*"
		}
		if seen[part] {
			continue
		}
		seen[part] = true
		parts = append(parts, part)
	}
	return strings.Join(parts, " OR ")
}

// quoteFTS wraps a term as an FTS5 string literal. Embedded quotes are
// doubled per SQL quoting rules.
func quoteFTS(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}
