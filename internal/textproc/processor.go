package textproc

import (
	"regexp"
	"strings"
)

// tokenRegex keeps '.', '-', and '_' inside a token when flanked by
// alphanumerics so dataset names (SYS1.PROCLIB), abend codes (S0C7) and
// compound terms (restart-failure) survive as single tokens. '#', '$'
// and '@' are legal in mainframe identifiers.
var tokenRegex = regexp.MustCompile(`[A-Za-z0-9#$@]+(?:[._\-][A-Za-z0-9#$@]+)*`)

// Error-code shapes recognized verbatim: system abends (S0C7, S222),
// user abends (U4038), and message identifiers (IEF450I, DFS0845A).
var (
	systemAbendRegex = regexp.MustCompile(`^[Ss][0-9][A-Za-z0-9]{2}$`)
	userAbendRegex   = regexp.MustCompile(`^[Uu][0-9]{4}$`)
	messageIDRegex   = regexp.MustCompile(`^[A-Za-z]{3,4}[0-9]{2,5}[A-Za-z]?$`)

	numberRegex    = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
	qualifiedRegex = regexp.MustCompile(`^[A-Za-z#$@][A-Za-z0-9#$@]*(\.[A-Za-z0-9#$@]+)+$`)
	acronymRegex   = regexp.MustCompile(`^[A-Z]{2,8}$`)
	hasDigitRegex  = regexp.MustCompile(`[0-9]`)
	hasAlphaRegex  = regexp.MustCompile(`[A-Za-z]`)
)

// Processor is the shared tokenizer/classifier/stemmer. It is safe for
// concurrent use; the stemmer cache is the only mutable state.
type Processor struct {
	stopwords   map[string]struct{}
	glossary    map[string]struct{}
	systemNames map[string]struct{}
	stemmer     *Stemmer
}

// NewProcessor creates a processor over the given resources.
// Nil resources fall back to the built-in defaults.
func NewProcessor(res *Resources) *Processor {
	if res == nil {
		res = DefaultResources()
	}
	glossary := toSet(res.Glossary)
	systemNames := toSet(res.SystemNames)
	return &Processor{
		stopwords:   toSet(res.Stopwords),
		glossary:    glossary,
		systemNames: systemNames,
		stemmer:     NewStemmer(glossary, systemNames),
	}
}

// Process runs the full pipeline over text from the named field and
// returns the ordered token sequence. Empty or whitespace-only input
// yields an empty sequence. Identical input and options always yield
// identical output.
func (p *Processor) Process(text, field string, opts Options) []Token {
	if strings.TrimSpace(text) == "" {
		return []Token{}
	}

	raw := tokenRegex.FindAllString(text, -1)
	tokens := make([]Token, 0, len(raw))

	for pos, word := range raw {
		tokType := p.Classify(word)

		normalized := word
		if !opts.PreserveCase {
			normalized = strings.ToLower(word)
		}

		n := len(normalized)
		if opts.MinLen > 0 && n < opts.MinLen {
			continue
		}
		if opts.MaxLen > 0 && n > opts.MaxLen {
			continue
		}
		if tokType == TokenNumber && !opts.Numbers {
			continue
		}
		if opts.Stopwords {
			if _, stop := p.stopwords[strings.ToLower(word)]; stop {
				continue
			}
		}

		boost := boostForType(tokType)
		_, inGlossary := p.glossary[strings.ToLower(word)]
		if opts.DomainTerms && inGlossary {
			boost *= BoostGlossary
		}

		stemmed := normalized
		if opts.Stemming {
			stemmed = p.Stem(normalized)
		}

		tokens = append(tokens, Token{
			Text:       word,
			Normalized: normalized,
			Stemmed:    stemmed,
			Field:      field,
			Type:       tokType,
			Position:   pos,
			Boost:      boost,
		})
	}

	return tokens
}

// TokenizeQuery runs the identical pipeline used for indexing over a
// query string. Symmetry with Process is required for term matching.
func (p *Processor) TokenizeQuery(query string) []Token {
	return p.Process(query, "query", DefaultOptions())
}

// Classify determines the token type. Precedence: error-code > numeric >
// qualified-code > acronym > compound > word.
func (p *Processor) Classify(word string) TokenType {
	if IsErrorCode(word) {
		return TokenError
	}
	if numberRegex.MatchString(word) {
		return TokenNumber
	}
	if qualifiedRegex.MatchString(word) {
		return TokenCode
	}
	// Mixed letter-digit identifiers (member names, return codes).
	if hasDigitRegex.MatchString(word) && hasAlphaRegex.MatchString(word) {
		return TokenCode
	}
	if acronymRegex.MatchString(word) {
		return TokenAcronym
	}
	if strings.ContainsAny(word, "-_") {
		return TokenCompound
	}
	return TokenWord
}

// IsErrorCode reports whether a token matches a recognized error-code
// shape. These tokens are never stemmed and carry the highest boost.
func IsErrorCode(word string) bool {
	if systemAbendRegex.MatchString(word) || userAbendRegex.MatchString(word) {
		return true
	}
	// Message IDs contain at least one digit; pure acronyms do not.
	return messageIDRegex.MatchString(word) && hasDigitRegex.MatchString(word)
}

// Stem returns the stemmed form of a word, consulting the skip rules:
// short words, error codes, system names, and glossary terms pass
// through unchanged.
func (p *Processor) Stem(word string) string {
	return p.stemmer.Stem(word)
}

// IsStopword reports whether a word is in the stopword list.
func (p *Processor) IsStopword(word string) bool {
	_, ok := p.stopwords[strings.ToLower(word)]
	return ok
}

// IsGlossaryTerm reports whether a word is in the glossary.
func (p *Processor) IsGlossaryTerm(word string) bool {
	_, ok := p.glossary[strings.ToLower(word)]
	return ok
}
