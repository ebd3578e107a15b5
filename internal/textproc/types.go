// Package textproc tokenizes, classifies, and stems knowledge-base text.
// The same pipeline runs at indexing and at query time so that terms
// produced from a query always line up with terms stored in the index.
package textproc

// TokenType classifies a token for boosting and stemming decisions.
type TokenType string

const (
	TokenWord     TokenType = "word"
	TokenNumber   TokenType = "number"
	TokenCode     TokenType = "code"
	TokenError    TokenType = "error"
	TokenAcronym  TokenType = "acronym"
	TokenCompound TokenType = "compound"
)

// Token is a single processed unit of text.
type Token struct {
	// Text is the raw token as it appeared in the input.
	Text string
	// Normalized is the lowercased (unless PreserveCase) form.
	Normalized string
	// Stemmed is the stemmed form, equal to Normalized when stemming
	// was skipped or disabled.
	Stemmed string
	// Field is the source field the token came from.
	Field string
	// Type is the token classification.
	Type TokenType
	// Position is the zero-based token position within the field.
	Position int
	// Boost is the type-derived boost multiplier.
	Boost float64
}

// Options controls the processing pipeline. The zero value disables
// everything; use DefaultOptions for the indexing defaults.
type Options struct {
	// Stemming enables Porter-style stemming.
	Stemming bool
	// Stopwords drops tokens found in the stopword list.
	Stopwords bool
	// MinLen drops tokens shorter than this (0 = no minimum).
	MinLen int
	// MaxLen drops tokens longer than this (0 = no maximum).
	MaxLen int
	// PreserveCase keeps the original case in Normalized.
	PreserveCase bool
	// Numbers keeps purely numeric tokens.
	Numbers bool
	// DomainTerms applies the glossary boost to recognized terms.
	DomainTerms bool
}

// DefaultOptions returns the indexing defaults.
func DefaultOptions() Options {
	return Options{
		Stemming:    true,
		Stopwords:   true,
		MinLen:      2,
		MaxLen:      50,
		Numbers:     true,
		DomainTerms: true,
	}
}

// Boost multipliers by token type. Glossary terms get an additional
// multiplier on top of their type boost.
const (
	BoostError    = 2.0
	BoostCode     = 1.8
	BoostAcronym  = 1.5
	BoostCompound = 1.3
	BoostNumber   = 1.2
	BoostWord     = 1.0
	BoostGlossary = 1.5
)

func boostForType(t TokenType) float64 {
	switch t {
	case TokenError:
		return BoostError
	case TokenCode:
		return BoostCode
	case TokenAcronym:
		return BoostAcronym
	case TokenCompound:
		return BoostCompound
	case TokenNumber:
		return BoostNumber
	default:
		return BoostWord
	}
}
