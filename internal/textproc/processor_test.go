package textproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_EmptyInput(t *testing.T) {
	p := NewProcessor(nil)

	assert.Empty(t, p.Process("", "title", DefaultOptions()))
	assert.Empty(t, p.Process("   \t\n ", "title", DefaultOptions()))
}

func TestProcess_Deterministic(t *testing.T) {
	p := NewProcessor(nil)
	text := "S0C7 data exception while processing VSAM dataset SYS1.PROCLIB"

	first := p.Process(text, "problem", DefaultOptions())
	second := p.Process(text, "problem", DefaultOptions())

	assert.Equal(t, first, second)
}

func TestProcess_DropsStopwordsAndShortTokens(t *testing.T) {
	p := NewProcessor(nil)

	tokens := p.Process("the job is failing", "problem", DefaultOptions())

	var texts []string
	for _, tok := range tokens {
		texts = append(texts, tok.Normalized)
	}
	assert.NotContains(t, texts, "the")
	assert.NotContains(t, texts, "is")
	assert.Contains(t, texts, "job")
	assert.Contains(t, texts, "failing")
}

func TestProcess_LengthBounds(t *testing.T) {
	p := NewProcessor(nil)
	opts := Options{MinLen: 4, MaxLen: 6}

	tokens := p.Process("ab abcd abcdefgh", "title", opts)

	require.Len(t, tokens, 1)
	assert.Equal(t, "abcd", tokens[0].Normalized)
}

func TestProcess_NumbersOption(t *testing.T) {
	p := NewProcessor(nil)

	withNumbers := p.Process("retry 3 times", "solution", Options{Numbers: true})
	withoutNumbers := p.Process("retry 3 times", "solution", Options{Numbers: false})

	assert.Len(t, withNumbers, 3)
	assert.Len(t, withoutNumbers, 2)
}

func TestProcess_PreserveCase(t *testing.T) {
	p := NewProcessor(nil)

	tokens := p.Process("VSAM Error", "title", Options{PreserveCase: true})

	require.Len(t, tokens, 2)
	assert.Equal(t, "VSAM", tokens[0].Normalized)
	assert.Equal(t, "Error", tokens[1].Normalized)
}

// Scenario: tokenizing a query with an abend code classifies it as an
// error token with the top boost, unstemmed.
func TestTokenizeQuery_AbendCode(t *testing.T) {
	p := NewProcessor(nil)

	tokens := p.TokenizeQuery("s0c7 abend")

	require.Len(t, tokens, 2)

	s0c7 := tokens[0]
	assert.Equal(t, TokenError, s0c7.Type)
	assert.Equal(t, BoostError, s0c7.Boost)
	assert.Equal(t, "s0c7", s0c7.Stemmed, "error codes must not be stemmed")

	abend := tokens[1]
	assert.Equal(t, "abend", abend.Stemmed, "glossary terms must not be stemmed")
	assert.Equal(t, BoostWord*BoostGlossary, abend.Boost)
}

func TestClassify_Precedence(t *testing.T) {
	p := NewProcessor(nil)

	tests := []struct {
		word string
		want TokenType
	}{
		{"S0C7", TokenError},
		{"s222", TokenError},
		{"U4038", TokenError},
		{"IEF450I", TokenError},
		{"12345", TokenNumber},
		{"3.14", TokenNumber},
		{"SYS1.PROCLIB", TokenCode},
		{"IEFBR14", TokenCode},
		{"VSAM", TokenAcronym},
		{"JCL", TokenAcronym},
		{"restart-failure", TokenCompound},
		{"file_status", TokenCompound},
		{"dataset", TokenWord},
	}

	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.word))
		})
	}
}

func TestProcess_BoostByType(t *testing.T) {
	p := NewProcessor(nil)
	opts := Options{Numbers: true, DomainTerms: true}

	tokens := p.Process("S0C7 SYS1.DUMP RACF batch-run 42 failure", "problem", opts)
	require.Len(t, tokens, 6)

	boosts := map[string]float64{}
	for _, tok := range tokens {
		boosts[tok.Text] = tok.Boost
	}

	assert.Equal(t, BoostError, boosts["S0C7"])
	assert.Equal(t, BoostCode, boosts["SYS1.DUMP"])
	// RACF is both an acronym and a glossary term.
	assert.Equal(t, BoostAcronym*BoostGlossary, boosts["RACF"])
	assert.Equal(t, BoostCompound, boosts["batch-run"])
	assert.Equal(t, BoostNumber, boosts["42"])
	assert.Equal(t, BoostWord, boosts["failure"])
}

// Index/query symmetry: the stemmed forms produced at indexing time must
// be reproducible from a query so lookups hit the same terms.
func TestProcess_QuerySymmetry(t *testing.T) {
	p := NewProcessor(nil)

	indexed := p.Process("Processing failures during restarts", "solution", DefaultOptions())
	queried := p.TokenizeQuery("processing failures during restarts")

	require.Equal(t, len(indexed), len(queried))
	for i := range indexed {
		assert.Equal(t, indexed[i].Stemmed, queried[i].Stemmed)
	}
}

func TestProcess_PositionsPreserveSourceOrder(t *testing.T) {
	p := NewProcessor(nil)

	// "the" is dropped; remaining tokens keep their source positions.
	tokens := p.Process("job the failed", "title", DefaultOptions())

	require.Len(t, tokens, 2)
	assert.Equal(t, 0, tokens[0].Position)
	assert.Equal(t, 2, tokens[1].Position)
}
