package textproc

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// stemCacheSize bounds the stemmer memo. The corpus vocabulary for a
// single knowledge base is far smaller than this.
const stemCacheSize = 8192

// Stemmer is a cached Porter stemmer with domain skip rules: words of
// length <= 3, recognized error codes, system names, and glossary terms
// are returned unchanged.
type Stemmer struct {
	glossary    map[string]struct{}
	systemNames map[string]struct{}
	cache       *lru.Cache[string, string]
}

// NewStemmer creates a stemmer with the given skip sets.
func NewStemmer(glossary, systemNames map[string]struct{}) *Stemmer {
	cache, _ := lru.New[string, string](stemCacheSize)
	return &Stemmer{
		glossary:    glossary,
		systemNames: systemNames,
		cache:       cache,
	}
}

// Stem returns the stemmed form of word, consulting the cache first.
func (s *Stemmer) Stem(word string) string {
	lower := strings.ToLower(word)

	if len(lower) <= 3 || IsErrorCode(word) {
		return lower
	}
	if _, ok := s.systemNames[lower]; ok {
		return lower
	}
	if _, ok := s.glossary[lower]; ok {
		return lower
	}

	if cached, ok := s.cache.Get(lower); ok {
		return cached
	}

	stemmed := porterStem(lower)
	s.cache.Add(lower, stemmed)
	return stemmed
}

// CacheLen returns the number of memoized stems.
func (s *Stemmer) CacheLen() int {
	return s.cache.Len()
}

// ---------------------------------------------------------------------
// Porter stemming algorithm (Porter, 1980). Operates on lowercase ASCII;
// non-ASCII words are returned unchanged by the consonant test.
// ---------------------------------------------------------------------

func isConsonant(word string, i int) bool {
	switch word[i] {
	case 'a', 'e', 'i', 'o', 'u':
		return false
	case 'y':
		if i == 0 {
			return true
		}
		return !isConsonant(word, i-1)
	}
	return true
}

// measure counts VC sequences in the word: [C](VC){m}[V].
func measure(word string) int {
	m := 0
	prevVowel := false
	for i := 0; i < len(word); i++ {
		if !isConsonant(word, i) {
			prevVowel = true
		} else {
			if prevVowel {
				m++
			}
			prevVowel = false
		}
	}
	return m
}

func containsVowel(word string) bool {
	for i := 0; i < len(word); i++ {
		if !isConsonant(word, i) {
			return true
		}
	}
	return false
}

// endsDoubleConsonant reports whether word ends with the same consonant twice.
func endsDoubleConsonant(word string) bool {
	n := len(word)
	if n < 2 {
		return false
	}
	return word[n-1] == word[n-2] && isConsonant(word, n-1)
}

// endsCVC reports whether word ends consonant-vowel-consonant where the
// final consonant is not w, x, or y.
func endsCVC(word string) bool {
	n := len(word)
	if n < 3 {
		return false
	}
	if !isConsonant(word, n-3) || isConsonant(word, n-2) || !isConsonant(word, n-1) {
		return false
	}
	switch word[n-1] {
	case 'w', 'x', 'y':
		return false
	}
	return true
}

// replaceSuffix replaces suffix with repl when the stem before the
// suffix has measure > threshold. Returns the word and whether a
// replacement happened.
func replaceSuffix(word, suffix, repl string, threshold int) (string, bool) {
	if !strings.HasSuffix(word, suffix) {
		return word, false
	}
	stem := word[:len(word)-len(suffix)]
	if measure(stem) <= threshold {
		return word, true // Suffix matched; no further rules apply.
	}
	return stem + repl, true
}

func porterStem(word string) string {
	if len(word) <= 2 {
		return word
	}

	word = step1a(word)
	word = step1b(word)
	word = step1c(word)
	word = step2(word)
	word = step3(word)
	word = step4(word)
	word = step5(word)
	return word
}

func step1a(w string) string {
	switch {
	case strings.HasSuffix(w, "sses"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ies"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ss"):
		return w
	case strings.HasSuffix(w, "s"):
		return w[:len(w)-1]
	}
	return w
}

func step1b(w string) string {
	if strings.HasSuffix(w, "eed") {
		stem := w[:len(w)-3]
		if measure(stem) > 0 {
			return w[:len(w)-1]
		}
		return w
	}

	var stem string
	switch {
	case strings.HasSuffix(w, "ed") && containsVowel(w[:len(w)-2]):
		stem = w[:len(w)-2]
	case strings.HasSuffix(w, "ing") && containsVowel(w[:len(w)-3]):
		stem = w[:len(w)-3]
	default:
		return w
	}

	switch {
	case strings.HasSuffix(stem, "at"), strings.HasSuffix(stem, "bl"), strings.HasSuffix(stem, "iz"):
		return stem + "e"
	case endsDoubleConsonant(stem):
		last := stem[len(stem)-1]
		if last != 'l' && last != 's' && last != 'z' {
			return stem[:len(stem)-1]
		}
		return stem
	case measure(stem) == 1 && endsCVC(stem):
		return stem + "e"
	}
	return stem
}

func step1c(w string) string {
	if strings.HasSuffix(w, "y") && containsVowel(w[:len(w)-1]) {
		return w[:len(w)-1] + "i"
	}
	return w
}

var step2Suffixes = []struct{ suffix, repl string }{
	{"ational", "ate"}, {"tional", "tion"}, {"enci", "ence"}, {"anci", "ance"},
	{"izer", "ize"}, {"abli", "able"}, {"alli", "al"}, {"entli", "ent"},
	{"eli", "e"}, {"ousli", "ous"}, {"ization", "ize"}, {"ation", "ate"},
	{"ator", "ate"}, {"alism", "al"}, {"iveness", "ive"}, {"fulness", "ful"},
	{"ousness", "ous"}, {"aliti", "al"}, {"iviti", "ive"}, {"biliti", "ble"},
}

func step2(w string) string {
	for _, s := range step2Suffixes {
		if out, matched := replaceSuffix(w, s.suffix, s.repl, 0); matched {
			return out
		}
	}
	return w
}

var step3Suffixes = []struct{ suffix, repl string }{
	{"icate", "ic"}, {"ative", ""}, {"alize", "al"}, {"iciti", "ic"},
	{"ical", "ic"}, {"ful", ""}, {"ness", ""},
}

func step3(w string) string {
	for _, s := range step3Suffixes {
		if out, matched := replaceSuffix(w, s.suffix, s.repl, 0); matched {
			return out
		}
	}
	return w
}

var step4Suffixes = []string{
	"al", "ance", "ence", "er", "ic", "able", "ible", "ant", "ement",
	"ment", "ent", "ou", "ism", "ate", "iti", "ous", "ive", "ize",
}

func step4(w string) string {
	for _, suffix := range step4Suffixes {
		if !strings.HasSuffix(w, suffix) {
			continue
		}
		stem := w[:len(w)-len(suffix)]
		if measure(stem) > 1 {
			return stem
		}
		return w
	}
	// "(s|t)ion" keeps the s/t.
	if strings.HasSuffix(w, "ion") {
		stem := w[:len(w)-3]
		if len(stem) > 0 && (stem[len(stem)-1] == 's' || stem[len(stem)-1] == 't') && measure(stem) > 1 {
			return stem
		}
	}
	return w
}

func step5(w string) string {
	// Step 5a: drop trailing e.
	if strings.HasSuffix(w, "e") {
		stem := w[:len(w)-1]
		m := measure(stem)
		if m > 1 || (m == 1 && !endsCVC(stem)) {
			w = stem
		}
	}
	// Step 5b: ll -> l when m > 1.
	if strings.HasSuffix(w, "ll") && measure(w) > 1 {
		w = w[:len(w)-1]
	}
	return w
}
