package textproc

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resources holds the word lists the processor consults: stopwords,
// glossary terms (domain vocabulary that gets a boost and is never
// stemmed), and system names (products and subsystems that must survive
// stemming intact). Loadable from YAML so deployments can extend the
// built-in defaults.
type Resources struct {
	Stopwords   []string `yaml:"stopwords"`
	Glossary    []string `yaml:"glossary"`
	SystemNames []string `yaml:"system_names"`
}

// LoadResources reads a YAML resources file and merges it with the
// defaults. Entries in the file are additive.
func LoadResources(path string) (*Resources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources file: %w", err)
	}

	var extra Resources
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse resources file: %w", err)
	}

	res := DefaultResources()
	res.Stopwords = append(res.Stopwords, extra.Stopwords...)
	res.Glossary = append(res.Glossary, extra.Glossary...)
	res.SystemNames = append(res.SystemNames, extra.SystemNames...)
	return res, nil
}

// DefaultResources returns the built-in word lists.
func DefaultResources() *Resources {
	return &Resources{
		Stopwords: []string{
			"a", "an", "and", "are", "as", "at", "be", "but", "by", "for",
			"from", "has", "have", "how", "in", "is", "it", "its", "not",
			"of", "on", "or", "that", "the", "this", "to", "was", "what",
			"when", "where", "which", "will", "with",
		},
		Glossary: []string{
			"abend", "jcl", "vsam", "cics", "db2", "ims", "cobol", "racf",
			"ispf", "tso", "sdsf", "gdg", "proclib", "sysout", "dataset",
			"catalog", "checkpoint", "restart", "rollback", "deadlock",
			"sqlcode", "tablespace", "bufferpool",
		},
		SystemNames: []string{
			"cics", "db2", "ims", "racf", "ispf", "tso", "sdsf", "zos",
			"mvs", "jes2", "jes3", "rexx", "cobol", "omegamon",
		},
	}
}

// set converts a list to a lowercase lookup set.
func toSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
