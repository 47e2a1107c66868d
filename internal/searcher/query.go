package searcher

import (
	"math"
	"slices"
	"strings"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// QueryType is the coarse intent of a query.
type QueryType string

const (
	QueryDefinition     QueryType = "definition"
	QueryUsage          QueryType = "usage"
	QueryImplementation QueryType = "implementation"
	QueryFunction       QueryType = "function"
	QueryTypeDecl       QueryType = "type"
	QueryGeneric        QueryType = "generic"
)

// Language hints recognized in queries.
const (
	HintRust = types.LanguageRust
	HintRuby = types.LanguageRuby
	HintGo   = types.LanguageGo
)

// languageKeywords is ordered: weight rules are applied in this order.
// Plain words match whole query terms; anything with a space or symbol
// matches as a substring.
var languageKeywords = []struct {
	hint     string
	keywords []string
}{
	{HintRust, []string{"rust", "cargo", "crate", "mod", "impl", "trait", "struct", "enum", "fn"}},
	{HintRuby, []string{"ruby", "gem", "class", "module", "def", "end", "attr"}},
	{HintGo, []string{"go", "golang", "func", "interface", "struct", "package", "import", "goroutine",
		"chan", "select", "go fmt", "gofmt", "gomod", "receiver", "slices", "map[", "type ", "defer"}},
}

var typeRules = []struct {
	kind  QueryType
	needs []string
}{
	{QueryDefinition, []string{"what is", "definition"}},
	{QueryUsage, []string{"how to use", "usage", "example"}},
	{QueryImplementation, []string{"how to implement", "implementation"}},
	{QueryFunction, []string{"function", "method", "fn "}},
	{QueryTypeDecl, []string{"struct", "trait", "enum", "class", "type"}},
}

var codePatterns = []string{
	"fn ", "pub fn", "func ", "function ", "def ", "class ", "struct ", "enum ",
	"trait ", "impl ", "interface ", "#[", "import ", "require ",
}

// Analysis is the result of classifying a query.
type Analysis struct {
	Type        QueryType `json:"type"`
	Languages   []string  `json:"languages,omitempty"`
	Terms       []string  `json:"terms"`
	WordCount   int       `json:"word_count"`
	CodePattern bool      `json:"code_pattern"`
}

// HasLanguage reports whether hint was detected.
func (a Analysis) HasLanguage(hint string) bool {
	return slices.Contains(a.Languages, hint)
}

// Analyze classifies query on its lowercased text.
func Analyze(query string) Analysis {
	q := strings.ToLower(strings.TrimSpace(query))
	terms := queryTerms(q)
	words := make(map[string]bool, len(terms))
	for _, t := range terms {
		words[t] = true
	}

	a := Analysis{Type: QueryGeneric, Terms: terms, WordCount: len(strings.Fields(q))}
	for _, r := range typeRules {
		if containsAny(q, r.needs) {
			a.Type = r.kind
			break
		}
	}
	for _, lk := range languageKeywords {
		for _, kw := range lk.keywords {
			if matchKeyword(q, words, kw) {
				a.Languages = append(a.Languages, lk.hint)
				break
			}
		}
	}
	a.CodePattern = containsAny(q, codePatterns)
	return a
}

func matchKeyword(q string, words map[string]bool, kw string) bool {
	if isWord(kw) {
		return words[kw]
	}
	return strings.Contains(q, kw)
}

func isWord(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return s != ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// queryTerms splits q on anything that cannot appear in an identifier or a
// file name.
func queryTerms(q string) []string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return false
		}
		return r < 0x80
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, ".-"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Weights are the dense and lexical mixing factors of the hybrid score.
type Weights struct {
	Dense   float64 `json:"dense"`
	Lexical float64 `json:"lexical"`
}

// Normalized scales w to sum to one. Non-positive totals become an even split.
func (w Weights) Normalized() Weights {
	d := math.Max(w.Dense, 0)
	l := math.Max(w.Lexical, 0)
	total := d + l
	if total <= 0 {
		return Weights{Dense: 0.5, Lexical: 0.5}
	}
	return Weights{Dense: d / total, Lexical: l / total}
}

// AdaptWeights applies the query-dependent adjustments to base in a fixed
// order and renormalizes. Later rules see the output of earlier ones.
func AdaptWeights(a Analysis, base Weights) Weights {
	w := base.Normalized()

	switch {
	case a.WordCount <= 2:
		w = Weights{Dense: 0.4, Lexical: 0.6}
	case a.WordCount >= 6:
		w = Weights{Dense: 0.8, Lexical: 0.2}
	}

	for _, lang := range a.Languages {
		switch lang {
		case HintGo:
			w = Weights{Dense: 0.5, Lexical: 0.5}
		case HintRust:
			w = Weights{Dense: 0.6, Lexical: 0.4}
		case HintRuby:
			w.Dense = math.Min(w.Dense*1.1, 0.75)
			w.Lexical = math.Max(w.Lexical*0.9, 0.25)
		}
	}

	if a.CodePattern {
		w.Dense = math.Max(w.Dense*0.85, 0.3)
		w.Lexical = math.Min(w.Lexical*1.15, 0.7)
	}

	switch a.Type {
	case QueryFunction, QueryTypeDecl:
		w.Dense = math.Max(w.Dense*0.9, 0.3)
		w.Lexical = math.Min(w.Lexical*1.1, 0.7)
	case QueryUsage:
		w.Dense = math.Min(w.Dense*1.1, 0.8)
		w.Lexical = math.Max(w.Lexical*0.9, 0.2)
	case QueryDefinition:
		w = Weights{Dense: 0.55, Lexical: 0.45}
	case QueryImplementation:
		w = Weights{Dense: 0.45, Lexical: 0.55}
	}

	return w.Normalized()
}
