package lexical

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

const minTokenLen = 2

// Tokenize splits text into lowercase terms. Identifiers are kept whole and
// also split at snake_case, kebab-case and camelCase boundaries, so
// "parseUserConfig" yields parseuserconfig, parse, user, config.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range words(text) {
		lower := strings.ToLower(word)
		if len(lower) >= minTokenLen {
			tokens = append(tokens, lower)
		}
		parts := SplitIdentifier(word)
		if len(parts) > 1 {
			for _, p := range parts {
				if len(p) >= minTokenLen {
					tokens = append(tokens, p)
				}
			}
		}
	}
	return tokens
}

// words returns runs of letters, digits and underscores.
func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}

// SplitIdentifier breaks an identifier into lowercase parts at underscores,
// hyphens, dots and lower-to-upper case transitions.
func SplitIdentifier(s string) []string {
	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.':
			flush()
		case unicode.IsUpper(r):
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return parts
}

// TermID hashes a term into the sparse index space.
func TermID(term string) uint32 {
	return uint32(xxh3.HashString(term))
}

// Encode builds a sparse term vector with sublinear term-frequency weights.
// Indices are sorted and unique.
func Encode(text string) *types.SparseVector {
	tf := make(map[uint32]int)
	for _, tok := range Tokenize(text) {
		tf[TermID(tok)]++
	}
	if len(tf) == 0 {
		return nil
	}
	vec := &types.SparseVector{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
	}
	for id := range tf {
		vec.Indices = append(vec.Indices, id)
	}
	sort.Slice(vec.Indices, func(i, j int) bool { return vec.Indices[i] < vec.Indices[j] })
	for _, id := range vec.Indices {
		vec.Values = append(vec.Values, float32(1+math.Log(float64(tf[id]))))
	}
	return vec
}

// Dot returns the sparse dot product of two sorted sparse vectors.
func Dot(a, b *types.SparseVector) float64 {
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	var sum float64
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			sum += float64(a.Values[i]) * float64(b.Values[j])
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}
