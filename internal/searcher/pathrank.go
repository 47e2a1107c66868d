package searcher

import (
	"math"
	"path"
	"slices"
	"strings"

	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Path relevance factors. Each match multiplies a running factor starting at
// 1; the relevance is the factor minus one, capped at MaxPathRelevance.
const (
	filenameExactBoost   = 2.0
	stemExactBoost       = 1.8
	nameTokenBoost       = 1.5
	filenamePartialBoost = 1.35
	dirExactBoost        = 1.2
	dirPartialBoost      = 1.1
	depthDecay           = 0.9
	reverseMatchBoost    = 1.3
	languageHintBoost    = 1.1
	minTermLen           = 3

	MaxPathRelevance = 2.0
)

// curatedDirs weighs directories that usually hold the code a query about
// that topic is after.
var curatedDirs = map[string]float64{
	"auth":           1.2,
	"authentication": 1.2,
	"authorization":  1.2,
	"security":       1.15,
	"api":            1.1,
	"controllers":    1.15,
	"models":         1.1,
	"core":           1.1,
	"handlers":       1.1,
	"services":       1.1,
}

// PathRelevance scores how well file path p matches the analyzed query.
// Zero means no evidence.
func PathRelevance(p string, a Analysis) float64 {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" || p == "." {
		return 0
	}
	base := path.Base(p)
	lowerBase := strings.ToLower(base)
	stem := strings.TrimSuffix(lowerBase, strings.ToLower(path.Ext(base)))
	nameTokens := lexical.SplitIdentifier(strings.TrimSuffix(base, path.Ext(base)))

	var dirs []string
	if d := path.Dir(p); d != "." {
		dirs = strings.Split(strings.ToLower(d), "/")
	}

	factor := 1.0
	factor *= filenameFactor(lowerBase, stem, nameTokens, a.Terms)
	for i, dir := range dirs {
		depth := len(dirs) - 1 - i
		factor *= dirFactor(dir, depth, a.Terms)
	}
	for _, dir := range dirs {
		if w, ok := curatedDirs[dir]; ok && relatesToAny(dir, a.Terms) {
			factor *= w
		}
	}

	if factor == 1 {
		joined := " " + strings.Join(a.Terms, " ") + " "
		for _, tok := range append(nameTokens, dirs...) {
			if len(tok) >= minTermLen && strings.Contains(joined, tok) {
				factor *= reverseMatchBoost
				break
			}
		}
	}

	if lang := types.LanguageForPath(p); lang != types.LanguageText && a.HasLanguage(lang) {
		factor *= languageHintBoost
	}

	return math.Min(factor-1, MaxPathRelevance)
}

// filenameFactor returns the strongest single filename match.
func filenameFactor(base, stem string, tokens, terms []string) float64 {
	best := 1.0
	for _, t := range terms {
		switch {
		case t == base:
			best = math.Max(best, filenameExactBoost)
		case t == stem:
			best = math.Max(best, stemExactBoost)
		case len(t) >= minTermLen && slices.Contains(tokens, t):
			best = math.Max(best, nameTokenBoost)
		case len(t) >= minTermLen && strings.Contains(stem, t):
			best = math.Max(best, filenamePartialBoost)
		}
	}
	return best
}

// dirFactor weighs a directory match by how close the directory is to the
// file. depth 0 is the immediate parent.
func dirFactor(dir string, depth int, terms []string) float64 {
	best := 1.0
	for _, t := range terms {
		if len(t) < minTermLen {
			continue
		}
		switch {
		case t == dir:
			best = math.Max(best, dirExactBoost)
		case strings.Contains(dir, t):
			best = math.Max(best, dirPartialBoost)
		}
	}
	if best == 1 {
		return 1
	}
	return 1 + (best-1)*math.Pow(depthDecay, float64(depth))
}

// relatesToAny reports whether a term names dir or shares a prefix with it,
// so "auth" relates to "authentication" and the other way round.
func relatesToAny(dir string, terms []string) bool {
	for _, t := range terms {
		if len(t) < minTermLen {
			continue
		}
		if strings.HasPrefix(t, dir) || strings.HasPrefix(dir, t) {
			return true
		}
	}
	return false
}
