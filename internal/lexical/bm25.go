package lexical

import (
	"math"
	"sort"
)

// BM25 parameters.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// Document is a unit of text scored by BM25.
type Document struct {
	ID   string
	Text string
}

// Scored is a document id with its score.
type Scored struct {
	ID    string
	Score float64
}

type docStats struct {
	id     string
	length int
	tf     map[string]int
}

// BM25 is an Okapi BM25 index over a fixed document set.
type BM25 struct {
	k1     float64
	b      float64
	docs   []docStats
	df     map[string]int
	avgLen float64
}

// NewBM25 indexes docs with the default parameters.
func NewBM25(docs []Document) *BM25 {
	idx := &BM25{
		k1:   DefaultK1,
		b:    DefaultB,
		docs: make([]docStats, 0, len(docs)),
		df:   make(map[string]int),
	}
	total := 0
	for _, d := range docs {
		tokens := Tokenize(d.Text)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.df[t]++
		}
		idx.docs = append(idx.docs, docStats{id: d.ID, length: len(tokens), tf: tf})
		total += len(tokens)
	}
	if len(docs) > 0 {
		idx.avgLen = float64(total) / float64(len(docs))
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *BM25) Len() int {
	return len(idx.docs)
}

func (idx *BM25) idf(term string) float64 {
	n := float64(idx.df[term])
	N := float64(len(idx.docs))
	return math.Log((N-n+0.5)/(n+0.5) + 1)
}

// Scores returns the BM25 score of every document sharing a term with query.
// Documents without overlap are absent from the map.
func (idx *BM25) Scores(query string) map[string]float64 {
	terms := uniqueTerms(Tokenize(query))
	out := make(map[string]float64)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return out
	}
	avg := idx.avgLen
	if avg == 0 {
		avg = 1
	}
	for _, d := range idx.docs {
		var score float64
		for _, t := range terms {
			f := float64(d.tf[t])
			if f == 0 {
				continue
			}
			norm := 1 - idx.b + idx.b*float64(d.length)/avg
			score += idx.idf(t) * (f * (idx.k1 + 1)) / (f + idx.k1*norm)
		}
		if score > 0 {
			out[d.id] = score
		}
	}
	return out
}

// TopK returns up to k documents with a positive score, best first.
// Ties are broken by id for determinism.
func (idx *BM25) TopK(query string, k int) []Scored {
	scores := idx.Scores(query)
	out := make([]Scored, 0, len(scores))
	for id, s := range scores {
		out = append(out, Scored{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Normalize divides every score by the maximum so the best is 1.
func Normalize(scores map[string]float64) map[string]float64 {
	var maxScore float64
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		if maxScore > 0 {
			out[id] = s / maxScore
		}
	}
	return out
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
