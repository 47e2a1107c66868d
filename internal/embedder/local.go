package embedder

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/dshills/reposearch-mcp/internal/lexical"
)

// LocalDimension is the default vector length of LocalSession.
const LocalDimension = 384

// LocalSession is a deterministic feature-hashing embedder. Each token is
// hashed into a signed bucket weighted by 1+ln(tf) and the result is L2
// normalized. No model files are needed.
type LocalSession struct {
	dim int
}

// NewLocalSession returns a session of the given dimension (default 384).
func NewLocalSession(dim int) (*LocalSession, error) {
	if dim < 0 {
		return nil, errors.New("dimension must be positive")
	}
	if dim == 0 {
		dim = LocalDimension
	}
	return &LocalSession{dim: dim}, nil
}

func (l *LocalSession) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.embed(t)
	}
	return out, nil
}

func (l *LocalSession) embed(text string) []float32 {
	tf := make(map[string]int)
	for _, tok := range lexical.Tokenize(text) {
		tf[tok]++
	}
	if len(tf) == 0 {
		tf[strings.TrimSpace(text)] = 1
	}

	vec := make([]float32, l.dim)
	for tok, n := range tf {
		h := xxh3.HashString(tok)
		w := float32(1 + math.Log(float64(n)))
		if h>>63 == 1 {
			w = -w
		}
		vec[h%uint64(l.dim)] += w
	}
	return NormalizeVector(vec)
}

func (l *LocalSession) Dimension() int {
	return l.dim
}

func (l *LocalSession) Close() error {
	return nil
}
