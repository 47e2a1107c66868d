package storage

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/dshills/reposearch-mcp/internal/lexical"
)

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func euclidDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

// similarity scores b against the query a so that higher is better. Distance
// metrics map to 1/(1+d).
func similarity(metric Distance, a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(-1)
	}
	switch metric {
	case DistanceDot:
		return dotProduct(a, b)
	case DistanceEuclid:
		return 1 / (1 + euclidDistance(a, b))
	case DistanceManhattan:
		return 1 / (1 + manhattanDistance(a, b))
	default:
		return cosineSimilarity(a, b)
	}
}

// ftsQuery turns free text into an FTS5 expression: every token and
// identifier part becomes a quoted term, OR-joined. Quoting neutralizes FTS5 operators.
func ftsQuery(text string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range lexical.Tokenize(text) {
		if seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// normalizeBM25 maps an FTS5 bm25() value (more negative is better) into [0,1).
func normalizeBM25(score float64) float64 {
	x := math.Abs(score)
	return x / (1 + x)
}
