package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// HealthCheckTimeout bounds every HealthCheck call.
const HealthCheckTimeout = 2 * time.Second

// ErrEmptySelector is returned by DeletePoints when neither IDs nor a filter is given
var ErrEmptySelector = errors.New("delete selector matches nothing")

// VectorStore defines the interface for a dense+sparse vector index with
// filterable payloads. Implementations are safe for concurrent use.
type VectorStore interface {
	// HealthCheck reports whether the store answers within HealthCheckTimeout.
	HealthCheck(ctx context.Context) bool

	// Collection operations
	CreateCollection(ctx context.Context, name string, spec CollectionSpec) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)

	// Point operations
	UpsertPoints(ctx context.Context, name string, points []types.Point) (*UpsertResult, error)
	DeletePoints(ctx context.Context, name string, sel Selector) error
	Search(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error)
	Scroll(ctx context.Context, name string, req ScrollRequest) (*ScrollPage, error)
	Count(ctx context.Context, name string, filter *Filter) (int64, error)

	Close() error
}

// Distance is the similarity metric of a collection.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceEuclid    Distance = "euclid"
	DistanceDot       Distance = "dot"
	DistanceManhattan Distance = "manhattan"
)

// ParseDistance accepts the metric names used in configuration. Empty means cosine.
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DistanceCosine, nil
	case DistanceCosine, DistanceEuclid, DistanceDot, DistanceManhattan:
		return d, nil
	case "euclidean":
		return DistanceEuclid, nil
	default:
		return "", fmt.Errorf("%w: unknown distance %q", types.ErrConfig, s)
	}
}

// CollectionSpec is the immutable schema of a collection.
type CollectionSpec struct {
	Dimension int
	Distance  Distance
	Sparse    bool
}

func (s CollectionSpec) validate() error {
	if s.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", types.ErrStoreOperation, s.Dimension)
	}
	if _, err := ParseDistance(string(s.Distance)); err != nil {
		return err
	}
	return nil
}

// conflicts reports a schema mismatch between an existing collection and a request.
func (s CollectionSpec) conflicts(existing CollectionSpec) error {
	want, _ := ParseDistance(string(s.Distance))
	have, _ := ParseDistance(string(existing.Distance))
	if s.Dimension != existing.Dimension || want != have {
		return fmt.Errorf("%w: have dim=%d distance=%s, want dim=%d distance=%s",
			types.ErrConflictingSchema, existing.Dimension, have, s.Dimension, want)
	}
	return nil
}

// CollectionStatus is the readiness of a collection.
type CollectionStatus string

const (
	StatusReady   CollectionStatus = "ready"
	StatusPending CollectionStatus = "pending"
	StatusError   CollectionStatus = "error"
)

// CollectionInfo describes a collection.
type CollectionInfo struct {
	Name        string
	Dimension   int
	Distance    Distance
	Sparse      bool
	PointsCount int64
	Status      CollectionStatus
}

// Spec returns the schema part of the info.
func (i *CollectionInfo) Spec() CollectionSpec {
	return CollectionSpec{Dimension: i.Dimension, Distance: i.Distance, Sparse: i.Sparse}
}

// Condition matches points whose payload value at Key equals any of Values.
type Condition struct {
	Key    string
	Values []any
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// Match builds a single-condition filter.
func Match(key string, values ...any) *Filter {
	return &Filter{Must: []Condition{{Key: key, Values: values}}}
}

// And returns a copy of f with an extra condition.
func (f *Filter) And(key string, values ...any) *Filter {
	out := &Filter{}
	if f != nil {
		out.Must = append(out.Must, f.Must...)
	}
	out.Must = append(out.Must, Condition{Key: key, Values: values})
	return out
}

// Empty reports whether f matches every point.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Must) == 0
}

// Matches evaluates f against a payload.
func (f *Filter) Matches(payload map[string]any) bool {
	if f.Empty() {
		return true
	}
	for _, c := range f.Must {
		v, ok := payload[c.Key]
		if !ok {
			return false
		}
		hit := false
		for _, want := range c.Values {
			if valuesEqual(v, want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// valuesEqual compares payload scalars, treating all numeric kinds alike.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Selector picks points by ID or by filter. IDs take precedence.
type Selector struct {
	IDs    []string
	Filter *Filter
}

// ByFile selects every point of one file.
func ByFile(path string) Selector {
	return Selector{Filter: Match(types.PayloadFilePath, path)}
}

func (s Selector) validate() error {
	if len(s.IDs) == 0 && s.Filter.Empty() {
		return fmt.Errorf("%w: %w", types.ErrStoreOperation, ErrEmptySelector)
	}
	return nil
}

// PointFailure reports a point the store rejected.
type PointFailure struct {
	ID  string
	Err error
}

// UpsertResult summarizes an UpsertPoints call.
type UpsertResult struct {
	Upserted int
	Failed   []PointFailure
}

// Err folds per-point failures into a single error, or nil.
func (r *UpsertResult) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d points rejected, first %s: %v",
		types.ErrStoreOperation, len(r.Failed), r.Failed[0].ID, r.Failed[0].Err)
}

// SearchQuery selects dense similarity search when Vector is set and lexical
// search (Text and/or Sparse) otherwise.
type SearchQuery struct {
	Vector         []float32
	Sparse         *types.SparseVector
	Text           string
	Limit          int
	ScoreThreshold *float64
	Filter         *Filter
	WithVectors    bool
}

// Dense reports whether q runs a dense similarity search.
func (q SearchQuery) Dense() bool {
	return len(q.Vector) > 0
}

func (q SearchQuery) validate() error {
	if q.Limit <= 0 {
		return fmt.Errorf("%w: search limit must be positive", types.ErrStoreOperation)
	}
	if !q.Dense() && q.Sparse.Len() == 0 && strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: search needs a vector or query text", types.ErrStoreOperation)
	}
	return nil
}

func (q SearchQuery) passes(score float64) bool {
	return q.ScoreThreshold == nil || score >= *q.ScoreThreshold
}

// ScoredPoint is a search hit. Higher scores are better for every metric.
type ScoredPoint struct {
	types.Point
	Score float64
}

// ScrollRequest pages through a collection in ascending ID order. Offset is
// the first ID of the page; empty starts at the beginning.
type ScrollRequest struct {
	Limit       int
	Offset      string
	Filter      *Filter
	WithVectors bool
}

// ScrollPage is one page of points. NextOffset is empty on the last page.
type ScrollPage struct {
	Points     []types.Point
	NextOffset string
}

// DefaultScrollLimit is used when ScrollRequest.Limit is not positive.
const DefaultScrollLimit = 256

// ScrollAll visits every point matching filter, page by page.
func ScrollAll(ctx context.Context, s VectorStore, name string, filter *Filter, fn func(types.Point) error) error {
	req := ScrollRequest{Limit: DefaultScrollLimit, Filter: filter}
	for {
		page, err := s.Scroll(ctx, name, req)
		if err != nil {
			return err
		}
		for _, p := range page.Points {
			if err := fn(p); err != nil {
				return err
			}
		}
		if page.NextOffset == "" {
			return nil
		}
		req.Offset = page.NextOffset
	}
}

// sortScored orders hits by score descending, ties by ID.
func sortScored(hits []ScoredPoint) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name)
}

// clonePoint copies the slices and map of p so callers cannot alias store state.
func clonePoint(p types.Point, withVectors bool) types.Point {
	out := types.Point{ID: p.ID, Payload: make(map[string]any, len(p.Payload))}
	for k, v := range p.Payload {
		out.Payload[k] = v
	}
	if withVectors {
		out.Vector = append([]float32(nil), p.Vector...)
		if p.Sparse != nil {
			out.Sparse = &types.SparseVector{
				Indices: append([]uint32(nil), p.Sparse.Indices...),
				Values:  append([]float32(nil), p.Sparse.Values...),
			}
		}
	}
	return out
}

// checkPoint validates a point against the collection schema.
func checkPoint(p types.Point, spec CollectionSpec) error {
	if p.ID == "" {
		return errors.New("point has no id")
	}
	if len(p.Vector) != spec.Dimension {
		return fmt.Errorf("vector dimension %d, collection expects %d", len(p.Vector), spec.Dimension)
	}
	if p.Sparse != nil && len(p.Sparse.Indices) != len(p.Sparse.Values) {
		return errors.New("sparse vector indices and values differ in length")
	}
	return nil
}
