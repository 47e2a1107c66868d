package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

type memCollection struct {
	spec   CollectionSpec
	points map[string]types.Point
}

// MemoryStore keeps collections in process memory. Writes are visible to
// reads as soon as the call returns.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (m *MemoryStore) HealthCheck(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && ctx.Err() == nil
}

func (m *MemoryStore) CreateCollection(ctx context.Context, name string, spec CollectionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	spec.Distance, _ = ParseDistance(string(spec.Distance))
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		return spec.conflicts(c.spec)
	}
	m.collections[name] = &memCollection{spec: spec, points: make(map[string]types.Point)}
	return nil
}

func (m *MemoryStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryStore) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, notFound(name)
	}
	return &CollectionInfo{
		Name:        name,
		Dimension:   c.spec.Dimension,
		Distance:    c.spec.Distance,
		Sparse:      c.spec.Sparse,
		PointsCount: int64(len(c.points)),
		Status:      StatusReady,
	}, nil
}

func (m *MemoryStore) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for n := range m.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) UpsertPoints(ctx context.Context, name string, points []types.Point) (*UpsertResult, error) {
	if err := types.ContextError(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, notFound(name)
	}
	res := &UpsertResult{}
	for _, p := range points {
		if err := checkPoint(p, c.spec); err != nil {
			res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: err})
			continue
		}
		if !c.spec.Sparse {
			p.Sparse = nil
		}
		c.points[p.ID] = clonePoint(p, true)
		res.Upserted++
	}
	return res, nil
}

func (m *MemoryStore) DeletePoints(ctx context.Context, name string, sel Selector) error {
	if err := sel.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return notFound(name)
	}
	if len(sel.IDs) > 0 {
		for _, id := range sel.IDs {
			delete(c.points, id)
		}
		return nil
	}
	for id, p := range c.points {
		if sel.Filter.Matches(p.Payload) {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, notFound(name)
	}
	if q.Dense() && len(q.Vector) != c.spec.Dimension {
		return nil, fmt.Errorf("%w: query dimension %d, collection expects %d",
			types.ErrStoreOperation, len(q.Vector), c.spec.Dimension)
	}

	sparse := q.Sparse
	if !q.Dense() && sparse.Len() == 0 {
		sparse = lexical.Encode(q.Text)
	}

	var hits []ScoredPoint
	for _, p := range c.points {
		if !q.Filter.Matches(p.Payload) {
			continue
		}
		var score float64
		if q.Dense() {
			score = similarity(c.spec.Distance, q.Vector, p.Vector)
		} else {
			score = lexical.Dot(sparse, memSparse(p))
			if score <= 0 {
				continue
			}
		}
		if !q.passes(score) {
			continue
		}
		hits = append(hits, ScoredPoint{Point: clonePoint(p, q.WithVectors), Score: score})
	}
	sortScored(hits)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// memSparse returns the stored sparse vector, deriving one from content when
// the collection has none.
func memSparse(p types.Point) *types.SparseVector {
	if p.Sparse != nil {
		return p.Sparse
	}
	return lexical.Encode(p.String(types.PayloadContent))
}

func (m *MemoryStore) Scroll(ctx context.Context, name string, req ScrollRequest) (*ScrollPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultScrollLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, notFound(name)
	}
	ids := make([]string, 0, len(c.points))
	for id, p := range c.points {
		if id >= req.Offset && req.Filter.Matches(p.Payload) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := &ScrollPage{}
	if len(ids) > limit {
		page.NextOffset = ids[limit]
		ids = ids[:limit]
	}
	page.Points = make([]types.Point, 0, len(ids))
	for _, id := range ids {
		page.Points = append(page.Points, clonePoint(c.points[id], req.WithVectors))
	}
	return page, nil
}

func (m *MemoryStore) Count(ctx context.Context, name string, filter *Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, notFound(name)
	}
	if filter.Empty() {
		return int64(len(c.points)), nil
	}
	var n int64
	for _, p := range c.points {
		if filter.Matches(p.Payload) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
