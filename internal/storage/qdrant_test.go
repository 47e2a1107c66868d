package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// fakeQdrant serves the subset of the Qdrant REST API used by QdrantStore,
// backed by a MemoryStore.
type fakeQdrant struct {
	backend *MemoryStore

	mu      sync.Mutex
	apiKeys []string
	queries []string
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	f := &fakeQdrant{backend: NewMemoryStore()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("healthz check passed"))
	})
	mux.HandleFunc("GET /collections", f.list)
	mux.HandleFunc("GET /collections/{name}", f.info)
	mux.HandleFunc("GET /collections/{name}/exists", f.exists)
	mux.HandleFunc("PUT /collections/{name}", f.create)
	mux.HandleFunc("DELETE /collections/{name}", f.drop)
	mux.HandleFunc("PUT /collections/{name}/points", f.upsert)
	mux.HandleFunc("POST /collections/{name}/points/{op}", f.points)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
		f.queries = append(f.queries, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok", "time": 0.001})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, types.ErrCollectionNotFound) {
		code = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]string{"error": err.Error()}})
}

func fromQdrantFilter(f *qdrantFilter) *Filter {
	if f == nil {
		return nil
	}
	out := &Filter{}
	for _, c := range f.Must {
		values := c.Match.Any
		if c.Match.Value != nil {
			values = []any{c.Match.Value}
		}
		out.Must = append(out.Must, Condition{Key: c.Key, Values: values})
	}
	return out
}

func toWire(p types.Point, score float64, withVectors bool) qdrantPoint {
	qp := qdrantPoint{ID: encodeID(p.ID), Payload: p.Payload, Score: score}
	if withVectors {
		qp.Vector = encodeVectors(p, true)
	}
	return qp
}

func (f *fakeQdrant) list(w http.ResponseWriter, r *http.Request) {
	names, _ := f.backend.ListCollections(r.Context())
	cols := make([]map[string]string, 0, len(names))
	for _, n := range names {
		cols = append(cols, map[string]string{"name": n})
	}
	writeResult(w, map[string]any{"collections": cols})
}

func (f *fakeQdrant) info(w http.ResponseWriter, r *http.Request) {
	info, err := f.backend.GetCollectionInfo(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	params := map[string]any{
		"vectors": map[string]any{
			qdrantDenseVector: map[string]any{"size": info.Dimension, "distance": qdrantDistance(info.Distance)},
		},
	}
	if info.Sparse {
		params["sparse_vectors"] = map[string]any{qdrantSparseVector: map[string]any{}}
	}
	writeResult(w, map[string]any{
		"status":       "green",
		"points_count": info.PointsCount,
		"config":       map[string]any{"params": params},
	})
}

func (f *fakeQdrant) exists(w http.ResponseWriter, r *http.Request) {
	ok, _ := f.backend.CollectionExists(r.Context(), r.PathValue("name"))
	writeResult(w, map[string]bool{"exists": ok})
}

func (f *fakeQdrant) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vectors       map[string]qdrantVectorParams `json:"vectors"`
		SparseVectors map[string]json.RawMessage    `json:"sparse_vectors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	dense := body.Vectors[qdrantDenseVector]
	_, sparse := body.SparseVectors[qdrantSparseVector]
	spec := CollectionSpec{Dimension: dense.Size, Distance: parseQdrantDistance(dense.Distance), Sparse: sparse}
	if err := f.backend.CreateCollection(r.Context(), r.PathValue("name"), spec); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, true)
}

func (f *fakeQdrant) drop(w http.ResponseWriter, r *http.Request) {
	_ = f.backend.DeleteCollection(r.Context(), r.PathValue("name"))
	writeResult(w, true)
}

func (f *fakeQdrant) upsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Points []qdrantPoint `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	points := make([]types.Point, len(body.Points))
	for i, qp := range body.Points {
		points[i] = fromQdrantPoint(qp, true)
	}
	res, err := f.backend.UpsertPoints(r.Context(), r.PathValue("name"), points)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]string{"status": "completed"})
}

func (f *fakeQdrant) points(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Points         []json.RawMessage `json:"points"`
		Filter         *qdrantFilter     `json:"filter"`
		Limit          int               `json:"limit"`
		Offset         json.RawMessage   `json:"offset"`
		WithVector     bool              `json:"with_vector"`
		ScoreThreshold *float64          `json:"score_threshold"`
		Vector         struct {
			Name   string          `json:"name"`
			Vector json.RawMessage `json:"vector"`
		} `json:"vector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	filter := fromQdrantFilter(body.Filter)

	switch r.PathValue("op") {
	case "delete":
		sel := Selector{Filter: filter}
		for _, raw := range body.Points {
			sel.IDs = append(sel.IDs, decodeID(raw))
		}
		if err := f.backend.DeletePoints(r.Context(), name, sel); err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, map[string]string{"status": "completed"})

	case "search":
		q := SearchQuery{Limit: body.Limit, Filter: filter, ScoreThreshold: body.ScoreThreshold, WithVectors: body.WithVector}
		if body.Vector.Name == qdrantDenseVector {
			_ = json.Unmarshal(body.Vector.Vector, &q.Vector)
		} else {
			q.Sparse = &types.SparseVector{}
			_ = json.Unmarshal(body.Vector.Vector, q.Sparse)
		}
		hits, err := f.backend.Search(r.Context(), name, q)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]qdrantPoint, 0, len(hits))
		for _, h := range hits {
			out = append(out, toWire(h.Point, h.Score, body.WithVector))
		}
		writeResult(w, out)

	case "scroll":
		req := ScrollRequest{Limit: body.Limit, Filter: filter, WithVectors: body.WithVector}
		if len(body.Offset) > 0 {
			req.Offset = decodeID(body.Offset)
		}
		page, err := f.backend.Scroll(r.Context(), name, req)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]qdrantPoint, 0, len(page.Points))
		for _, p := range page.Points {
			out = append(out, toWire(p, 0, body.WithVector))
		}
		var next any
		if page.NextOffset != "" {
			next = page.NextOffset
		}
		writeResult(w, map[string]any{"points": out, "next_page_offset": next})

	case "count":
		n, err := f.backend.Count(r.Context(), name, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, map[string]int64{"count": n})

	default:
		http.NotFound(w, r)
	}
}

func TestQdrantStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) VectorStore {
		_, srv := newFakeQdrant(t)
		s := NewQdrantStore(QdrantConfig{URL: srv.URL}, logging.Discard())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestQdrantSendsAPIKeyAndWaits(t *testing.T) {
	fake, srv := newFakeQdrant(t)
	s := NewQdrantStore(QdrantConfig{URL: srv.URL + "/", APIKey: "secret"}, logging.Discard())
	seed(t, s)

	require.NoError(t, s.DeletePoints(context.Background(), testCollection, ByFile("a.go")))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, k := range fake.apiKeys {
		assert.Equal(t, "secret", k)
	}
	var writes int
	for _, q := range fake.queries {
		if strings.HasPrefix(q, "PUT /collections/"+testCollection+"/points") ||
			strings.HasPrefix(q, "POST /collections/"+testCollection+"/points/delete") {
			assert.Contains(t, q, "wait=true")
			writes++
		}
	}
	assert.Equal(t, 2, writes)
}

func TestQdrantUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewQdrantStore(QdrantConfig{URL: url, Timeout: time.Second}, logging.Discard())
	assert.False(t, s.HealthCheck(context.Background()))

	_, err := s.CollectionExists(context.Background(), testCollection)
	assert.ErrorIs(t, err, types.ErrStoreConnection)
}

func TestQdrantCancelledContext(t *testing.T) {
	_, srv := newFakeQdrant(t)
	s := NewQdrantStore(QdrantConfig{URL: srv.URL}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ListCollections(ctx)
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestQdrantIDEncoding(t *testing.T) {
	assert.Equal(t, "42", string(encodeID("42")))
	assert.Equal(t, `"a-b"`, string(encodeID("a-b")))
	assert.Equal(t, "42", decodeID(json.RawMessage("42")))
	assert.Equal(t, "a-b", decodeID(json.RawMessage(`"a-b"`)))
}
