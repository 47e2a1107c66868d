package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const (
	// Named vectors of every collection.
	qdrantDenseVector  = "dense"
	qdrantSparseVector = "text"

	qdrantUpsertBatch    = 256
	defaultQdrantTimeout = 15 * time.Second
)

// QdrantConfig holds connection details for a Qdrant server.
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// QdrantStore is a REST client to Qdrant. Every collection carries a named
// dense vector and, when sparse is enabled, a named sparse vector. Writes
// use wait=true so they are visible when the call returns.
type QdrantStore struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger

	specs sync.Map // collection name -> CollectionSpec
}

// NewQdrantStore creates a client. No request is made until first use.
func NewQdrantStore(cfg QdrantConfig, logger *slog.Logger) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultQdrantTimeout
	}
	return &QdrantStore{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
		logger: logging.OrDefault(logger),
	}
}

// Wire types

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Vector  json.RawMessage `json:"vector,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
	Score   float64         `json:"score,omitempty"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must,omitempty"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantMatch struct {
	Value any   `json:"value,omitempty"`
	Any   []any `json:"any,omitempty"`
}

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type qdrantNamedVector struct {
	Name   string `json:"name"`
	Vector any    `json:"vector"`
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

func toQdrantFilter(f *Filter) *qdrantFilter {
	if f.Empty() {
		return nil
	}
	out := &qdrantFilter{Must: make([]qdrantCondition, 0, len(f.Must))}
	for _, c := range f.Must {
		cond := qdrantCondition{Key: c.Key}
		if len(c.Values) == 1 {
			cond.Match.Value = c.Values[0]
		} else {
			cond.Match.Any = append([]any{}, c.Values...)
		}
		out.Must = append(out.Must, cond)
	}
	return out
}

func qdrantDistance(d Distance) string {
	switch d {
	case DistanceEuclid:
		return "Euclid"
	case DistanceDot:
		return "Dot"
	case DistanceManhattan:
		return "Manhattan"
	default:
		return "Cosine"
	}
}

func parseQdrantDistance(s string) Distance {
	switch strings.ToLower(s) {
	case "euclid":
		return DistanceEuclid
	case "dot":
		return DistanceDot
	case "manhattan":
		return DistanceManhattan
	default:
		return DistanceCosine
	}
}

func qdrantCollectionStatus(s string) CollectionStatus {
	switch s {
	case "green":
		return StatusReady
	case "red":
		return StatusError
	default:
		return StatusPending
	}
}

// encodeID renders a point id: numeric ids as JSON numbers, everything else as strings.
func encodeID(id string) json.RawMessage {
	numeric := id != ""
	for _, r := range id {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return json.RawMessage(id)
	}
	b, _ := json.Marshal(id)
	return b
}

func decodeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func encodeVectors(p types.Point, sparse bool) json.RawMessage {
	vectors := map[string]any{qdrantDenseVector: p.Vector}
	if sparse && p.Sparse.Len() > 0 {
		vectors[qdrantSparseVector] = p.Sparse
	}
	b, _ := json.Marshal(vectors)
	return b
}

func decodeVectors(raw json.RawMessage) ([]float32, *types.SparseVector) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err != nil {
		var dense []float32
		_ = json.Unmarshal(raw, &dense)
		return dense, nil
	}
	var dense []float32
	var sparse *types.SparseVector
	if d, ok := named[qdrantDenseVector]; ok {
		_ = json.Unmarshal(d, &dense)
	}
	if s, ok := named[qdrantSparseVector]; ok {
		sparse = &types.SparseVector{}
		if err := json.Unmarshal(s, sparse); err != nil {
			sparse = nil
		}
	}
	return dense, sparse
}

func fromQdrantPoint(qp qdrantPoint, withVectors bool) types.Point {
	p := types.Point{ID: decodeID(qp.ID), Payload: qp.Payload}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if withVectors {
		p.Vector, p.Sparse = decodeVectors(qp.Vector)
	}
	return p
}

// do sends one request and decodes the result field of the response envelope into out.
func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: encode request: %v", types.ErrStoreOperation, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStoreOperation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if cerr := types.ContextError(ctx); cerr != nil {
			return 0, cerr
		}
		return 0, fmt.Errorf("%w: qdrant %s %s: %v", types.ErrStoreConnection, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", types.ErrStoreConnection, err)
	}

	if resp.StatusCode >= 300 {
		msg := qdrantErrorMessage(data, resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, fmt.Errorf("%w: qdrant %s %s: %s", types.ErrCollectionNotFound, method, path, msg)
		}
		return resp.StatusCode, fmt.Errorf("%w: qdrant %s %s failed: %s", types.ErrStoreOperation, method, path, msg)
	}

	if out != nil {
		var env qdrantEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %v", types.ErrStoreOperation, err)
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode result: %v", types.ErrStoreOperation, err)
		}
	}
	return resp.StatusCode, nil
}

func qdrantErrorMessage(data []byte, fallback string) string {
	var env struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if err := json.Unmarshal(data, &env); err == nil && env.Status.Error != "" {
		return env.Status.Error
	}
	return fallback
}

func collectionPath(name string, parts ...string) string {
	p := "/collections/" + url.PathEscape(name)
	if len(parts) > 0 {
		p += "/" + strings.Join(parts, "/")
	}
	return p
}

func (s *QdrantStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	_, err := s.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		s.logger.Debug("storage.qdrant_unhealthy", "url", s.url, "error", err)
	}
	return err == nil
}

// Collection operations

func (s *QdrantStore) CreateCollection(ctx context.Context, name string, spec CollectionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	spec.Distance, _ = ParseDistance(string(spec.Distance))

	info, err := s.GetCollectionInfo(ctx, name)
	if err == nil {
		return spec.conflicts(info.Spec())
	}
	if !errors.Is(err, types.ErrCollectionNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]qdrantVectorParams{
			qdrantDenseVector: {Size: spec.Dimension, Distance: qdrantDistance(spec.Distance)},
		},
	}
	if spec.Sparse {
		body["sparse_vectors"] = map[string]any{qdrantSparseVector: map[string]any{}}
	}
	if _, err := s.do(ctx, http.MethodPut, collectionPath(name), body, nil); err != nil {
		// A concurrent creator may have won; compare against what exists now
		info, ierr := s.GetCollectionInfo(ctx, name)
		if ierr != nil {
			return err
		}
		return spec.conflicts(info.Spec())
	}
	s.specs.Store(name, spec)
	s.logger.Info("storage.collection_created", "collection", name, "dimension", spec.Dimension,
		"distance", spec.Distance, "sparse", spec.Sparse)
	return nil
}

func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var r struct {
		Exists bool `json:"exists"`
	}
	if _, err := s.do(ctx, http.MethodGet, collectionPath(name, "exists"), nil, &r); err != nil {
		return false, err
	}
	return r.Exists, nil
}

func (s *QdrantStore) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	var r struct {
		Status      string `json:"status"`
		PointsCount *int64 `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors       json.RawMessage            `json:"vectors"`
				SparseVectors map[string]json.RawMessage `json:"sparse_vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if _, err := s.do(ctx, http.MethodGet, collectionPath(name), nil, &r); err != nil {
		if errors.Is(err, types.ErrCollectionNotFound) {
			s.specs.Delete(name)
		}
		return nil, err
	}

	info := &CollectionInfo{Name: name, Status: qdrantCollectionStatus(r.Status)}
	var named map[string]qdrantVectorParams
	if err := json.Unmarshal(r.Config.Params.Vectors, &named); err == nil && named[qdrantDenseVector].Size > 0 {
		info.Dimension = named[qdrantDenseVector].Size
		info.Distance = parseQdrantDistance(named[qdrantDenseVector].Distance)
	} else {
		var single qdrantVectorParams
		if err := json.Unmarshal(r.Config.Params.Vectors, &single); err == nil {
			info.Dimension = single.Size
			info.Distance = parseQdrantDistance(single.Distance)
		}
	}
	_, info.Sparse = r.Config.Params.SparseVectors[qdrantSparseVector]

	if r.PointsCount != nil {
		info.PointsCount = *r.PointsCount
	} else {
		n, err := s.Count(ctx, name, nil)
		if err != nil {
			return nil, err
		}
		info.PointsCount = n
	}
	s.specs.Store(name, info.Spec())
	return info, nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	s.specs.Delete(name)
	_, err := s.do(ctx, http.MethodDelete, collectionPath(name), nil, nil)
	if errors.Is(err, types.ErrCollectionNotFound) {
		return nil
	}
	return err
}

func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var r struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	}
	if _, err := s.do(ctx, http.MethodGet, "/collections", nil, &r); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.Collections))
	for _, c := range r.Collections {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names, nil
}

// spec returns the cached schema of a collection, fetching it on a miss.
func (s *QdrantStore) spec(ctx context.Context, name string) (CollectionSpec, error) {
	if v, ok := s.specs.Load(name); ok {
		return v.(CollectionSpec), nil
	}
	info, err := s.GetCollectionInfo(ctx, name)
	if err != nil {
		return CollectionSpec{}, err
	}
	return info.Spec(), nil
}

// Point operations

func (s *QdrantStore) UpsertPoints(ctx context.Context, name string, points []types.Point) (*UpsertResult, error) {
	spec, err := s.spec(ctx, name)
	if err != nil {
		return nil, err
	}

	res := &UpsertResult{}
	valid := make([]types.Point, 0, len(points))
	for _, p := range points {
		if err := checkPoint(p, spec); err != nil {
			res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: err})
			continue
		}
		valid = append(valid, p)
	}

	path := collectionPath(name, "points") + "?wait=true"
	for start := 0; start < len(valid); start += qdrantUpsertBatch {
		batch := valid[start:min(start+qdrantUpsertBatch, len(valid))]
		wire := make([]qdrantPoint, len(batch))
		for i, p := range batch {
			wire[i] = qdrantPoint{ID: encodeID(p.ID), Vector: encodeVectors(p, spec.Sparse), Payload: p.Payload}
		}
		_, err := s.do(ctx, http.MethodPut, path, map[string]any{"points": wire}, nil)
		switch {
		case err == nil:
			res.Upserted += len(batch)
		case errors.Is(err, types.ErrStoreOperation):
			// Qdrant rejects a batch as a whole
			for _, p := range batch {
				res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: err})
			}
		default:
			return nil, err
		}
	}
	return res, nil
}

func (s *QdrantStore) DeletePoints(ctx context.Context, name string, sel Selector) error {
	if err := sel.validate(); err != nil {
		return err
	}
	body := map[string]any{}
	if len(sel.IDs) > 0 {
		ids := make([]json.RawMessage, len(sel.IDs))
		for i, id := range sel.IDs {
			ids[i] = encodeID(id)
		}
		body["points"] = ids
	} else {
		body["filter"] = toQdrantFilter(sel.Filter)
	}
	_, err := s.do(ctx, http.MethodPost, collectionPath(name, "points", "delete")+"?wait=true", body, nil)
	return err
}

func (s *QdrantStore) Search(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	spec, err := s.spec(ctx, name)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"limit":        q.Limit,
		"with_payload": true,
		"with_vector":  q.WithVectors,
	}
	if f := toQdrantFilter(q.Filter); f != nil {
		body["filter"] = f
	}

	// Qdrant reports raw distances for euclid and manhattan; those are
	// converted and thresholded client-side.
	distanceMetric := false
	if q.Dense() {
		body["vector"] = qdrantNamedVector{Name: qdrantDenseVector, Vector: q.Vector}
		distanceMetric = spec.Distance == DistanceEuclid || spec.Distance == DistanceManhattan
	} else {
		sparse := q.Sparse
		if sparse.Len() == 0 {
			sparse = lexical.Encode(q.Text)
		}
		if sparse.Len() == 0 {
			return []ScoredPoint{}, nil
		}
		body["vector"] = qdrantNamedVector{Name: qdrantSparseVector, Vector: sparse}
	}
	if q.ScoreThreshold != nil && !distanceMetric {
		body["score_threshold"] = *q.ScoreThreshold
	}

	var result []qdrantPoint
	if _, err := s.do(ctx, http.MethodPost, collectionPath(name, "points", "search"), body, &result); err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, 0, len(result))
	for _, qp := range result {
		score := qp.Score
		if distanceMetric {
			score = 1 / (1 + score)
			if !q.passes(score) {
				continue
			}
		}
		hits = append(hits, ScoredPoint{Point: fromQdrantPoint(qp, q.WithVectors), Score: score})
	}
	sortScored(hits)
	return hits, nil
}

func (s *QdrantStore) Scroll(ctx context.Context, name string, req ScrollRequest) (*ScrollPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultScrollLimit
	}
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  req.WithVectors,
	}
	if req.Offset != "" {
		body["offset"] = encodeID(req.Offset)
	}
	if f := toQdrantFilter(req.Filter); f != nil {
		body["filter"] = f
	}

	var r struct {
		Points         []qdrantPoint   `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	}
	if _, err := s.do(ctx, http.MethodPost, collectionPath(name, "points", "scroll"), body, &r); err != nil {
		return nil, err
	}

	page := &ScrollPage{Points: make([]types.Point, 0, len(r.Points))}
	for _, qp := range r.Points {
		page.Points = append(page.Points, fromQdrantPoint(qp, req.WithVectors))
	}
	if len(r.NextPageOffset) > 0 && string(r.NextPageOffset) != "null" {
		page.NextOffset = decodeID(r.NextPageOffset)
	}
	return page, nil
}

func (s *QdrantStore) Count(ctx context.Context, name string, filter *Filter) (int64, error) {
	body := map[string]any{"exact": true}
	if f := toQdrantFilter(filter); f != nil {
		body["filter"] = f
	}
	var r struct {
		Count int64 `json:"count"`
	}
	if _, err := s.do(ctx, http.MethodPost, collectionPath(name, "points", "count"), body, &r); err != nil {
		return 0, err
	}
	return r.Count, nil
}

func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
