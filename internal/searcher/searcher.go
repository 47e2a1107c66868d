package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/embedder"
	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// SearchMode defines which subscores contribute to the final score
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Dense + lexical with adaptive weights
	SearchModeVector  SearchMode = "vector"  // Dense similarity only
	SearchModeKeyword SearchMode = "keyword" // Lexical only
)

// ParseMode accepts the mode names used by callers. Empty means hybrid.
func ParseMode(s string) (SearchMode, error) {
	switch m := SearchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SearchModeHybrid, nil
	case SearchModeHybrid, SearchModeVector, SearchModeKeyword:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported search mode: %s", s)
	}
}

const (
	// candidateFactor sizes the per-collection candidate pool relative to the limit.
	candidateFactor = 3

	MaxLimit         = 100
	DefaultLimit     = 10
	DefaultCacheSize = 1000

	queryVectorModel = "query"
)

var (
	ErrEmptyQuery    = errors.New("query cannot be empty")
	ErrNoCollections = errors.New("no collections to search")
)

// Embedder turns query text into dense vectors. *embedder.Pool satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Filters narrow a search by payload. Values inside one field are alternatives.
type Filters struct {
	Languages    []string `json:"languages,omitempty"`
	ElementTypes []string `json:"element_types,omitempty"`
	FilePaths    []string `json:"file_paths,omitempty"`
	Extensions   []string `json:"extensions,omitempty"`
	MinScore     float64  `json:"min_score,omitempty"`
}

func (f *Filters) storeFilter() *storage.Filter {
	if f == nil {
		return nil
	}
	var out *storage.Filter
	add := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		anys := make([]any, len(values))
		for i, v := range values {
			anys[i] = v
		}
		out = out.And(key, anys...)
	}
	add(types.PayloadLanguage, f.Languages)
	add(types.PayloadElementType, f.ElementTypes)
	add(types.PayloadFilePath, f.FilePaths)
	exts := make([]string, len(f.Extensions))
	for i, e := range f.Extensions {
		exts[i] = strings.TrimPrefix(strings.ToLower(e), ".")
	}
	add(types.PayloadExtension, exts)
	return out
}

func (f *Filters) minScore() float64 {
	if f == nil {
		return 0
	}
	return f.MinScore
}

// Request contains parameters for a search operation
type Request struct {
	Query       string
	Collections []string
	Limit       int
	Mode        SearchMode
	Filters     *Filters
	Weights     *Weights // nil uses the configured defaults
	UseCache    bool
}

// Response contains search results and metadata
type Response struct {
	Results           []types.SearchResult
	TotalResults      int
	Mode              SearchMode
	Analysis          Analysis
	Weights           Weights
	Duration          time.Duration
	CacheHit          bool
	DenseCandidates   int
	LexicalCandidates int
}

func (r *Response) clone() *Response {
	out := *r
	out.Results = append([]types.SearchResult(nil), r.Results...)
	out.Analysis.Terms = append([]string(nil), r.Analysis.Terms...)
	out.Analysis.Languages = append([]string(nil), r.Analysis.Languages...)
	return &out
}

// Config holds search defaults.
type Config struct {
	Weights      Weights
	DefaultLimit int
	CacheSize    int
	CacheTTL     time.Duration // zero keeps entries until evicted or invalidated
	QueryTimeout time.Duration
}

// ConfigFromApp maps the application config onto search defaults.
func ConfigFromApp(cfg *config.AppConfig) Config {
	return Config{
		Weights:      Weights{Dense: cfg.Search.DenseWeight, Lexical: cfg.Search.LexicalWeight},
		DefaultLimit: cfg.Search.DefaultLimit,
		CacheSize:    DefaultCacheSize,
		CacheTTL:     time.Duration(cfg.Search.CacheTTLSecs) * time.Second,
		QueryTimeout: time.Duration(cfg.Timeouts.QuerySecs) * time.Second,
	}
}

type cacheEntry struct {
	response    *Response
	collections []string
}

// Searcher runs hybrid queries against one or more collections. It is safe
// for concurrent use.
type Searcher struct {
	store    storage.VectorStore
	embedder Embedder
	cfg      Config
	logger   *slog.Logger

	cache        *expirable.LRU[[32]byte, *cacheEntry]
	queryVectors *embedder.Cache
}

// New creates a Searcher. emb may be nil when only keyword search is used.
func New(store storage.VectorStore, emb Embedder, cfg Config, logger *slog.Logger) *Searcher {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Weights.Dense == 0 && cfg.Weights.Lexical == 0 {
		cfg.Weights = Weights{Dense: config.DefaultDenseWeight, Lexical: config.DefaultLexicalWeight}
	}
	return &Searcher{
		store:        store,
		embedder:     emb,
		cfg:          cfg,
		logger:       logging.OrDefault(logger),
		cache:        expirable.NewLRU[[32]byte, *cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		queryVectors: embedder.NewCache(cfg.CacheSize),
	}
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	key := computeQueryHash(req)
	if req.UseCache {
		if entry, ok := s.cache.Get(key); ok {
			resp := entry.response.clone()
			resp.CacheHit = true
			resp.Duration = time.Since(start)
			s.logger.Debug("searcher.cache_hit", slog.String("query", req.Query))
			return resp, nil
		}
	}

	analysis := Analyze(req.Query)
	weights := s.weightsFor(req, analysis)

	infos := make([]*storage.CollectionInfo, len(req.Collections))
	lexicalAvailable := false
	for i, name := range req.Collections {
		info, err := s.store.GetCollectionInfo(ctx, name)
		if err != nil {
			return nil, s.queryError(ctx, err)
		}
		infos[i] = info
		lexicalAvailable = lexicalAvailable || info.Sparse
	}

	var vector []float32
	if req.Mode != SearchModeKeyword || !allSparse(infos) {
		v, err := s.embedQuery(ctx, req.Query)
		if err != nil {
			return nil, s.queryError(ctx, err)
		}
		vector = v
	}

	pools := make([]*candidatePool, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	for i, info := range infos {
		g.Go(func() error {
			p, err := s.searchCollection(gctx, info, req, vector)
			pools[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.queryError(ctx, err)
	}

	resp := &Response{Mode: req.Mode, Analysis: analysis, Weights: weights}
	var scored []*candidate
	for _, p := range pools {
		resp.DenseCandidates += p.denseHits
		resp.LexicalCandidates += p.lexicalHits
		for _, c := range p.byID {
			c.score = p.combine(c, weights)
			c.pathBoost = PathRelevance(c.point.String(types.PayloadFilePath), analysis)
			c.score *= 1 + c.pathBoost
			if c.score >= req.Filters.minScore() {
				scored = append(scored, c)
			}
		}
	}
	sortCandidates(scored)
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}

	resp.Results = make([]types.SearchResult, len(scored))
	for i, c := range scored {
		resp.Results[i] = c.result(i + 1)
	}
	resp.TotalResults = len(resp.Results)
	resp.Duration = time.Since(start)

	if !lexicalAvailable && req.Mode == SearchModeHybrid {
		s.logger.Debug("searcher.lexical_unavailable", slog.Any("collections", req.Collections))
	}
	s.logger.Debug("searcher.query",
		slog.String("query", req.Query),
		slog.String("mode", string(req.Mode)),
		slog.String("type", string(analysis.Type)),
		slog.Float64("dense_weight", weights.Dense),
		slog.Float64("lexical_weight", weights.Lexical),
		slog.Int("results", resp.TotalResults),
		slog.Duration("duration", resp.Duration))

	if req.UseCache && len(resp.Results) > 0 {
		s.cache.Add(key, &cacheEntry{response: resp.clone(), collections: append([]string(nil), req.Collections...)})
	}
	return resp, nil
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}
	if len(req.Collections) == 0 {
		return ErrNoCollections
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return err
	}
	req.Mode = mode
	if req.Mode != SearchModeKeyword && s.embedder == nil {
		return fmt.Errorf("embedder not initialized")
	}
	return nil
}

func (s *Searcher) weightsFor(req Request, a Analysis) Weights {
	switch req.Mode {
	case SearchModeVector:
		return Weights{Dense: 1}
	case SearchModeKeyword:
		return Weights{Lexical: 1}
	}
	base := s.cfg.Weights
	if req.Weights != nil {
		base = *req.Weights
	}
	return AdaptWeights(a, base)
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("embedder not initialized")
	}
	hash := embedder.ComputeHash(queryVectorModel, query)
	if v, ok := s.queryVectors.Get(hash); ok {
		return v, nil
	}
	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no query vector", types.ErrTransientInference)
	}
	s.queryVectors.Set(hash, vectors[0])
	return vectors[0], nil
}

// queryError prefers the lifecycle error when the query context is done.
func (s *Searcher) queryError(ctx context.Context, err error) error {
	if ctxErr := types.ContextError(ctx); ctxErr != nil {
		return ctxErr
	}
	return err
}

func allSparse(infos []*storage.CollectionInfo) bool {
	for _, info := range infos {
		if !info.Sparse {
			return false
		}
	}
	return true
}

type candidate struct {
	collection string
	point      types.Point
	dense      float64
	lexical    float64
	score      float64
	pathBoost  float64
}

func (c *candidate) result(rank int) types.SearchResult {
	p := &c.point
	return types.SearchResult{
		ID:           p.ID,
		Collection:   c.collection,
		Rank:         rank,
		Score:        c.score,
		DenseScore:   c.dense,
		LexicalScore: c.lexical,
		PathBoost:    c.pathBoost,
		Repository:   p.String(types.PayloadRepository),
		Branch:       p.String(types.PayloadBranch),
		FilePath:     p.String(types.PayloadFilePath),
		StartLine:    p.Int(types.PayloadStartLine),
		EndLine:      p.Int(types.PayloadEndLine),
		ElementType:  p.String(types.PayloadElementType),
		ElementName:  p.String(types.PayloadElementName),
		Language:     p.String(types.PayloadLanguage),
		Commit:       p.String(types.PayloadCommit),
		Content:      p.String(types.PayloadContent),
	}
}

// candidatePool holds the hits of one collection and which subscores it has.
type candidatePool struct {
	byID        map[string]*candidate
	useDense    bool
	useLexical  bool
	denseHits   int
	lexicalHits int
}

// combine mixes the subscores of c. A subscore the collection cannot provide
// hands its weight to the other one.
func (p *candidatePool) combine(c *candidate, w Weights) float64 {
	switch {
	case p.useDense && p.useLexical:
		return w.Dense*c.dense + w.Lexical*c.lexical
	case p.useDense:
		return c.dense
	default:
		return c.lexical
	}
}

func (p *candidatePool) get(collection string, pt types.Point) *candidate {
	if c, ok := p.byID[pt.ID]; ok {
		return c
	}
	c := &candidate{collection: collection, point: pt}
	p.byID[pt.ID] = c
	return c
}

func (s *Searcher) searchCollection(ctx context.Context, info *storage.CollectionInfo, req Request, vector []float32) (*candidatePool, error) {
	p := &candidatePool{
		byID:       make(map[string]*candidate),
		useDense:   vector != nil && (req.Mode != SearchModeKeyword || !info.Sparse),
		useLexical: info.Sparse && req.Mode != SearchModeVector,
	}
	limit := req.Limit * candidateFactor
	filter := req.Filters.storeFilter()

	if p.useDense {
		hits, err := s.store.Search(ctx, info.Name, storage.SearchQuery{Vector: vector, Limit: limit, Filter: filter})
		if err != nil {
			return nil, fmt.Errorf("dense search %s: %w", info.Name, err)
		}
		p.denseHits = len(hits)
		for _, h := range hits {
			p.get(info.Name, h.Point).dense = normalizeDense(info.Distance, h.Score)
		}
	}

	if p.useLexical {
		hits, err := s.store.Search(ctx, info.Name, storage.SearchQuery{
			Text:   req.Query,
			Sparse: lexical.Encode(req.Query),
			Limit:  limit,
			Filter: filter,
		})
		if err != nil {
			return nil, fmt.Errorf("lexical search %s: %w", info.Name, err)
		}
		p.lexicalHits = len(hits)
		for _, h := range hits {
			p.get(info.Name, h.Point)
		}
		rescoreLexical(p.byID, req.Query)
	}
	return p, nil
}

// rescoreLexical scores every candidate with BM25 over the candidate set and
// scales the best to 1.
func rescoreLexical(byID map[string]*candidate, query string) {
	docs := make([]lexical.Document, 0, len(byID))
	for id, c := range byID {
		docs = append(docs, lexical.Document{ID: id, Text: c.point.String(types.PayloadContent)})
	}
	scores := lexical.Normalize(lexical.NewBM25(docs).Scores(query))
	for id, c := range byID {
		c.lexical = scores[id]
	}
}

// normalizeDense maps a store score into [0, 1]. Cosine and dot lie in
// [-1, 1] for unit vectors; distance metrics already arrive as 1/(1+d).
func normalizeDense(d storage.Distance, score float64) float64 {
	switch d {
	case storage.DistanceEuclid, storage.DistanceManhattan:
		return clamp01(score)
	default:
		return clamp01((score + 1) / 2)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// sortCandidates sorts by score descending, ties by collection then ID.
func sortCandidates(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if cs[i].collection != cs[j].collection {
			return cs[i].collection < cs[j].collection
		}
		return cs[i].point.ID < cs[j].point.ID
	})
}

// computeQueryHash computes a unique hash for a search request
func computeQueryHash(req Request) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	fmt.Fprintf(&data, "|%d|", req.Limit)

	cols := append([]string(nil), req.Collections...)
	sort.Strings(cols)
	data.WriteString(strings.Join(cols, ","))

	if req.Weights != nil {
		fmt.Fprintf(&data, "|w:%.4f,%.4f", req.Weights.Dense, req.Weights.Lexical)
	}
	if f := req.Filters; f != nil {
		data.WriteString("|filters:")
		for _, part := range [][]string{f.Languages, f.ElementTypes, f.FilePaths, f.Extensions} {
			sorted := append([]string(nil), part...)
			sort.Strings(sorted)
			data.WriteString(strings.Join(sorted, ","))
			data.WriteString("|")
		}
		fmt.Fprintf(&data, "%.4f", f.MinScore)
	}

	return sha256.Sum256([]byte(data.String()))
}

// InvalidateCache drops cached responses that touched any of collections,
// or every response when none are given. It returns the number removed.
func (s *Searcher) InvalidateCache(collections ...string) int {
	if len(collections) == 0 {
		n := s.cache.Len()
		s.cache.Purge()
		s.queryVectors.Clear()
		return n
	}
	drop := make(map[string]bool, len(collections))
	for _, c := range collections {
		drop[c] = true
	}
	removed := 0
	for _, key := range s.cache.Keys() {
		entry, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		for _, c := range entry.collections {
			if drop[c] {
				if s.cache.Remove(key) {
					removed++
				}
				break
			}
		}
	}
	return removed
}

// CacheLen reports the number of cached responses.
func (s *Searcher) CacheLen() int {
	return s.cache.Len()
}
