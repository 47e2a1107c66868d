package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size         int           // number of sessions and semaphore permits; required
	BatchSize    int           // chunks per EmbedBatch call in ProcessChunks
	BatchTimeout time.Duration // per-batch deadline; zero disables it
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Sessions   int
	InUse      int
	Dimension  int
	Reconnects int64
	Connected  bool
}

// Pool holds a fixed number of sessions and serves batch embedding requests.
// Callers are gated by a weighted semaphore with one permit per session and
// sessions are chosen round-robin.
type Pool struct {
	factory SessionFactory
	opts    PoolOptions
	logger  *slog.Logger

	sem  *semaphore.Weighted
	next atomic.Uint64

	mu       sync.RWMutex
	sessions []Session
	dim      int
	closed   bool

	reconnectMu sync.Mutex
	generation  atomic.Uint64
	reconnects  atomic.Int64
	connected   atomic.Bool
	inUse       atomic.Int64
}

// NewPool creates opts.Size sessions from factory. All sessions must report
// the same dimension.
func NewPool(factory SessionFactory, opts PoolOptions, logger *slog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil session factory", types.ErrSessionInit)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", types.ErrConfig, opts.Size)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}

	sessions, dim, err := createSessions(factory, opts.Size, 0)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		factory:  factory,
		opts:     opts,
		logger:   logging.OrDefault(logger),
		sem:      semaphore.NewWeighted(int64(opts.Size)),
		sessions: sessions,
		dim:      dim,
	}
	p.connected.Store(true)
	p.logger.Info("embedder.pool_ready", "sessions", opts.Size, "dimension", dim)
	return p, nil
}

// createSessions builds n sessions. When want is non-zero every session must
// have that dimension.
func createSessions(factory SessionFactory, n, want int) ([]Session, int, error) {
	sessions := make([]Session, 0, n)
	fail := func(err error) ([]Session, int, error) {
		for _, s := range sessions {
			_ = s.Close()
		}
		if errors.Is(err, types.ErrSessionInit) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", types.ErrSessionInit, err)
	}
	dim := want
	for i := 0; i < n; i++ {
		s, err := factory()
		if err != nil {
			return fail(err)
		}
		sessions = append(sessions, s)
		switch d := s.Dimension(); {
		case d <= 0:
			return fail(fmt.Errorf("session reported dimension %d", d))
		case dim == 0:
			dim = d
		case d != dim:
			return fail(fmt.Errorf("session dimension %d does not match %d", d, dim))
		}
	}
	return sessions, dim, nil
}

// Dimension returns the vector length, constant for the life of the pool.
func (p *Pool) Dimension() int {
	return p.dim
}

// EmbedBatch embeds texts on one session. On an inference error the pool
// reconnects and retries once.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := types.ContextError(ctx); err != nil {
		return nil, err
	}

	gen := p.generation.Load()
	vectors, err := p.embedOnce(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if cerr := types.ContextError(ctx); cerr != nil {
		return nil, cerr
	}
	if errors.Is(err, types.ErrSessionInit) {
		return nil, err
	}

	p.logger.Warn("embedder.inference_failed", "error", err, "texts", len(texts))
	if rerr := p.reconnect(ctx, gen); rerr != nil {
		return nil, rerr
	}

	vectors, err = p.embedOnce(ctx, texts)
	if err != nil {
		if cerr := types.ContextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransientInference, err)
	}
	return vectors, nil
}

func (p *Pool) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, types.ContextError(ctx)
	}
	defer p.sem.Release(1)
	p.inUse.Add(1)
	defer p.inUse.Add(-1)

	s, err := p.pick()
	if err != nil {
		return nil, err
	}

	bctx := ctx
	if p.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, p.opts.BatchTimeout)
		defer cancel()
	}

	vectors, err := s.EmbedBatch(bctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("session returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != p.dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), p.dim)
		}
	}
	return vectors, nil
}

func (p *Pool) pick() (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("%w: pool closed", types.ErrSessionInit)
	}
	idx := (p.next.Add(1) - 1) % uint64(len(p.sessions))
	return p.sessions[idx], nil
}

// reconnect recreates every session while holding all permits. A caller that
// observed an older generation skips the work when another caller already
// reconnected.
func (p *Pool) reconnect(ctx context.Context, gen uint64) error {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	if p.generation.Load() != gen {
		return nil
	}

	p.connected.Store(false)
	n := int64(p.opts.Size)
	if err := p.sem.Acquire(ctx, n); err != nil {
		return types.ContextError(ctx)
	}
	defer p.sem.Release(n)

	fresh, _, err := createSessions(p.factory, p.opts.Size, p.dim)
	if err != nil {
		p.logger.Error("embedder.reconnect_failed", "error", err)
		return err
	}

	p.mu.Lock()
	old := p.sessions
	p.sessions = fresh
	p.mu.Unlock()
	for _, s := range old {
		_ = s.Close()
	}

	p.generation.Add(1)
	p.reconnects.Add(1)
	p.connected.Store(true)
	p.logger.Info("embedder.reconnected", "sessions", len(fresh))
	return nil
}

// ProcessChunks embeds chunks in batches of BatchSize and pairs each vector
// with its source chunk, preserving order.
func (p *Pool) ProcessChunks(ctx context.Context, chunks []types.ProcessedChunk) ([]types.EmbeddedChunk, error) {
	return EmbedChunks(ctx, p, chunks, p.opts.BatchSize, nil)
}

// BatchEmbedder embeds a batch of texts, one vector per text.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedChunks embeds chunks through e in batches of batchSize and pairs each
// vector with its source chunk, preserving order. Every chunk of a batch is
// stamped with the time its batch returned. onBatch, when set, receives the
// number of chunks embedded so far.
func EmbedChunks(ctx context.Context, e BatchEmbedder, chunks []types.ProcessedChunk, batchSize int, onBatch func(done int)) ([]types.EmbeddedChunk, error) {
	if batchSize <= 0 {
		batchSize = max(len(chunks), 1)
	}
	out := make([]types.EmbeddedChunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Chunk.Content
		}
		vectors, err := e.EmbedBatch(ctx, texts)
		if err != nil {
			return out, fmt.Errorf("embed batch of %d chunks: %w", len(batch), err)
		}
		if len(vectors) != len(batch) {
			return out, fmt.Errorf("%w: %d vectors for %d chunks", types.ErrTransientInference, len(vectors), len(batch))
		}
		now := time.Now().UTC()
		for i, c := range batch {
			out = append(out, types.EmbeddedChunk{Chunk: c, Vector: vectors[i], EmbeddedAt: now})
		}
		if onBatch != nil {
			onBatch(end)
		}
	}
	return out, nil
}

// BatchSize returns the configured chunks-per-batch.
func (p *Pool) BatchSize() int {
	return p.opts.BatchSize
}

// Stats reports pool occupancy and reconnect history.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	n := len(p.sessions)
	p.mu.RUnlock()
	return Stats{
		Sessions:   n,
		InUse:      int(p.inUse.Load()),
		Dimension:  p.dim,
		Reconnects: p.reconnects.Load(),
		Connected:  p.connected.Load(),
	}
}

// Close releases every session. Further calls fail with ErrSessionInit.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, s := range p.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
