package embedder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/reposearch-mcp/internal/config"
)

// WorkerPools gives each worker its own sub-pool of sessions, for runtimes
// whose sessions cannot be shared between threads. Sub-pools are created on
// first use. Used as an embedder, batches rotate over Workers sub-pools.
type WorkerPools struct {
	factory SessionFactory
	opts    PoolOptions
	logger  *slog.Logger
	workers int
	next    atomic.Uint64

	mu    sync.Mutex
	pools map[int]*Pool
}

// NewWorkerPools prepares sub-pools of sessionsPerWorker sessions each.
func NewWorkerPools(factory SessionFactory, sessionsPerWorker int, opts PoolOptions, logger *slog.Logger) *WorkerPools {
	opts.Size = sessionsPerWorker
	return &WorkerPools{
		factory: factory,
		opts:    opts,
		logger:  logger,
		workers: 1,
		pools:   make(map[int]*Pool),
	}
}

// NewWorkerPoolsFromConfig gives every file processing worker
// sessions_per_thread sessions of its own.
func NewWorkerPoolsFromConfig(cfg *config.AppConfig, logger *slog.Logger) (*WorkerPools, error) {
	factory, err := NewFactory(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	w := NewWorkerPools(factory, cfg.SessionsPerThread, PoolOptionsFromConfig(cfg), logger)
	w.workers = max(cfg.FileProcessingConcurrency, 1)
	return w, nil
}

// EmbedBatch embeds texts on the next sub-pool in rotation.
func (w *WorkerPools) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	worker := int((w.next.Add(1) - 1) % uint64(w.workers))
	p, err := w.For(worker)
	if err != nil {
		return nil, err
	}
	return p.EmbedBatch(ctx, texts)
}

// Dimension returns the vector length of the first sub-pool, creating it if
// needed. It is 0 when the sessions cannot be created.
func (w *WorkerPools) Dimension() int {
	p, err := w.For(0)
	if err != nil {
		return 0
	}
	return p.Dimension()
}

// For returns the sub-pool of worker, creating it if needed.
func (w *WorkerPools) For(worker int) (*Pool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pools[worker]; ok {
		return p, nil
	}
	p, err := NewPool(w.factory, w.opts, w.logger)
	if err != nil {
		return nil, err
	}
	w.pools[worker] = p
	return p, nil
}

// Len returns the number of sub-pools created so far.
func (w *WorkerPools) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pools)
}

// Close closes every sub-pool.
func (w *WorkerPools) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, p := range w.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(w.pools, id)
	}
	return errors.Join(errs...)
}
