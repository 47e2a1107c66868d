package embedder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// fakeSession returns vectors whose first component is the session id.
type fakeSession struct {
	id     int
	dim    int
	fail   *atomic.Int32 // remaining calls that fail
	calls  atomic.Int32
	closed atomic.Bool
	active *atomic.Int32
	peak   *atomic.Int32
	delay  time.Duration
}

func (f *fakeSession) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.active != nil {
		n := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			old := f.peak.Load()
			if n <= old || f.peak.CompareAndSwap(old, n) {
				break
			}
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil && f.fail.Add(-1) >= 0 {
		return nil, errors.New("device lost")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(f.id)
		out[i] = v
	}
	return out, nil
}

func (f *fakeSession) Dimension() int { return f.dim }
func (f *fakeSession) Close() error { f.closed.Store(true); return nil }

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeSession
	fail    atomic.Int32
	failNew atomic.Bool
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	dim     int
}

func (ff *fakeFactory) factory() SessionFactory {
	return func() (Session, error) {
		if ff.failNew.Load() {
			return nil, errors.New("model missing")
		}
		ff.mu.Lock()
		defer ff.mu.Unlock()
		s := &fakeSession{id: len(ff.created), dim: ff.dim, fail: &ff.fail, active: &ff.active, peak: &ff.peak, delay: ff.delay}
		ff.created = append(ff.created, s)
		return s, nil
	}
}

func newFakePool(t *testing.T, ff *fakeFactory, size int) *Pool {
	t.Helper()
	if ff.dim == 0 {
		ff.dim = 4
	}
	p, err := NewPool(ff.factory(), PoolOptions{Size: size, BatchSize: 2}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewPoolValidation(t *testing.T) {
	ff := &fakeFactory{dim: 4}
	_, err := NewPool(ff.factory(), PoolOptions{Size: 0}, logging.Discard())
	assert.ErrorIs(t, err, types.ErrConfig)

	ff.failNew.Store(true)
	_, err = NewPool(ff.factory(), PoolOptions{Size: 2}, logging.Discard())
	assert.ErrorIs(t, err, types.ErrSessionInit)
}

func TestPoolSizeAndRoundRobin(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 3)
	assert.Len(t, ff.created, 3)
	assert.Equal(t, 4, p.Dimension())

	seen := map[float32]bool{}
	for i := 0; i < 3; i++ {
		vecs, err := p.EmbedBatch(context.Background(), []string{"x"})
		require.NoError(t, err)
		seen[vecs[0][0]] = true
	}
	assert.Len(t, seen, 3, "each session used once")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 1)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, int32(0), ff.created[0].calls.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ff := &fakeFactory{delay: 20 * time.Millisecond}
	p := newFakePool(t, ff, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EmbedBatch(context.Background(), []string{"x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, ff.peak.Load(), int32(2))
}

func TestReconnectRetriesOnce(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 2)
	ff.fail.Store(1)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.True(t, stats.Connected)
	assert.Equal(t, 2, stats.Sessions)
	assert.Len(t, ff.created, 4, "all sessions recreated")
	assert.True(t, ff.created[0].closed.Load())
	assert.True(t, ff.created[1].closed.Load())
}

func TestReconnectFailures(t *testing.T) {
	t.Run("second inference failure", func(t *testing.T) {
		ff := &fakeFactory{}
		p := newFakePool(t, ff, 1)
		ff.fail.Store(2)
		_, err := p.EmbedBatch(context.Background(), []string{"a"})
		assert.ErrorIs(t, err, types.ErrTransientInference)
	})

	t.Run("recreation failure", func(t *testing.T) {
		ff := &fakeFactory{}
		p := newFakePool(t, ff, 1)
		ff.fail.Store(1)
		ff.failNew.Store(true)
		_, err := p.EmbedBatch(context.Background(), []string{"a"})
		assert.ErrorIs(t, err, types.ErrSessionInit)
		assert.False(t, p.Stats().Connected)
	})
}

func TestEmbedBatchCancelled(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestProcessChunks(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 1)

	chunks := make([]types.ProcessedChunk, 5)
	for i := range chunks {
		chunks[i] = types.ProcessedChunk{ID: string(rune('a' + i)), Chunk: types.Chunk{Content: "text"}}
	}
	out, err := p.ProcessChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, e := range out {
		assert.Equal(t, chunks[i].ID, e.Chunk.ID)
		assert.Len(t, e.Vector, 4)
	}
	assert.Equal(t, int32(3), ff.created[0].calls.Load(), "batches of two")
	for _, e := range out {
		assert.False(t, e.EmbeddedAt.IsZero())
	}
}

type shortEmbedder struct{}

func (shortEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)-1), nil
}

func TestEmbedChunks(t *testing.T) {
	ff := &fakeFactory{}
	p := newFakePool(t, ff, 1)
	chunks := make([]types.ProcessedChunk, 3)
	for i := range chunks {
		chunks[i] = types.ProcessedChunk{ID: string(rune('a' + i)), Chunk: types.Chunk{Content: "text"}}
	}

	before := time.Now().UTC()
	var progress []int
	out, err := EmbedChunks(context.Background(), p, chunks, 2, func(done int) { progress = append(progress, done) })
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int{2, 3}, progress)
	for _, e := range out {
		assert.False(t, e.EmbeddedAt.Before(before))
	}

	out, err = EmbedChunks(context.Background(), p, chunks, 0, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	_, err = EmbedChunks(context.Background(), shortEmbedder{}, chunks, 3, nil)
	assert.ErrorIs(t, err, types.ErrTransientInference)
}

func TestClosedPool(t *testing.T) {
	ff := &fakeFactory{dim: 4}
	p, err := NewPool(ff.factory(), PoolOptions{Size: 1}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, types.ErrSessionInit)
}

func TestWorkerPools(t *testing.T) {
	ff := &fakeFactory{dim: 4}
	w := NewWorkerPools(ff.factory(), 2, PoolOptions{BatchSize: 4}, logging.Discard())
	defer func() { _ = w.Close() }()

	a, err := w.For(0)
	require.NoError(t, err)
	again, err := w.For(0)
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = w.For(1)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Len())
	assert.Len(t, ff.created, 4)
	assert.Equal(t, 2, a.Stats().Sessions)
}

func TestWorkerPoolsEmbedRotates(t *testing.T) {
	ff := &fakeFactory{dim: 4}
	w := NewWorkerPools(ff.factory(), 1, PoolOptions{BatchSize: 4}, logging.Discard())
	w.workers = 3
	defer func() { _ = w.Close() }()

	assert.Equal(t, 4, w.Dimension())
	for i := 0; i < 6; i++ {
		vecs, err := w.EmbedBatch(context.Background(), []string{"a", "b"})
		require.NoError(t, err)
		assert.Len(t, vecs, 2)
	}
	assert.Equal(t, 3, w.Len())
	assert.Len(t, ff.created, 3)
}
