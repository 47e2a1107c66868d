package syncer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/chunker"
	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/embedder"
	"github.com/dshills/reposearch-mcp/internal/gitrepo"
	"github.com/dshills/reposearch-mcp/internal/indexer"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/merkle"
	"github.com/dshills/reposearch-mcp/internal/parser"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const testDim = 16

// fakeSource keeps commits in memory and mirrors the head commit into a
// working tree on disk.
type fakeSource struct {
	t    *testing.T
	root string

	mu      sync.Mutex
	head    string
	commits map[string]map[string]string
	block   chan struct{} // when set, Resolve waits on it or ctx
}

func newFakeSource(t *testing.T) *fakeSource {
	return &fakeSource{t: t, root: t.TempDir(), commits: map[string]map[string]string{}}
}

func (f *fakeSource) commit(id string, files map[string]string) {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.root)
	require.NoError(f.t, err)
	for _, e := range entries {
		require.NoError(f.t, os.RemoveAll(filepath.Join(f.root, e.Name())))
	}
	for name, content := range files {
		path := filepath.Join(f.root, filepath.FromSlash(name))
		require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	}
	f.commits[id] = files
	f.head = id
}

func (f *fakeSource) Resolve(ctx context.Context, _ config.RepositoryConfig, branch string) (gitrepo.Revision, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return gitrepo.Revision{}, types.ContextError(ctx)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return gitrepo.Revision{Commit: f.head, Branch: branch, Root: f.root}, nil
}

func (f *fakeSource) Current(_ context.Context, _ config.RepositoryConfig, branch string) (gitrepo.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gitrepo.Revision{Commit: f.head, Branch: branch, Root: f.root}, nil
}

// edit changes a file in the working tree without committing it.
func (f *fakeSource) edit(name, content string) {
	f.t.Helper()
	require.NoError(f.t, os.WriteFile(filepath.Join(f.root, filepath.FromSlash(name)), []byte(content), 0o644))
}

func (f *fakeSource) Snapshot(_ context.Context, _ config.RepositoryConfig, commit string) (*merkle.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.commits[commit]
	if !ok {
		return nil, types.ErrIO
	}
	snap := merkle.NewSnapshot()
	for name, content := range files {
		snap.Add(name, merkle.FileDigest(uint64(len(content)), []byte(content), 0))
	}
	return snap, nil
}

type fixture struct {
	source *fakeSource
	store  *storage.MemoryStore
	engine *Engine
	events ChannelSink
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reg, err := parser.NewRegistry()
	require.NoError(t, err)
	local, err := embedder.NewLocalSession(testDim)
	require.NoError(t, err)
	proc := indexer.New(chunker.New(reg, chunker.Options{Concurrency: 2}, logging.Discard()), local,
		indexer.Config{BatchSize: 4, Sparse: true}, logging.Discard())

	f := &fixture{source: newFakeSource(t), store: storage.NewMemoryStore(), events: make(ChannelSink, 256)}
	cfg := Config{AutoRepair: true, Sparse: true, Events: f.events}
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = New(f.source, proc, f.store, cfg, logging.Discard())
	return f
}

func testRepo() config.RepositoryConfig {
	return config.RepositoryConfig{Name: "demo", LocalPath: "/unused", DefaultBranch: "main"}
}

func (f *fixture) contents(t *testing.T, name, file string) []string {
	t.Helper()
	var out []string
	err := storage.ScrollAll(context.Background(), f.store, name, storage.Match(types.PayloadFilePath, file), func(p types.Point) error {
		out = append(out, p.String(types.PayloadContent))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func (f *fixture) kinds() []EventKind {
	var out []EventKind
	for {
		select {
		case e := <-f.events:
			if e.Kind != EventSyncProgress {
				out = append(out, e.Kind)
			}
		default:
			return out
		}
	}
}

func TestFullThenIncrementalSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.go": "package a\n\nfunc Beta() {}\n",
	})

	repo, res, err := f.engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 2, res.FilesIndexed)
	assert.Positive(t, res.PointsUpserted)
	assert.Equal(t, []string{"go"}, res.Languages)
	commit, ok := repo.LastSynced("main")
	require.True(t, ok)
	assert.Equal(t, "c1", commit)
	assert.Equal(t, []string{"go"}, repo.IndexedLanguages)

	name := f.engine.CollectionName("demo", "main")
	info, err := f.store.GetCollectionInfo(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, testDim, info.Dimension)
	assert.True(t, info.Sparse)

	f.source.commit("c2", map[string]string{
		"a.go": "package a\n\nfunc AlphaTwo() {}\n",
		"c.py": "def gamma():\n    return 1\n",
	})
	repo, res, err = f.engine.Sync(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, "c1", res.PreviousCommit)
	assert.Equal(t, 2, res.FilesIndexed)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, []string{"go", "python"}, res.Languages)

	assert.Empty(t, f.contents(t, name, "b.go"))
	for _, c := range f.contents(t, name, "a.go") {
		assert.NotContains(t, c, "func Alpha()")
	}
	assert.NotEmpty(t, f.contents(t, name, "c.py"))
	commit, _ = repo.LastSynced("main")
	assert.Equal(t, "c2", commit)

	_, res, err = f.engine.Sync(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeNoop, res.Mode)

	status, ok := f.engine.Status().Get("demo")
	require.True(t, ok)
	assert.False(t, status.IsRunning)
	assert.True(t, status.IsComplete)
	assert.True(t, status.IsSuccess)
	assert.NotEmpty(t, status.Logs)

	kinds := f.kinds()
	assert.Contains(t, kinds, EventSyncStarted)
	assert.Contains(t, kinds, EventSyncCompleted)
	assert.Contains(t, kinds, EventShowSyncNotification)
	assert.NotContains(t, kinds, EventSyncFailed)
}

func TestForceAndExtensions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.py": "def beta():\n    pass\n",
	})
	repo, _, err := f.engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)

	_, res, err := f.engine.Sync(ctx, repo, Options{Force: true, Extensions: []string{".py"}})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Equal(t, []string{"python"}, res.Languages)
}

func TestChunkerExtensionsLimitSelection(t *testing.T) {
	ctx := context.Background()
	reg, err := parser.NewRegistry()
	require.NoError(t, err)
	local, err := embedder.NewLocalSession(testDim)
	require.NoError(t, err)
	ch := chunker.New(reg, chunker.Options{Concurrency: 2, Extensions: []string{"go"}}, logging.Discard())
	proc := indexer.New(ch, local, indexer.Config{BatchSize: 4}, logging.Discard())

	source := newFakeSource(t)
	store := storage.NewMemoryStore()
	engine := New(source, proc, store, Config{AutoRepair: true}, logging.Discard())
	source.commit("c1", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.py": "def beta():\n    pass\n",
	})
	repo, res, err := engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Equal(t, []string{"go"}, res.Languages)

	source.commit("c2", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.py": "def beta():\n    return 2\n",
		"c.go": "package a\n\nfunc Gamma() {}\n",
	})
	_, res, err = engine.Sync(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Equal(t, []string{"go"}, res.Languages)
}

func TestDriftRepair(t *testing.T) {
	ctx := context.Background()

	t.Run("auto repair resyncs from scratch", func(t *testing.T) {
		f := newFixture(t, nil)
		f.source.commit("c1", map[string]string{"a.go": "package a\n\nfunc Alpha() {}\n"})
		repo, _, err := f.engine.Sync(ctx, testRepo(), Options{})
		require.NoError(t, err)

		// the store is wiped behind our back
		require.NoError(t, f.store.DeleteCollection(ctx, f.engine.CollectionName("demo", "main")))

		repo, res, err := f.engine.Sync(ctx, repo, Options{})
		require.NoError(t, err)
		assert.True(t, res.Repaired)
		assert.Equal(t, ModeFull, res.Mode)
		assert.Positive(t, res.PointsUpserted)
		commit, _ := repo.LastSynced("main")
		assert.Equal(t, "c1", commit)
	})

	t.Run("without auto repair the sync fails", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.AutoRepair = false })
		f.source.commit("c1", map[string]string{"a.go": "package a\n\nfunc Alpha() {}\n"})
		repo := testRepo()
		repo.SetLastSynced("main", "c0")

		out, _, err := f.engine.Sync(ctx, repo, Options{})
		assert.ErrorIs(t, err, types.ErrStoreDriftDetected)
		commit, _ := out.LastSynced("main")
		assert.Equal(t, "c0", commit)

		status, _ := f.engine.Status().Get("demo")
		assert.True(t, status.IsComplete)
		assert.False(t, status.IsSuccess)
		assert.Contains(t, f.kinds(), EventSyncFailed)
	})
}

func TestSchemaConflict(t *testing.T) {
	ctx := context.Background()
	setup := func(f *fixture) config.RepositoryConfig {
		name := f.engine.CollectionName("demo", "main")
		require.NoError(t, f.store.CreateCollection(ctx, name, storage.CollectionSpec{Dimension: 3, Distance: storage.DistanceCosine}))
		_, err := f.store.UpsertPoints(ctx, name, []types.Point{{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{}}})
		require.NoError(t, err)
		f.source.commit("c1", map[string]string{"a.go": "package a\n"})
		f.source.commit("c2", map[string]string{"a.go": "package a\n\nfunc A() {}\n"})
		repo := testRepo()
		repo.SetLastSynced("main", "c1")
		return repo
	}

	t.Run("fails by default", func(t *testing.T) {
		f := newFixture(t, nil)
		_, _, err := f.engine.Sync(ctx, setup(f), Options{})
		assert.ErrorIs(t, err, types.ErrConflictingSchema)
	})

	t.Run("rebuilds when allowed", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.RecreateOnSchemaConflict = true })
		_, res, err := f.engine.Sync(ctx, setup(f), Options{})
		require.NoError(t, err)
		assert.Equal(t, ModeFull, res.Mode)
		info, err := f.store.GetCollectionInfo(ctx, res.Collection)
		require.NoError(t, err)
		assert.Equal(t, testDim, info.Dimension)
	})
}

func TestMissingBaseCommitFallsBackToFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{"a.go": "package a\n\nfunc Alpha() {}\n"})
	repo, _, err := f.engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)

	// history rewritten: c1 is gone
	f.source.mu.Lock()
	delete(f.source.commits, "c1")
	f.source.mu.Unlock()
	f.source.commit("c9", map[string]string{"b.go": "package a\n\nfunc Beta() {}\n"})

	_, res, err := f.engine.Sync(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Empty(t, f.contents(t, res.Collection, "a.go"))
}

func TestCancelledSyncKeepsMetadata(t *testing.T) {
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{"a.go": "package a\n"})
	repo := testRepo()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, _, err := f.engine.Sync(ctx, repo, Options{})
	assert.ErrorIs(t, err, types.ErrCancelled)
	_, ok := out.LastSynced("main")
	assert.False(t, ok)
}

func TestSyncTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeout = 50 * time.Millisecond })
	f.source.commit("c1", map[string]string{"a.go": "package a\n"})
	f.source.block = make(chan struct{})

	_, _, err := f.engine.Sync(context.Background(), testRepo(), Options{})
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestSameBranchSyncsQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{"a.go": "package a\n\nfunc Alpha() {}\n"})
	f.source.block = make(chan struct{})

	var wg sync.WaitGroup
	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res, err := f.engine.Sync(context.Background(), testRepo(), Options{})
			assert.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return f.engine.Running("demo", "main") }, time.Second, 5*time.Millisecond)
	close(f.source.block)
	wg.Wait()
	close(results)

	var modes []string
	for r := range results {
		modes = append(modes, string(r.Mode))
	}
	sort.Strings(modes)
	// both callers passed the original record, so both run full syncs, one after the other
	assert.Equal(t, []string{"full", "full"}, modes)
	assert.False(t, f.engine.Running("demo", "main"))
}

func TestWorkingTreeSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.go": "package a\n\nfunc Beta() {}\n",
	})
	repo, _, err := f.engine.Sync(ctx, testRepo(), Options{WorkingTree: true})
	require.NoError(t, err)
	name := f.engine.CollectionName("demo", "main")

	f.source.edit("a.go", "package a\n\nfunc Edited() {}\n")
	repo, res, err := f.engine.Sync(ctx, repo, Options{WorkingTree: true})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.FilesIndexed)
	commit, _ := repo.LastSynced("main")
	assert.Equal(t, "c1", commit)
	joined := strings.Join(f.contents(t, name, "a.go"), "\n")
	assert.Contains(t, joined, "func Edited()")
	assert.NotContains(t, joined, "func Alpha()")

	repo, res, err = f.engine.Sync(ctx, repo, Options{WorkingTree: true})
	require.NoError(t, err)
	assert.Equal(t, ModeNoop, res.Mode)

	// the edit is discarded and a new commit lands; a.go goes back to its
	// committed content even though the tree of c1 never held the edit
	f.source.commit("c2", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n",
		"b.go": "package a\n\nfunc Beta() {}\n",
		"c.go": "package a\n\nfunc Gamma() {}\n",
	})
	_, res, err = f.engine.Sync(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 2, res.FilesIndexed)
	joined = strings.Join(f.contents(t, name, "a.go"), "\n")
	assert.Contains(t, joined, "func Alpha()")
	assert.NotContains(t, joined, "func Edited()")
}

func pointIDs(t *testing.T, store storage.VectorStore, name string) []string {
	t.Helper()
	var ids []string
	err := storage.ScrollAll(context.Background(), store, name, nil, func(p types.Point) error {
		ids = append(ids, p.ID)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func TestFullSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{
		"a.go": "package a\n\nfunc Alpha() {}\n\nfunc AlphaTwo() {}\n",
		"b.py": "def beta():\n    return 2\n",
	})
	name := f.engine.CollectionName("demo", "main")

	repo, _, err := f.engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)
	first := pointIDs(t, f.store, name)
	require.NotEmpty(t, first)
	count, err := f.store.Count(ctx, name, nil)
	require.NoError(t, err)

	// a fresh record runs a second full sync over the same commit
	_, res, err := f.engine.Sync(ctx, testRepo(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	again, err := f.store.Count(ctx, name, nil)
	require.NoError(t, err)
	assert.Equal(t, count, again)
	assert.Equal(t, first, pointIDs(t, f.store, name))

	_, res, err = f.engine.Sync(ctx, repo, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, first, pointIDs(t, f.store, name))
}

func TestLockBranchesHoldsOffSyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.source.commit("c1", map[string]string{"a.go": "package a\n\nfunc Alpha() {}\n"})

	unlock, err := f.engine.LockBranches(context.Background(), "demo", []string{"main"})
	require.NoError(t, err)
	assert.True(t, f.engine.Running("demo", "main"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = f.engine.Sync(ctx, testRepo(), Options{})
	assert.ErrorIs(t, err, types.ErrTimeout)

	unlock()
	_, res, err := f.engine.Sync(context.Background(), testRepo(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
}

func TestFilterExtensions(t *testing.T) {
	paths := []string{"a.go", "b.PY", "c.rs", "README"}
	assert.Equal(t, paths, filterExtensions(paths, nil))
	assert.Equal(t, []string{"a.go", "b.PY"}, filterExtensions(paths, []string{"go", ".py"}))
}

func TestSummarize(t *testing.T) {
	msg := summarize(&Result{Repository: "demo", Branch: "main", Mode: ModeNoop, Commit: "0123456789abcdef"})
	assert.True(t, strings.HasPrefix(msg, "demo@main already synced to 01234567"))
}
