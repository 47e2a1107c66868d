package repomanager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/collection"
	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/internal/syncer"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// initRepo creates a repository with one commit at dir. go-git names the
// initial branch master.
func initRepo(t *testing.T, dir string) *git.Repository {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return r
}

func createBranch(t *testing.T, r *git.Repository, name string) {
	t.Helper()
	head, err := r.Head()
	require.NoError(t, err)
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())))
}

type syncCall struct {
	repo string
	opts syncer.Options
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []syncCall
	fn    func(repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error)
	locks *syncer.KeyedLocks
}

func (f *fakeSyncer) LockBranches(ctx context.Context, repo string, branches []string) (func(), error) {
	keys := make([]string, len(branches))
	for i, b := range branches {
		keys[i] = syncer.SyncKey(repo, b)
	}
	return f.locks.LockAll(ctx, keys)
}

func (f *fakeSyncer) Sync(ctx context.Context, repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error) {
	unlock, err := f.locks.Lock(ctx, syncer.SyncKey(repo.Name, opts.Branch))
	if err != nil {
		return repo, nil, err
	}
	defer unlock()
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{repo: repo.Name, opts: opts})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(repo, opts)
	}
	repo.SetLastSynced(opts.Branch, "abc123")
	repo.IndexedLanguages = []string{types.LanguageGo}
	return repo, &syncer.Result{Repository: repo.Name, Branch: opts.Branch, Commit: "abc123"}, nil
}

func (f *fakeSyncer) Calls() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.calls...)
}

type fixture struct {
	mgr     *Manager
	store   *storage.MemoryStore
	engine  *fakeSyncer
	base    string
	cfgPath string
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.RepositoriesBasePath = filepath.Join(root, "repos")
	f := &fixture{
		store:   storage.NewMemoryStore(),
		engine:  &fakeSyncer{locks: syncer.NewKeyedLocks()},
		base:    cfg.RepositoriesBasePath,
		cfgPath: filepath.Join(root, "config.yaml"),
		root:    root,
	}
	f.mgr = New(cfg, f.cfgPath, f.store, f.engine, logging.Discard())
	return f
}

// upstream creates a repository outside the base path to clone from.
func (f *fixture) upstream(t *testing.T) (*git.Repository, string) {
	t.Helper()
	dir := filepath.Join(f.root, "upstream")
	return initRepo(t, dir), dir
}

func (f *fixture) persisted(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg, err := config.Load(f.cfgPath)
	require.NoError(t, err)
	return cfg
}

func TestAddLocalPath(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "work", "project")
	initRepo(t, dir)

	repo, err := f.mgr.Add(context.Background(), "", dir, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, "project", repo.Name)
	assert.Equal(t, dir, repo.LocalPath)
	assert.True(t, repo.AddedAsLocalPath)
	assert.Equal(t, "master", repo.DefaultBranch)
	assert.Equal(t, "master", repo.CurrentBranch())
	assert.Empty(t, repo.URL)

	saved := f.persisted(t)
	require.Equal(t, 0, saved.FindRepository("project"))
	assert.Equal(t, "project", saved.ActiveRepository)

	_, err = f.mgr.Add(context.Background(), "project", dir, AddOptions{})
	assert.ErrorIs(t, err, types.ErrRepositoryExists)

	// no collection is created on add
	names, err := f.store.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAddLocalPathNotGit(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "plain")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	_, err := f.mgr.Add(context.Background(), "plain", dir, AddOptions{})
	assert.ErrorIs(t, err, types.ErrIO)
	assert.Empty(t, f.mgr.List())
}

func TestAddClone(t *testing.T) {
	f := newFixture(t)
	_, up := f.upstream(t)
	url := "file://" + filepath.ToSlash(up)

	repo, err := f.mgr.Add(context.Background(), "", url, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, "upstream", repo.Name)
	assert.Equal(t, filepath.Join(f.base, "upstream"), repo.LocalPath)
	assert.Equal(t, url, repo.URL)
	assert.False(t, repo.AddedAsLocalPath)
	assert.Equal(t, "master", repo.DefaultBranch)
	assert.DirExists(t, filepath.Join(repo.LocalPath, ".git"))
	assert.FileExists(t, filepath.Join(repo.LocalPath, "main.go"))

	// a second repository pointing at the same directory name is refused
	_, err = f.mgr.Add(context.Background(), "upstream", url, AddOptions{})
	assert.ErrorIs(t, err, types.ErrRepositoryExists)
}

func TestAddCloneFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	url := "file://" + filepath.ToSlash(filepath.Join(f.root, "does-not-exist"))
	_, err := f.mgr.Add(context.Background(), "broken", url, AddOptions{})
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(f.base, "broken"))
	assert.Empty(t, f.mgr.List())
}

func TestAddValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Add(context.Background(), "x", "  ", AddOptions{})
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = f.mgr.Add(context.Background(), "../escape", "https://example.com/a.git", AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, up := f.upstream(t)
	repo, err := f.mgr.Add(ctx, "up", "file://"+filepath.ToSlash(up), AddOptions{})
	require.NoError(t, err)

	spec := storage.CollectionSpec{Dimension: 3, Distance: storage.DistanceCosine}
	coll := collection.Name("", "up", "master")
	other := collection.Name("", "someone-else", "master")
	require.NoError(t, f.store.CreateCollection(ctx, coll, spec))
	require.NoError(t, f.store.CreateCollection(ctx, other, spec))

	require.NoError(t, f.mgr.Remove(ctx, "up", true))

	exists, err := f.store.CollectionExists(ctx, coll)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = f.store.CollectionExists(ctx, other)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.NoDirExists(t, repo.LocalPath)
	assert.Empty(t, f.mgr.List())
	saved := f.persisted(t)
	assert.Equal(t, -1, saved.FindRepository("up"))
	assert.Empty(t, saved.ActiveRepository)

	assert.ErrorIs(t, f.mgr.Remove(ctx, "up", false), types.ErrRepositoryNotFound)
}

func TestRemoveWaitsForRunningSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := filepath.Join(f.root, "mine")
	initRepo(t, dir)
	_, err := f.mgr.Add(ctx, "mine", dir, AddOptions{})
	require.NoError(t, err)

	coll := collection.Name("", "mine", "master")
	release := make(chan struct{})
	f.engine.fn = func(repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error) {
		<-release
		// the collection lands after Remove was called
		spec := storage.CollectionSpec{Dimension: 3, Distance: storage.DistanceCosine}
		if err := f.store.CreateCollection(ctx, coll, spec); err != nil {
			return repo, nil, err
		}
		repo.SetLastSynced(opts.Branch, "abc123")
		return repo, &syncer.Result{Repository: repo.Name, Branch: opts.Branch, Collection: coll}, nil
	}

	syncDone := make(chan error, 1)
	go func() {
		_, err := f.mgr.Sync(ctx, "mine", syncer.Options{})
		syncDone <- err
	}()
	require.Eventually(t, func() bool { return f.engine.locks.Held(syncer.SyncKey("mine", "master")) },
		time.Second, 5*time.Millisecond)

	removeDone := make(chan error, 1)
	go func() { removeDone <- f.mgr.Remove(ctx, "mine", false) }()
	select {
	case err := <-removeDone:
		t.Fatalf("Remove returned while a sync was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-removeDone)
	<-syncDone

	exists, err := f.store.CollectionExists(ctx, coll)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, f.mgr.List())
}

func TestSyncQueuedBehindRemoveDropsItsCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := filepath.Join(f.root, "mine")
	initRepo(t, dir)
	_, err := f.mgr.Add(ctx, "mine", dir, AddOptions{})
	require.NoError(t, err)

	coll := collection.Name("", "mine", "master")
	f.engine.fn = func(repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error) {
		spec := storage.CollectionSpec{Dimension: 3, Distance: storage.DistanceCosine}
		if err := f.store.CreateCollection(ctx, coll, spec); err != nil {
			return repo, nil, err
		}
		return repo, &syncer.Result{Repository: repo.Name, Branch: opts.Branch, Collection: coll}, nil
	}

	// hold the branch so the sync queues, then remove before it runs
	unlock, err := f.engine.LockBranches(ctx, "mine", []string{"master"})
	require.NoError(t, err)
	syncDone := make(chan error, 1)
	go func() {
		_, err := f.mgr.Sync(ctx, "mine", syncer.Options{})
		syncDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.mgr.mu.Lock()
	f.mgr.cfg.Repositories = nil
	f.mgr.mu.Unlock()
	unlock()

	assert.ErrorIs(t, <-syncDone, types.ErrRepositoryNotFound)
	exists, err := f.store.CollectionExists(ctx, coll)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveKeepsLocalPath(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "mine")
	initRepo(t, dir)
	_, err := f.mgr.Add(context.Background(), "mine", dir, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Remove(context.Background(), "mine", true))
	assert.FileExists(t, filepath.Join(dir, "main.go"))
	assert.Empty(t, f.mgr.List())
}

func TestSetActiveBranch(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "proj")
	r := initRepo(t, dir)
	createBranch(t, r, "feature")
	_, err := f.mgr.Add(context.Background(), "proj", dir, AddOptions{})
	require.NoError(t, err)

	_, err = f.mgr.SetActiveBranch("proj", "nope")
	assert.ErrorIs(t, err, types.ErrInvalidBranch)
	_, err = f.mgr.SetActiveBranch("missing", "feature")
	assert.ErrorIs(t, err, types.ErrRepositoryNotFound)

	repo, err := f.mgr.SetActiveBranch("proj", "feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", repo.CurrentBranch())
	assert.Equal(t, []string{"master", "feature"}, repo.TrackedBranches)

	saved := f.persisted(t)
	assert.Equal(t, "feature", saved.Repositories[0].ActiveBranch)
	assert.Empty(t, f.engine.Calls())
}

func TestSwitchBranchSyncs(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "proj")
	r := initRepo(t, dir)
	createBranch(t, r, "feature")
	_, err := f.mgr.Add(context.Background(), "proj", dir, AddOptions{})
	require.NoError(t, err)
	f.mgr.cfg.SyncOnRepoSwitch = true

	repo, res, err := f.mgr.SwitchBranch(context.Background(), "proj", "feature")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "feature", res.Branch)

	calls := f.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "feature", calls[0].opts.Branch)

	commit, ok := repo.LastSynced("feature")
	assert.True(t, ok)
	assert.Equal(t, "abc123", commit)
}

func TestSyncMergesMetadata(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "proj")
	initRepo(t, dir)
	_, err := f.mgr.Add(context.Background(), "proj", dir, AddOptions{})
	require.NoError(t, err)

	res, err := f.mgr.Sync(context.Background(), "proj", syncer.Options{})
	require.NoError(t, err)
	assert.Equal(t, "master", res.Branch)

	repo, err := f.mgr.Get("proj")
	require.NoError(t, err)
	commit, ok := repo.LastSynced("master")
	assert.True(t, ok)
	assert.Equal(t, "abc123", commit)
	assert.Equal(t, []string{types.LanguageGo}, repo.IndexedLanguages)

	saved := f.persisted(t)
	assert.Equal(t, "abc123", saved.Repositories[0].LastSyncedCommits["master"])
}

func TestSyncFailureAfterRepair(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "proj")
	initRepo(t, dir)
	_, err := f.mgr.Add(context.Background(), "proj", dir, AddOptions{})
	require.NoError(t, err)
	_, err = f.mgr.Sync(context.Background(), "proj", syncer.Options{})
	require.NoError(t, err)

	boom := errors.New("embedding backend down")
	f.engine.fn = func(repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error) {
		repo.ClearSyncMetadata()
		return repo, &syncer.Result{Repository: repo.Name, Branch: opts.Branch, Repaired: true}, boom
	}
	_, err = f.mgr.Sync(context.Background(), "proj", syncer.Options{})
	assert.ErrorIs(t, err, boom)

	repo, err := f.mgr.Get("proj")
	require.NoError(t, err)
	_, ok := repo.LastSynced("master")
	assert.False(t, ok)
	assert.Empty(t, repo.IndexedLanguages)
}

func TestSyncWithoutEngine(t *testing.T) {
	mgr := New(config.Default(), "", storage.NewMemoryStore(), nil, logging.Discard())
	_, err := mgr.Sync(context.Background(), "any", syncer.Options{})
	assert.ErrorIs(t, err, ErrNoSyncEngine)
}

func TestActiveRepository(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Active()
	assert.ErrorIs(t, err, ErrNoActiveRepo)

	for _, name := range []string{"one", "two"} {
		dir := filepath.Join(f.root, name)
		initRepo(t, dir)
		_, err := f.mgr.Add(context.Background(), name, dir, AddOptions{})
		require.NoError(t, err)
	}
	active, err := f.mgr.Active()
	require.NoError(t, err)
	assert.Equal(t, "one", active.Name)

	require.NoError(t, f.mgr.SetActive("two"))
	active, err = f.mgr.Active()
	require.NoError(t, err)
	assert.Equal(t, "two", active.Name)
	assert.ErrorIs(t, f.mgr.SetActive("three"), types.ErrRepositoryNotFound)
}

func TestNameFromSource(t *testing.T) {
	tests := map[string]string{
		"https://github.com/org/widget.git": "widget",
		"https://github.com/org/widget/":    "widget",
		"git@github.com:org/widget.git":     "widget",
		"git@host:widget.git":               "widget",
		"/home/me/src/widget":               "widget",
		`C:\src\widget`:                     "widget",
	}
	for in, want := range tests {
		assert.Equal(t, want, NameFromSource(in), in)
	}
}

func TestLocalDir(t *testing.T) {
	dir := t.TempDir()
	got, ok := localDir(dir)
	assert.True(t, ok)
	assert.Equal(t, dir, got)

	_, ok = localDir("git@github.com:org/widget.git")
	assert.False(t, ok)
	_, ok = localDir("https://github.com/org/widget.git")
	assert.False(t, ok)
	_, ok = localDir(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}
