package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/chunker"
	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/embedder"
	"github.com/dshills/reposearch-mcp/internal/gitrepo"
	"github.com/dshills/reposearch-mcp/internal/indexer"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/parser"
	"github.com/dshills/reposearch-mcp/internal/repomanager"
	"github.com/dshills/reposearch-mcp/internal/searcher"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/internal/syncer"
	"github.com/dshills/reposearch-mcp/internal/watcher"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const testDim = 32

type testEnv struct {
	server *Server
	store  *storage.MemoryStore
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.RepositoriesBasePath = filepath.Join(root, "repos")

	store := storage.NewMemoryStore()
	local, err := embedder.NewLocalSession(testDim)
	require.NoError(t, err)
	reg, err := parser.NewRegistry()
	require.NoError(t, err)
	proc := indexer.New(chunker.New(reg, chunker.Options{Concurrency: 2}, logging.Discard()), local,
		indexer.Config{BatchSize: 8, Sparse: true}, logging.Discard())

	srch := searcher.New(store, local, searcher.Config{
		Weights:   searcher.Weights{Dense: 0.6, Lexical: 0.4},
		CacheSize: 100,
	}, logging.Discard())
	engine := syncer.New(gitrepo.NewSource(nil, logging.Discard()), proc, store, syncer.Config{
		AutoRepair: true,
		Sparse:     true,
		AfterSync:  func(res *syncer.Result) { srch.InvalidateCache(res.Collection) },
	}, logging.Discard())
	repos := repomanager.New(cfg, filepath.Join(root, "config.yaml"), store, engine, logging.Discard())

	s := New(Components{
		Repos:    repos,
		Engine:   engine,
		Searcher: srch,
		Closers:  []io.Closer{store},
	}, logging.Discard())
	t.Cleanup(func() { _ = s.Close() })
	return &testEnv{server: s, store: store, root: root}
}

// localRepo creates a committed repository outside the repositories base path.
func (e *testEnv) localRepo(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(e.root, "work", name)
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	for file, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(file))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(file)
		require.NoError(t, err)
	}
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

var sampleFiles = map[string]string{
	"config/loader.go": "package config\n\n// LoadConfig reads the config file.\nfunc LoadConfig(path string) (*Config, error) {\n\treturn parse(path)\n}\n",
	"server/http.go":   "package server\n\nfunc ListenAndServe(addr string) error {\n\treturn serve(addr)\n}\n",
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		return nil, err
	}
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out), text.Text)
	return out, nil
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mErr *MCPError
	require.True(t, errors.As(err, &mErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mErr.Code, mErr.Message)
}

func TestToolDefinitions(t *testing.T) {
	tools := []mcp.Tool{
		repositoryAddTool(), repositoryListTool(), repositoryRemoveTool(), repositorySyncTool(),
		repositorySwitchBranchTool(), repositoryOrphansTool(), searchCodeTool(), syncStatusTool(),
	}
	seen := map[string]bool{}
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.Equal(t, "object", tool.InputSchema.Type, tool.Name)
		assert.False(t, seen[tool.Name], "duplicate tool %s", tool.Name)
		seen[tool.Name] = true
		for _, req := range tool.InputSchema.Required {
			assert.Contains(t, tool.InputSchema.Properties, req, tool.Name)
		}
	}
	assert.Equal(t, []string{"query"}, searchCodeTool().InputSchema.Required)
	assert.Equal(t, []string{"source"}, repositoryAddTool().InputSchema.Required)
}

func TestRepositoryAddListRemove(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	dir := env.localRepo(t, "demo", sampleFiles)

	out, err := call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)
	assert.Equal(t, true, out["added"])
	repo := out["repository"].(map[string]interface{})
	assert.Equal(t, "demo", repo["name"])
	assert.Equal(t, "master", repo["active_branch"])
	assert.Equal(t, true, repo["added_as_local_path"])

	_, err = call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	requireCode(t, err, ErrorCodeRepositoryExists)
	_, err = call(t, s.handleRepositoryAdd, map[string]interface{}{})
	requireCode(t, err, ErrorCodeInvalidParams)

	out, err = call(t, s.handleRepositoryList, nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", out["active_repository"])
	assert.Equal(t, float64(1), out["count"])

	out, err = call(t, s.handleRepositoryRemove, map[string]interface{}{"name": "demo", "delete_local_files": true})
	require.NoError(t, err)
	assert.Equal(t, true, out["removed"])
	assert.Equal(t, false, out["local_files_deleted"])
	assert.DirExists(t, dir)

	_, err = call(t, s.handleRepositoryRemove, map[string]interface{}{"name": "demo"})
	requireCode(t, err, ErrorCodeRepositoryNotFound)
}

func TestSyncThenSearch(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	dir := env.localRepo(t, "demo", sampleFiles)
	_, err := call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)

	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "load config"})
	requireCode(t, err, ErrorCodeNotIndexed)

	out, err := call(t, s.handleRepositorySync, map[string]interface{}{"wait": true})
	require.NoError(t, err)
	assert.Equal(t, "full", out["mode"])
	assert.Equal(t, float64(2), out["files_indexed"])
	assert.Equal(t, "master", out["branch"])

	out, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "load config", "limit": float64(5)})
	require.NoError(t, err)
	results := out["results"].([]interface{})
	require.NotEmpty(t, results)
	top := results[0].(map[string]interface{})
	assert.Equal(t, "config/loader.go", top["file_path"])
	assert.Equal(t, "demo", top["repository"])
	assert.Equal(t, false, out["cache_hit"])

	out, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "load config", "limit": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, true, out["cache_hit"])

	out, err = call(t, s.handleSearchCode, map[string]interface{}{
		"query":   "serve",
		"filters": map[string]interface{}{"file_paths": []interface{}{"server/http.go"}},
	})
	require.NoError(t, err)
	for _, r := range out["results"].([]interface{}) {
		assert.Equal(t, "server/http.go", r.(map[string]interface{})["file_path"])
	}

	out, err = call(t, s.handleSyncStatus, map[string]interface{}{"name": "demo"})
	require.NoError(t, err)
	assert.Equal(t, true, out["is_complete"])
	assert.Equal(t, true, out["is_success"])

	out, err = call(t, s.handleRepositoryList, nil)
	require.NoError(t, err)
	repo := out["repositories"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, repo["last_synced_commits"], "master")
	assert.Contains(t, repo["indexed_languages"], types.LanguageGo)
}

func TestWatchTriggerIndexesWorkingTree(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	dir := env.localRepo(t, "demo", sampleFiles)
	_, err := call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)
	_, err = call(t, s.handleRepositorySync, map[string]interface{}{"wait": true})
	require.NoError(t, err)

	edited := "package server\n\n// Shutdown drains open connections.\nfunc Shutdown() error {\n\treturn nil\n}\n"
	path := filepath.Join(dir, "server", "http.go")
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	s.watchTrigger(context.Background(), "demo", watcher.ReasonFiles)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, edited, string(data))

	var contents []string
	err = storage.ScrollAll(context.Background(), env.store, s.engine.CollectionName("demo", "master"),
		storage.Match(types.PayloadFilePath, "server/http.go"), func(p types.Point) error {
			contents = append(contents, p.String(types.PayloadContent))
			return nil
		})
	require.NoError(t, err)
	require.NotEmpty(t, contents)
	for _, c := range contents {
		assert.NotContains(t, c, "ListenAndServe")
	}
}

func TestBuildRestrictsIndexedExtensions(t *testing.T) {
	env := &testEnv{root: t.TempDir()}
	cfg := config.Default()
	cfg.RepositoriesBasePath = filepath.Join(env.root, "repos")
	cfg.VectorStore.Type = config.StoreMemory
	cfg.Embedding.Provider = config.ProviderLocal
	cfg.Embedding.Dimension = testDim
	cfg.IndexExtensions = []string{".go"}

	comps, err := Build(cfg, filepath.Join(env.root, "config.yaml"), logging.Discard())
	require.NoError(t, err)
	s := New(comps, logging.Discard())
	t.Cleanup(func() { _ = s.Close() })

	files := map[string]string{"scripts/tool.py": "def tool():\n    return 1\n"}
	for k, v := range sampleFiles {
		files[k] = v
	}
	dir := env.localRepo(t, "demo", files)
	_, err = call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)

	out, err := call(t, s.handleRepositorySync, map[string]interface{}{"wait": true})
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["files_indexed"])
	assert.Equal(t, []interface{}{types.LanguageGo}, out["languages"])
}

func TestRepositorySyncBackground(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	dir := env.localRepo(t, "demo", sampleFiles)
	_, err := call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)

	out, err := call(t, s.handleRepositorySync, map[string]interface{}{"name": "demo"})
	require.NoError(t, err)
	assert.Equal(t, true, out["started"])

	assert.Eventually(t, func() bool {
		repo, err := s.repos.Get("demo")
		if err != nil {
			return false
		}
		_, ok := repo.LastSynced("master")
		return ok
	}, 10*time.Second, 20*time.Millisecond)

	out, err = call(t, s.handleSyncStatus, nil)
	require.NoError(t, err)
	assert.Len(t, out["statuses"], 1)
}

func TestSearchCodeValidation(t *testing.T) {
	env := newTestEnv(t)
	s := env.server

	_, err := call(t, s.handleSearchCode, map[string]interface{}{"query": ""})
	requireCode(t, err, ErrorCodeEmptyQuery)
	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "limit": float64(0)})
	requireCode(t, err, ErrorCodeInvalidParams)
	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "limit": float64(101)})
	requireCode(t, err, ErrorCodeInvalidParams)
	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "search_mode": "fuzzy"})
	requireCode(t, err, ErrorCodeInvalidParams)
	// no active repository
	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x"})
	requireCode(t, err, ErrorCodeRepositoryNotFound)
	_, err = call(t, s.handleSearchCode, map[string]interface{}{"query": "x", "repository": "nope"})
	requireCode(t, err, ErrorCodeRepositoryNotFound)
}

func TestRepositorySwitchBranch(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	dir := env.localRepo(t, "demo", sampleFiles)
	_, err := call(t, s.handleRepositoryAdd, map[string]interface{}{"source": dir})
	require.NoError(t, err)

	_, err = call(t, s.handleRepositorySwitchBranch, map[string]interface{}{"branch": "does-not-exist"})
	requireCode(t, err, ErrorCodeInvalidBranch)
	_, err = call(t, s.handleRepositorySwitchBranch, map[string]interface{}{})
	requireCode(t, err, ErrorCodeInvalidParams)

	out, err := call(t, s.handleRepositorySwitchBranch, map[string]interface{}{"name": "demo", "branch": "master"})
	require.NoError(t, err)
	assert.Equal(t, false, out["synced"])
}

func TestRepositoryOrphans(t *testing.T) {
	env := newTestEnv(t)
	s := env.server
	base := filepath.Join(env.root, "repos", "leftover")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), []byte("hi"), 0o644))

	out, err := call(t, s.handleRepositoryOrphans, nil)
	require.NoError(t, err)
	summary := out["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["orphaned_count"])

	_, err = call(t, s.handleRepositoryOrphans, map[string]interface{}{"action": "add", "name": "leftover"})
	requireCode(t, err, ErrorCodeInvalidParams)
	_, err = call(t, s.handleRepositoryOrphans, map[string]interface{}{"action": "remove"})
	requireCode(t, err, ErrorCodeInvalidParams)
	_, err = call(t, s.handleRepositoryOrphans, map[string]interface{}{"action": "explode"})
	requireCode(t, err, ErrorCodeInvalidParams)

	out, err = call(t, s.handleRepositoryOrphans, map[string]interface{}{"action": "clean"})
	require.NoError(t, err)
	assert.Len(t, out["removed"], 1)
	assert.NoDirExists(t, base)
}

func TestToolErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", types.ErrRepositoryNotFound), ErrorCodeRepositoryNotFound},
		{repomanager.ErrNoActiveRepo, ErrorCodeRepositoryNotFound},
		{fmt.Errorf("x: %w", types.ErrRepositoryExists), ErrorCodeRepositoryExists},
		{fmt.Errorf("x: %w", types.ErrInvalidBranch), ErrorCodeInvalidBranch},
		{fmt.Errorf("x: %w", types.ErrCollectionNotFound), ErrorCodeNotIndexed},
		{searcher.ErrEmptyQuery, ErrorCodeEmptyQuery},
		{types.ErrTimeout, ErrorCodeTimeout},
		{fmt.Errorf("x: %w", types.ErrConfig), ErrorCodeInvalidParams},
		{errors.New("boom"), ErrorCodeInternalError},
	}
	for _, tt := range tests {
		err := toolError("failed", tt.err)
		requireCode(t, err, tt.code)
		var mErr *MCPError
		require.True(t, errors.As(err, &mErr))
		assert.Equal(t, tt.err.Error(), mErr.Data.(map[string]interface{})["error"])
	}
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]interface{}{
		"n":    float64(7),
		"i":    3,
		"f":    0.25,
		"b":    true,
		"s":    "text",
		"list": []interface{}{"a", 1, "", "b"},
		"strs": []string{"x"},
	}
	assert.Equal(t, 7, getIntDefault(args, "n", 0))
	assert.Equal(t, 3, getIntDefault(args, "i", 0))
	assert.Equal(t, 9, getIntDefault(args, "missing", 9))
	assert.Equal(t, 0.25, getFloatDefault(args, "f", 0))
	assert.Equal(t, 3.0, getFloatDefault(args, "i", 0))
	assert.True(t, getBoolDefault(args, "b", false))
	assert.Equal(t, "text", getStringDefault(args, "s", ""))
	assert.Equal(t, []string{"a", "b"}, getStringSlice(args, "list"))
	assert.Equal(t, []string{"x"}, getStringSlice(args, "strs"))
	assert.Nil(t, getStringSlice(args, "s"))
	assert.True(t, hasArg(args, "f"))
	assert.False(t, hasArg(args, "g"))

	var req mcp.CallToolRequest
	got, err := arguments(req)
	require.NoError(t, err)
	assert.Empty(t, got)
	req.Params.Arguments = "not a map"
	_, err = arguments(req)
	requireCode(t, err, ErrorCodeInvalidParams)
}
