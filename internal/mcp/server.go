package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

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
)

const (
	// ServerName is the MCP server name
	ServerName = "reposearch-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Components are the services the tools operate on.
type Components struct {
	Repos    *repomanager.Manager
	Engine   *syncer.Engine
	Searcher *searcher.Searcher
	Closers  []io.Closer // closed in order by Server.Close
}

// Build wires the application from cfg: vector store, embedding pool,
// parsers, chunker, indexer, searcher, sync engine and repository manager.
// Mutations of the repository registry are saved to cfgPath.
func Build(cfg *config.AppConfig, cfgPath string, logger *slog.Logger) (Components, error) {
	logger = logging.OrDefault(logger)

	store, err := storage.New(cfg, logger)
	if err != nil {
		return Components{}, fmt.Errorf("failed to initialize storage: %w", err)
	}
	pool, err := embedder.NewPoolFromConfig(cfg, logger)
	if err != nil {
		_ = store.Close()
		return Components{}, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	registry, err := parser.NewRegistry()
	if err != nil {
		_ = pool.Close()
		_ = store.Close()
		return Components{}, fmt.Errorf("failed to initialize parsers: %w", err)
	}

	closers := []io.Closer{pool, store}
	var indexEmbedder indexer.Embedder = pool
	if cfg.SessionsPerThread > 0 {
		workers, err := embedder.NewWorkerPoolsFromConfig(cfg, logger)
		if err != nil {
			_ = pool.Close()
			_ = store.Close()
			return Components{}, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		indexEmbedder = workers
		closers = append([]io.Closer{workers}, closers...)
	}

	chunks := chunker.New(registry, chunker.Options{
		Concurrency: cfg.FileProcessingConcurrency,
		QueueSize:   cfg.FileQueueSize,
		MaxFileSize: cfg.MaxFileSizeBytes,
		Extensions:  cfg.IndexExtensions,
	}, logger)
	proc := indexer.New(chunks, indexEmbedder, indexer.Config{
		BatchSize: cfg.EmbeddingBatchSize,
		Sparse:    cfg.VectorStore.SparseEnabled(),
	}, logger)

	// queries always embed on the shared pool
	srch := searcher.New(store, pool, searcher.ConfigFromApp(cfg), logger)

	syncCfg := syncer.ConfigFromApp(cfg)
	syncCfg.Events = syncer.LogSink{Logger: logger}
	syncCfg.AfterSync = func(res *syncer.Result) {
		srch.InvalidateCache(res.Collection)
	}
	engine := syncer.New(gitrepo.NewSource(syncCfg.Ignore, logger), proc, store, syncCfg, logger)

	return Components{
		Repos:    repomanager.New(cfg, cfgPath, store, engine, logger),
		Engine:   engine,
		Searcher: srch,
		Closers:  closers,
	}, nil
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	repos    *repomanager.Manager
	engine   *syncer.Engine
	searcher *searcher.Searcher
	closers  []io.Closer
	logger   *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context // parent of background syncs
	watch   *watcher.Watcher
	bg      sync.WaitGroup
	closed  bool
}

// NewServer builds the components from cfg and registers the tools.
func NewServer(cfg *config.AppConfig, cfgPath string, logger *slog.Logger) (*Server, error) {
	c, err := Build(cfg, cfgPath, logger)
	if err != nil {
		return nil, err
	}
	return New(c, logger), nil
}

// New creates a server over already built components.
func New(c Components, logger *slog.Logger) *Server {
	s := &Server{
		mcp:      server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		repos:    c.Repos,
		engine:   c.Engine,
		searcher: c.Searcher,
		closers:  c.Closers,
		logger:   logging.OrDefault(logger),
		baseCtx:  context.Background(),
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until ctx is done or the
// client disconnects. The file watcher runs alongside when enabled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.startWatcher(ctx); err != nil {
		s.logger.Warn("mcp.watcher_disabled", slog.String("error", err.Error()))
	}
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Close waits for background syncs and releases the components.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.watch
	s.watch = nil
	s.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	s.bg.Wait()

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) startWatcher(ctx context.Context) error {
	wc := watcher.ConfigFromApp(s.repos.Config())
	if !wc.Enabled() {
		return nil
	}
	w, err := watcher.New(wc, s.watchTrigger, s.logger)
	if err != nil {
		return err
	}
	for _, repo := range s.repos.List() {
		if err := w.Add(repo.Name, repo.LocalPath); err != nil {
			s.logger.Warn("mcp.watch_failed", slog.String("repository", repo.Name), slog.String("error", err.Error()))
		}
	}
	s.mu.Lock()
	s.watch = w
	s.mu.Unlock()
	go func() {
		if err := w.Run(ctx); err != nil {
			s.logger.Warn("mcp.watcher_stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// watchTrigger syncs the checkout as it is. Watched working trees belong to
// the user, so the watcher never fetches or moves HEAD.
func (s *Server) watchTrigger(ctx context.Context, repo string, reason watcher.Reason) {
	res, err := s.repos.Sync(ctx, repo, syncer.Options{WorkingTree: true})
	if err != nil {
		s.logger.Warn("mcp.auto_sync_failed",
			slog.String("repository", repo),
			slog.String("reason", reason.String()),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("mcp.auto_sync",
		slog.String("repository", repo),
		slog.String("reason", reason.String()),
		slog.String("mode", string(res.Mode)))
}

// watchRepo adds or removes a repository from the running watcher.
func (s *Server) watchRepo(name, root string, add bool) {
	s.mu.Lock()
	w := s.watch
	s.mu.Unlock()
	if w == nil {
		return
	}
	if !add {
		w.Remove(name)
		return
	}
	if err := w.Add(name, root); err != nil {
		s.logger.Warn("mcp.watch_failed", slog.String("repository", name), slog.String("error", err.Error()))
	}
}

// syncInBackground runs a sync detached from the tool call. It reports false
// when the server is closing.
func (s *Server) syncInBackground(name string, opts syncer.Options) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	ctx := s.baseCtx
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		if _, err := s.repos.Sync(ctx, name, opts); err != nil {
			s.logger.Warn("mcp.sync_failed",
				slog.String("repository", name),
				slog.String("branch", opts.Branch),
				slog.String("error", err.Error()))
		}
	}()
	return true
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(repositoryAddTool(), s.handleRepositoryAdd)
	s.mcp.AddTool(repositoryListTool(), s.handleRepositoryList)
	s.mcp.AddTool(repositoryRemoveTool(), s.handleRepositoryRemove)
	s.mcp.AddTool(repositorySyncTool(), s.handleRepositorySync)
	s.mcp.AddTool(repositorySwitchBranchTool(), s.handleRepositorySwitchBranch)
	s.mcp.AddTool(repositoryOrphansTool(), s.handleRepositoryOrphans)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(syncStatusTool(), s.handleSyncStatus)
}
