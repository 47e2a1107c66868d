package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/reposearch-mcp/internal/chunker"
	"github.com/dshills/reposearch-mcp/internal/collection"
	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/gitrepo"
	"github.com/dshills/reposearch-mcp/internal/indexer"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/merkle"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const upsertBatchSize = 512

// Source resolves the commit to sync and snapshots commit trees. Current
// reads the checkout as it is, without fetching or moving HEAD.
type Source interface {
	Resolve(ctx context.Context, repo config.RepositoryConfig, branch string) (gitrepo.Revision, error)
	Current(ctx context.Context, repo config.RepositoryConfig, branch string) (gitrepo.Revision, error)
	Snapshot(ctx context.Context, repo config.RepositoryConfig, commit string) (*merkle.Snapshot, error)
}

// Indexer turns files into store points.
type Indexer interface {
	EmbedFiles(ctx context.Context, root string, paths []string, meta chunker.Meta, sink types.ProgressSink) (*indexer.Result, error)
	Points(embedded []types.EmbeddedChunk) []types.Point
	Filter(paths []string) []string
	Dimension() int
}

// Mode is the kind of work a sync performed.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeNoop        Mode = "noop"
)

// Options tune a single sync.
type Options struct {
	Force      bool     // full sync even when metadata allows an incremental one
	Extensions []string // only index these extensions; empty indexes all
	Branch     string   // empty syncs the active branch

	// WorkingTree indexes the checkout as it is, uncommitted edits
	// included. The repository is not fetched and HEAD is not moved.
	WorkingTree bool
}

// Result describes a finished sync.
type Result struct {
	Repository     string             `json:"repository"`
	Branch         string             `json:"branch"`
	Collection     string             `json:"collection"`
	Mode           Mode               `json:"mode"`
	Commit         string             `json:"commit"`
	PreviousCommit string             `json:"previous_commit,omitempty"`
	Repaired       bool               `json:"repaired"`
	FilesIndexed   int                `json:"files_indexed"`
	FilesDeleted   int                `json:"files_deleted"`
	PointsUpserted int                `json:"points_upserted"`
	Failures       []*types.FileError `json:"-"`
	Languages      []string           `json:"languages"`
	Duration       time.Duration      `json:"duration"`
	Message        string             `json:"message"`

	snapshot *merkle.Snapshot // content digests of what the collection now holds
}

// Config holds engine settings.
type Config struct {
	CollectionPrefix         string
	AutoRepair               bool
	RecreateOnSchemaConflict bool
	Distance                 storage.Distance
	Sparse                   bool
	Ignore                   *merkle.IgnoreRules
	Timeout                  time.Duration // zero disables
	Events                   EventSink
	AfterSync                func(*Result) // called after every successful sync
}

// ConfigFromApp derives engine settings from the application config.
func ConfigFromApp(cfg *config.AppConfig) Config {
	distance, _ := storage.ParseDistance(cfg.VectorStore.Distance)
	return Config{
		CollectionPrefix:         cfg.Performance.CollectionNamePrefix,
		AutoRepair:               cfg.AutoRepairEnabled(),
		RecreateOnSchemaConflict: cfg.RecreateOnSchemaConflict,
		Distance:                 distance,
		Sparse:                   cfg.VectorStore.SparseEnabled(),
		Ignore:                   merkle.NewIgnoreRules(cfg.IgnorePatterns),
		Timeout:                  time.Duration(cfg.Timeouts.SyncSecs) * time.Second,
	}
}

// Engine drives repositories to a target commit in the vector store.
type Engine struct {
	source    Source
	indexer   Indexer
	store     storage.VectorStore
	validator *collection.Validator
	locks     *KeyedLocks
	status    *StatusTable
	bases     *baseCache
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine.
func New(source Source, idx Indexer, store storage.VectorStore, cfg Config, logger *slog.Logger) *Engine {
	logger = logging.OrDefault(logger)
	if cfg.Events == nil {
		cfg.Events = NopSink
	}
	if cfg.Ignore == nil {
		cfg.Ignore = merkle.DefaultIgnoreRules()
	}
	if cfg.Distance == "" {
		cfg.Distance = storage.DistanceCosine
	}
	return &Engine{
		source:    source,
		indexer:   idx,
		store:     store,
		validator: collection.NewValidator(store, cfg.CollectionPrefix, logger),
		locks:     NewKeyedLocks(),
		status:    NewStatusTable(),
		bases:     newBaseCache(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Status returns the table of per-repository sync status.
func (e *Engine) Status() *StatusTable {
	return e.status
}

// Validator returns the drift validator used before every sync.
func (e *Engine) Validator() *collection.Validator {
	return e.validator
}

// Running reports whether a sync of (repo, branch) holds the lock.
func (e *Engine) Running(repo, branch string) bool {
	return e.locks.Held(SyncKey(repo, branch))
}

// LockBranches waits for running syncs of the listed branches of repo and
// holds their locks until the returned func is called. Syncs of those
// branches queue behind it.
func (e *Engine) LockBranches(ctx context.Context, repo string, branches []string) (func(), error) {
	keys := make([]string, len(branches))
	for i, b := range branches {
		keys[i] = SyncKey(repo, b)
	}
	unlock, err := e.locks.LockAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	return func() {
		for _, b := range branches {
			e.bases.drop(e.CollectionName(repo, b))
		}
		unlock()
	}, nil
}

// CollectionName returns the collection of (repo, branch).
func (e *Engine) CollectionName(repo, branch string) string {
	return collection.Name(e.cfg.CollectionPrefix, repo, branch)
}

// Sync brings one branch of repo to its target commit. Syncs of the same
// (repository, branch) queue; different branches run concurrently.
//
// The returned record is a copy of repo with updated sync metadata. It is
// returned on failure too, and then carries any drift repair performed;
// last_synced_commits only advances on success.
func (e *Engine) Sync(ctx context.Context, repo config.RepositoryConfig, opts Options) (config.RepositoryConfig, *Result, error) {
	repo = repo.Clone()
	repo.Normalize()
	branch := opts.Branch
	if branch == "" {
		branch = repo.CurrentBranch()
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	unlock, err := e.locks.Lock(ctx, SyncKey(repo.Name, branch))
	if err != nil {
		return repo, nil, err
	}
	defer unlock()

	start := time.Now()
	e.status.Start(repo.Name, branch)
	e.emit(EventSyncStarted, repo.Name, branch, LevelInfo, fmt.Sprintf("sync of %s@%s started", repo.Name, branch), nil)

	res, err := e.run(ctx, &repo, branch, opts)
	res.Duration = time.Since(start)
	if err != nil {
		err = contextAware(ctx, err)
		res.Message = fmt.Sprintf("sync of %s@%s failed: %v", repo.Name, branch, err)
		e.logger.Error("syncer.sync_failed",
			slog.String("repository", repo.Name),
			slog.String("branch", branch),
			slog.String("error", err.Error()))
		e.status.Log(repo.Name, res.Message)
		e.status.Finish(repo.Name, false, res.Message)
		e.emit(EventSyncFailed, repo.Name, branch, LevelError, res.Message, nil)
		e.emit(EventShowSyncNotification, repo.Name, branch, LevelError, res.Message, nil)
		return repo, res, err
	}

	res.Message = summarize(res)
	level := LevelSuccess
	if res.Mode == ModeNoop {
		level = LevelInfo
	} else if len(res.Failures) > 0 {
		level = LevelWarning
	}
	e.logger.Info("syncer.sync_completed",
		slog.String("repository", repo.Name),
		slog.String("branch", branch),
		slog.String("mode", string(res.Mode)),
		slog.String("commit", res.Commit),
		slog.Int("files_indexed", res.FilesIndexed),
		slog.Int("files_deleted", res.FilesDeleted),
		slog.Int("points", res.PointsUpserted),
		slog.Int("failures", len(res.Failures)),
		slog.Duration("duration", res.Duration))
	e.status.Log(repo.Name, res.Message)
	e.status.Finish(repo.Name, true, res.Message)
	e.emit(EventSyncCompleted, repo.Name, branch, level, res.Message, nil)
	e.emit(EventShowSyncNotification, repo.Name, branch, level, res.Message, nil)
	if e.cfg.AfterSync != nil {
		e.cfg.AfterSync(res)
	}
	return repo, res, nil
}

func (e *Engine) run(ctx context.Context, repo *config.RepositoryConfig, branch string, opts Options) (*Result, error) {
	res := &Result{
		Repository: repo.Name,
		Branch:     branch,
		Collection: e.CollectionName(repo.Name, branch),
	}

	report, err := e.validator.Repair(ctx, repo, e.cfg.AutoRepair)
	if err != nil {
		return res, err
	}
	if !report.Valid {
		res.Repaired = true
		e.note("syncer.drift_repaired", repo.Name, branch, LevelWarning,
			fmt.Sprintf("%d synced branches have no indexed collection; sync metadata cleared", len(report.Invalid())))
	}

	if err := types.ContextError(ctx); err != nil {
		return res, err
	}
	resolve := e.source.Resolve
	if opts.WorkingTree {
		resolve = e.source.Current
	}
	rev, err := resolve(ctx, *repo, branch)
	if err != nil {
		return res, fmt.Errorf("resolve %s@%s: %w", repo.Name, branch, err)
	}
	res.Commit = rev.Commit
	repo.Track(branch)

	last, synced := repo.LastSynced(branch)
	res.PreviousCommit = last
	switch {
	case opts.Force || !synced:
		err = e.fullSync(ctx, repo, branch, rev, opts, res)
	case opts.WorkingTree:
		err = e.incrementalSync(ctx, repo, branch, rev, last, opts, res)
	case last == rev.Commit:
		res.Mode = ModeNoop
		e.note("syncer.up_to_date", repo.Name, branch, LevelInfo, "already synced to "+shortCommit(rev.Commit))
	default:
		err = e.incrementalSync(ctx, repo, branch, rev, last, opts, res)
	}
	if err != nil {
		return res, err
	}
	if err := types.ContextError(ctx); err != nil {
		return res, err
	}

	langs, err := e.languages(ctx, res.Collection)
	if err != nil {
		e.logger.Warn("syncer.languages_failed",
			slog.String("collection", res.Collection),
			slog.String("error", err.Error()))
		langs = repo.IndexedLanguages
	}
	repo.SetLastSynced(branch, rev.Commit)
	if res.snapshot != nil {
		e.bases.put(res.Collection, rev.Commit, res.snapshot)
	}
	repo.IndexedLanguages = langs
	res.Languages = langs
	return res, nil
}

func (e *Engine) fullSync(ctx context.Context, repo *config.RepositoryConfig, branch string, rev gitrepo.Revision, opts Options, res *Result) error {
	res.Mode = ModeFull
	snap, fileErrs, err := merkle.SnapshotContent(rev.Root, e.cfg.Ignore)
	if err != nil {
		return err
	}
	res.Failures = append(res.Failures, fileErrs...)
	paths := e.indexer.Filter(filterExtensions(snap.Paths(), opts.Extensions))
	e.note("syncer.full_sync", repo.Name, branch, LevelInfo,
		fmt.Sprintf("full sync of %d files at %s", len(paths), shortCommit(rev.Commit)))

	meta := chunker.Meta{Repository: repo.Name, Branch: branch, Commit: rev.Commit}
	out, err := e.indexer.EmbedFiles(ctx, rev.Root, paths, meta, e.progressSink(repo.Name, branch))
	if err != nil {
		return err
	}
	res.Failures = append(res.Failures, out.Failures...)
	if err := types.ContextError(ctx); err != nil {
		return err
	}
	points := e.indexer.Points(out.Embedded)

	dim := e.indexer.Dimension()
	if dim <= 0 && len(points) > 0 {
		dim = len(points[0].Vector)
	}
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension unknown", types.ErrConfig)
	}
	if err := e.store.DeleteCollection(ctx, res.Collection); err != nil {
		return err
	}
	spec := storage.CollectionSpec{Dimension: dim, Distance: e.cfg.Distance, Sparse: e.cfg.Sparse}
	if err := e.store.CreateCollection(ctx, res.Collection, spec); err != nil {
		return err
	}
	if err := e.upsert(ctx, res, points); err != nil {
		return err
	}
	res.FilesIndexed = out.Files - len(out.Failures)
	res.snapshot = snap
	return nil
}

func (e *Engine) incrementalSync(ctx context.Context, repo *config.RepositoryConfig, branch string, rev gitrepo.Revision, last string, opts Options, res *Result) error {
	info, err := e.store.GetCollectionInfo(ctx, res.Collection)
	if err != nil {
		return err
	}
	if err := e.schemaConflict(info); err != nil {
		if !e.cfg.RecreateOnSchemaConflict {
			return err
		}
		e.note("syncer.schema_rebuild", repo.Name, branch, LevelWarning, err.Error()+"; rebuilding collection")
		return e.fullSync(ctx, repo, branch, rev, opts, res)
	}

	oldSnap, err := e.source.Snapshot(ctx, *repo, last)
	if err != nil {
		if cerr := types.ContextError(ctx); cerr != nil {
			return cerr
		}
		e.note("syncer.base_missing", repo.Name, branch, LevelWarning,
			fmt.Sprintf("last synced commit %s unavailable (%v); running full sync", shortCommit(last), err))
		return e.fullSync(ctx, repo, branch, rev, opts, res)
	}
	// Diff against what was actually indexed at last when it is known.
	if indexed, ok := e.bases.get(res.Collection, last); ok {
		oldSnap = indexed
	}
	var newSnap *merkle.Snapshot
	if opts.WorkingTree {
		var fileErrs []*types.FileError
		newSnap, fileErrs, err = merkle.SnapshotContent(rev.Root, e.cfg.Ignore)
		res.Failures = append(res.Failures, fileErrs...)
	} else {
		newSnap, err = e.source.Snapshot(ctx, *repo, rev.Commit)
	}
	if err != nil {
		return err
	}
	res.snapshot = newSnap

	res.Mode = ModeIncremental
	diff := merkle.Compare(oldSnap, newSnap)
	if !diff.HasChanges() && last == rev.Commit {
		res.Mode = ModeNoop
		e.note("syncer.up_to_date", repo.Name, branch, LevelInfo, "working tree unchanged at "+shortCommit(rev.Commit))
		return nil
	}
	e.note("syncer.incremental_sync", repo.Name, branch, LevelInfo,
		fmt.Sprintf("incremental sync %s..%s: %d added, %d modified, %d deleted",
			shortCommit(last), shortCommit(rev.Commit), len(diff.Added), len(diff.Modified), len(diff.Deleted)))
	if !diff.HasChanges() {
		return nil
	}

	toIndex := e.indexer.Filter(filterExtensions(diff.ChangedFiles(), opts.Extensions))
	meta := chunker.Meta{Repository: repo.Name, Branch: branch, Commit: rev.Commit}
	out, err := e.indexer.EmbedFiles(ctx, rev.Root, toIndex, meta, e.progressSink(repo.Name, branch))
	if err != nil {
		return err
	}
	res.Failures = append(res.Failures, out.Failures...)

	byFile := make(map[string][]types.Point)
	for _, p := range e.indexer.Points(out.Embedded) {
		f := p.String(types.PayloadFilePath)
		byFile[f] = append(byFile[f], p)
	}

	// Every changed file is cleared before its new points land.
	files := unionSorted(diff.StalePaths(), toIndex)
	for _, f := range files {
		if err := types.ContextError(ctx); err != nil {
			return err
		}
		if err := e.store.DeletePoints(ctx, res.Collection, storage.ByFile(f)); err != nil {
			return fmt.Errorf("delete points of %s: %w", f, err)
		}
		if err := e.upsert(ctx, res, byFile[f]); err != nil {
			return fmt.Errorf("upsert points of %s: %w", f, err)
		}
	}
	res.FilesDeleted = len(diff.Deleted)
	res.FilesIndexed = len(toIndex) - len(out.Failures)
	return nil
}

// baseCache remembers, per collection, the content snapshot that was indexed
// at a commit. Working-tree syncs diff against it so edits indexed earlier
// are not mistaken for the committed tree.
type baseCache struct {
	mu    sync.Mutex
	snaps map[string]commitSnapshot
}

type commitSnapshot struct {
	commit string
	snap   *merkle.Snapshot
}

func newBaseCache() *baseCache {
	return &baseCache{snaps: make(map[string]commitSnapshot)}
}

func (c *baseCache) get(collection, commit string) (*merkle.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.snaps[collection]
	if !ok || cs.commit != commit {
		return nil, false
	}
	return cs.snap, true
}

func (c *baseCache) put(collection, commit string, snap *merkle.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[collection] = commitSnapshot{commit: commit, snap: snap}
}

func (c *baseCache) drop(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, collection)
}

func (e *Engine) schemaConflict(info *storage.CollectionInfo) error {
	want, _ := storage.ParseDistance(string(e.cfg.Distance))
	have, _ := storage.ParseDistance(string(info.Distance))
	dim := e.indexer.Dimension()
	if (dim > 0 && info.Dimension != dim) || want != have {
		return fmt.Errorf("%w: collection %s has dim=%d distance=%s, embedder produces dim=%d distance=%s",
			types.ErrConflictingSchema, info.Name, info.Dimension, have, dim, want)
	}
	return nil
}

func (e *Engine) upsert(ctx context.Context, res *Result, points []types.Point) error {
	for start := 0; start < len(points); start += upsertBatchSize {
		if err := types.ContextError(ctx); err != nil {
			return err
		}
		end := min(start+upsertBatchSize, len(points))
		r, err := e.store.UpsertPoints(ctx, res.Collection, points[start:end])
		if err != nil {
			return err
		}
		res.PointsUpserted += r.Upserted
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}

// languages collects the distinct language payloads of a collection.
func (e *Engine) languages(ctx context.Context, name string) ([]string, error) {
	set := map[string]struct{}{}
	err := storage.ScrollAll(ctx, e.store, name, nil, func(p types.Point) error {
		if l := p.String(types.PayloadLanguage); l != "" {
			set[l] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) progressSink(repo, branch string) types.ProgressSink {
	return types.ProgressFunc(func(p types.Progress) {
		e.status.Progress(repo, p)
		msg := string(p.Stage)
		if p.TotalFiles > 0 {
			msg = fmt.Sprintf("%s %d/%d files", p.Stage, p.FilesCompleted, p.TotalFiles)
		}
		e.emit(EventSyncProgress, repo, branch, LevelInfo, msg, &p)
	})
}

func (e *Engine) note(event, repo, branch string, level Level, msg string) {
	attrs := []any{slog.String("repository", repo), slog.String("branch", branch), slog.String("message", msg)}
	if level == LevelWarning {
		e.logger.Warn(event, attrs...)
	} else {
		e.logger.Info(event, attrs...)
	}
	e.status.Log(repo, msg)
	if level == LevelWarning {
		e.emit(EventShowSyncNotification, repo, branch, level, msg, nil)
	}
}

func (e *Engine) emit(kind EventKind, repo, branch string, level Level, msg string, p *types.Progress) {
	e.cfg.Events.Emit(Event{
		Kind:       kind,
		Repository: repo,
		Branch:     branch,
		Message:    msg,
		Level:      level,
		Time:       time.Now(),
		Progress:   p,
	})
}

// contextAware makes a failure caused by a done context match ErrCancelled or ErrTimeout.
func contextAware(ctx context.Context, err error) error {
	if errors.Is(err, types.ErrCancelled) || errors.Is(err, types.ErrTimeout) {
		return err
	}
	if cerr := types.ContextError(ctx); cerr != nil {
		return fmt.Errorf("%w (%v)", cerr, err)
	}
	return err
}

func summarize(res *Result) string {
	switch res.Mode {
	case ModeNoop:
		return fmt.Sprintf("%s@%s already synced to %s", res.Repository, res.Branch, shortCommit(res.Commit))
	case ModeIncremental:
		return fmt.Sprintf("%s@%s synced to %s: %d files indexed, %d deleted, %d points (%d failures)",
			res.Repository, res.Branch, shortCommit(res.Commit), res.FilesIndexed, res.FilesDeleted, res.PointsUpserted, len(res.Failures))
	default:
		return fmt.Sprintf("%s@%s fully indexed at %s: %d files, %d points (%d failures)",
			res.Repository, res.Branch, shortCommit(res.Commit), res.FilesIndexed, res.PointsUpserted, len(res.Failures))
	}
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func filterExtensions(paths []string, exts []string) []string {
	if len(exts) == 0 {
		return paths
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))] = true
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if allowed[types.Extension(p)] {
			out = append(out, p)
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
