package repomanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/reposearch-mcp/internal/collection"
	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/gitrepo"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/syncer"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

var (
	ErrInvalidName    = errors.New("invalid repository name")
	ErrNotMissing     = errors.New("repository working tree is present")
	ErrOrphanNotFound = errors.New("orphaned repository not found")
	ErrNoSyncEngine   = errors.New("sync engine not configured")
	ErrNoActiveRepo   = errors.New("no active repository")
)

// CollectionStore drops collections. storage.VectorStore satisfies it.
type CollectionStore interface {
	DeleteCollection(ctx context.Context, name string) error
}

// Syncer runs syncs and can hold them off for a set of branches.
// *syncer.Engine satisfies it.
type Syncer interface {
	Sync(ctx context.Context, repo config.RepositoryConfig, opts syncer.Options) (config.RepositoryConfig, *syncer.Result, error)
	LockBranches(ctx context.Context, repo string, branches []string) (func(), error)
}

// AddOptions configures Add.
type AddOptions struct {
	Branch           string // default branch; empty uses the checked-out branch
	RemoteName       string
	SSHKeyPath       string
	SSHKeyPassphrase string
	TargetRef        string
	Progress         io.Writer // clone progress output
}

// Manager owns the repository registry in an AppConfig. Every mutation is
// saved to the config file. It is safe for concurrent use; syncs run without
// holding the registry lock.
type Manager struct {
	mu     sync.RWMutex
	cfg    *config.AppConfig
	path   string
	store  CollectionStore
	engine Syncer
	logger *slog.Logger
}

// New creates a Manager over cfg. path is where mutations are saved; empty
// keeps changes in memory. engine may be nil when syncs are not needed.
func New(cfg *config.AppConfig, path string, store CollectionStore, engine Syncer, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		path:   path,
		store:  store,
		engine: engine,
		logger: logging.OrDefault(logger),
	}
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() *config.AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// save persists the config. Callers hold m.mu for writing.
func (m *Manager) save() error {
	if m.path == "" {
		return nil
	}
	if err := config.Save(m.path, m.cfg); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	return nil
}

func (m *Manager) basePath() (string, error) {
	base, err := config.ExpandHome(m.cfg.RepositoriesBasePath)
	if err != nil {
		return "", fmt.Errorf("%w: repositories base path: %v", types.ErrConfig, err)
	}
	return filepath.Abs(base)
}

func (m *Manager) prefix() string {
	return m.cfg.Performance.CollectionNamePrefix
}

// Add registers a repository. An existing local directory is registered in
// place and never modified; anything else is cloned into the repositories
// base path. No collection is created.
func (m *Manager) Add(ctx context.Context, name, source string, opts AddOptions) (config.RepositoryConfig, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return config.RepositoryConfig{}, fmt.Errorf("%w: repository url or path is required", types.ErrConfig)
	}
	if name == "" {
		name = NameFromSource(source)
	}
	if err := ValidateName(name); err != nil {
		return config.RepositoryConfig{}, err
	}

	m.mu.RLock()
	exists := m.cfg.FindRepository(name) >= 0
	base, baseErr := m.basePath()
	m.mu.RUnlock()
	if exists {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s", types.ErrRepositoryExists, name)
	}

	repo := config.RepositoryConfig{
		Name:             name,
		RemoteName:       opts.RemoteName,
		SSHKeyPath:       opts.SSHKeyPath,
		SSHKeyPassphrase: opts.SSHKeyPassphrase,
		TargetRef:        opts.TargetRef,
		DefaultBranch:    opts.Branch,
	}

	var r *gitrepo.Repo
	if dir, ok := localDir(source); ok {
		opened, err := gitrepo.Open(dir)
		if err != nil {
			return config.RepositoryConfig{}, err
		}
		r = opened
		repo.LocalPath = dir
		repo.AddedAsLocalPath = true
		repo.URL = r.RemoteURL(opts.RemoteName)
	} else {
		if baseErr != nil {
			return config.RepositoryConfig{}, baseErr
		}
		dest := filepath.Join(base, name)
		if _, err := os.Stat(dest); err == nil {
			return config.RepositoryConfig{}, fmt.Errorf("%w: %s already exists on disk", types.ErrRepositoryExists, dest)
		}
		if err := os.MkdirAll(base, 0o755); err != nil {
			return config.RepositoryConfig{}, fmt.Errorf("%w: create %s: %v", types.ErrIO, base, err)
		}
		m.logger.Info("repomanager.clone_started", slog.String("repository", name), slog.String("url", source))
		cloned, err := gitrepo.Clone(ctx, source, dest, gitrepo.CloneOptions{
			Branch:     opts.Branch,
			RemoteName: opts.RemoteName,
			Auth:       gitrepo.Auth{SSHKeyPath: opts.SSHKeyPath, SSHKeyPassphrase: opts.SSHKeyPassphrase},
			Progress:   opts.Progress,
		})
		if err != nil {
			_ = os.RemoveAll(dest)
			return config.RepositoryConfig{}, err
		}
		r = cloned
		repo.URL = source
		repo.LocalPath = dest
	}

	if repo.DefaultBranch == "" {
		if b, err := r.CurrentBranch(); err == nil && b != "" {
			repo.DefaultBranch = b
		}
	}
	repo.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.FindRepository(name) >= 0 {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s", types.ErrRepositoryExists, name)
	}
	m.cfg.Repositories = append(m.cfg.Repositories, repo)
	if m.cfg.ActiveRepository == "" {
		m.cfg.ActiveRepository = name
	}
	if err := m.save(); err != nil {
		return repo.Clone(), err
	}
	m.logger.Info("repomanager.repository_added",
		slog.String("repository", name),
		slog.String("path", repo.LocalPath),
		slog.Bool("local_path", repo.AddedAsLocalPath),
		slog.String("default_branch", repo.DefaultBranch))
	return repo.Clone(), nil
}

// Remove drops every collection of the repository and its config entry.
// With deleteData the cloned working tree is deleted too; directories that
// were registered as local paths are always kept. Running syncs of the
// repository finish before anything is dropped.
func (m *Manager) Remove(ctx context.Context, name string, deleteData bool) error {
	repo, err := m.Get(name)
	if err != nil {
		return err
	}
	if m.engine != nil {
		branches := append(sortedBranches(collection.Names(m.prefix(), repo)), repo.CurrentBranch())
		unlock, err := m.engine.LockBranches(ctx, name, branches)
		if err != nil {
			return err
		}
		defer unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.cfg.FindRepository(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", types.ErrRepositoryNotFound, name)
	}
	repo = m.cfg.Repositories[idx]

	names := collection.Names(m.prefix(), repo)
	branches := sortedBranches(names)
	for _, b := range branches {
		if err := m.store.DeleteCollection(ctx, names[b]); err != nil {
			return fmt.Errorf("drop collection %s: %w", names[b], err)
		}
	}

	if deleteData {
		if repo.AddedAsLocalPath {
			m.logger.Warn("repomanager.local_path_kept",
				slog.String("repository", name),
				slog.String("path", repo.LocalPath))
		} else if err := os.RemoveAll(repo.LocalPath); err != nil {
			return fmt.Errorf("%w: delete %s: %v", types.ErrIO, repo.LocalPath, err)
		}
	}

	m.cfg.Repositories = slices.Delete(m.cfg.Repositories, idx, idx+1)
	if m.cfg.ActiveRepository == name {
		m.cfg.ActiveRepository = ""
	}
	m.logger.Info("repomanager.repository_removed",
		slog.String("repository", name),
		slog.Int("collections", len(branches)),
		slog.Bool("data_deleted", deleteData && !repo.AddedAsLocalPath))
	return m.save()
}

func sortedBranches(names map[string]string) []string {
	branches := make([]string, 0, len(names))
	for b := range names {
		branches = append(branches, b)
	}
	sort.Strings(branches)
	return branches
}

// List returns copies of every registered repository in registration order.
func (m *Manager) List() []config.RepositoryConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]config.RepositoryConfig, len(m.cfg.Repositories))
	for i := range m.cfg.Repositories {
		out[i] = m.cfg.Repositories[i].Clone()
	}
	return out
}

// Get returns a copy of the named repository.
func (m *Manager) Get(name string) (config.RepositoryConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.cfg.FindRepository(name)
	if idx < 0 {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s", types.ErrRepositoryNotFound, name)
	}
	return m.cfg.Repositories[idx].Clone(), nil
}

// SetActive makes name the active repository.
func (m *Manager) SetActive(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.FindRepository(name) < 0 {
		return fmt.Errorf("%w: %s", types.ErrRepositoryNotFound, name)
	}
	m.cfg.ActiveRepository = name
	return m.save()
}

// Active returns the active repository.
func (m *Manager) Active() (config.RepositoryConfig, error) {
	m.mu.RLock()
	name := m.cfg.ActiveRepository
	m.mu.RUnlock()
	if name == "" {
		return config.RepositoryConfig{}, ErrNoActiveRepo
	}
	return m.Get(name)
}

// SetActiveBranch switches the branch searches and syncs default to. The
// branch must exist locally or on the repository's remote.
func (m *Manager) SetActiveBranch(name, branch string) (config.RepositoryConfig, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return config.RepositoryConfig{}, fmt.Errorf("%w: branch name is empty", types.ErrInvalidBranch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.cfg.FindRepository(name)
	if idx < 0 {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s", types.ErrRepositoryNotFound, name)
	}
	repo := &m.cfg.Repositories[idx]

	r, err := gitrepo.Open(repo.LocalPath)
	if err != nil {
		return config.RepositoryConfig{}, err
	}
	if !r.HasBranch(repo.RemoteName, branch) {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s has no branch %q", types.ErrInvalidBranch, name, branch)
	}

	previous := repo.CurrentBranch()
	repo.ActiveBranch = branch
	repo.Track(branch)
	if err := m.save(); err != nil {
		return repo.Clone(), err
	}
	m.logger.Info("repomanager.branch_switched",
		slog.String("repository", name),
		slog.String("from", previous),
		slog.String("to", branch))
	return repo.Clone(), nil
}

// SwitchBranch sets the active branch and, when sync_on_repo_switch is on,
// syncs it. The result is nil when no sync ran.
func (m *Manager) SwitchBranch(ctx context.Context, name, branch string) (config.RepositoryConfig, *syncer.Result, error) {
	repo, err := m.SetActiveBranch(name, branch)
	if err != nil {
		return repo, nil, err
	}
	m.mu.RLock()
	syncOnSwitch := m.cfg.SyncOnRepoSwitch
	m.mu.RUnlock()
	if !syncOnSwitch {
		return repo, nil, nil
	}
	res, err := m.Sync(ctx, name, syncer.Options{Branch: branch})
	if updated, getErr := m.Get(name); getErr == nil {
		repo = updated
	}
	return repo, res, err
}

// Sync runs the engine for one branch of name and merges the sync metadata
// it produced back into the registry.
func (m *Manager) Sync(ctx context.Context, name string, opts syncer.Options) (*syncer.Result, error) {
	if m.engine == nil {
		return nil, ErrNoSyncEngine
	}
	repo, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	branch := opts.Branch
	if branch == "" {
		branch = repo.CurrentBranch()
	}
	opts.Branch = branch

	updated, res, syncErr := m.engine.Sync(ctx, repo, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.cfg.FindRepository(name)
	if idx < 0 {
		// a sync queued behind Remove ran after the drop
		if syncErr == nil && res != nil && m.store != nil {
			if err := m.store.DeleteCollection(ctx, res.Collection); err != nil {
				m.logger.Warn("repomanager.orphan_collection",
					slog.String("collection", res.Collection),
					slog.String("error", err.Error()))
			}
		}
		return res, fmt.Errorf("%w: %s was removed during sync", types.ErrRepositoryNotFound, name)
	}
	cur := &m.cfg.Repositories[idx]

	changed := false
	if res != nil && res.Repaired {
		cur.ClearSyncMetadata()
		changed = true
	}
	if syncErr == nil {
		if commit, ok := updated.LastSynced(branch); ok {
			cur.SetLastSynced(branch, commit)
		}
		cur.IndexedLanguages = append([]string(nil), updated.IndexedLanguages...)
		cur.Track(branch)
		changed = true
	}
	if changed {
		if err := m.save(); err != nil && syncErr == nil {
			return res, err
		}
	}
	return res, syncErr
}

// NameFromSource derives a repository name from a URL or path: the last
// path element without a .git suffix.
func NameFromSource(source string) string {
	s := strings.TrimRight(strings.TrimSpace(source), "/\\")
	if i := strings.LastIndexAny(s, "/\\:"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(s, ".git")
}

// ValidateName rejects names that cannot be used as a directory name.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\:`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	return nil
}

// localDir reports whether source names an existing local directory and
// returns its absolute path.
func localDir(source string) (string, bool) {
	if strings.Contains(source, "://") || isSCPLike(source) {
		return "", false
	}
	p, err := config.ExpandHome(source)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return abs, true
}

// isSCPLike matches user@host:path remotes.
func isSCPLike(s string) bool {
	at := strings.Index(s, "@")
	colon := strings.Index(s, ":")
	return at > 0 && colon > at && !strings.ContainsAny(s[:at], `/\`)
}
