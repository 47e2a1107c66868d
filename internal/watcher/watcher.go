package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/merkle"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Reason says why a sync was triggered. Higher values win when events of
// different kinds are coalesced.
type Reason int32

const (
	ReasonFiles Reason = iota + 1
	ReasonCommit
)

func (r Reason) String() string {
	switch r {
	case ReasonFiles:
		return "files_changed"
	case ReasonCommit:
		return "commit"
	default:
		return "none"
	}
}

// Trigger runs a sync of repo. It is called from a timer goroutine and never
// concurrently for the same repository.
type Trigger func(ctx context.Context, repo string, reason Reason)

// Config selects which changes trigger a sync.
type Config struct {
	Debounce        time.Duration
	WatchFiles      bool // working tree changes
	SyncAfterCommit bool // .git/HEAD and ref changes
	IgnorePatterns  []string
}

// ConfigFromApp maps the file_watcher and sync_after_commit settings.
func ConfigFromApp(cfg *config.AppConfig) Config {
	return Config{
		Debounce:        time.Duration(cfg.FileWatcher.DebounceMs) * time.Millisecond,
		WatchFiles:      cfg.FileWatcher.Enabled,
		SyncAfterCommit: cfg.SyncAfterCommit,
		IgnorePatterns:  append([]string(nil), cfg.IgnorePatterns...),
	}
}

// Enabled reports whether any change kind triggers a sync.
func (c Config) Enabled() bool {
	return c.WatchFiles || c.SyncAfterCommit
}

type pending struct {
	timer  *time.Timer
	reason Reason
}

// Watcher turns filesystem events under repository roots into debounced
// sync triggers, one timer per repository.
type Watcher struct {
	cfg     Config
	rules   *merkle.IgnoreRules
	trigger Trigger
	logger  *slog.Logger
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	ctx     context.Context
	roots   map[string]string // repository name -> absolute root
	pending map[string]*pending
	guards  map[string]*runGuard
	closed  bool
}

// New creates a Watcher. Call Add for each repository and Run to start
// delivering triggers.
func New(cfg Config, trigger Trigger, logger *slog.Logger) (*Watcher, error) {
	if trigger == nil {
		return nil, fmt.Errorf("%w: watcher trigger is nil", types.ErrConfig)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Duration(config.DefaultDebounceMs) * time.Millisecond
	}
	patterns := cfg.IgnorePatterns
	if len(patterns) == 0 {
		patterns = merkle.DefaultPatterns
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create watcher: %v", types.ErrIO, err)
	}
	return &Watcher{
		cfg:     cfg,
		rules:   merkle.NewIgnoreRules(patterns),
		trigger: trigger,
		logger:  logging.OrDefault(logger),
		fsw:     fsw,
		ctx:     context.Background(),
		roots:   make(map[string]string),
		pending: make(map[string]*pending),
		guards:  make(map[string]*runGuard),
	}, nil
}

// Add starts watching the working tree of repository name at root. Adding
// a name again replaces its root.
func (w *Watcher) Add(name, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrIO, root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrWorkingTreeMissing, abs, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("watcher closed")
	}
	_, replaced := w.roots[name]
	w.mu.Unlock()
	if replaced {
		w.Remove(name)
	}

	w.mu.Lock()
	w.roots[name] = abs
	w.mu.Unlock()

	if w.cfg.WatchFiles {
		if err := w.addTree(abs, abs); err != nil {
			w.Remove(name)
			return err
		}
	}
	if w.cfg.SyncAfterCommit {
		if err := w.addGitDirs(abs); err != nil {
			w.Remove(name)
			return err
		}
	}
	w.logger.Info("watcher.watching",
		slog.String("repository", name),
		slog.String("path", abs),
		slog.Bool("files", w.cfg.WatchFiles),
		slog.Bool("commits", w.cfg.SyncAfterCommit))
	return nil
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(root, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("%w: walk %s: %v", types.ErrIO, p, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel := relSlash(root, p); rel != "." && w.rules.Ignored(rel) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("%w: watch %s: %v", types.ErrIO, p, err)
		}
		return nil
	})
}

// addGitDirs watches .git for HEAD and every directory under .git/refs.
// A .git file (linked worktree) is skipped.
func (w *Watcher) addGitDirs(root string) error {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		w.logger.Debug("watcher.no_git_dir", slog.String("path", root))
		return nil
	}
	if err := w.fsw.Add(gitDir); err != nil {
		return fmt.Errorf("%w: watch %s: %v", types.ErrIO, gitDir, err)
	}
	return filepath.WalkDir(filepath.Join(gitDir, "refs"), func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("%w: watch %s: %v", types.ErrIO, p, err)
		}
		return nil
	})
}

// Remove stops watching repository name and drops its pending trigger.
func (w *Watcher) Remove(name string) {
	w.mu.Lock()
	root, ok := w.roots[name]
	delete(w.roots, name)
	if p, found := w.pending[name]; found {
		p.timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range w.fsw.WatchList() {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			_ = w.fsw.Remove(p)
		}
	}
}

// Watched returns the watched repository names, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.roots))
	for name := range w.roots {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run delivers events until ctx is done or the watcher is closed. Triggers
// receive ctx.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher.error", slog.String("error", err.Error()))
		}
	}
}

// Close stops every timer and releases the underlying watches.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for name, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	name, root, ok := w.owner(ev.Name)
	if !ok {
		return
	}
	rel := relSlash(root, ev.Name)
	reason := w.classify(rel)
	if reason == 0 {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			var err error
			if reason == ReasonCommit {
				err = w.fsw.Add(ev.Name)
			} else {
				err = w.addTree(root, ev.Name)
			}
			if err != nil {
				w.logger.Warn("watcher.add_failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
		}
	}
	w.logger.Debug("watcher.event",
		slog.String("repository", name),
		slog.String("path", rel),
		slog.String("op", ev.Op.String()))
	w.schedule(name, reason)
}

// classify maps a root-relative slash path to the trigger it causes, or 0.
func (w *Watcher) classify(rel string) Reason {
	if rel == ".git" || strings.HasPrefix(rel, ".git/") {
		if !w.cfg.SyncAfterCommit || strings.HasSuffix(rel, ".lock") {
			return 0
		}
		if rel == ".git/HEAD" || rel == ".git/packed-refs" || strings.HasPrefix(rel, ".git/refs/") {
			return ReasonCommit
		}
		return 0
	}
	if !w.cfg.WatchFiles || rel == "." || w.rules.Ignored(rel) {
		return 0
	}
	return ReasonFiles
}

// owner returns the repository whose root is the longest prefix of p.
func (w *Watcher) owner(p string) (name, root string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for n, r := range w.roots {
		if (p == r || strings.HasPrefix(p, r+string(filepath.Separator))) && len(r) > len(root) {
			name, root, ok = n, r, true
		}
	}
	return name, root, ok
}

// schedule starts or extends the debounce timer of name.
func (w *Watcher) schedule(name string, reason Reason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[name]; ok {
		if reason > p.reason {
			p.reason = reason
		}
		p.timer.Reset(w.cfg.Debounce)
		return
	}
	p := &pending{reason: reason}
	p.timer = time.AfterFunc(w.cfg.Debounce, func() { w.fire(name, p) })
	w.pending[name] = p
}

func (w *Watcher) fire(name string, p *pending) {
	w.mu.Lock()
	if w.closed || w.pending[name] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, name)
	if _, ok := w.roots[name]; !ok {
		w.mu.Unlock()
		return
	}
	reason := p.reason
	g, ok := w.guards[name]
	if !ok {
		g = &runGuard{}
		w.guards[name] = g
	}
	ctx := w.ctx
	w.mu.Unlock()

	if !g.TryAcquire() {
		g.RequestRerun(reason)
		// the holder may have released between the two calls
		if !g.TryAcquire() {
			w.logger.Debug("watcher.sync_deferred", slog.String("repository", name), slog.String("reason", reason.String()))
			return
		}
		if r := g.takeRerun(); r > reason {
			reason = r
		}
	}

	for reason != 0 {
		if ctx.Err() != nil {
			g.Release()
			return
		}
		w.logger.Info("watcher.sync_triggered", slog.String("repository", name), slog.String("reason", reason.String()))
		w.trigger(ctx, name, reason)
		reason = g.Release()
		if reason != 0 && !g.TryAcquire() {
			g.RequestRerun(reason)
			return
		}
	}
}

func relSlash(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}
