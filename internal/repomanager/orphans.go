package repomanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/gitrepo"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Orphan is a directory under the repositories base path that no
// configured repository points at.
type Orphan struct {
	Name            string `json:"name"`
	LocalPath       string `json:"local_path"`
	IsGitRepository bool   `json:"is_git_repository"`
	RemoteURL       string `json:"remote_url,omitempty"`
	FileCount       int    `json:"file_count"`
	SizeBytes       int64  `json:"size_bytes"`
}

// Missing is a configured repository whose working tree is gone.
type Missing struct {
	Name             string `json:"name"`
	URL              string `json:"url,omitempty"`
	LocalPath        string `json:"local_path"`
	AddedAsLocalPath bool   `json:"added_as_local_path"`
}

type OrphanSummary struct {
	OrphanedCount int `json:"orphaned_count"`
	MissingCount  int `json:"missing_count"`
}

// OrphanReport is the result of ScanOrphans.
type OrphanReport struct {
	Orphaned []Orphan      `json:"orphaned_repositories"`
	Missing  []Missing     `json:"missing_repositories"`
	Summary  OrphanSummary `json:"summary"`
}

// Outcome is the per-repository result of a bulk operation.
type Outcome struct {
	Name string
	Err  error
}

// ScanOrphans compares the repositories base path with the registry. A base
// path that does not exist has no orphans.
func (m *Manager) ScanOrphans() (*OrphanReport, error) {
	m.mu.RLock()
	base, err := m.basePath()
	repos := make([]config.RepositoryConfig, len(m.cfg.Repositories))
	copy(repos, m.cfg.Repositories)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	report := &OrphanReport{Orphaned: []Orphan{}, Missing: []Missing{}}

	names := make(map[string]struct{}, len(repos))
	paths := make(map[string]struct{}, len(repos))
	for _, r := range repos {
		names[r.Name] = struct{}{}
		if abs, err := filepath.Abs(r.LocalPath); err == nil {
			paths[filepath.Clean(abs)] = struct{}{}
		}
		if _, err := os.Stat(r.LocalPath); errors.Is(err, fs.ErrNotExist) {
			report.Missing = append(report.Missing, Missing{
				Name:             r.Name,
				URL:              r.URL,
				LocalPath:        r.LocalPath,
				AddedAsLocalPath: r.AddedAsLocalPath,
			})
		}
	}

	entries, err := os.ReadDir(base)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		entries = nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrIO, base, err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(base, e.Name())
		if _, ok := paths[dir]; ok {
			continue
		}
		if _, ok := names[e.Name()]; ok {
			continue
		}
		o := Orphan{Name: e.Name(), LocalPath: dir}
		if r, err := gitrepo.Open(dir); err == nil {
			o.IsGitRepository = true
			o.RemoteURL = r.RemoteURL("")
		}
		o.FileCount, o.SizeBytes = dirStats(dir)
		report.Orphaned = append(report.Orphaned, o)
	}

	sort.Slice(report.Orphaned, func(i, j int) bool { return report.Orphaned[i].Name < report.Orphaned[j].Name })
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i].Name < report.Missing[j].Name })
	report.Summary = OrphanSummary{OrphanedCount: len(report.Orphaned), MissingCount: len(report.Missing)}
	return report, nil
}

// dirStats counts regular files and their total size, skipping .git.
// Unreadable entries are skipped.
func dirStats(root string) (files int, size int64) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size
}

// FormatOrphans writes report as indented JSON or as plain text.
func FormatOrphans(w io.Writer, report *OrphanReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	var b strings.Builder
	if len(report.Orphaned) == 0 {
		b.WriteString("No orphaned repositories.\n")
	} else {
		fmt.Fprintf(&b, "Orphaned repositories (%d):\n", len(report.Orphaned))
		for _, o := range report.Orphaned {
			kind := "directory"
			if o.IsGitRepository {
				kind = "git"
			}
			fmt.Fprintf(&b, "  %s  [%s]  %s  %d files, %s\n", o.Name, kind, o.LocalPath, o.FileCount, humanBytes(o.SizeBytes))
			if o.RemoteURL != "" {
				fmt.Fprintf(&b, "      remote: %s\n", o.RemoteURL)
			}
		}
	}
	if len(report.Missing) == 0 {
		b.WriteString("No missing repositories.\n")
	} else {
		fmt.Fprintf(&b, "Missing repositories (%d):\n", len(report.Missing))
		for _, mr := range report.Missing {
			note := ""
			if mr.AddedAsLocalPath {
				note = "  (local path, cannot reclone)"
			}
			fmt.Fprintf(&b, "  %s  %s%s\n", mr.Name, mr.LocalPath, note)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Reclone restores the missing working tree of a cloned repository.
func (m *Manager) Reclone(ctx context.Context, name string) error {
	repo, err := m.Get(name)
	if err != nil {
		return err
	}
	if repo.AddedAsLocalPath {
		return fmt.Errorf("%w: %s was added as a local path and cannot be recloned", types.ErrConfig, name)
	}
	if repo.URL == "" {
		return fmt.Errorf("%w: %s has no url", types.ErrConfig, name)
	}
	if _, err := os.Stat(repo.LocalPath); err == nil {
		return fmt.Errorf("%w: %s", ErrNotMissing, repo.LocalPath)
	}
	if err := os.MkdirAll(filepath.Dir(repo.LocalPath), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", types.ErrIO, filepath.Dir(repo.LocalPath), err)
	}
	_, err = gitrepo.Clone(ctx, repo.URL, repo.LocalPath, gitrepo.CloneOptions{
		Branch:     repo.DefaultBranch,
		RemoteName: repo.RemoteName,
		Auth:       gitrepo.Auth{SSHKeyPath: repo.SSHKeyPath, SSHKeyPassphrase: repo.SSHKeyPassphrase},
	})
	if err != nil {
		_ = os.RemoveAll(repo.LocalPath)
		return err
	}
	m.logger.Info("repomanager.recloned", slog.String("repository", name), slog.String("path", repo.LocalPath))
	return nil
}

// RecloneMissing reclones every missing repository that has a url. Local
// path entries are skipped.
func (m *Manager) RecloneMissing(ctx context.Context) ([]Outcome, error) {
	report, err := m.ScanOrphans()
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, mr := range report.Missing {
		if mr.AddedAsLocalPath {
			m.logger.Warn("repomanager.reclone_skipped", slog.String("repository", mr.Name), slog.String("reason", "local path"))
			continue
		}
		out = append(out, Outcome{Name: mr.Name, Err: m.Reclone(ctx, mr.Name)})
	}
	return out, nil
}

func (m *Manager) findOrphan(name string) (Orphan, error) {
	report, err := m.ScanOrphans()
	if err != nil {
		return Orphan{}, err
	}
	for _, o := range report.Orphaned {
		if o.Name == name {
			return o, nil
		}
	}
	return Orphan{}, fmt.Errorf("%w: %s", ErrOrphanNotFound, name)
}

// AddOrphaned registers an orphaned git repository in place.
func (m *Manager) AddOrphaned(name string) (config.RepositoryConfig, error) {
	o, err := m.findOrphan(name)
	if err != nil {
		return config.RepositoryConfig{}, err
	}
	if !o.IsGitRepository {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s is not a git repository", types.ErrConfig, o.LocalPath)
	}
	r, err := gitrepo.Open(o.LocalPath)
	if err != nil {
		return config.RepositoryConfig{}, err
	}
	repo := config.RepositoryConfig{
		Name:             o.Name,
		URL:              o.RemoteURL,
		LocalPath:        o.LocalPath,
		AddedAsLocalPath: true,
	}
	if b, err := r.CurrentBranch(); err == nil {
		repo.DefaultBranch = b
	}
	repo.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.FindRepository(repo.Name) >= 0 {
		return config.RepositoryConfig{}, fmt.Errorf("%w: %s", types.ErrRepositoryExists, repo.Name)
	}
	m.cfg.Repositories = append(m.cfg.Repositories, repo)
	if err := m.save(); err != nil {
		return repo.Clone(), err
	}
	m.logger.Info("repomanager.orphan_added", slog.String("repository", repo.Name), slog.String("path", repo.LocalPath))
	return repo.Clone(), nil
}

// RemoveOrphaned deletes an orphaned directory.
func (m *Manager) RemoveOrphaned(name string) error {
	o, err := m.findOrphan(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(o.LocalPath); err != nil {
		return fmt.Errorf("%w: delete %s: %v", types.ErrIO, o.LocalPath, err)
	}
	m.logger.Info("repomanager.orphan_removed",
		slog.String("name", o.Name),
		slog.String("path", o.LocalPath),
		slog.Int64("size_bytes", o.SizeBytes))
	return nil
}

// CleanOrphans deletes every orphaned directory.
func (m *Manager) CleanOrphans() ([]Outcome, error) {
	report, err := m.ScanOrphans()
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(report.Orphaned))
	for _, o := range report.Orphaned {
		var oerr error
		if err := os.RemoveAll(o.LocalPath); err != nil {
			oerr = fmt.Errorf("%w: delete %s: %v", types.ErrIO, o.LocalPath, err)
		}
		out = append(out, Outcome{Name: o.Name, Err: oerr})
	}
	m.logger.Info("repomanager.orphans_cleaned", slog.Int("count", len(out)))
	return out, nil
}
