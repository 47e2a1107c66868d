package repomanager

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// orphanFixture has one cloned repository, one missing repository, a plain
// orphan directory and an orphan git repository with a remote.
func orphanFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	_, up := f.upstream(t)
	_, err := f.mgr.Add(ctx, "kept", "file://"+filepath.ToSlash(up), AddOptions{})
	require.NoError(t, err)

	f.mgr.cfg.Repositories = append(f.mgr.cfg.Repositories, config.RepositoryConfig{
		Name:          "gone",
		URL:           "file://" + filepath.ToSlash(up),
		LocalPath:     filepath.Join(f.base, "gone"),
		DefaultBranch: "master",
	}, config.RepositoryConfig{
		Name:             "gone-local",
		LocalPath:        filepath.Join(f.root, "elsewhere"),
		AddedAsLocalPath: true,
	})

	plain := filepath.Join(f.base, "scratch")
	require.NoError(t, os.MkdirAll(filepath.Join(plain, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plain, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(plain, "sub", "b.txt"), []byte("world!"), 0o644))

	r := initRepo(t, filepath.Join(f.base, "stray"))
	_, err = r.CreateRemote(&gitconfig.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{"https://example.com/stray.git"}})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(f.base, ".cache"), 0o755))
	return f
}

func TestScanOrphans(t *testing.T) {
	f := orphanFixture(t)
	report, err := f.mgr.ScanOrphans()
	require.NoError(t, err)

	require.Len(t, report.Orphaned, 2)
	scratch, stray := report.Orphaned[0], report.Orphaned[1]

	assert.Equal(t, "scratch", scratch.Name)
	assert.False(t, scratch.IsGitRepository)
	assert.Equal(t, 2, scratch.FileCount)
	assert.Equal(t, int64(11), scratch.SizeBytes)

	assert.Equal(t, "stray", stray.Name)
	assert.True(t, stray.IsGitRepository)
	assert.Equal(t, "https://example.com/stray.git", stray.RemoteURL)
	assert.Equal(t, 1, stray.FileCount)

	require.Len(t, report.Missing, 2)
	assert.Equal(t, "gone", report.Missing[0].Name)
	assert.Equal(t, "gone-local", report.Missing[1].Name)
	assert.True(t, report.Missing[1].AddedAsLocalPath)
	assert.Equal(t, OrphanSummary{OrphanedCount: 2, MissingCount: 2}, report.Summary)
}

func TestScanOrphansWithoutBasePath(t *testing.T) {
	f := newFixture(t)
	report, err := f.mgr.ScanOrphans()
	require.NoError(t, err)
	assert.Empty(t, report.Orphaned)
	assert.Empty(t, report.Missing)
}

func TestFormatOrphans(t *testing.T) {
	f := orphanFixture(t)
	report, err := f.mgr.ScanOrphans()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, FormatOrphans(&buf, report, true))
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "orphaned_repositories")
	assert.Contains(t, decoded, "missing_repositories")
	assert.JSONEq(t, `{"orphaned_count":2,"missing_count":2}`, string(decoded["summary"]))

	buf.Reset()
	require.NoError(t, FormatOrphans(&buf, report, false))
	out := buf.String()
	assert.Contains(t, out, "Orphaned repositories (2):")
	assert.Contains(t, out, "stray  [git]")
	assert.Contains(t, out, "remote: https://example.com/stray.git")
	assert.Contains(t, out, "gone-local")
	assert.Contains(t, out, "cannot reclone")

	buf.Reset()
	require.NoError(t, FormatOrphans(&buf, &OrphanReport{}, false))
	assert.Equal(t, "No orphaned repositories.\nNo missing repositories.\n", buf.String())
}

func TestReclone(t *testing.T) {
	f := orphanFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Reclone(ctx, "gone"))
	assert.FileExists(t, filepath.Join(f.base, "gone", "main.go"))

	assert.ErrorIs(t, f.mgr.Reclone(ctx, "gone"), ErrNotMissing)
	assert.ErrorIs(t, f.mgr.Reclone(ctx, "gone-local"), types.ErrConfig)
	assert.ErrorIs(t, f.mgr.Reclone(ctx, "unknown"), types.ErrRepositoryNotFound)
}

func TestRecloneMissing(t *testing.T) {
	f := orphanFixture(t)
	outcomes, err := f.mgr.RecloneMissing(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "gone", outcomes[0].Name)
	assert.NoError(t, outcomes[0].Err)
	assert.NoDirExists(t, filepath.Join(f.root, "elsewhere"))
}

func TestAddOrphaned(t *testing.T) {
	f := orphanFixture(t)

	repo, err := f.mgr.AddOrphaned("stray")
	require.NoError(t, err)
	assert.True(t, repo.AddedAsLocalPath)
	assert.Equal(t, "https://example.com/stray.git", repo.URL)
	assert.Equal(t, "master", repo.DefaultBranch)
	assert.Equal(t, filepath.Join(f.base, "stray"), repo.LocalPath)

	_, err = f.mgr.AddOrphaned("scratch")
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = f.mgr.AddOrphaned("stray")
	assert.ErrorIs(t, err, ErrOrphanNotFound)

	report, err := f.mgr.ScanOrphans()
	require.NoError(t, err)
	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, "scratch", report.Orphaned[0].Name)
}

func TestRemoveOrphaned(t *testing.T) {
	f := orphanFixture(t)
	require.NoError(t, f.mgr.RemoveOrphaned("scratch"))
	assert.NoDirExists(t, filepath.Join(f.base, "scratch"))
	assert.ErrorIs(t, f.mgr.RemoveOrphaned("kept"), ErrOrphanNotFound)
	assert.DirExists(t, filepath.Join(f.base, "kept"))
}

func TestCleanOrphans(t *testing.T) {
	f := orphanFixture(t)
	outcomes, err := f.mgr.CleanOrphans()
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.NoError(t, o.Err, o.Name)
	}
	assert.NoDirExists(t, filepath.Join(f.base, "scratch"))
	assert.NoDirExists(t, filepath.Join(f.base, "stray"))
	assert.DirExists(t, filepath.Join(f.base, "kept"))
	assert.DirExists(t, filepath.Join(f.base, ".cache"))
}
