package gitrepo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/merkle"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Revision is the resolved target of a sync.
type Revision struct {
	Commit string // full commit hash
	Branch string // branch actually resolved, after main/master fallback
	Root   string // working tree to read file contents from
}

// Source resolves sync targets for repository records backed by git.
type Source struct {
	rules  *merkle.IgnoreRules
	logger *slog.Logger
}

// NewSource creates a Source. Tree snapshots skip paths matched by rules.
func NewSource(rules *merkle.IgnoreRules, logger *slog.Logger) *Source {
	if rules == nil {
		rules = merkle.DefaultIgnoreRules()
	}
	return &Source{rules: rules, logger: logging.OrDefault(logger)}
}

func authFor(repo config.RepositoryConfig) Auth {
	return Auth{SSHKeyPath: repo.SSHKeyPath, SSHKeyPassphrase: repo.SSHKeyPassphrase}
}

// Resolve finds the commit to sync for branch.
//
// A pinned target_ref wins over the branch. Cloned repositories are fetched
// (a failed fetch falls back to local refs) and hard reset so the working
// tree matches the commit, unless the branch is already checked out at that
// commit, in which case uncommitted edits are left alone. Local-path registrations are never modified:
// their local branch ref is read and files come from the working tree.
func (s *Source) Resolve(ctx context.Context, repo config.RepositoryConfig, branch string) (Revision, error) {
	r, err := Open(repo.LocalPath)
	if err != nil {
		return Revision{}, err
	}
	rev := Revision{Branch: branch, Root: repo.LocalPath}

	if repo.TargetRef != "" {
		commit, err := r.ResolveRevision(repo.TargetRef)
		if err != nil {
			return Revision{}, err
		}
		rev.Commit = commit
		if !repo.AddedAsLocalPath {
			if err := r.ResetHard(commit); err != nil {
				return Revision{}, err
			}
		}
		return rev, nil
	}

	if repo.AddedAsLocalPath {
		commit, err := r.ResolveLocalBranch(branch)
		if err != nil {
			return Revision{}, err
		}
		rev.Commit = commit
		if current, _ := r.CurrentBranch(); current != branch {
			s.logger.Warn("gitrepo.branch_not_checked_out",
				slog.String("repository", repo.Name),
				slog.String("branch", branch),
				slog.String("checked_out", current))
		}
		return rev, nil
	}

	if err := r.Fetch(ctx, repo.RemoteName, authFor(repo)); err != nil {
		if ctx.Err() != nil {
			return Revision{}, err
		}
		s.logger.Warn("gitrepo.fetch_failed",
			slog.String("repository", repo.Name),
			slog.String("remote", repo.RemoteName),
			slog.String("error", err.Error()))
	}
	commit, resolved, err := r.ResolveRemoteBranch(repo.RemoteName, branch)
	if err != nil {
		return Revision{}, err
	}
	if resolved != branch {
		s.logger.Info("gitrepo.branch_fallback",
			slog.String("repository", repo.Name),
			slog.String("requested", branch),
			slog.String("resolved", resolved))
	}
	if !checkedOutAt(r, resolved, commit) {
		if err := r.Checkout(resolved, commit); err != nil {
			return Revision{}, err
		}
	}
	rev.Commit = commit
	rev.Branch = resolved
	return rev, nil
}

func checkedOutAt(r *Repo, branch, commit string) bool {
	current, err := r.CurrentBranch()
	if err != nil || current != branch {
		return false
	}
	head, err := r.HeadCommit()
	return err == nil && head == commit
}

// Current describes the checkout as it is, without fetching or moving HEAD.
// It fails with ErrInvalidBranch when branch is not the checked-out branch.
func (s *Source) Current(_ context.Context, repo config.RepositoryConfig, branch string) (Revision, error) {
	r, err := Open(repo.LocalPath)
	if err != nil {
		return Revision{}, err
	}
	current, err := r.CurrentBranch()
	if err != nil {
		return Revision{}, err
	}
	if current != branch {
		return Revision{}, fmt.Errorf("%w: %s is checked out, not %s", types.ErrInvalidBranch, current, branch)
	}
	commit, err := r.HeadCommit()
	if err != nil {
		return Revision{}, err
	}
	return Revision{Commit: commit, Branch: branch, Root: repo.LocalPath}, nil
}

// Snapshot returns the Merkle snapshot of the tree at commit.
func (s *Source) Snapshot(ctx context.Context, repo config.RepositoryConfig, commit string) (*merkle.Snapshot, error) {
	r, err := Open(repo.LocalPath)
	if err != nil {
		return nil, err
	}
	return r.TreeSnapshot(ctx, commit, s.rules)
}
