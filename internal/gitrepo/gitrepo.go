package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/dshills/reposearch-mcp/internal/merkle"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Auth carries optional SSH credentials for remote operations.
type Auth struct {
	SSHKeyPath       string
	SSHKeyPassphrase string
}

func (a Auth) method() (transport.AuthMethod, error) {
	if a.SSHKeyPath == "" {
		return nil, nil
	}
	keys, err := ssh.NewPublicKeysFromFile("git", a.SSHKeyPath, a.SSHKeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: load ssh key %s: %v", types.ErrConfig, a.SSHKeyPath, err)
	}
	return keys, nil
}

// CloneOptions configures Clone.
type CloneOptions struct {
	Branch     string // empty clones the remote HEAD
	RemoteName string // default "origin"
	Auth       Auth
	Progress   io.Writer
}

// Repo wraps an opened git repository and its working tree path.
type Repo struct {
	path string
	repo *git.Repository
}

// Clone clones url into dest. dest must not exist or be empty.
func Clone(ctx context.Context, url, dest string, opts CloneOptions) (*Repo, error) {
	auth, err := opts.Auth.method()
	if err != nil {
		return nil, err
	}
	co := &git.CloneOptions{
		URL:        url,
		RemoteName: opts.RemoteName,
		Auth:       auth,
		Progress:   opts.Progress,
		Tags:       git.AllTags,
	}
	if opts.Branch != "" {
		co.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}
	r, err := git.PlainCloneContext(ctx, dest, false, co)
	if err != nil {
		if ctxErr := types.ContextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: clone %s: %v", types.ErrIO, url, err)
	}
	return &Repo{path: dest, repo: r}, nil
}

// Open opens the repository whose working tree is path.
func Open(path string) (*Repo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrWorkingTreeMissing, path, err)
	}
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open repository %s: %v", types.ErrIO, path, err)
	}
	return &Repo{path: path, repo: r}, nil
}

// Path returns the working tree root.
func (r *Repo) Path() string {
	return r.path
}

// RemoteURL returns the first configured URL of remote, or "" when the
// remote does not exist.
func (r *Repo) RemoteURL(remote string) string {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	rem, err := r.repo.Remote(remote)
	if err != nil || len(rem.Config().URLs) == 0 {
		return ""
	}
	return rem.Config().URLs[0]
}

// Fetch updates remote-tracking refs. An up-to-date remote is not an error.
func (r *Repo) Fetch(ctx context.Context, remote string, auth Auth) error {
	method, err := auth.method()
	if err != nil {
		return err
	}
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))},
		Auth:       method,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if ctxErr := types.ContextError(ctx); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: fetch %s: %v", types.ErrIO, remote, err)
}

// fallbackBranches lists the branches tried when branch has no remote-tracking ref.
func fallbackBranches(branch string) []string {
	switch branch {
	case "main":
		return []string{"master"}
	case "master":
		return []string{"main"}
	default:
		return []string{"main", "master"}
	}
}

// ResolveRemoteBranch returns the commit of remote/branch. When that ref is
// missing it falls back to main or master and reports the branch it used.
func (r *Repo) ResolveRemoteBranch(remote, branch string) (commit, resolved string, err error) {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	for _, b := range append([]string{branch}, fallbackBranches(branch)...) {
		ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, b), true)
		if err == nil {
			return ref.Hash().String(), b, nil
		}
	}
	return "", "", fmt.Errorf("%w: no remote-tracking ref %s/%s (tried main, master)", types.ErrInvalidBranch, remote, branch)
}

// ResolveLocalBranch returns the commit of refs/heads/branch.
func (r *Repo) ResolveLocalBranch(branch string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", fmt.Errorf("%w: local branch %s: %v", types.ErrInvalidBranch, branch, err)
	}
	return ref.Hash().String(), nil
}

// ResolveRevision resolves a branch, tag or commit expression to a commit.
func (r *Repo) ResolveRevision(rev string) (string, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("%w: revision %s: %v", types.ErrInvalidBranch, rev, err)
	}
	return h.String(), nil
}

// HasBranch reports whether branch exists locally or as remote/branch.
func (r *Repo) HasBranch(remote, branch string) bool {
	if _, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
		return true
	}
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	_, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	return err == nil
}

// Branches returns local branch names plus remote-tracking branches of remote, sorted and unique.
func (r *Repo) Branches(remote string) ([]string, error) {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	refs, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("%w: list references: %v", types.ErrIO, err)
	}
	set := map[string]struct{}{}
	prefix := "refs/remotes/" + remote + "/"
	_ = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		switch {
		case ref.Name().IsBranch():
			set[ref.Name().Short()] = struct{}{}
		case strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, "/HEAD"):
			set[strings.TrimPrefix(name, prefix)] = struct{}{}
		}
		return nil
	})
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

// CurrentBranch returns the checked-out branch, or "" for a detached HEAD.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: read HEAD: %v", types.ErrIO, err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the commit HEAD points at.
func (r *Repo) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: read HEAD: %v", types.ErrIO, err)
	}
	return head.Hash().String(), nil
}

// Checkout switches the working tree to branch at commit, creating or moving
// the local branch ref, and discards local changes.
func (r *Repo) Checkout(branch, commit string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: worktree: %v", types.ErrIO, err)
	}
	name := plumbing.NewBranchReferenceName(branch)
	hash := plumbing.NewHash(commit)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		return fmt.Errorf("%w: set branch %s: %v", types.ErrIO, branch, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: name, Force: true}); err != nil {
		return fmt.Errorf("%w: checkout %s: %v", types.ErrIO, branch, err)
	}
	return nil
}

// ResetHard moves HEAD and the working tree to commit.
func (r *Repo) ResetHard(commit string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: worktree: %v", types.ErrIO, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(commit), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("%w: reset to %s: %v", types.ErrIO, commit, err)
	}
	return nil
}

// TreeSnapshot digests every regular file in the tree of commit. Tree
// entries have no mtime, so digests use mtime 0 and are comparable only
// with other tree snapshots.
func (r *Repo) TreeSnapshot(ctx context.Context, commit string, rules *merkle.IgnoreRules) (*merkle.Snapshot, error) {
	if rules == nil {
		rules = merkle.DefaultIgnoreRules()
	}
	c, err := r.repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s: %v", types.ErrIO, commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: tree of %s: %v", types.ErrIO, commit, err)
	}

	snap := merkle.NewSnapshot()
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := types.ContextError(ctx); err != nil {
			return err
		}
		if f.Mode != filemode.Regular && f.Mode != filemode.Executable {
			return nil
		}
		if rules.Ignored(f.Name) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("%w: read %s@%s: %v", types.ErrIO, f.Name, commit, err)
		}
		snap.Add(f.Name, merkle.FileDigest(uint64(f.Size), []byte(content), 0))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
