package config

import (
	"slices"
	"sort"
)

// DefaultRemoteName is used when a repository record does not name a remote.
const DefaultRemoteName = "origin"

// RepositoryConfig is the persisted record of one tracked repository.
type RepositoryConfig struct {
	Name              string            `yaml:"name"`
	URL               string            `yaml:"url,omitempty"`
	LocalPath         string            `yaml:"local_path"`
	DefaultBranch     string            `yaml:"default_branch"`
	TrackedBranches   []string          `yaml:"tracked_branches"`
	ActiveBranch      string            `yaml:"active_branch,omitempty"`
	RemoteName        string            `yaml:"remote_name,omitempty"`
	SSHKeyPath        string            `yaml:"ssh_key_path,omitempty"`
	SSHKeyPassphrase  string            `yaml:"ssh_key_passphrase,omitempty"`
	LastSyncedCommits map[string]string `yaml:"last_synced_commits,omitempty"`
	IndexedLanguages  []string          `yaml:"indexed_languages,omitempty"`
	AddedAsLocalPath  bool              `yaml:"added_as_local_path"`
	TargetRef         string            `yaml:"target_ref,omitempty"`
}

func (r *RepositoryConfig) applyDefaults() {
	if r.RemoteName == "" {
		r.RemoteName = DefaultRemoteName
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	if r.ActiveBranch == "" {
		r.ActiveBranch = r.DefaultBranch
	}
	if len(r.TrackedBranches) == 0 {
		r.TrackedBranches = []string{r.DefaultBranch}
	}
}

// Normalize fills defaults for fields a caller left empty.
func (r *RepositoryConfig) Normalize() {
	r.applyDefaults()
}

// CurrentBranch returns the active branch, falling back to the default branch.
func (r *RepositoryConfig) CurrentBranch() string {
	if r.ActiveBranch != "" {
		return r.ActiveBranch
	}
	return r.DefaultBranch
}

// LastSynced returns the commit last synced for branch.
func (r *RepositoryConfig) LastSynced(branch string) (string, bool) {
	c, ok := r.LastSyncedCommits[branch]
	return c, ok && c != ""
}

// SetLastSynced records commit as the last fully synced commit of branch.
func (r *RepositoryConfig) SetLastSynced(branch, commit string) {
	if r.LastSyncedCommits == nil {
		r.LastSyncedCommits = make(map[string]string)
	}
	r.LastSyncedCommits[branch] = commit
}

// ClearSyncMetadata forgets every synced commit and indexed language.
func (r *RepositoryConfig) ClearSyncMetadata() {
	r.LastSyncedCommits = nil
	r.IndexedLanguages = nil
}

// Track adds branch to the tracked set if missing.
func (r *RepositoryConfig) Track(branch string) {
	if !slices.Contains(r.TrackedBranches, branch) {
		r.TrackedBranches = append(r.TrackedBranches, branch)
	}
}

// KnownBranches returns tracked branches plus any with sync metadata, sorted.
func (r *RepositoryConfig) KnownBranches() []string {
	set := make(map[string]struct{}, len(r.TrackedBranches)+len(r.LastSyncedCommits))
	for _, b := range r.TrackedBranches {
		set[b] = struct{}{}
	}
	for b := range r.LastSyncedCommits {
		set[b] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the record.
func (r RepositoryConfig) Clone() RepositoryConfig {
	out := r
	out.TrackedBranches = append([]string(nil), r.TrackedBranches...)
	out.IndexedLanguages = append([]string(nil), r.IndexedLanguages...)
	if r.LastSyncedCommits != nil {
		out.LastSyncedCommits = make(map[string]string, len(r.LastSyncedCommits))
		for k, v := range r.LastSyncedCommits {
			out.LastSyncedCommits[k] = v
		}
	}
	return out
}
