package collection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/storage"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const (
	repoHashLen   = 32
	branchHashLen = 16
)

// Name returns the collection holding the points of (repo, branch).
func Name(prefix, repo, branch string) string {
	return prefix + shortHash(repo, repoHashLen) + "_" + shortHash(branch, branchHashLen)
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// Names returns the collection names of every known branch of repo, keyed by branch.
func Names(prefix string, repo config.RepositoryConfig) map[string]string {
	branches := repo.KnownBranches()
	out := make(map[string]string, len(branches))
	for _, b := range branches {
		out[b] = Name(prefix, repo.Name, b)
	}
	return out
}

// Store is the part of storage.VectorStore the validator reads.
type Store interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	GetCollectionInfo(ctx context.Context, name string) (*storage.CollectionInfo, error)
}

// EntryStatus is the verdict for one synced branch.
type EntryStatus string

const (
	EntryOK      EntryStatus = "ok"
	EntryMissing EntryStatus = "missing"
	EntryEmpty   EntryStatus = "empty"
)

// Entry is the validation result of one last_synced_commits entry.
type Entry struct {
	Branch     string      `json:"branch"`
	Commit     string      `json:"commit"`
	Collection string      `json:"collection"`
	Status     EntryStatus `json:"status"`
}

// Report is the outcome of validating one repository.
type Report struct {
	Repository string  `json:"repository"`
	Valid      bool    `json:"valid"`
	Entries    []Entry `json:"entries"`
}

// Invalid returns the entries that failed validation.
func (r *Report) Invalid() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Status != EntryOK {
			out = append(out, e)
		}
	}
	return out
}

// Validator checks recorded sync metadata against the vector store.
type Validator struct {
	store  Store
	prefix string
	logger *slog.Logger
}

// NewValidator creates a validator naming collections with prefix.
func NewValidator(store Store, prefix string, logger *slog.Logger) *Validator {
	return &Validator{store: store, prefix: prefix, logger: logging.OrDefault(logger)}
}

// Prefix returns the collection name prefix.
func (v *Validator) Prefix() string {
	return v.prefix
}

// Validate checks that every synced branch of repo has a non-empty collection.
// Store failures are returned as errors; they say nothing about drift.
func (v *Validator) Validate(ctx context.Context, repo config.RepositoryConfig) (*Report, error) {
	report := &Report{Repository: repo.Name, Valid: true}

	branches := make([]string, 0, len(repo.LastSyncedCommits))
	for b, c := range repo.LastSyncedCommits {
		if c != "" {
			branches = append(branches, b)
		}
	}
	sort.Strings(branches)

	for _, branch := range branches {
		if err := types.ContextError(ctx); err != nil {
			return nil, err
		}
		entry := Entry{
			Branch:     branch,
			Commit:     repo.LastSyncedCommits[branch],
			Collection: Name(v.prefix, repo.Name, branch),
			Status:     EntryOK,
		}
		exists, err := v.store.CollectionExists(ctx, entry.Collection)
		if err != nil {
			return nil, fmt.Errorf("validate %s@%s: %w", repo.Name, branch, err)
		}
		if !exists {
			entry.Status = EntryMissing
		} else {
			info, err := v.store.GetCollectionInfo(ctx, entry.Collection)
			if err != nil {
				return nil, fmt.Errorf("validate %s@%s: %w", repo.Name, branch, err)
			}
			if info.PointsCount == 0 {
				entry.Status = EntryEmpty
			}
		}
		if entry.Status != EntryOK {
			report.Valid = false
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

// Repair validates repo and, when drift is found, either clears its sync
// metadata (autoRepair) or fails with types.ErrStoreDriftDetected. The
// returned report describes the state before any repair.
func (v *Validator) Repair(ctx context.Context, repo *config.RepositoryConfig, autoRepair bool) (*Report, error) {
	report, err := v.Validate(ctx, *repo)
	if err != nil {
		return nil, err
	}
	if report.Valid {
		return report, nil
	}

	bad := report.Invalid()
	if !autoRepair {
		return report, fmt.Errorf("%w: repository %s, branch %s collection %s is %s",
			types.ErrStoreDriftDetected, repo.Name, bad[0].Branch, bad[0].Collection, bad[0].Status)
	}

	v.logger.Warn("collection.drift_repaired",
		slog.String("repository", repo.Name),
		slog.Int("invalid_entries", len(bad)),
		slog.String("first_branch", bad[0].Branch),
		slog.String("first_status", string(bad[0].Status)))
	repo.ClearSyncMetadata()
	return report, nil
}
