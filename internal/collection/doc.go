// Package collection maps (repository, branch) pairs to vector store
// collection names and checks recorded sync metadata against the store.
//
// Names have the form
//
//	<prefix><32 hex chars of sha256(repo)>_<16 hex chars of sha256(branch)>
//
// and are stable across releases. A repository whose last_synced_commits
// names a branch without a non-empty collection has drifted; Repair either
// clears the metadata so the next sync is a full one, or reports
// types.ErrStoreDriftDetected.
package collection
