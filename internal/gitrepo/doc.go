// Package gitrepo wraps go-git for the repository operations the indexer
// needs: cloning, fetching, resolving branches and pinned refs, checking out
// and hard-resetting working trees, and digesting commit trees into Merkle
// snapshots for incremental diffs.
//
// Source adapts these operations to the sync engine. Remote branches that
// do not exist fall back to main, then master.
package gitrepo
