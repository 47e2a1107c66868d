// Package merkle detects file-level changes between two states of a repository.
//
// A file digest is SHA-256 over the little-endian file size, the file bytes
// and the little-endian modification time in whole seconds. Snapshots built
// from git trees have no meaningful mtime and use 0, so a tree snapshot and a
// working-tree snapshot of the same content never compare equal; the sync
// engine only ever diffs snapshots of the same kind.
//
//	before, _, _ := merkle.SnapshotDir(root, merkle.DefaultIgnoreRules())
//	// ... edit files ...
//	after, _, _ := merkle.SnapshotDir(root, merkle.DefaultIgnoreRules())
//	diff := merkle.Compare(before, after)
//	for _, p := range diff.ChangedFiles() {
//	    // re-index p
//	}
package merkle
