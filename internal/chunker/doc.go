// Package chunker is the file processor of the indexing pipeline. It reads
// repository files, dispatches them to the language parsers and binds each
// chunk to its repository, branch and commit with a deterministic point ID.
//
// # Basic Usage
//
//	c := chunker.New(registry, chunker.Options{Concurrency: 8}, logger)
//	res, err := c.ProcessFiles(ctx, repoRoot, paths, chunker.Meta{
//	    Repository: "api", Branch: "main", Commit: head,
//	}, sink)
//
// # Concurrency
//
// Paths flow through a bounded queue to Concurrency workers. Results are
// delivered as each file finishes, so ordering across files is not
// preserved; chunks within a file keep their source order.
//
// # Failures
//
// Files over the byte budget fail with types.ErrFileTooLarge, unreadable
// files with types.ErrIO. Either failure is recorded per file and the rest
// of the batch continues. Files with a NUL byte in their first 8 KiB are
// treated as binary and produce no chunks.
//
// # Point identity
//
// A point ID is a UUIDv5 over repository, branch, path, byte range and the
// xxh3 hash of the chunk content, so re-indexing an unchanged region
// produces the same ID.
package chunker
