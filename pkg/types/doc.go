// Package types provides shared type definitions for the reposearch MCP server.
//
// The types here flow through the whole indexing pipeline:
//
//	parser  -> Chunk            (region of a source file)
//	chunker -> ProcessedChunk   (chunk bound to repository, branch, commit)
//	indexer -> EmbeddedChunk    (processed chunk plus dense vector)
//	storage -> Point            (what a vector collection stores)
//	searcher-> SearchResult     (ranked hit)
//
// # Payload
//
// Every point carries the payload keys declared in point.go. Stores treat the
// payload as opaque JSON; the sync engine filters on file_path and branch, and
// the language key is scrolled after each sync to record indexed languages.
//
// # Errors
//
// errors.go holds the error taxonomy. Components wrap these sentinels with
// fmt.Errorf("...: %w", err) and callers classify with errors.Is:
//
//	if errors.Is(err, types.ErrStoreDriftDetected) {
//	    // metadata points at collections that no longer exist
//	}
package types
