// Package storage provides the vector store adapter used by indexing and search.
//
// VectorStore is the contract: collections with an immutable dense dimension
// and distance metric, an optional sparse vector, and points carrying a JSON
// payload. Three implementations are provided:
//
//   - QdrantStore: REST client for a Qdrant server (named vectors "dense" and "text")
//   - SQLiteStore: embedded database with Go-side similarity and FTS5 lexical search
//   - MemoryStore: process-local maps for tests and throwaway indexes
//
// # Contracts
//
// CreateCollection is idempotent when the schema matches and fails with
// types.ErrConflictingSchema when the dimension or metric differs.
// DeleteCollection on a missing collection succeeds. DeletePoints is blocking:
// deleted points are invisible to every later call. Scroll pages in ascending
// ID order and Count is exact.
//
// Search scores are "higher is better" for every metric: cosine and dot are
// returned as-is, euclid and manhattan distances d become 1/(1+d).
//
// # Database Schema
//
// Tables (SQLite):
//   - collections: name, dimension, distance, sparse flag
//   - points: point id, little-endian float32 vector blob, sparse vector and payload as JSON
//   - points_fts: FTS5 index over point content and file path
//
// Migrations are versioned with semver and applied on open.
//
// # Build Tags
//
// Pure Go build (default):
//
//	CGO_ENABLED=0 go build -tags "purego"
//
// CGO build with github.com/mattn/go-sqlite3:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5"
package storage
