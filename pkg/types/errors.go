package types

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared across the indexing pipeline. Callers match with errors.Is.
var (
	// Configuration and initialization
	ErrConfig      = errors.New("invalid configuration")
	ErrGrammarInit = errors.New("grammar initialization failed")
	ErrSessionInit = errors.New("embedding session initialization failed")

	// File processing
	ErrFileTooLarge       = errors.New("file exceeds size budget")
	ErrIO                 = errors.New("i/o error")
	ErrWorkingTreeMissing = errors.New("working tree missing")

	// Inference
	ErrTransientInference = errors.New("embedding inference failed")

	// Vector store
	ErrStoreConnection    = errors.New("vector store unreachable")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrConflictingSchema  = errors.New("collection exists with a conflicting schema")
	ErrStoreOperation     = errors.New("vector store operation failed")
	ErrStoreDriftDetected = errors.New("sync metadata does not match vector store")

	// Lifecycle
	ErrCancelled = errors.New("operation cancelled")
	ErrTimeout   = errors.New("operation timed out")

	// Repository registry
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrRepositoryExists   = errors.New("repository already exists")
	ErrInvalidBranch      = errors.New("invalid branch")

	// Search result validation
	ErrInvalidResultID = errors.New("invalid result ID")
	ErrInvalidRank     = errors.New("rank must be >= 1")
	ErrInvalidScore    = errors.New("score must be non-negative")
	ErrMissingFilePath = errors.New("file path is required")
)

// FileError records a failure confined to a single file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ContextError translates a done context into the lifecycle taxonomy.
// It returns nil while ctx is still live.
func ContextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
}
