// Package embedder turns chunk text into dense vectors.
//
// # Sessions
//
// A Session is one inference backend. Three are provided:
//
//   - LocalSession: feature-hashed bag of identifiers, no model files needed
//   - HTTPSession: OpenAI-compatible /embeddings API (OpenAI, Jina), with
//     retry, backoff and an LRU vector cache
//   - OnnxSession: a local transformer via onnxruntime, compiled only with
//     the onnx build tag
//
// # Pool
//
// Pool holds exactly max_embedding_sessions sessions. A weighted semaphore
// with the same number of permits bounds concurrent batches and sessions are
// chosen round-robin:
//
//	pool, err := embedder.NewPoolFromConfig(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	embedded, err := pool.ProcessChunks(ctx, chunks)
//
// When a session fails a batch the pool takes every permit, recreates all
// sessions from the factory and retries the batch once. A factory failure
// surfaces as types.ErrSessionInit; a second inference failure as
// types.ErrTransientInference.
//
// WorkerPools provides per-worker sub-pools for backends whose sessions are
// bound to a thread.
package embedder
