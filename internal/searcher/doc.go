// Package searcher implements hybrid code search combining dense similarity
// with lexical scoring and a file path boost.
//
// The searcher provides three search modes:
//   - Hybrid: dense + lexical with query-adaptive weights (default)
//   - Vector: dense similarity only
//   - Keyword: lexical scoring only, no query embedding when every target
//     collection carries sparse vectors
//
// # Basic Usage
//
//	s := searcher.New(store, pool, searcher.ConfigFromApp(cfg), logger)
//
//	resp, err := s.Search(ctx, searcher.Request{
//	    Query:       "user authentication middleware",
//	    Collections: []string{collection.Name(prefix, "api", "main")},
//	    Limit:       10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s:%d (score: %.2f)\n", r.Rank, r.FilePath, r.StartLine, r.Score)
//	}
//
// # Scoring
//
// Each collection is searched concurrently for 3×limit dense candidates and
// 3×limit lexical candidates. For each candidate:
//
//	dense   = store similarity mapped into [0, 1]
//	lexical = BM25(k1=1.5, b=0.75) over the candidate contents, best = 1
//	score   = w_dense*dense + w_lexical*lexical
//	score  *= 1 + PathRelevance(file_path, query)
//
// A collection without sparse vectors has no lexical subscore, so its
// candidates are scored by dense similarity with full weight.
//
// # Weight Adaptation
//
// Analyze classifies the query (definition, usage, implementation, function,
// type, generic), detects Rust, Ruby and Go hints and code fragments.
// AdaptWeights starts from the configured weights and applies, in order:
// query length, language hints, code patterns, query type. The result always
// sums to one.
//
// # Path Relevance
//
// Exact file name matches weigh most, then file stem, identifier parts of the
// name, substrings of the name, and directory names (decaying with distance
// from the file). Directories such as auth, security, api, controllers,
// models and core are boosted further when the query is about them. A file
// whose language matches a language hint gets a small boost.
//
// # Caching
//
// Responses are cached in an LRU with the configured TTL. Syncs call
// InvalidateCache with the collections they touched.
package searcher
