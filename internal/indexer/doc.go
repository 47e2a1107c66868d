// Package indexer is the embedding processor: it joins the file processor
// and the embedding session pool and produces store-ready points.
//
//	proc := indexer.New(chunker, pool, indexer.Config{BatchSize: 32, Sparse: true}, logger)
//	res, err := proc.EmbedFiles(ctx, repoRoot, paths, meta, sink)
//	if err != nil {
//	    return err
//	}
//	points := proc.Points(res.Embedded)
//
// Progress is reported with StageProcessingFiles while files are parsed and
// StageGeneratingEmbeddings as files finish embedding. A file is reported
// complete only after all of its chunks are embedded.
package indexer
