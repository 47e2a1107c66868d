package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dshills/reposearch-mcp/internal/chunker"
	"github.com/dshills/reposearch-mcp/internal/embedder"
	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Embedder is the subset of the session pool used by the processor.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config contains configuration for the processor
type Config struct {
	BatchSize int  // chunks per embedding call (default: 32)
	Sparse    bool // attach lexical sparse vectors to points
}

// Result is the outcome of EmbedFiles.
type Result struct {
	Embedded []types.EmbeddedChunk
	Files    int // files fully processed and embedded
	Failures []*types.FileError
}

// Processor glues the file processor to the embedding pool.
type Processor struct {
	chunker  *chunker.Chunker
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Processor.
func New(c *chunker.Chunker, e Embedder, cfg Config, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Processor{chunker: c, embedder: e, cfg: cfg, logger: logging.OrDefault(logger)}
}

// Dimension returns the dense vector length produced by the embedder.
func (p *Processor) Dimension() int {
	return p.embedder.Dimension()
}

// Filter drops paths the chunker is configured not to index.
func (p *Processor) Filter(paths []string) []string {
	return p.chunker.Filter(paths)
}

// Sparse reports whether points carry sparse vectors.
func (p *Processor) Sparse() bool {
	return p.cfg.Sparse
}

// EmbedFiles parses and embeds paths under root. Parsing and embedding
// overlap: parsed chunks are embedded in batches while later files are
// still being parsed, and the parse stream is paused while a batch is in
// flight. A file counts as completed only once every one of its chunks has
// been embedded, so a report of FilesCompleted == TotalFiles means the
// result holds every point.
func (p *Processor) EmbedFiles(ctx context.Context, root string, paths []string, meta chunker.Meta, sink types.ProgressSink) (*Result, error) {
	if sink == nil {
		sink = types.NopProgress
	}
	total := len(paths)
	sink.Report(types.Progress{Stage: types.StageStarting, TotalFiles: total})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := make(chan chunker.FileResult)
	errc := make(chan error, 1)
	go func() { errc <- p.chunker.Stream(ctx, root, paths, meta, stream) }()

	res := &Result{}
	every := types.ReportInterval(total)
	parseMeter := chunker.NewRateMeter()
	embedMeter := chunker.NewRateMeter()
	parsed := 0
	remaining := make(map[string]int)
	var pending []types.ProcessedChunk

	complete := func(path string) {
		res.Files++
		rate := embedMeter.Tick()
		if res.Files%every == 0 && res.Files < total {
			sink.Report(types.Progress{
				Stage:          types.StageGeneratingEmbeddings,
				CurrentFile:    path,
				FilesCompleted: res.Files,
				TotalFiles:     total,
				FilesPerSecond: rate,
			})
		}
	}

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		embedded, err := p.EmbedChunks(ctx, pending, nil)
		if err != nil {
			return err
		}
		res.Embedded = append(res.Embedded, embedded...)
		for _, c := range pending {
			path := c.Chunk.FilePath
			remaining[path]--
			if remaining[path] == 0 {
				delete(remaining, path)
				complete(path)
			}
		}
		pending = pending[:0]
		return nil
	}

	fail := func(err error) (*Result, error) {
		if cerr := types.ContextError(ctx); cerr != nil {
			err = cerr
		}
		cancel()
		for range stream {
		}
		<-errc
		sink.Report(types.Progress{Stage: types.StageError, FilesCompleted: res.Files, TotalFiles: total, Message: err.Error()})
		return res, err
	}

	for fr := range stream {
		parsed++
		rate := parseMeter.Tick()
		if parsed%every == 0 && parsed < total {
			sink.Report(types.Progress{
				Stage:          types.StageProcessingFiles,
				CurrentFile:    fr.Path,
				FilesCompleted: res.Files,
				TotalFiles:     total,
				FilesPerSecond: rate,
			})
		}

		switch {
		case fr.Err != nil:
			res.Failures = append(res.Failures, asFileError(fr.Path, fr.Err))
			p.logger.Warn("indexer.file_failed", "path", fr.Path, "error", fr.Err)
			complete(fr.Path)
			continue
		case len(fr.Chunks) == 0:
			complete(fr.Path)
			continue
		}

		remaining[fr.Path] += len(fr.Chunks)
		pending = append(pending, fr.Chunks...)
		if len(pending) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}

	if err := <-errc; err != nil {
		sink.Report(types.Progress{Stage: types.StageError, FilesCompleted: res.Files, TotalFiles: total, Message: err.Error()})
		return res, err
	}
	if err := flush(); err != nil {
		sink.Report(types.Progress{Stage: types.StageError, FilesCompleted: res.Files, TotalFiles: total, Message: err.Error()})
		return res, err
	}

	sink.Report(types.Progress{
		Stage:          types.StageCompleted,
		FilesCompleted: res.Files,
		TotalFiles:     total,
		FilesPerSecond: embedMeter.Rate(),
	})
	return res, nil
}

// EmbedChunks embeds already-processed chunks in batches, preserving order.
func (p *Processor) EmbedChunks(ctx context.Context, chunks []types.ProcessedChunk, sink types.ProgressSink) ([]types.EmbeddedChunk, error) {
	if sink == nil {
		sink = types.NopProgress
	}
	return embedder.EmbedChunks(ctx, p.embedder, chunks, p.cfg.BatchSize, func(done int) {
		sink.Report(types.Progress{
			Stage:   types.StageGeneratingEmbeddings,
			Message: fmt.Sprintf("embedded %d/%d chunks", done, len(chunks)),
		})
	})
}

// Points converts embedded chunks to store points.
func (p *Processor) Points(embedded []types.EmbeddedChunk) []types.Point {
	points := make([]types.Point, len(embedded))
	for i, e := range embedded {
		points[i] = ToPoint(e, p.cfg.Sparse)
	}
	return points
}

// ToPoint builds the store point for an embedded chunk. When sparse is set
// the chunk content is encoded as a lexical term vector.
func ToPoint(e types.EmbeddedChunk, sparse bool) types.Point {
	c := e.Chunk
	pt := types.Point{
		ID:     c.ID,
		Vector: e.Vector,
		Payload: map[string]any{
			types.PayloadRepository:  c.Repository,
			types.PayloadBranch:      c.Branch,
			types.PayloadFilePath:    c.Chunk.FilePath,
			types.PayloadStartLine:   c.Chunk.StartLine,
			types.PayloadEndLine:     c.Chunk.EndLine,
			types.PayloadStartByte:   c.Chunk.StartByte,
			types.PayloadEndByte:     c.Chunk.EndByte,
			types.PayloadElementType: c.Chunk.ElementType,
			types.PayloadElementName: c.Chunk.ElementName,
			types.PayloadLanguage:    c.Chunk.Language,
			types.PayloadCommit:      c.Commit,
			types.PayloadContentHash: c.ContentHash,
			types.PayloadContent:     c.Chunk.Content,
			types.PayloadExtension:   c.Extension,
			types.PayloadContext:     c.Context,
		},
	}
	if sparse {
		pt.Sparse = lexical.Encode(c.Chunk.Content)
	}
	return pt
}

func asFileError(path string, err error) *types.FileError {
	if fe, ok := err.(*types.FileError); ok {
		return fe
	}
	return &types.FileError{Path: path, Err: err}
}
