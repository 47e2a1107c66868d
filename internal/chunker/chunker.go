package chunker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/parser"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

const (
	// DefaultQueueSize bounds the number of paths waiting for a worker.
	DefaultQueueSize = 1000

	// DefaultMaxFileSize is the per-file byte budget (5 MiB).
	DefaultMaxFileSize = 5 * 1024 * 1024

	// binarySniffBytes is how much of a file is checked for NUL bytes.
	binarySniffBytes = 8 * 1024
)

// pointNamespace seeds the UUIDv5 point identifiers.
var pointNamespace = uuid.MustParse("6f1c1b5e-8d2a-5b8e-9a51-3c9d4e2f7a10")

// Options configures a Chunker.
type Options struct {
	Concurrency int      // parallel parse tasks (default: runtime.NumCPU())
	QueueSize   int      // bounded work queue (default: 1000)
	MaxFileSize int64    // byte budget per file (default: 5 MiB)
	Extensions  []string // allowed extensions, with or without dot; empty allows all
}

// Meta identifies where processed chunks come from.
type Meta struct {
	Repository string
	Branch     string
	Commit     string
}

// FileResult is the outcome for one file. Chunks keep their in-file order.
type FileResult struct {
	Path   string
	Chunks []types.ProcessedChunk
	Err    error
}

// Result aggregates a ProcessFiles run.
type Result struct {
	Chunks   []types.ProcessedChunk
	Files    int
	Failures []*types.FileError
}

// Chunker reads files and turns them into processed chunks ready for embedding.
type Chunker struct {
	registry   *parser.Registry
	opts       Options
	extensions map[string]bool
	logger     *slog.Logger
}

// New creates a Chunker. A nil logger uses the package default.
func New(registry *parser.Registry, opts Options, logger *slog.Logger) *Chunker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	var exts map[string]bool
	if len(opts.Extensions) > 0 {
		exts = make(map[string]bool, len(opts.Extensions))
		for _, e := range opts.Extensions {
			exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return &Chunker{
		registry:   registry,
		opts:       opts,
		extensions: exts,
		logger:     logging.OrDefault(logger),
	}
}

// Accepts reports whether path passes the extension filter.
func (c *Chunker) Accepts(path string) bool {
	if c.extensions == nil {
		return true
	}
	return c.extensions[types.Extension(path)]
}

// Filter returns the subset of paths accepted by the extension filter.
func (c *Chunker) Filter(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if c.Accepts(p) {
			out = append(out, p)
		}
	}
	return out
}

// ProcessFile reads root/rel and returns its processed chunks. Binary files
// yield no chunks and no error.
func (c *Chunker) ProcessFile(root, rel string, meta Meta) ([]types.ProcessedChunk, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return nil, &types.FileError{Path: rel, Err: fmt.Errorf("%w: %v", types.ErrIO, err)}
	}
	if info.Size() > c.opts.MaxFileSize {
		return nil, &types.FileError{Path: rel, Err: fmt.Errorf("%w: %d > %d bytes", types.ErrFileTooLarge, info.Size(), c.opts.MaxFileSize)}
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, &types.FileError{Path: rel, Err: fmt.Errorf("%w: %v", types.ErrIO, err)}
	}
	return c.ProcessContent(content, rel, meta)
}

// ProcessContent chunks already-loaded file content.
func (c *Chunker) ProcessContent(content []byte, rel string, meta Meta) ([]types.ProcessedChunk, error) {
	if int64(len(content)) > c.opts.MaxFileSize {
		return nil, &types.FileError{Path: rel, Err: fmt.Errorf("%w: %d > %d bytes", types.ErrFileTooLarge, len(content), c.opts.MaxFileSize)}
	}
	if isBinary(content) {
		return nil, nil
	}
	chunks, err := c.registry.Parse(content, rel)
	if err != nil {
		return nil, &types.FileError{Path: rel, Err: err}
	}

	ext := types.Extension(rel)
	out := make([]types.ProcessedChunk, 0, len(chunks))
	for _, ch := range chunks {
		hash := ContentHash(ch.Content)
		out = append(out, types.ProcessedChunk{
			ID:          PointID(meta.Repository, meta.Branch, rel, ch.StartByte, ch.EndByte, hash),
			Chunk:       ch,
			Repository:  meta.Repository,
			Branch:      meta.Branch,
			Commit:      meta.Commit,
			ContentHash: hash,
			Extension:   ext,
			Context:     contextTag(ch),
		})
	}
	return out, nil
}

// Stream processes paths with a bounded queue and Concurrency workers,
// sending one FileResult per path to out. Ordering across files is not
// preserved. Stream closes out before returning.
func (c *Chunker) Stream(ctx context.Context, root string, paths []string, meta Meta, out chan<- FileResult) error {
	defer close(out)
	if err := types.ContextError(ctx); err != nil {
		return err
	}

	queue := make(chan string, c.opts.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, p := range paths {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case queue <- p:
			}
		}
		return nil
	})

	for i := 0; i < c.opts.Concurrency; i++ {
		g.Go(func() error {
			for rel := range queue {
				chunks, err := c.ProcessFile(root, rel, meta)
				select {
				case <-gctx.Done():
					return gctx.Err()
				case out <- FileResult{Path: rel, Chunks: chunks, Err: err}:
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if cerr := types.ContextError(ctx); cerr != nil {
			return cerr
		}
		return err
	}
	return nil
}

// ProcessFiles processes every path and aggregates the chunks. Per-file
// failures are collected in the result and do not abort the batch.
func (c *Chunker) ProcessFiles(ctx context.Context, root string, paths []string, meta Meta, sink types.ProgressSink) (*Result, error) {
	if sink == nil {
		sink = types.NopProgress
	}
	total := len(paths)
	sink.Report(types.Progress{Stage: types.StageStarting, TotalFiles: total})

	results := make(chan FileResult, c.opts.Concurrency)
	errc := make(chan error, 1)
	go func() { errc <- c.Stream(ctx, root, paths, meta, results) }()

	res := &Result{}
	every := types.ReportInterval(total)
	meter := NewRateMeter()
	for fr := range results {
		res.Files++
		if fr.Err != nil {
			res.Failures = append(res.Failures, asFileError(fr.Path, fr.Err))
			c.logger.Warn("chunker.file_failed", "path", fr.Path, "error", fr.Err)
		} else {
			res.Chunks = append(res.Chunks, fr.Chunks...)
		}
		rate := meter.Tick()
		if res.Files%every == 0 && res.Files < total {
			sink.Report(types.Progress{
				Stage:          types.StageProcessingFiles,
				CurrentFile:    fr.Path,
				FilesCompleted: res.Files,
				TotalFiles:     total,
				FilesPerSecond: rate,
			})
		}
	}

	if err := <-errc; err != nil {
		sink.Report(types.Progress{Stage: types.StageError, FilesCompleted: res.Files, TotalFiles: total, Message: err.Error()})
		return res, err
	}
	sink.Report(types.Progress{
		Stage:          types.StageCompleted,
		FilesCompleted: res.Files,
		TotalFiles:     total,
		FilesPerSecond: meter.Rate(),
	})
	return res, nil
}

// ContentHash returns the xxh3-64 hex digest of chunk content.
func ContentHash(content string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(content))
}

// PointID derives the deterministic point identifier of a chunk region.
func PointID(repository, branch, file string, startByte, endByte int, contentHash string) string {
	key := strings.Join([]string{
		repository, branch, file,
		strconv.Itoa(startByte), strconv.Itoa(endByte),
		contentHash,
	}, "\x00")
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

func contextTag(ch types.Chunk) string {
	if types.IsFallbackElement(ch.ElementType) {
		return types.ContextFallback
	}
	switch ch.Language {
	case types.LanguageMarkdown, types.LanguageText:
		return types.ContextDocs
	case types.LanguageYAML:
		return types.ContextConfig
	default:
		return types.ContextCode
	}
}

func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffBytes {
		sniff = sniff[:binarySniffBytes]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}

func asFileError(path string, err error) *types.FileError {
	var fe *types.FileError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	return &types.FileError{Path: path, Err: err}
}

// RateMeter keeps an exponentially weighted files-per-second estimate.
type RateMeter struct {
	start time.Time
	last  time.Time
	count int
	ewma  float64
}

const rateAlpha = 0.2

func NewRateMeter() *RateMeter {
	now := time.Now()
	return &RateMeter{start: now, last: now}
}

// Tick records one completed item and returns the current estimate.
func (m *RateMeter) Tick() float64 {
	now := time.Now()
	m.count++
	if dt := now.Sub(m.last).Seconds(); dt > 0 {
		inst := 1 / dt
		if m.ewma == 0 {
			m.ewma = inst
		} else {
			m.ewma = rateAlpha*inst + (1-rateAlpha)*m.ewma
		}
	}
	m.last = now
	return m.ewma
}

// Rate returns the overall average rate since the meter was created.
func (m *RateMeter) Rate() float64 {
	elapsed := time.Since(m.start).Seconds()
	if elapsed <= 0 {
		return m.ewma
	}
	return float64(m.count) / elapsed
}
