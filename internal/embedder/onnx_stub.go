//go:build !onnx

package embedder

import (
	"context"
	"fmt"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// OnnxSession is unavailable without the onnx build tag.
type OnnxSession struct{}

// NewOnnxSession always fails in builds without the onnx tag.
func NewOnnxSession(OnnxConfig) (*OnnxSession, error) {
	return nil, fmt.Errorf("%w: built without onnx support (rebuild with -tags onnx)", types.ErrSessionInit)
}

func (s *OnnxSession) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: onnx support not compiled in", types.ErrSessionInit)
}

func (s *OnnxSession) Dimension() int { return 0 }

func (s *OnnxSession) Close() error { return nil }
