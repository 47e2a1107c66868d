//go:build onnx

package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// OnnxSession runs a sentence-embedding transformer exported to ONNX.
// Token embeddings are mean pooled over the attention mask and L2 normalized.
type OnnxSession struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	tk      *tokenizer.Tokenizer
	dim     int
	maxSeq  int
}

// NewOnnxSession loads the model and tokenizer named by cfg.
func NewOnnxSession(cfg OnnxConfig) (*OnnxSession, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("%w: model_path and tokenizer_path are required", types.ErrSessionInit)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", types.ErrSessionInit)
	}
	if err := initRuntime(cfg.RuntimePath); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime: %v", types.ErrSessionInit, err)
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer: %v", types.ErrSessionInit, err)
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: load model: %v", types.ErrSessionInit, err)
	}

	maxSeq := cfg.MaxSequence
	if maxSeq <= 0 {
		maxSeq = 512
	}
	return &OnnxSession{session: session, tk: tk, dim: cfg.Dimension, maxSeq: maxSeq}, nil
}

func (s *OnnxSession) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encodings := make([]*tokenizer.Encoding, len(texts))
	seqLen := 1
	for i, t := range texts {
		enc, err := s.tk.EncodeSingle(t, true)
		if err != nil {
			return nil, fmt.Errorf("tokenize input %d: %w", i, err)
		}
		encodings[i] = enc
		seqLen = max(seqLen, min(len(enc.Ids), s.maxSeq))
	}

	batch := len(texts)
	ids := make([]int64, batch*seqLen)
	mask := make([]int64, batch*seqLen)
	typeIDs := make([]int64, batch*seqLen)
	for i, enc := range encodings {
		n := min(len(enc.Ids), seqLen)
		for j := 0; j < n; j++ {
			ids[i*seqLen+j] = int64(enc.Ids[j])
			mask[i*seqLen+j] = int64(enc.AttentionMask[j])
			if j < len(enc.TypeIds) {
				typeIDs[i*seqLen+j] = int64(enc.TypeIds[j])
			}
		}
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, err
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, err
	}
	defer typesT.Destroy()
	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seqLen), int64(s.dim)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	s.mu.Lock()
	err = s.session.Run([]ort.Value{idsT, maskT, typesT}, []ort.Value{outT})
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	hidden := outT.GetData()
	out := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		vec := make([]float32, s.dim)
		var count float32
		for j := 0; j < seqLen; j++ {
			if mask[i*seqLen+j] == 0 {
				continue
			}
			count++
			row := hidden[(i*seqLen+j)*s.dim : (i*seqLen+j+1)*s.dim]
			for k, v := range row {
				vec[k] += v
			}
		}
		if count > 0 {
			for k := range vec {
				vec[k] /= count
			}
		}
		out[i] = NormalizeVector(vec)
	}
	return out, nil
}

func (s *OnnxSession) Dimension() int {
	return s.dim
}

func (s *OnnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
