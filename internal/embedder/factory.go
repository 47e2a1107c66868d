package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// OnnxConfig locates the model, tokenizer and runtime for OnnxSession.
type OnnxConfig struct {
	ModelPath     string
	TokenizerPath string
	RuntimePath   string
	Dimension     int
	MaxSequence   int
}

// NewFactory builds a session factory for the configured provider. Remote
// providers share one vector cache across sessions.
func NewFactory(cfg config.EmbeddingConfig) (SessionFactory, error) {
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderLocal, "":
		dim := cfg.Dimension
		return func() (Session, error) {
			return NewLocalSession(dim)
		}, nil

	case config.ProviderOpenAI, config.ProviderJina:
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: %s not set", types.ErrSessionInit, cfg.APIKeyEnv)
		}
		httpCfg := HTTPConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    key,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
			Cache:     NewCache(cfg.CacheSize),
		}
		if httpCfg.Dimension == 0 {
			httpCfg.Dimension = defaultDimension(cfg.Provider)
		}
		return func() (Session, error) {
			return NewHTTPSession(httpCfg)
		}, nil

	case config.ProviderONNX:
		onnxCfg := OnnxConfig{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			RuntimePath:   cfg.OnnxRuntimePath,
			Dimension:     cfg.Dimension,
			MaxSequence:   cfg.MaxSequence,
		}
		return func() (Session, error) {
			return NewOnnxSession(onnxCfg)
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", types.ErrConfig, cfg.Provider)
	}
}

func defaultDimension(provider string) int {
	if strings.ToLower(provider) == config.ProviderJina {
		return JinaDimension
	}
	return OpenAIDimension
}

// NewPoolFromConfig builds the application pool: max_embedding_sessions
// sessions, embedding_batch_size chunks per batch and the configured batch
// timeout.
func NewPoolFromConfig(cfg *config.AppConfig, logger *slog.Logger) (*Pool, error) {
	factory, err := NewFactory(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return NewPool(factory, PoolOptionsFromConfig(cfg), logger)
}

// PoolOptionsFromConfig maps application settings onto PoolOptions.
func PoolOptionsFromConfig(cfg *config.AppConfig) PoolOptions {
	return PoolOptions{
		Size:         cfg.MaxEmbeddingSessions,
		BatchSize:    cfg.EmbeddingBatchSize,
		BatchTimeout: time.Duration(cfg.Timeouts.EmbedBatchSecs) * time.Second,
	}
}
