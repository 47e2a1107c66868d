package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// New opens the vector store selected by vector_store.type.
func New(cfg *config.AppConfig, logger *slog.Logger) (VectorStore, error) {
	vs := cfg.VectorStore
	switch vs.Type {
	case config.StoreQdrant:
		q := config.QdrantConfig{URL: config.DefaultQdrantURL, TimeoutSecs: config.DefaultQdrantTimeoutSecs}
		if vs.Qdrant != nil {
			q = *vs.Qdrant
		}
		return NewQdrantStore(QdrantConfig{
			URL:     q.URL,
			APIKey:  q.APIKey,
			Timeout: time.Duration(q.TimeoutSecs) * time.Second,
		}, logger), nil
	case config.StoreSQLite, "":
		if vs.SQLite == nil || vs.SQLite.Path == "" {
			return nil, fmt.Errorf("%w: vector_store.sqlite.path is required", types.ErrConfig)
		}
		return NewSQLiteStore(vs.SQLite.Path, logger)
	case config.StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store %q", types.ErrConfig, vs.Type)
	}
}

// CollectionSpecFromConfig returns the schema for new collections of the given dimension.
func CollectionSpecFromConfig(cfg *config.AppConfig, dimension int) (CollectionSpec, error) {
	d, err := ParseDistance(cfg.VectorStore.Distance)
	if err != nil {
		return CollectionSpec{}, err
	}
	return CollectionSpec{Dimension: dimension, Distance: d, Sparse: cfg.VectorStore.SparseEnabled()}, nil
}
