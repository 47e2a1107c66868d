package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (norm(a) * norm(b))
}

func TestLocalSession(t *testing.T) {
	s, err := NewLocalSession(0)
	require.NoError(t, err)
	assert.Equal(t, LocalDimension, s.Dimension())

	vecs, err := s.EmbedBatch(context.Background(), []string{
		"func parseUserConfig(path string) error",
		"func parseUserConfig(p string) error",
		"SELECT * FROM invoices WHERE paid = 0",
		"{}",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	for _, v := range vecs {
		assert.Len(t, v, LocalDimension)
		assert.InDelta(t, 1.0, norm(v), 1e-5)
	}
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))

	again, err := s.EmbedBatch(context.Background(), []string{"func parseUserConfig(path string) error"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0], "deterministic")
}

func embeddingServer(t *testing.T, dim int, calls *atomic.Int32, failFirst bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if failFirst && n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		// Reverse order to exercise index mapping.
		for i := len(req.Input) - 1; i >= 0; i-- {
			v := make([]float32, dim)
			v[0] = float32(len(req.Input[i]))
			resp.Data = append(resp.Data, item{Embedding: v, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestHTTPSession(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, 8, &calls, true)
	defer srv.Close()

	s, err := NewHTTPSession(HTTPConfig{
		BaseURL:   srv.URL + "/v1/",
		APIKey:    "secret",
		Model:     "test-model",
		Dimension: 8,
		Retry:     fastRetry(),
		Cache:     NewCache(10),
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	vecs, err := s.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
	assert.Equal(t, int32(2), calls.Load(), "one retry after 503")

	_, err = s.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "served from cache")
}

func TestHTTPSessionDimensionMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, 4, &calls, false)
	defer srv.Close()

	s, err := NewHTTPSession(HTTPConfig{BaseURL: srv.URL + "/v1", APIKey: "secret", Dimension: 8, Retry: fastRetry()})
	require.NoError(t, err)
	_, err = s.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(config.EmbeddingConfig{Provider: config.ProviderLocal, Dimension: 16})
	require.NoError(t, err)
	s, err := f()
	require.NoError(t, err)
	assert.Equal(t, 16, s.Dimension())

	_, err = NewFactory(config.EmbeddingConfig{Provider: config.ProviderOpenAI, APIKeyEnv: "REPOSEARCH_TEST_UNSET_KEY"})
	assert.ErrorIs(t, err, types.ErrSessionInit)

	t.Setenv("REPOSEARCH_TEST_KEY", "k")
	f, err = NewFactory(config.EmbeddingConfig{Provider: config.ProviderJina, APIKeyEnv: "REPOSEARCH_TEST_KEY", BaseURL: "http://localhost"})
	require.NoError(t, err)
	s, err = f()
	require.NoError(t, err)
	assert.Equal(t, JinaDimension, s.Dimension())

	_, err = NewFactory(config.EmbeddingConfig{Provider: "bogus"})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestNewPoolFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxEmbeddingSessions = 3
	cfg.Embedding = config.EmbeddingConfig{Provider: config.ProviderLocal, Dimension: 32}

	p, err := NewPoolFromConfig(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, 3, p.Stats().Sessions)
	assert.Equal(t, 32, p.Dimension())
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(2)
	c.Set("k", []float32{1, 2})
	v, ok := c.Get("k")
	require.True(t, ok)
	v[0] = 99
	again, _ := c.Get("k")
	assert.Equal(t, float32(1), again[0])
	assert.Equal(t, 1, c.Size())
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.NotEqual(t, ComputeHash("a", "x"), ComputeHash("b", "x"))
}
