package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider defaults
const (
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultJinaModel   = "jina-embeddings-v3"

	OpenAIDimension = 1536
	JinaDimension   = 1024

	// MaxBatchSize is the most texts sent in one API call.
	MaxBatchSize = 100
)

// HTTPConfig configures an HTTPSession.
type HTTPConfig struct {
	BaseURL   string // e.g. https://api.openai.com/v1
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	Retry     RetryConfig
	Cache     *Cache // optional, shared between sessions
}

// HTTPSession embeds through an OpenAI-compatible /embeddings endpoint.
// Jina exposes the same request and response shape.
type HTTPSession struct {
	cfg        HTTPConfig
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSession validates cfg and returns a session.
func NewHTTPSession(cfg HTTPConfig) (*HTTPSession, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &HTTPSession{
		cfg:        cfg,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/embeddings",
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *HTTPSession) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if s.cfg.Cache != nil {
			if v, ok := s.cfg.Cache.Get(ComputeHash(s.cfg.Model, t)); ok {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	for start := 0; start < len(missTexts); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(missTexts))
		batch := missTexts[start:end]
		vectors, err := retryWithBackoff(ctx, s.cfg.Retry, func() ([][]float32, error) {
			return s.callAPI(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("embedding request after %d attempts: %w", s.cfg.Retry.MaxRetries, err)
		}
		for j, v := range vectors {
			i := missIdx[start+j]
			out[i] = v
			if s.cfg.Cache != nil {
				s.cfg.Cache.Set(ComputeHash(s.cfg.Model, texts[i]), v)
			}
		}
	}
	return out, nil
}

func (s *HTTPSession) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": s.cfg.Model,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{err}
		}
		return nil, err
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("api returned %d embeddings for %d inputs", len(apiResp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vectors[d.Index] != nil {
			return nil, fmt.Errorf("api returned invalid embedding index %d", d.Index)
		}
		if len(d.Embedding) != s.cfg.Dimension {
			return nil, &permanentError{fmt.Errorf("api returned dimension %d, expected %d", len(d.Embedding), s.cfg.Dimension)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (s *HTTPSession) Dimension() int {
	return s.cfg.Dimension
}

func (s *HTTPSession) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
