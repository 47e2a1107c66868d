package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Defaults applied when a key is absent from the document.
const (
	DefaultMaxFileSizeBytes     = 5 * 1024 * 1024
	DefaultMaxEmbeddingSessions = 2
	DefaultEmbeddingBatchSize   = 32
	DefaultFileQueueSize        = 1000
	DefaultDebounceMs           = 2000
	DefaultQdrantURL            = "http://localhost:6333"
	DefaultQdrantTimeoutSecs    = 15
	DefaultDenseWeight          = 0.6
	DefaultLexicalWeight        = 0.4
	DefaultSearchLimit          = 10
	DefaultCacheTTLSecs         = 3600
	DefaultEmbedBatchTimeout    = 120
	DefaultQueryTimeout         = 30
	DefaultLocalDimension       = 384
	DefaultEmbeddingCacheSize   = 10000
	DefaultDistance             = "cosine"

	EnvConfigPath = "REPOSEARCH_CONFIG"
)

// Embedding providers.
const (
	ProviderONNX   = "onnx"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderLocal  = "local"
)

// Vector store backends.
const (
	StoreQdrant = "qdrant"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultIgnorePatterns are applied in addition to the always-ignored .git directory.
var DefaultIgnorePatterns = []string{"target", "node_modules", ".DS_Store", "*.tmp", "*.log"}

// EmbeddingConfig selects and configures the embedding session provider.
type EmbeddingConfig struct {
	Provider        string `yaml:"provider"`
	ModelPath       string `yaml:"model_path,omitempty"`
	TokenizerPath   string `yaml:"tokenizer_path,omitempty"`
	OnnxRuntimePath string `yaml:"onnxruntime_path,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
	APIKeyEnv       string `yaml:"api_key_env,omitempty"`
	Model           string `yaml:"model,omitempty"`
	Dimension       int    `yaml:"dimension,omitempty"`
	MaxSequence     int    `yaml:"max_sequence,omitempty"`
	CacheSize       int    `yaml:"cache_size,omitempty"`
	TimeoutSecs     int    `yaml:"timeout_secs,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key,omitempty"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// SQLiteConfig locates the embedded vector database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type          string        `yaml:"type"`
	Distance      string        `yaml:"distance,omitempty"`
	SparseVectors *bool         `yaml:"sparse_vectors,omitempty"`
	Qdrant        *QdrantConfig `yaml:"qdrant,omitempty"`
	SQLite        *SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SparseEnabled reports whether collections are created with a sparse vector.
func (v VectorStoreConfig) SparseEnabled() bool {
	return v.SparseVectors == nil || *v.SparseVectors
}

// PerformanceConfig holds tuning that affects storage layout.
type PerformanceConfig struct {
	CollectionNamePrefix string `yaml:"collection_name_prefix"`
}

// FileWatcherConfig configures automatic syncs on working-tree changes.
type FileWatcherConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

// SearchConfig holds hybrid scoring defaults.
type SearchConfig struct {
	DenseWeight   float64 `yaml:"dense_weight"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	DefaultLimit  int     `yaml:"default_limit"`
	CacheTTLSecs  int     `yaml:"cache_ttl_secs"`
}

// TimeoutConfig bounds long-running operations. Zero disables a timeout.
type TimeoutConfig struct {
	SyncSecs       int `yaml:"sync_secs"`
	EmbedBatchSecs int `yaml:"embed_batch_secs"`
	QuerySecs      int `yaml:"query_secs"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	RepositoriesBasePath string            `yaml:"repositories_base_path"`
	Performance          PerformanceConfig `yaml:"performance"`

	FileProcessingConcurrency int   `yaml:"file_processing_concurrency"`
	FileQueueSize             int   `yaml:"file_queue_size"`
	MaxEmbeddingSessions      int   `yaml:"max_embedding_sessions"`
	SessionsPerThread         int   `yaml:"sessions_per_thread"`
	EmbeddingBatchSize        int   `yaml:"embedding_batch_size"`
	MaxFileSizeBytes          int64 `yaml:"max_file_size_bytes"`

	FileWatcher      FileWatcherConfig `yaml:"file_watcher"`
	SyncOnRepoSwitch bool              `yaml:"sync_on_repo_switch"`
	SyncAfterCommit  bool              `yaml:"sync_after_commit"`
	IgnorePatterns   []string          `yaml:"ignore_patterns"`
	IndexExtensions  []string          `yaml:"index_extensions,omitempty"` // empty indexes every extension

	AutoRepair               *bool `yaml:"auto_repair,omitempty"`
	RecreateOnSchemaConflict bool  `yaml:"recreate_on_schema_conflict"`

	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Search      SearchConfig      `yaml:"search"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`

	Repositories     []RepositoryConfig `yaml:"repositories"`
	ActiveRepository string             `yaml:"active_repository,omitempty"`
}

// AutoRepairEnabled reports whether drift is repaired without asking.
func (c *AppConfig) AutoRepairEnabled() bool {
	return c.AutoRepair == nil || *c.AutoRepair
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	// Tunables are preset so that only absent keys take their defaults;
	// an explicit zero survives decoding and fails Validate.
	var cfg AppConfig
	presetTunables(&cfg)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConfig, path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads the config at DefaultPath, writing defaults there if it is missing.
func LoadDefault() (*AppConfig, string, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// DefaultPath returns $REPOSEARCH_CONFIG or ~/.config/reposearch/config.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return ExpandHome(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "reposearch", "config.yaml"), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Default returns a configuration with every documented default applied.
func Default() *AppConfig {
	cfg := &AppConfig{}
	presetTunables(cfg)
	applyConfigDefaults(cfg)
	return cfg
}

func presetTunables(cfg *AppConfig) {
	cfg.FileProcessingConcurrency = runtime.NumCPU()
	cfg.FileQueueSize = DefaultFileQueueSize
	cfg.MaxEmbeddingSessions = DefaultMaxEmbeddingSessions
	cfg.EmbeddingBatchSize = DefaultEmbeddingBatchSize
	cfg.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	cfg.FileWatcher.DebounceMs = DefaultDebounceMs
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "reposearch")
	}
	return filepath.Join(home, ".local", "share", "reposearch")
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.RepositoriesBasePath == "" {
		cfg.RepositoriesBasePath = filepath.Join(dataDir(), "repositories")
	}
	if p, err := ExpandHome(cfg.RepositoriesBasePath); err == nil {
		cfg.RepositoriesBasePath = p
	}
	if cfg.IgnorePatterns == nil {
		cfg.IgnorePatterns = append([]string(nil), DefaultIgnorePatterns...)
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderLocal
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = DefaultEmbeddingCacheSize
	}
	switch cfg.Embedding.Provider {
	case ProviderOpenAI:
		if cfg.Embedding.BaseURL == "" {
			cfg.Embedding.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedding.APIKeyEnv == "" {
			cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = "text-embedding-3-small"
		}
	case ProviderJina:
		if cfg.Embedding.BaseURL == "" {
			cfg.Embedding.BaseURL = "https://api.jina.ai/v1"
		}
		if cfg.Embedding.APIKeyEnv == "" {
			cfg.Embedding.APIKeyEnv = "JINA_API_KEY"
		}
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = "jina-embeddings-v3"
		}
	case ProviderLocal:
		if cfg.Embedding.Dimension == 0 {
			cfg.Embedding.Dimension = DefaultLocalDimension
		}
	case ProviderONNX:
		if cfg.Embedding.MaxSequence == 0 {
			cfg.Embedding.MaxSequence = 512
		}
	}
	if cfg.Embedding.TimeoutSecs == 0 {
		cfg.Embedding.TimeoutSecs = 30
	}
	for _, p := range []*string{&cfg.Embedding.ModelPath, &cfg.Embedding.TokenizerPath, &cfg.Embedding.OnnxRuntimePath} {
		if expanded, err := ExpandHome(*p); err == nil {
			*p = expanded
		}
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = StoreSQLite
	}
	if cfg.VectorStore.Distance == "" {
		cfg.VectorStore.Distance = DefaultDistance
	}
	switch cfg.VectorStore.Type {
	case StoreQdrant:
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		if cfg.VectorStore.Qdrant.URL == "" {
			cfg.VectorStore.Qdrant.URL = DefaultQdrantURL
		}
		if cfg.VectorStore.Qdrant.TimeoutSecs == 0 {
			cfg.VectorStore.Qdrant.TimeoutSecs = DefaultQdrantTimeoutSecs
		}
	case StoreSQLite:
		if cfg.VectorStore.SQLite == nil {
			cfg.VectorStore.SQLite = &SQLiteConfig{}
		}
		if cfg.VectorStore.SQLite.Path == "" {
			cfg.VectorStore.SQLite.Path = filepath.Join(dataDir(), "vectors.db")
		}
		if p, err := ExpandHome(cfg.VectorStore.SQLite.Path); err == nil {
			cfg.VectorStore.SQLite.Path = p
		}
	}

	if cfg.Search.DenseWeight == 0 && cfg.Search.LexicalWeight == 0 {
		cfg.Search.DenseWeight = DefaultDenseWeight
		cfg.Search.LexicalWeight = DefaultLexicalWeight
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = DefaultSearchLimit
	}
	if cfg.Search.CacheTTLSecs == 0 {
		cfg.Search.CacheTTLSecs = DefaultCacheTTLSecs
	}
	if cfg.Timeouts.EmbedBatchSecs == 0 {
		cfg.Timeouts.EmbedBatchSecs = DefaultEmbedBatchTimeout
	}
	if cfg.Timeouts.QuerySecs == 0 {
		cfg.Timeouts.QuerySecs = DefaultQueryTimeout
	}

	for i := range cfg.Repositories {
		cfg.Repositories[i].applyDefaults()
	}
}

// Validate reports the first invalid setting wrapped in types.ErrConfig.
func (c *AppConfig) Validate() error {
	switch {
	case c.FileProcessingConcurrency < 1:
		return fmt.Errorf("%w: file_processing_concurrency must be >= 1", types.ErrConfig)
	case c.FileQueueSize < 1:
		return fmt.Errorf("%w: file_queue_size must be >= 1", types.ErrConfig)
	case c.MaxEmbeddingSessions < 1:
		return fmt.Errorf("%w: max_embedding_sessions must be >= 1", types.ErrConfig)
	case c.SessionsPerThread < 0:
		return fmt.Errorf("%w: sessions_per_thread must be >= 0", types.ErrConfig)
	case c.EmbeddingBatchSize < 1:
		return fmt.Errorf("%w: embedding_batch_size must be >= 1", types.ErrConfig)
	case c.MaxFileSizeBytes < 1:
		return fmt.Errorf("%w: max_file_size_bytes must be >= 1", types.ErrConfig)
	case c.FileWatcher.DebounceMs < 1:
		return fmt.Errorf("%w: file_watcher.debounce_ms must be >= 1", types.ErrConfig)
	case c.Search.DenseWeight < 0 || c.Search.LexicalWeight < 0:
		return fmt.Errorf("%w: search weights must be non-negative", types.ErrConfig)
	}

	switch c.Embedding.Provider {
	case ProviderONNX:
		if c.Embedding.ModelPath == "" || c.Embedding.TokenizerPath == "" {
			return fmt.Errorf("%w: embedding.model_path and embedding.tokenizer_path are required for onnx", types.ErrConfig)
		}
	case ProviderOpenAI, ProviderJina, ProviderLocal:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", types.ErrConfig, c.Embedding.Provider)
	}

	switch c.VectorStore.Type {
	case StoreQdrant, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown vector store %q", types.ErrConfig, c.VectorStore.Type)
	}
	switch c.VectorStore.Distance {
	case "", "cosine", "euclid", "dot", "manhattan":
	default:
		return fmt.Errorf("%w: unknown distance %q", types.ErrConfig, c.VectorStore.Distance)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("%w: repository without a name", types.ErrConfig)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate repository %q", types.ErrConfig, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// FindRepository returns the index of the named repository or -1.
func (c *AppConfig) FindRepository(name string) int {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the configuration.
func (c *AppConfig) Clone() *AppConfig {
	out := *c
	out.IgnorePatterns = append([]string(nil), c.IgnorePatterns...)
	out.IndexExtensions = append([]string(nil), c.IndexExtensions...)
	if c.AutoRepair != nil {
		v := *c.AutoRepair
		out.AutoRepair = &v
	}
	if c.VectorStore.SparseVectors != nil {
		v := *c.VectorStore.SparseVectors
		out.VectorStore.SparseVectors = &v
	}
	if c.VectorStore.Qdrant != nil {
		q := *c.VectorStore.Qdrant
		out.VectorStore.Qdrant = &q
	}
	if c.VectorStore.SQLite != nil {
		s := *c.VectorStore.SQLite
		out.VectorStore.SQLite = &s
	}
	out.Repositories = make([]RepositoryConfig, len(c.Repositories))
	for i := range c.Repositories {
		out.Repositories[i] = c.Repositories[i].Clone()
	}
	return &out
}
