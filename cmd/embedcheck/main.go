// Command embedcheck embeds a few sample snippets with the configured
// provider and prints their pairwise similarity. It is a quick way to
// confirm model paths, API keys and dimensions before a full sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/embedder"
	"github.com/dshills/reposearch-mcp/internal/logging"
)

var samples = []string{
	"func LoadConfig(path string) (*Config, error) { return parse(path) }",
	"fn load_config(path: &Path) -> Result<Config> { parse(path) }",
	"SELECT id, name FROM users WHERE active = 1",
}

func main() {
	configPath := flag.String("config", "", "config file (default $"+config.EnvConfigPath+")")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	var (
		cfg *config.AppConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pool, err := embedder.NewPoolFromConfig(cfg, logging.Logger())
	if err != nil {
		log.Fatalf("Failed to create embedding pool: %v", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	vectors, err := pool.EmbedBatch(ctx, samples)
	if err != nil {
		log.Fatalf("Failed to embed samples: %v", err)
	}
	elapsed := time.Since(start)

	stats := pool.Stats()
	fmt.Printf("Provider:  %s\n", cfg.Embedding.Provider)
	fmt.Printf("Sessions:  %d\n", stats.Sessions)
	fmt.Printf("Dimension: %d\n", stats.Dimension)
	fmt.Printf("Duration:  %v\n\n", elapsed)

	for i := range vectors {
		if len(vectors[i]) != stats.Dimension {
			fmt.Printf("✗ sample %d has dimension %d\n", i, len(vectors[i]))
			os.Exit(1)
		}
	}
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			fmt.Printf("  cos(%d,%d) = %.4f\n", i, j, cosine(vectors[i], vectors[j]))
		}
	}
	fmt.Println("\n✓ embeddings generated")
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
