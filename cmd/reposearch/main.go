package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/internal/mcp"
	"github.com/dshills/reposearch-mcp/internal/repomanager"
	"github.com/dshills/reposearch-mcp/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version information and exit")
		configPath  = flag.String("config", "", "config file (default $"+config.EnvConfigPath+" or ~/.config/reposearch/config.yaml)")
		envFile     = flag.String("env-file", ".env", "dotenv file with API keys; ignored when missing")
		orphans     = flag.Bool("orphans", false, "report orphaned and missing repositories, then exit")
		asJSON      = flag.Bool("json", false, "with --orphans, print the report as JSON")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s\n", mcp.ServerName)
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		os.Exit(0)
	}

	// Existing environment variables win over the file
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	logger := logging.Logger()
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("main.config_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *orphans {
		if err := reportOrphans(cfg, path, *asJSON); err != nil {
			logger.Error("main.orphans_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger.Info("main.starting",
		slog.String("version", version),
		slog.String("config", path),
		slog.String("vector_store", cfg.VectorStore.Type),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("build_mode", storage.BuildMode))

	server, err := mcp.NewServer(cfg, path, logger)
	if err != nil {
		logger.Error("main.init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := server.Serve(ctx)
	if err := server.Close(); err != nil {
		logger.Warn("main.close_failed", slog.String("error", err.Error()))
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("main.server_error", slog.String("error", serveErr.Error()))
		os.Exit(1)
	}
	logger.Info("main.stopped")
}

func loadConfig(path string) (*config.AppConfig, string, error) {
	if path == "" {
		return config.LoadDefault()
	}
	expanded, err := config.ExpandHome(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(expanded)
	return cfg, expanded, err
}

// reportOrphans prints the reconciliation report without starting the
// stores or the embedder.
func reportOrphans(cfg *config.AppConfig, path string, asJSON bool) error {
	mgr := repomanager.New(cfg, path, nil, nil, logging.Logger())
	report, err := mgr.ScanOrphans()
	if err != nil {
		return err
	}
	return repomanager.FormatOrphans(os.Stdout, report, asJSON)
}
