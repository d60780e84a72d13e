// ChainTrust - credit decisions for crypto-collateralised loans
package main

import (
	"context"
	"os"
	"time"

	"github.com/ksp2701/chaintrust/internal/config"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/server"
	"github.com/ksp2701/chaintrust/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting chaintrust",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"explorer_keys", len(cfg.ExplorerAPIKeys),
		"synthetic_fallback", cfg.SyntheticFallback,
		"blockchain_enabled", cfg.BlockchainEnabled,
		"blockchain_required", cfg.BlockchainRequired,
		"chain_id", cfg.BlockchainChainID,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1) //nolint:gocritic // tracing has nothing buffered yet
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1) //nolint:gocritic // exit code matters more than the final flush
	}
}
