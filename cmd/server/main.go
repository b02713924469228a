// Escrow settlement engine for custodial service payments
package main

import (
	"context"
	"os"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/config"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/logging"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrow engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"cluster", cfg.Cluster,
		"fee_percent", cfg.PlatformFeePercent,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
