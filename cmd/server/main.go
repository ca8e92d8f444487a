// Trustless Escrow - custodial escrow for client/freelancer deals
package main

import (
	"context"
	"os"

	"github.com/Blazingkevin/trustless-escrow/internal/config"
	"github.com/Blazingkevin/trustless-escrow/internal/logging"
	"github.com/Blazingkevin/trustless-escrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger, replaced once config is loaded.
	logger := logging.New("info", "text")

	logger.Info("starting escrow service",
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
		"storage", storageMode(cfg),
		"chain_enabled", cfg.ChainEnabled(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageMode(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
