// Swiftline - M-Pesa escrow for peer-to-peer commerce
package main

import (
	"context"
	"os"

	"github.com/swiftline/escrow/internal/config"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting swiftline",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currencies", cfg.SupportedCurrencies,
		"mpesa", cfg.MpesaConfigured(),
		"sms", cfg.TwilioConfigured(),
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
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
