// Command server runs the SHP settlement bridge: the HTTP API, the
// settlement resume loop, and the oracle and rebase timers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shplabs/shpbridge/internal/config"
	"github.com/shplabs/shpbridge/internal/logging"
	"github.com/shplabs/shpbridge/internal/server"
)

// Set by ldflags at release build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shpbridge:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, "text")
	logger.Info("starting shpbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"bridge_contract", cfg.BridgeContract,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
