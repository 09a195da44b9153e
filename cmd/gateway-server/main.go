// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/passkeymesh/gateway/internal/config"
	"github.com/passkeymesh/gateway/internal/gateway"
	"github.com/passkeymesh/gateway/pkg/logging"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional, env vars apply either way)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PasskeyMesh gateway server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Git Commit: %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		os.Exit(0)
	}

	if envConfig := os.Getenv("GATEWAY_CONFIG"); envConfig != "" && *configPath == "" {
		*configPath = envConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting gateway server",
		"config", *configPath,
		"version", version,
		"addr", cfg.ListenAddr())

	srv, err := gateway.NewServer(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Stop(timeoutCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}
