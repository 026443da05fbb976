// Command server runs the sybilguard HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/sybilguard/internal/config"
	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/server"
)

// Build info, set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build info and exit")
	checkOnly := flag.Bool("check-config", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sybilguard %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *checkOnly {
		logger.Info("configuration ok", "env", cfg.Env)
		return
	}

	logger.Info("starting sybilguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"identity", cfg.IdentityURL != "",
		"batch_workers", cfg.BatchWorkers,
		"trace_sample_ratio", cfg.TraceSampleRatio,
	)

	server.Version = Version

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
