// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/daemon"
	"github.com/soliplex/ingester/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		cfgPath     = pflag.String("config", "", "Path to settings YAML")
		dbURL       = pflag.String("db-url", "", "Database URL (sqlite path or postgres URL)")
		metricsAddr = pflag.String("metrics-addr", "", "Metrics/health listen address")
		poolSize    = pflag.Int("pool-size", 0, "Concurrent step executors")
		showVersion = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ingesterd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *poolSize > 0 {
		cfg.WorkerPoolSize = *poolSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, logger)
	if err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}
