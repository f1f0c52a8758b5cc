// Package main provides the wardwatch API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/config"
	"github.com/kamilpajak/wardwatch/internal/database"
	"github.com/kamilpajak/wardwatch/internal/logging"
	"github.com/kamilpajak/wardwatch/internal/server"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to a wardwatch.yaml config file")
		migrateOnly = flag.Bool("migrate", false, "Run migrations and exit")
		rollback    = flag.Bool("rollback", false, "Roll back all migrations and exit")
	)
	flag.Parse()

	if err := run(*configFile, *migrateOnly, *rollback); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string, migrateOnly, rollback bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if (migrateOnly || rollback) && cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for -migrate and -rollback")
	}
	if rollback {
		logger.Warn("rolling back all migrations")
		if err := database.MigrateDown(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("rollback complete")
		return nil
	}
	if migrateOnly {
		logger.Info("running database migrations")
		if err := database.Migrate(cfg.Database.URL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		version, dirty, err := database.SchemaVersion(cfg.Database.URL)
		if err != nil {
			return err
		}
		logger.Info("migrations complete", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer srv.Close()

	return srv.Run(ctx)
}
