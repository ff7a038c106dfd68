// Command migrate applies the bridge database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/migrations/bridgedb"
	"github.com/chainsafe/trichain-bridge/pkg/pgutil"
	mghelper "github.com/chainsafe/trichain-bridge/pkg/pgutil/migrations"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = mghelper.Usage
	flag.Parse()

	if err := run(*cfgPath, flag.Args()); err != nil {
		mghelper.Exitf("%s", err)
	}
}

func run(cfgPath string, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled() {
		return fmt.Errorf("database.host is not configured, nothing to migrate")
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("Running bridge migrations", zap.String("database", cfg.Database.Database), zap.Strings("args", args))
	return mghelper.RunMigrations(ctx, migrate.NewMigrator(db, bridgedb.Migrations), logger, args...)
}
