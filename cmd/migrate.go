package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the payment ledger schema",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	ctx := context.Background()
	db, err := repository.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN, ledgerPool(cfg))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to ledger")
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db, cfg.Ledger.Driver); err != nil {
		logrus.WithError(err).Fatal("Ledger migration failed")
	}
	logrus.WithField("driver", cfg.Ledger.Driver).Info("Ledger schema applied")
}

func ledgerPool(cfg *config.Config) repository.PoolConfig {
	return repository.PoolConfig{
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
	}
}
