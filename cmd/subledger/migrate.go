package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/subledger/pkg/catalog"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/storage/postgres"
)

var seedPlans bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedPlans, "seed-plans", true, "load the plan file into the plans table after migrating")
}

func runMigrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	conns, err := postgres.NewConnectionManager(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer conns.Close()

	if err := postgres.Migrate(ctx, conns.Primary()); err != nil {
		return err
	}
	logger.Info("Schema is up to date")

	if !seedPlans || cfg.Catalog.Source != config.CatalogSourceFile {
		return nil
	}

	data, err := os.ReadFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}
	plans, err := catalog.ParsePlans(data)
	if err != nil {
		return err
	}
	if err := postgres.NewLedger(conns).UpsertPlans(ctx, plans); err != nil {
		return err
	}
	logger.WithField("plans", len(plans)).Info("Plans seeded")
	return nil
}
