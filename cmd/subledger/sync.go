package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile stale subscriptions against the gateway once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context())
	},
}

func runSync(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.syncer.SyncStale(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked=%d applied=%d failed=%d\n", result.Checked, result.Applied, result.Failed)
	if result.Failed > 0 {
		return fmt.Errorf("%d subscriptions could not be reconciled", result.Failed)
	}
	return nil
}
