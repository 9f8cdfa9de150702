package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/breaker"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired cache entries and traces",
	Long: `Remove expired records from the durable store.

The server sweeps on cache.sweep_interval; run this after the server has been
down for a while or from cron when only the CLI is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		var purged int64
		err = rt.Breakers.Get(breaker.Store).Call(ctx, func(ctx context.Context) error {
			var err error
			purged, err = rt.Durable.PurgeExpired(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("purge expired records: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d expired records\n", color.GreenString("✓"), purged)
		return nil
	},
}
