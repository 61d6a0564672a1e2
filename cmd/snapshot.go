package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"sandboxctl/internal/api"
	"sandboxctl/internal/app"
	"sandboxctl/internal/config"
	"sandboxctl/pkg/logging"
)

var pruneOlderThan time.Duration

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage stored environment snapshots",
		Long: `Manage the snapshots kept in the snapshot store.

Snapshots only outlive a single invocation when the store is persistent,
so set snapshots.store to sqlite in the configuration.

Available commands:
  list     - List stored snapshots
  show     - Show one snapshot
  delete   - Delete a snapshot
  export   - Write a snapshot record to a file
  import   - Validate and store a snapshot record from a file
  prune    - Delete snapshots older than a given age`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.ListSnapshots(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.GetSnapshot(ctx, args[0])
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.DeleteSnapshot(ctx, args[0])
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export <snapshot-id> <file>",
		Short: "Write a snapshot record to a file",
		Args:  cobra.ExactArgs(2),
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.ExportSnapshot(ctx, args[0], args[1])
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store a snapshot record",
		Args:  cobra.ExactArgs(1),
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.ImportSnapshot(ctx, args[0])
		}),
	})

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than an age",
		Long: `Delete snapshots older than --older-than, or older than the
configured snapshots.maxAge when the flag is not given.`,
		Args: cobra.NoArgs,
		RunE: snapshotRunE(func(ctx context.Context, a *app.Application, args []string) *api.Result {
			return a.PruneSnapshots(ctx, pruneOlderThan)
		}),
	}
	prune.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Minimum age of the snapshots to delete (e.g. 168h)")
	cmd.AddCommand(prune)

	return cmd
}

func snapshotRunE(fn func(context.Context, *app.Application, []string) *api.Result) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(ctx context.Context, a *app.Application) *api.Result {
			if a.Settings().Snapshots.Store == config.StoreMemory {
				logging.Warn("CLI", "Snapshot store is in memory; set snapshots.store to sqlite to keep snapshots between runs")
			}
			return fn(ctx, a, args)
		})
	}
}
