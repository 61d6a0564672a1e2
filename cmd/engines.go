package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"sandboxctl/internal/api"
	"sandboxctl/internal/app"
)

func newEnginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the isolation backends that are available",
		Long: `List every registered isolation backend with its priority and
features. Backends that are disabled in the configuration, or whose
container runtime could not be found, are not listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application) *api.Result {
				return a.ListEngines()
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installer counters and resource usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application) *api.Result {
				return a.Status()
			})
		},
	}
}
