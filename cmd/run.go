package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"sandboxctl/internal/api"
	"sandboxctl/internal/app"
)

var runMode string

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Provision the environments of a plan and run its commands",
		Long: `Run reads a plan file, creates its environments, installs their
packages in parallel, runs the command graph and removes the environments
again. Environments marked with snapshot: true are snapshotted first.

Example plan:

  mode: parallel
  environments:
    - name: api
      level: runtime
      packages: ["requests==2.31.0"]
      commands:
        - name: test
          run: ["pytest", "-q"]
          timeout: 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := app.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if runMode != "" {
				plan.Mode = runMode
			}
			return withApplication(cmd, func(ctx context.Context, a *app.Application) *api.Result {
				return a.RunPlan(ctx, plan)
			})
		},
	}
	cmd.Flags().StringVar(&runMode, "mode", "", "Override the plan's execution mode (parallel or sequential)")
	return cmd
}
