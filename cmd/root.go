package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sandboxctl/internal/api"
	"sandboxctl/internal/app"
)

var (
	configPath string
	debugMode  bool
	jsonLogs   bool
	outputFlag string
	noColor    bool
)

// newApplication is replaced in tests.
var newApplication = app.NewApplication

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Provision isolated environments and run work inside them",
	Long: `sandboxctl creates isolated environments on filesystem, runtime or
container backends, installs packages into them in parallel, runs task
graphs against them and keeps snapshots of their state.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid plans, failed installs)
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "sandboxctl version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newEnginesCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newConfigCmd())

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: layered user and project config)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", string(formatTable), "Output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// withApplication boots the application for one command, runs fn and prints
// its result. The application is closed before returning, which removes any
// environment the command left behind.
func withApplication(cmd *cobra.Command, fn func(context.Context, *app.Application) *api.Result) error {
	p, err := newPrinter(cmd.OutOrStdout(), outputFlag, noColor)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.NewConfig(configPath, debugMode)
	cfg.JSONLogs = jsonLogs
	cfg.LogOutput = cmd.ErrOrStderr()

	application, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: shutdown incomplete: %v\n", err)
		}
	}()

	return p.print(fn(ctx, application))
}
