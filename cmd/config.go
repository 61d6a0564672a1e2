package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sandboxctl/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the user file
(~/.config/sandboxctl/config.yaml), the project file
(.sandboxctl/config.yaml) and SANDBOXCTL_* environment variables have
been applied. With --config only that file is read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				settings config.Config
				err      error
			)
			if configPath != "" {
				settings, err = config.LoadFile(configPath)
			} else {
				settings, err = config.LoadConfig()
			}
			if err != nil {
				return err
			}

			var out []byte
			if outputFlag == string(formatJSON) {
				out, err = json.MarshalIndent(settings, "", "  ")
				out = append(out, '\n')
			} else {
				out, err = yaml.Marshal(settings)
			}
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
