package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fsserver/internal/cli/output"
	"github.com/marmos91/fsserver/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective fsserver configuration: defaults, then the config
file, then FSSERVER_* environment variables.

Examples:
  # Show as YAML
  fsserver config show

  # Show as JSON
  fsserver config show --output json

  # Show specific config file
  fsserver config show --config /etc/fsserver/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}
	return output.Print(cmd.OutOrStdout(), format, cfg)
}
