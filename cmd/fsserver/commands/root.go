// Package commands implements the fsserver command line.
//
// The root command runs the server on stdin/stdout. Its short flags keep the
// historical fs_server surface so that existing launchers keep working:
//
//	fsserver -t 4 -p -r 2 -R e -v 2 -l -s -d /tmp/cache -c -K 1234:500 -e
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fsserver/cmd/fsserver/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "fsserver",
	Short: "Remote filesystem helper speaking a line protocol on stdin/stdout",
	Long: `fsserver serves directory listings, file metadata, copy/move/delete
operations and change notifications to an IDE over a line-oriented text
protocol on standard input and output.

Diagnostics go to stderr (or the file given with -e). Every setting can also be
read from the config file or FSSERVER_* environment variables; flags win.

Use "fsserver [command] --help" for more information about a command.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/fsserver/config.yaml)")
	addServeFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dirtabCmd)
	rootCmd.AddCommand(config.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
