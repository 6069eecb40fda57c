package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/fsserver/pkg/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fsserver %s (protocol %s, commit: %s, built: %s)\n",
			Version, server.Version, Commit, Date)
	},
}
