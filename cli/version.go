package cli

import (
	"github.com/spf13/cobra"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("%s (commit %s, built %s, %s)\n",
			version.String(), version.GitCommit, version.BuildTime, version.GoVersion())
	},
}
