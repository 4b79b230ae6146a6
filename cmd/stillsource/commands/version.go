package commands

import (
	"fmt"

	"github.com/bryanchriswhite/StillSource/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		v, rev := version.Version()
		fmt.Printf("%s %s (%s)\n", version.ApplicationName, v, rev)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
