package cmd

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/BDNK1/flowgate/cmd.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Flowgate - workflow gateway over service modules",
	Long: `Flowgate exposes declarative multi-step workflows over a set of
in-process and remote service modules. Steps run in dependency order,
independent steps run concurrently.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
