// Package cmd implements fleetwarden's CLI surface using cobra, in the style
// of remote-procedure-call/cmd: a root command with subcommands registered
// in init().
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetwarden",
	Short: "A decentralized self-healing controller for a fleet of cloud VMs",
	Long: `fleetwarden runs an identical agent on every node of a fleet. Agents
gossip liveness and elect a leader without a central coordinator; the elected
leader destroys failed nodes and provisions replacements to keep each
configured group at its desired size.`,
}

func init() {
	rootCmd.AddCommand(runCmd, versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
