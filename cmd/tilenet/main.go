// Command tilenet runs the multiplayer tile arena over telnet.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	serve := serveCmd()

	rootCmd := &cobra.Command{
		Use:   "tilenet",
		Short: "Multiplayer tile arena served over telnet",
		Long: `tilenet serves a shared tile arena to telnet clients.

Every client moves an '@' with the cursor keys, 'r' redraws the
screen and 'q' leaves. Running tilenet without a command serves.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		probeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
