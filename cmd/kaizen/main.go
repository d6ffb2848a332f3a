// Command kaizen runs the self-improvement loop as an MCP server over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kaizen",
		Short: "Self-improvement loop for a reasoning server",
		Long: `kaizen watches the invocations of a reasoning server, diagnoses regressions
in error rate, latency and quality with a language model, and tunes the
server's settings within a declared allowlist.

Configuration comes from KAIZEN_* environment variables, an optional .env
file, and an optional YAML file named by KAIZEN_CONFIG_FILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("driver", "", "storage engine: sqlite or postgres (overrides KAIZEN_DB_DRIVER)")
	root.PersistentFlags().String("db", "", "database path or DSN (overrides KAIZEN_DATABASE_URL)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "kaizen", version)
		},
	}
}
