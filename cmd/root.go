package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellbroker",
	Short: "A remote shell broker mediating between an AI agent and a browser viewer",
	Long: `shellbroker opens a single SSH-reached interactive remote shell and
brokers it between an AI agent, via structured tool calls, and any number
of browser-based human viewers attached over WebSocket.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(execCmd)
}

// Execute runs the root command without an explicit context (used by
// simple invocations and tests that don't need graceful shutdown).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// ExecuteContext runs the root command with ctx, so subcommands observe
// cancellation the same way main.go's signal handler expects.
func ExecuteContext(ctx context.Context) error {
	rootCmd.SetContext(ctx)
	return rootCmd.Execute()
}
