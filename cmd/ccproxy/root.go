package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ccproxy",
	Short: "HTTP proxy for Claude Code and Codex",
	Long: `ccproxy routes Claude Code (POST /v1/messages) and Codex (POST /responses)
requests to a list of configured providers.

  - Cache affinity: a caller keeps the provider that last served a model
    for five minutes so upstream prompt caches stay warm.
  - Failover: a failing provider is skipped and the next one is tried.
  - Auto-configuration: Claude Code and Codex can be pointed at the proxy.

Providers are configured in ~/.cc-proxy/provider.json.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
