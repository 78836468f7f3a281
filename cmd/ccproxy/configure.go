package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/ccproxy/internal/clientcfg"
)

var configureFlags struct {
	addr string
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Point Claude Code and Codex at the proxy",
	Long: `Write ~/.claude/settings.json, ~/.codex/config.toml and ~/.codex/auth.json
so both clients send their requests to this proxy. Existing settings not
owned by the proxy are kept.

Examples:
  # Use the detected LAN address
  ccproxy configure

  # Use an explicit address
  ccproxy configure --addr 10.0.0.5:18100`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := configureFlags.addr
		if addr == "" {
			addr = clientcfg.AdvertisedAddr(cfg.ListenAddr, nil, slog.Default())
		}
		paths, err := clientcfg.DefaultPaths()
		if err != nil {
			return err
		}
		if err := clientcfg.ConfigureAll(paths, addr, slog.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Claude Code and Codex now use %s\n", clientcfg.BaseURL(addr))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
	configureCmd.Flags().StringVar(&configureFlags.addr, "addr", "", "host:port written to client settings (default: detected LAN address)")
}
