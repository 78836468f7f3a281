package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/ccproxy/internal/clientcfg"
	"github.com/jordanhubbard/ccproxy/internal/daemon"
)

var stopWait = 10 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running proxy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		pid := daemon.NewPIDFile(cfg.PIDFile())
		n, err := pid.Signal(syscall.SIGTERM)
		if errors.Is(err, daemon.ErrNotRunning) {
			_ = pid.Remove()
			fmt.Fprintln(out, "ccproxy is not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Stopping ccproxy (PID: %d)...\n", n)
		deadline := time.Now().Add(stopWait)
		for time.Now().Before(deadline) {
			if _, err := pid.Running(); errors.Is(err, daemon.ErrNotRunning) {
				_ = pid.Remove()
				fmt.Fprintln(out, "ccproxy stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("ccproxy (pid %d) did not exit within %s", n, stopWait)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the proxy is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		n, err := daemon.NewPIDFile(cfg.PIDFile()).Running()
		if err != nil {
			fmt.Fprintln(out, "Status: not running")
			return nil
		}
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID:    %d\n", n)
		fmt.Fprintf(out, "Bind:   http://%s\n", cfg.ListenAddr)
		fmt.Fprintf(out, "Share:  %s\n", clientcfg.BaseURL(clientcfg.AdvertisedAddr(cfg.ListenAddr, nil, nil)))
		report, err := fetchHealth(cfg.ListenAddr)
		if err != nil {
			fmt.Fprintf(out, "Health: unreachable (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "Health: %s (claude: %d, codex: %d)\n",
			report.Status, report.Providers["claude"], report.Providers["codex"])
		return nil
	},
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit non-zero unless /healthz reports ok",
	Long:  `Query the local /healthz endpoint. Intended for container health checks.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHealthCheck(cfg.ListenAddr)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd, statusCmd, healthcheckCmd)
}

var healthClient = &http.Client{Timeout: 5 * time.Second}

type healthReport struct {
	Status    string         `json:"status"`
	Providers map[string]int `json:"providers"`
}

// localBase maps a listen address to a base URL reachable from this host. A
// wildcard or empty host is replaced by loopback.
func localBase(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip, err := netip.ParseAddr(host); host == "" || (err == nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func healthURL(addr string) string {
	return localBase(addr) + "/healthz"
}

// runHealthCheck performs an HTTP health check against the given address.
// addr should be in the form ":port" or "host:port".
func runHealthCheck(addr string) error {
	resp, err := healthClient.Get(healthURL(addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// fetchHealth decodes /healthz. A 503 still carries a report.
func fetchHealth(addr string) (*healthReport, error) {
	resp, err := healthClient.Get(healthURL(addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var r healthReport
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode health report: %w", err)
	}
	return &r, nil
}
