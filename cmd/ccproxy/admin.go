package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// adminClient talks to the admin API of a running proxy.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

// newAdminClient resolves CCPROXY_URL, falling back to the configured listen
// address, and CCPROXY_ADMIN_TOKEN.
func newAdminClient() (*adminClient, error) {
	base := strings.TrimRight(os.Getenv("CCPROXY_URL"), "/")
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = localBase(cfg.ListenAddr)
	}
	return &adminClient{
		base:  base,
		token: os.Getenv("CCPROXY_ADMIN_TOKEN"),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *adminClient) request(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func (c *adminClient) do(method, path string) (map[string]any, error) {
	resp, err := c.request(method, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

var adminFlags struct {
	limit    int
	clearAll bool
	key      string
	types    string
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the providers the running proxy has loaded",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		data, err := c.do(http.MethodGet, "/admin/v1/providers")
		if err != nil {
			return err
		}
		list, _ := data["providers"].([]any)
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No providers loaded.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "#\tKIND\tNAME\tURL\tLEVEL\tCREDENTIAL")
		for i, p := range list {
			m, _ := p.(map[string]any)
			kind, _ := m["kind"].(string)
			name, _ := m["name"].(string)
			apiURL, _ := m["api_url"].(string)
			cred, _ := m["credential"].(string)
			if name == "" {
				name = "-"
			}
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, kind, name, apiURL, fmtNum(m["level"]), cred)
		}
		_ = tw.Flush()
		if ts, ok := data["loaded_at"].(string); ok {
			fmt.Fprintf(out, "\nLoaded at %s\n", fmtTime(ts))
		}
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the provider file now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		data, err := c.do(http.MethodPost, "/admin/v1/providers/reload")
		if err != nil {
			return err
		}
		counts, _ := data["counts"].(map[string]any)
		fmt.Fprintf(cmd.OutOrStdout(), "Reloaded: claude=%s codex=%s\n", fmtNum(counts["claude"]), fmtNum(counts["codex"]))
		return nil
	},
}

var affinityCmd = &cobra.Command{
	Use:   "affinity",
	Short: "Show or clear cache affinity pins",
	Long: `List the live affinity records, or drop them.

Examples:
  ccproxy affinity
  ccproxy affinity --clear
  ccproxy affinity --key 1a2b3c4d5e6f7a8b:claude:claude-sonnet`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if adminFlags.clearAll || adminFlags.key != "" {
			path := "/admin/v1/affinity"
			if adminFlags.key != "" {
				path += "?key=" + url.QueryEscape(adminFlags.key)
			}
			data, err := c.do(http.MethodDelete, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %s pin(s).\n", fmtNum(data["removed"]))
			return nil
		}

		data, err := c.do(http.MethodGet, "/admin/v1/affinity")
		if err != nil {
			return err
		}
		entries, _ := data["entries"].([]any)
		if len(entries) == 0 {
			fmt.Fprintln(out, "No affinity pins.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "KEY\tPROVIDER\tHITS\tEXPIRES")
		for _, e := range entries {
			m, _ := e.(map[string]any)
			key, _ := m["key"].(string)
			prov, _ := m["provider_id"].(string)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key, prov, fmtNum(m["hits"]), fmtTime(m["expires_at"]))
		}
		return tw.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-provider attempt health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		data, err := c.do(http.MethodGet, "/admin/v1/health")
		if err != nil {
			return err
		}
		list, _ := data["providers"].([]any)
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No provider health data available.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tATTEMPTS\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
		for _, p := range list {
			m, _ := p.(map[string]any)
			id, _ := m["provider_id"].(string)
			state, _ := m["state"].(string)
			lastErr, _ := m["last_error"].(string)
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, state,
				fmtNum(m["total_attempts"]), fmtNum(m["consec_errors"]),
				fmtDuration(m["avg_latency_ms"]), fmtTime(m["last_success_at"]), lastErr)
		}
		return tw.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent routed requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		data, err := c.do(http.MethodGet, "/admin/v1/logs?limit="+strconv.Itoa(adminFlags.limit))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if enabled, _ := data["enabled"].(bool); !enabled {
			fmt.Fprintln(out, "Route log is disabled (set CCPROXY_DB_DSN).")
			return nil
		}
		logs, _ := data["logs"].([]any)
		if len(logs) == 0 {
			fmt.Fprintln(out, "No route logs.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tKIND\tMODEL\tPROVIDER\tSTICKY\tATTEMPTS\tLATENCY\tOUTCOME")
		for _, l := range logs {
			m, _ := l.(map[string]any)
			kind, _ := m["kind"].(string)
			model, _ := m["model"].(string)
			prov, _ := m["provider"].(string)
			outcome, _ := m["outcome"].(string)
			sticky, _ := m["sticky"].(bool)
			if prov == "" {
				prov = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n", fmtTime(m["timestamp"]), kind, model, prov,
				sticky, fmtNum(m["attempts"]), fmtDuration(m["latency_ms"]), outcome)
		}
		return tw.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rolling route statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		data, err := c.do(http.MethodGet, "/admin/v1/stats")
		if err != nil {
			return err
		}
		global, _ := data["global"].([]any)
		out := cmd.OutOrStdout()
		if len(global) == 0 {
			fmt.Fprintln(out, "No traffic in the last hour.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "WINDOW\tREQUESTS\tERRORS\tSTICKY\tAVG ATTEMPTS\tAVG LATENCY\tP95 LATENCY")
		for _, g := range global {
			m, _ := g.(map[string]any)
			window, _ := m["window"].(string)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", window,
				fmtNum(m["requests"]), fmtNum(m["errors"]), fmtPercent(m["sticky_rate"]),
				fmtNum(m["avg_attempts"]), fmtDuration(m["avg_latency_ms"]), fmtDuration(m["p95_latency_ms"]))
		}
		return tw.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream routing events (Ctrl-C to stop)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		c.http.Timeout = 0
		path := "/admin/v1/events"
		if adminFlags.types != "" {
			path += "?types=" + url.QueryEscape(adminFlags.types)
		}
		resp, err := c.request(http.MethodGet, path)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Streaming events (Ctrl-C to stop)...")
		return printEvents(out, resp.Body)
	},
}

func init() {
	logsCmd.Flags().IntVar(&adminFlags.limit, "limit", 50, "number of entries to show")
	affinityCmd.Flags().BoolVar(&adminFlags.clearAll, "clear", false, "drop every pin")
	affinityCmd.Flags().StringVar(&adminFlags.key, "key", "", "drop a single pin")
	eventsCmd.Flags().StringVar(&adminFlags.types, "types", "", "comma separated event types to show")

	rootCmd.AddCommand(providersCmd, reloadCmd, affinityCmd, healthCmd, logsCmd, statsCmd, eventsCmd)
}

// printEvents renders SSE data lines until r ends.
func printEvents(w io.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var evt map[string]any
		if json.Unmarshal([]byte(strings.TrimSpace(payload)), &evt) != nil {
			continue
		}
		typ, _ := evt["type"].(string)
		model, _ := evt["model"].(string)
		prov, _ := evt["provider"].(string)
		reason, _ := evt["reason"].(string)
		ts := fmtClock(evt["timestamp"])
		switch typ {
		case "route_error", "attempt_failure":
			fmt.Fprintf(w, "[%s] %s  model=%s provider=%s error=%s\n", ts, typ, model, prov, reason)
		default:
			fmt.Fprintf(w, "[%s] %s  model=%s provider=%s latency=%s\n", ts, typ, model, prov, fmtDuration(evt["latency_ms"]))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Fprintln(w, "Event stream closed.")
	return nil
}

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtPercent(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f%%", f*100)
	}
	return "-"
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtClock(v any) string {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("15:04:05")
		}
	}
	return time.Now().Format("15:04:05")
}
