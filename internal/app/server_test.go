package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/ccproxy/internal/providers"
	"github.com/jordanhubbard/ccproxy/internal/vault"
)

var allEnvVars = []string{
	"CCPROXY_LISTEN_ADDR",
	"CCPROXY_LOG_LEVEL",
	"CCPROXY_LOG_FORMAT",
	"CCPROXY_HOME",
	"CCPROXY_PROVIDER_FILE",
	"CCPROXY_WATCH_CONFIG",
	"CCPROXY_AFFINITY_TTL_SECS",
	"CCPROXY_SWEEP_INTERVAL_SECS",
	"CCPROXY_MAX_BODY_BYTES",
	"CCPROXY_DIAL_TIMEOUT_SECS",
	"CCPROXY_RESPONSE_HEADER_TIMEOUT_SECS",
	"CCPROXY_DB_DSN",
	"CCPROXY_LOG_RETENTION_DAYS",
	"CCPROXY_PRUNE_SCHEDULE",
	"CCPROXY_MASTER_KEY",
	"CCPROXY_ADMIN_TOKEN",
	"CCPROXY_ADMIN_RATE_LIMIT",
	"CCPROXY_CORS_ORIGINS",
	"CCPROXY_OTEL_ENABLED",
	"CCPROXY_OTEL_ENDPOINT",
	"CCPROXY_OTEL_SAMPLE_RATIO",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", "/home/tester")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:18100" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, "0.0.0.0:18100")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Home != "/home/tester/.cc-proxy" {
		t.Errorf("Home = %q, want /home/tester/.cc-proxy", cfg.Home)
	}
	if cfg.PIDFile() != "/home/tester/.cc-proxy/ccproxy.pid" {
		t.Errorf("PIDFile() = %q", cfg.PIDFile())
	}
	if cfg.AffinityTTL() != 300*time.Second {
		t.Errorf("AffinityTTL() = %v, want 5m", cfg.AffinityTTL())
	}
	if cfg.SweepInterval() != 60*time.Second {
		t.Errorf("SweepInterval() = %v, want 1m", cfg.SweepInterval())
	}
	if cfg.MaxBodyBytes != 5<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, 5<<20)
	}
	if !cfg.WatchConfig {
		t.Error("WatchConfig should default to true")
	}
	if cfg.DBDSN != "" {
		t.Errorf("DBDSN = %q, want empty (route log disabled)", cfg.DBDSN)
	}
	if cfg.PruneSchedule != "@hourly" || cfg.LogRetentionDays != 7 {
		t.Errorf("retention = %q/%d, want @hourly/7", cfg.PruneSchedule, cfg.LogRetentionDays)
	}
	if cfg.AdminRateLimit != 120 {
		t.Errorf("AdminRateLimit = %d, want 120", cfg.AdminRateLimit)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CCPROXY_LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("CCPROXY_LOG_LEVEL", "debug")
	t.Setenv("CCPROXY_LOG_FORMAT", "text")
	t.Setenv("CCPROXY_HOME", "/srv/ccproxy")
	t.Setenv("CCPROXY_AFFINITY_TTL_SECS", "30")
	t.Setenv("CCPROXY_DB_DSN", "file::memory:")
	t.Setenv("CCPROXY_PRUNE_SCHEDULE", "0 3 * * *")
	t.Setenv("CCPROXY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CCPROXY_WATCH_CONFIG", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Errorf("log = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.PIDFile() != "/srv/ccproxy/ccproxy.pid" {
		t.Errorf("PIDFile() = %q", cfg.PIDFile())
	}
	if cfg.AffinityTTL() != 30*time.Second {
		t.Errorf("AffinityTTL() = %v", cfg.AffinityTTL())
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.WatchConfig {
		t.Error("WatchConfig should be false")
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CCPROXY_HOME", t.TempDir())
	t.Setenv("CCPROXY_WATCH_CONFIG", "notabool")
	t.Setenv("CCPROXY_AFFINITY_TTL_SECS", "notanint")
	t.Setenv("CCPROXY_MAX_BODY_BYTES", "lots")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if !cfg.WatchConfig {
		t.Error("WatchConfig should fall back to true")
	}
	if cfg.AffinityTTLSecs != 300 {
		t.Errorf("AffinityTTLSecs = %d, want 300", cfg.AffinityTTLSecs)
	}
	if cfg.MaxBodyBytes != 5<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
}

func TestConfigValidate(t *testing.T) {
	base := newTestConfig(t)
	cases := map[string]func(*Config){
		"bad listen addr":     func(c *Config) { c.ListenAddr = "18100" },
		"zero ttl":            func(c *Config) { c.AffinityTTLSecs = 0 },
		"zero sweep":          func(c *Config) { c.SweepIntervalSecs = 0 },
		"zero body limit":     func(c *Config) { c.MaxBodyBytes = 0 },
		"zero dial timeout":   func(c *Config) { c.DialTimeoutSecs = 0 },
		"negative retention":  func(c *Config) { c.LogRetentionDays = -1 },
		"bad log format":      func(c *Config) { c.LogFormat = "xml" },
		"short master key":    func(c *Config) { c.MasterKey = "short" },
		"sample ratio > 1":    func(c *Config) { c.OTelSampleRatio = 2 },
		"no home or file":     func(c *Config) { c.Home = "" },
		"zero header timeout": func(c *Config) { c.ResponseHeaderTimeoutSecs = 0 },
		"negative rate limit": func(c *Config) { c.AdminRateLimit = -1 },
		"bad schedule": func(c *Config) {
			c.DBDSN = ":memory:"
			c.PruneSchedule = "every tuesday"
		},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ListenAddr:                "127.0.0.1:0",
		LogLevel:                  "error",
		LogFormat:                 "json",
		Home:                      t.TempDir(),
		AffinityTTLSecs:           300,
		SweepIntervalSecs:         60,
		MaxBodyBytes:              1 << 20,
		DialTimeoutSecs:           5,
		ResponseHeaderTimeoutSecs: 30,
		LogRetentionDays:          7,
		PruneSchedule:             "@hourly",
		OTelSampleRatio:           1,
	}
}

func writeProviders(t *testing.T, dir string, urls ...string) {
	t.Helper()
	var entries []string
	for i, u := range urls {
		entries = append(entries, fmt.Sprintf(`{"name":"p%d","claude":{"apiUrl":%q,"apiKey":"sk-%d"}}`, i+1, u, i+1))
	}
	body := `{"providers":[` + strings.Join(entries, ",") + `]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, providers.FileName), []byte(body), 0o600))
}

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, ts
}

func TestNewServerAndClose(t *testing.T) {
	srv, err := NewServer(newTestConfig(t))
	require.NoError(t, err)
	require.NotNil(t, srv.Router())
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close(), "Close is idempotent")
}

func TestServer_RoutesAndObserves(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer good.Close()

	cfg := newTestConfig(t)
	cfg.DBDSN = ":memory:"
	writeProviders(t, cfg.Home, bad.URL, good.URL)
	srv, ts := startServer(t, cfg)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{"model":"sonnet"}`))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"ok":true}`, string(body))
	}
	assert.Equal(t, int32(1), badHits.Load(), "second request sticks to the working provider")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.RequestsTotal.WithLabelValues("claude", "success")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.AffinityHits.WithLabelValues("claude")))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.AttemptsTotal.WithLabelValues("claude", "claude::"+bad.URL, "failure")))

	stats := srv.health.GetStats("claude::" + bad.URL)
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.TotalErrors)

	assert.Eventually(t, func() bool {
		logs, err := srv.store.ListRouteLogs(context.Background(), 10, 0)
		return err == nil && len(logs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, srv.stats.Len())
}

func TestServer_AdminRateLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.AdminRateLimit = 2
	writeProviders(t, cfg.Home, "https://a.example")
	srv, ts := startServer(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/admin/v1/providers")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.AdminRateLimited))

	// The proxy surface is not throttled.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReloadKeepsProvidersOnError(t *testing.T) {
	cfg := newTestConfig(t)
	writeProviders(t, cfg.Home, "https://a.example")
	srv, ts := startServer(t, cfg)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Home, providers.FileName), []byte(`{"providers":`), 0o600))
	assert.Error(t, srv.Reload())
	assert.Len(t, srv.Registry().Snapshot(providers.KindClaude), 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.Providers.WithLabelValues("claude")))
}

func TestServer_WatcherReloadsOnFileChange(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.WatchConfig = true
	writeProviders(t, cfg.Home, "https://a.example")
	srv, _ := startServer(t, cfg)

	// Let the watcher register the directory.
	time.Sleep(100 * time.Millisecond)
	writeProviders(t, cfg.Home, "https://a.example", "https://b.example")

	assert.Eventually(t, func() bool {
		return len(srv.Registry().Snapshot(providers.KindClaude)) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_SealedCredentials(t *testing.T) {
	var gotAuth atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer up.Close()

	v := vault.New()
	require.NoError(t, v.Unlock([]byte("correct horse battery")))
	sealed, err := v.Seal("sk-real-upstream")
	require.NoError(t, err)

	cfg := newTestConfig(t)
	cfg.MasterKey = "correct horse battery"
	doc, _ := json.Marshal(map[string]any{"providers": map[string]any{
		"claude": map[string]string{"apiUrl": up.URL, "apiKey": sealed},
	}})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Home, providers.FileName), doc, 0o600))

	_, ts := startServer(t, cfg)
	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{"model":"m"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-real-upstream", gotAuth.Load())
}

func TestServer_SealedCredentialWithoutMasterKeyIsSkipped(t *testing.T) {
	v := vault.New()
	require.NoError(t, v.Unlock([]byte("correct horse battery")))
	sealed, err := v.Seal("sk-real-upstream")
	require.NoError(t, err)

	cfg := newTestConfig(t)
	doc, _ := json.Marshal(map[string]any{"providers": []map[string]any{
		{"claude": map[string]string{"apiUrl": "https://sealed.example", "apiKey": sealed}},
		{"claude": map[string]string{"apiUrl": "https://plain.example", "apiKey": "sk-plain"}},
	}})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Home, providers.FileName), doc, 0o600))

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	defer srv.Close()

	got := srv.Registry().Snapshot(providers.KindClaude)
	require.Len(t, got, 1)
	assert.Equal(t, "https://plain.example", got[0].BaseURL)
}
