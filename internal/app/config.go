package app

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultListenAddr = "0.0.0.0:18100"
	homeDirName       = ".cc-proxy"
	pidFileName       = "ccproxy.pid"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string // json, text, or empty for auto

	// Home holds the provider file and the PID file.
	Home string
	// ProviderFile overrides the provider file resolved inside Home.
	ProviderFile string
	WatchConfig  bool

	AffinityTTLSecs   int
	SweepIntervalSecs int

	MaxBodyBytes              int64
	DialTimeoutSecs           int
	ResponseHeaderTimeoutSecs int

	// Route log. Empty DSN disables it.
	DBDSN            string
	LogRetentionDays int
	PruneSchedule    string

	// MasterKey unlocks enc:v1: credentials in the provider file.
	MasterKey string

	// Security & hardening.
	AdminToken     string   // guards /admin/v1 when set
	AdminRateLimit int      // admin requests per minute per client; 0 disables
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]

	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CCPROXY_LISTEN_ADDR", DefaultListenAddr),
		LogLevel:   getEnv("CCPROXY_LOG_LEVEL", "info"),
		LogFormat:  getEnv("CCPROXY_LOG_FORMAT", ""),

		Home:         getEnv("CCPROXY_HOME", defaultHome()),
		ProviderFile: getEnv("CCPROXY_PROVIDER_FILE", ""),
		WatchConfig:  getEnvBool("CCPROXY_WATCH_CONFIG", true),

		AffinityTTLSecs:   getEnvInt("CCPROXY_AFFINITY_TTL_SECS", 300),
		SweepIntervalSecs: getEnvInt("CCPROXY_SWEEP_INTERVAL_SECS", 60),

		MaxBodyBytes:              getEnvInt64("CCPROXY_MAX_BODY_BYTES", 5<<20),
		DialTimeoutSecs:           getEnvInt("CCPROXY_DIAL_TIMEOUT_SECS", 10),
		ResponseHeaderTimeoutSecs: getEnvInt("CCPROXY_RESPONSE_HEADER_TIMEOUT_SECS", 300),

		DBDSN:            getEnv("CCPROXY_DB_DSN", ""),
		LogRetentionDays: getEnvInt("CCPROXY_LOG_RETENTION_DAYS", 7),
		PruneSchedule:    getEnv("CCPROXY_PRUNE_SCHEDULE", "@hourly"),

		MasterKey: getEnv("CCPROXY_MASTER_KEY", ""),

		AdminToken:     getEnv("CCPROXY_ADMIN_TOKEN", ""),
		AdminRateLimit: getEnvInt("CCPROXY_ADMIN_RATE_LIMIT", 120),
		CORSOrigins:    getEnvStringSlice("CCPROXY_CORS_ORIGINS", nil),

		OTelEnabled:     getEnvBool("CCPROXY_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("CCPROXY_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("CCPROXY_OTEL_SAMPLE_RATIO", 1),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("CCPROXY_LISTEN_ADDR %q: %w", c.ListenAddr, err)
	}
	if c.Home == "" && c.ProviderFile == "" {
		return fmt.Errorf("CCPROXY_HOME must be set when the home directory cannot be determined")
	}
	if c.AffinityTTLSecs <= 0 {
		return fmt.Errorf("CCPROXY_AFFINITY_TTL_SECS must be > 0, got %d", c.AffinityTTLSecs)
	}
	if c.SweepIntervalSecs <= 0 {
		return fmt.Errorf("CCPROXY_SWEEP_INTERVAL_SECS must be > 0, got %d", c.SweepIntervalSecs)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("CCPROXY_MAX_BODY_BYTES must be > 0, got %d", c.MaxBodyBytes)
	}
	if c.DialTimeoutSecs <= 0 {
		return fmt.Errorf("CCPROXY_DIAL_TIMEOUT_SECS must be > 0, got %d", c.DialTimeoutSecs)
	}
	if c.ResponseHeaderTimeoutSecs <= 0 {
		return fmt.Errorf("CCPROXY_RESPONSE_HEADER_TIMEOUT_SECS must be > 0, got %d", c.ResponseHeaderTimeoutSecs)
	}
	if c.AdminRateLimit < 0 {
		return fmt.Errorf("CCPROXY_ADMIN_RATE_LIMIT must be >= 0, got %d", c.AdminRateLimit)
	}
	if c.LogRetentionDays < 0 {
		return fmt.Errorf("CCPROXY_LOG_RETENTION_DAYS must be >= 0, got %d", c.LogRetentionDays)
	}
	if c.DBDSN != "" && c.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.PruneSchedule); err != nil {
			return fmt.Errorf("CCPROXY_PRUNE_SCHEDULE %q: %w", c.PruneSchedule, err)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("CCPROXY_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.MasterKey != "" && len(c.MasterKey) < 8 {
		return fmt.Errorf("CCPROXY_MASTER_KEY must be at least 8 characters")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("CCPROXY_OTEL_SAMPLE_RATIO must be within [0,1], got %v", c.OTelSampleRatio)
	}
	return nil
}

// PIDFile is where a running daemon records its process id.
func (c Config) PIDFile() string {
	return filepath.Join(c.Home, pidFileName)
}

func (c Config) AffinityTTL() time.Duration {
	return time.Duration(c.AffinityTTLSecs) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

func (c Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, homeDirName)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
