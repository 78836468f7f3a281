// Package clientcfg points the Claude Code and Codex command line tools at a
// running proxy by rewriting their user settings files.
package clientcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	// AuthToken is the placeholder credential handed to clients. The proxy
	// replaces it with the provider's real key on every attempt.
	AuthToken = "cc-proxy"
	// ProviderName is the Codex model provider entry owned by the proxy.
	ProviderName = "cc-proxy"
	// CodexModel is written as the Codex default model.
	CodexModel = "gpt-5-codex"
)

// Paths locates the files each client reads.
type Paths struct {
	ClaudeSettings string
	CodexConfig    string
	CodexAuth      string
}

// PathsFor returns the standard locations under the user home dir.
func PathsFor(home string) Paths {
	return Paths{
		ClaudeSettings: filepath.Join(home, ".claude", "settings.json"),
		CodexConfig:    filepath.Join(home, ".codex", "config.toml"),
		CodexAuth:      filepath.Join(home, ".codex", "auth.json"),
	}
}

// DefaultPaths resolves PathsFor the current user.
func DefaultPaths() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return PathsFor(home), nil
}

// BaseURL is the URL clients use to reach the proxy at addr.
func BaseURL(addr string) string {
	return "http://" + addr
}

// ConfigureClaude sets env.ANTHROPIC_AUTH_TOKEN and env.ANTHROPIC_BASE_URL in
// the Claude settings file. Every other key already present is kept.
func ConfigureClaude(path, addr string) error {
	doc, err := readJSON(path)
	if err != nil {
		return fmt.Errorf("read claude settings: %w", err)
	}
	env, _ := doc["env"].(map[string]any)
	if env == nil {
		env = make(map[string]any)
	}
	env["ANTHROPIC_AUTH_TOKEN"] = AuthToken
	env["ANTHROPIC_BASE_URL"] = BaseURL(addr)
	doc["env"] = env

	if err := writeJSON(path, doc); err != nil {
		return fmt.Errorf("write claude settings: %w", err)
	}
	return nil
}

// ConfigureCodex selects the proxy as the Codex model provider in
// config.toml and stores the placeholder key in auth.json. Unrelated
// settings and other model providers are kept.
func ConfigureCodex(configPath, authPath, addr string) error {
	cfg, err := readTOML(configPath)
	if err != nil {
		return fmt.Errorf("read codex config: %w", err)
	}
	cfg["preferred_auth_method"] = "apikey"
	cfg["model"] = CodexModel
	cfg["model_provider"] = ProviderName

	mp, _ := cfg["model_providers"].(map[string]any)
	if mp == nil {
		mp = make(map[string]any)
	}
	mp[ProviderName] = map[string]any{
		"name":                 ProviderName,
		"base_url":             BaseURL(addr),
		"env_key":              "OPENAI_API_KEY",
		"wire_api":             "responses",
		"requires_openai_auth": false,
	}
	cfg["model_providers"] = mp

	out, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode codex config: %w", err)
	}
	if err := writeFile(configPath, out); err != nil {
		return fmt.Errorf("write codex config: %w", err)
	}

	auth, err := readJSON(authPath)
	if err != nil {
		return fmt.Errorf("read codex auth: %w", err)
	}
	auth["OPENAI_API_KEY"] = AuthToken
	if err := writeJSON(authPath, auth); err != nil {
		return fmt.Errorf("write codex auth: %w", err)
	}
	return nil
}

// ConfigureAll configures both clients. A failure in one does not stop the
// other; the returned error joins both.
func ConfigureAll(p Paths, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if err := ConfigureClaude(p.ClaudeSettings, addr); err != nil {
		errs = append(errs, err)
	} else {
		logger.Info("claude code configured", slog.String("path", p.ClaudeSettings), slog.String("base_url", BaseURL(addr)))
	}
	if err := ConfigureCodex(p.CodexConfig, p.CodexAuth, addr); err != nil {
		errs = append(errs, err)
	} else {
		logger.Info("codex configured", slog.String("path", p.CodexConfig), slog.String("base_url", BaseURL(addr)))
	}
	return errors.Join(errs...)
}

func readJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func writeJSON(path string, doc map[string]any) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, append(out, '\n'))
}

// writeFile replaces path atomically so a client never reads a half-written
// settings file.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
