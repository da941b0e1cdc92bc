package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Backend describes the remote reporting service queued reports are delivered to.
type Backend struct {
	BaseURL        string `toml:"base_url"`
	SubmitPath     string `toml:"submit_path"`
	APIToken       string `toml:"api_token"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Sync contains the retry policy shared by automatic passes and manual resubmits.
type Sync struct {
	// MaxRetries is the retry ceiling. Records whose retry count reaches it are
	// excluded from automatic passes but stay resubmittable by hand.
	MaxRetries int `toml:"max_retries"`
	// OnUnreadable selects how unreadable persisted records are treated:
	// "empty" quarantines them and lists the rest, "fail" surfaces an error.
	OnUnreadable string `toml:"on_unreadable"`
}

// Connectivity contains configuration for the reachability probe.
type Connectivity struct {
	ProbeURL     string `toml:"probe_url"`
	PollInterval int    `toml:"poll_interval"`
	ProbeTimeout int    `toml:"probe_timeout"`
	Netlink      bool   `toml:"netlink"`
}

// API contains configuration for the presentation-facing HTTP API.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	SyncSuccess    bool   `toml:"sync_success"`
	ManualActions  bool   `toml:"manual_actions"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for reportq.
//
// Configuration sections by subsystem:
//   - Paths: queue database and log directories
//   - Backend: remote submit endpoint and credentials
//   - Sync: retry ceiling and unreadable-state policy
//   - Connectivity: reachability probe and netlink link events
//   - API: presentation HTTP API bind address and token
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Backend       Backend       `toml:"backend"`
	Sync          Sync          `toml:"sync"`
	Connectivity  Connectivity  `toml:"connectivity"`
	API           API           `toml:"api"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reportq.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the location of the queue database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "reports.db")
}

// SyncLockPath returns the file lock shared by every process that submits queued reports.
func (c *Config) SyncLockPath() string {
	return filepath.Join(c.Paths.DataDir, "sync.lock")
}

// DaemonLockPath returns the single-instance daemon lock.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.DataDir, "reportqd.lock")
}

// SubmitURL joins the backend base URL and submit path.
func (c *Config) SubmitURL() string {
	base := strings.TrimRight(c.Backend.BaseURL, "/")
	path := c.Backend.SubmitPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// BackendTimeout returns the per-request timeout for report submission.
func (c *Config) BackendTimeout() time.Duration {
	return secondsOr(c.Backend.RequestTimeout, defaultBackendRequestTimeout)
}

// ProbeInterval returns the connectivity poll interval.
func (c *Config) ProbeInterval() time.Duration {
	return secondsOr(c.Connectivity.PollInterval, defaultProbePollInterval)
}

// ProbeTimeout returns the timeout applied to each reachability probe.
func (c *Config) ProbeTimeout() time.Duration {
	return secondsOr(c.Connectivity.ProbeTimeout, defaultProbeTimeout)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
