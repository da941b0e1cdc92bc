package testsupport

import (
	"path/filepath"
	"testing"

	"reportq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Backend.BaseURL = "http://127.0.0.1:1"
	cfgVal.Backend.RequestTimeout = 2
	cfgVal.Connectivity.ProbeURL = cfgVal.Backend.BaseURL
	cfgVal.Connectivity.ProbeTimeout = 1
	cfgVal.Connectivity.Netlink = false
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBackendURL points submission and the reachability probe at url.
func WithBackendURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Backend.BaseURL = url
		b.cfg.Connectivity.ProbeURL = url
	}
}

// WithMaxRetries overrides the retry ceiling.
func WithMaxRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sync.MaxRetries = n
	}
}

// WithOnUnreadable overrides the unreadable-state policy.
func WithOnUnreadable(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sync.OnUnreadable = policy
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
