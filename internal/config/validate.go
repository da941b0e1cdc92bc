package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateConnectivity(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.BaseURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("backend.base_url is required. Set REPORTQ_BACKEND_URL env var or edit %s (create with 'reportq config init')", defaultPath)
	}
	if err := validateHTTPURL(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	switch c.Sync.OnUnreadable {
	case OnUnreadableEmpty, OnUnreadableFail:
		return nil
	default:
		return fmt.Errorf("sync.on_unreadable: unsupported value %q (want %q or %q)", c.Sync.OnUnreadable, OnUnreadableEmpty, OnUnreadableFail)
	}
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.ProbeURL == "" {
		return nil
	}
	if err := validateHTTPURL(c.Connectivity.ProbeURL); err != nil {
		return fmt.Errorf("connectivity.probe_url: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
