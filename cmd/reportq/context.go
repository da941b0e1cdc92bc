package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"reportq/internal/config"
	"reportq/internal/console"
	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/syncer"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// JSONMode reports whether --json was given.
func (c *commandContext) JSONMode() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// cliLogger writes warnings and errors to stderr so command output stays clean.
func (c *commandContext) cliLogger(cfg *config.Config) *slog.Logger {
	level := "warn"
	if strings.EqualFold(strings.TrimSpace(cfg.Logging.Level), "debug") {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// queueEnv holds the collaborators a queue command works with.
type queueEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	manager  *queue.Manager
	notifier notifications.Service
	coord    *syncer.Coordinator
	console  *console.Console
}

// withQueue opens the queue database, wires a coordinator against the
// configured backend and closes the database when fn returns.
func (c *commandContext) withQueue(fn func(*queueEnv) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := c.cliLogger(cfg)
	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer store.Close()

	mgr := queue.NewManager(store, logger, cfg.Sync.OnUnreadable)
	notifier := notifications.NewService(cfg)
	coord := syncer.NewCoordinator(cfg, mgr, submit.NewClient(cfg, logger), notifier, logger)
	return fn(&queueEnv{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		manager:  mgr,
		notifier: notifier,
		coord:    coord,
		console:  console.New(coord, notifier, logger),
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
