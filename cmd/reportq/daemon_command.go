package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"reportq/internal/connectivity"
	"reportq/internal/daemon"
	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/syncer"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the queue daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := queue.Open(cfg)
			if err != nil {
				logger.Error("open queue store", logging.Error(err))
				return err
			}
			mgr := queue.NewManager(store, logger, cfg.Sync.OnUnreadable)
			notifier := notifications.NewService(cfg)
			coord := syncer.NewCoordinator(cfg, mgr, submit.NewClient(cfg, logger), notifier, logger)
			monitor := connectivity.NewMonitor(cfg, logger)

			d, err := daemon.New(cfg, coord, monitor, notifier, logger)
			if err != nil {
				store.Close()
				return fmt.Errorf("create daemon: %w", err)
			}
			defer d.Close()

			if err := d.Start(signalCtx); err != nil {
				return err
			}
			status := d.Status()
			if status.APIAddress != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "reportq daemon running (pid %d, api %s)\n", status.PID, status.APIAddress)
			}

			<-signalCtx.Done()
			logger.Info("reportq daemon shutting down")
			return nil
		},
	}
}
