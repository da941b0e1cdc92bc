package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"reportq/internal/preflight"
	"reportq/internal/queue"
)

// lowDiskThreshold is the free space below which the data directory is flagged.
const lowDiskThreshold = 64 << 20

type queueHealthReport struct {
	Database       queue.DatabaseHealth `json:"database"`
	Queue          queue.HealthSummary  `json:"queue"`
	MaxRetries     int                  `json:"maxRetries"`
	DataDir        string               `json:"dataDir"`
	FreeBytes      uint64               `json:"freeBytes"`
	FreeSpaceError string               `json:"freeSpaceError,omitempty"`
	Checks         []preflight.Result   `json:"checks"`
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue database health (schema, integrity, retry ceiling, disk space)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				report := queueHealthReport{MaxRetries: env.coord.MaxRetries(), DataDir: env.cfg.Paths.DataDir}
				db, err := env.store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				report.Database = db
				summary, err := env.manager.Health(cmd.Context(), report.MaxRetries)
				if err != nil {
					return err
				}
				report.Queue = summary
				free, err := freeSpace(report.DataDir)
				if err != nil {
					report.FreeSpaceError = err.Error()
				}
				report.FreeBytes = free
				report.Checks = preflight.RunAll(cmd.Context(), env.cfg)

				if ctx.JSONMode() {
					return writeJSON(cmd, report)
				}
				printQueueHealth(cmd, report)
				return nil
			})
		},
	}
}

func printQueueHealth(cmd *cobra.Command, report queueHealthReport) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	db := report.Database

	fmt.Fprintf(out, "Database path: %s\n", db.DBPath)
	fmt.Fprintf(out, "Database exists: %s\n", yesNo(db.DatabaseExists))
	fmt.Fprintf(out, "Readable: %s\n", yesNo(db.DatabaseReadable))
	fmt.Fprintf(out, "Schema version: %d\n", db.SchemaVersion)
	fmt.Fprintf(out, "queued_reports table present: %s\n", yesNo(db.TableExists))
	fmt.Fprintf(out, "Integrity check: %s\n", yesNo(db.IntegrityCheck))
	if db.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", db.Error)
	}

	q := report.Queue
	fmt.Fprintln(out, renderStatusLine("Queued", statusInfo, fmt.Sprintf("%d reports", q.Total), colorize))
	fmt.Fprintln(out, renderStatusLine("Eligible", statusOK, fmt.Sprintf("%d below the retry limit of %d", q.Eligible, report.MaxRetries), colorize))
	exhaustedKind := statusOK
	if q.Exhausted > 0 {
		exhaustedKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Manual only", exhaustedKind, fmt.Sprintf("%d reached the retry limit", q.Exhausted), colorize))
	quarantineKind := statusOK
	if q.Quarantined > 0 {
		quarantineKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Quarantined", quarantineKind, fmt.Sprintf("%d unreadable", q.Quarantined), colorize))
	if q.Unreadable > 0 {
		fmt.Fprintln(out, renderStatusLine("Unreadable", statusWarn, fmt.Sprintf("%d queued rows are quarantined on the next read", q.Unreadable), colorize))
	}
	if q.Oldest != nil {
		fmt.Fprintln(out, renderStatusLine("Oldest", statusInfo, q.Oldest.UTC().Format(queue.IdentityKeyLayout), colorize))
	}

	switch {
	case report.FreeSpaceError != "":
		fmt.Fprintln(out, renderStatusLine("Disk", statusWarn, report.FreeSpaceError, colorize))
	case report.FreeBytes < lowDiskThreshold:
		fmt.Fprintln(out, renderStatusLine("Disk", statusError, fmt.Sprintf("%s free in %s", formatBytes(report.FreeBytes), report.DataDir), colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Disk", statusOK, fmt.Sprintf("%s free in %s", formatBytes(report.FreeBytes), report.DataDir), colorize))
	}

	for _, check := range report.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
}

// freeSpace returns the bytes available to unprivileged users under path.
func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
