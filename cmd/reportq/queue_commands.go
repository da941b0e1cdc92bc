package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"reportq/internal/console"
	"reportq/internal/syncer"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued reports",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueResubmitCommand(ctx))
	queueCmd.AddCommand(newQueueDeleteCommand(ctx))
	queueCmd.AddCommand(newQueueUpdateCommand(ctx))
	queueCmd.AddCommand(newQueueSyncCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueImportCommand(ctx))
	queueCmd.AddCommand(newQueueExportCommand(ctx))
	queueCmd.AddCommand(newQueueQuarantineCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued reports in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				views, err := env.console.ViewAll(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					if views == nil {
						views = []console.ReportView{}
					}
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Identity Key", "Accident Type", "Landmark", "Retries", "State"},
					reportRows(views, env.coord.MaxRetries()),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
					40,
				))
				return nil
			})
		},
	}
}

func reportRows(views []console.ReportView, maxRetries int) [][]string {
	rows := make([][]string, 0, len(views))
	for i, view := range views {
		state := "eligible"
		if view.Exhausted {
			state = "manual only"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			view.IdentityKey,
			view.AccidentType,
			view.NearestLandMark,
			fmt.Sprintf("%d/%d", view.Retries, maxRetries),
			state,
		})
	}
	return rows
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity-key>",
		Short: "Show a queued report including its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				view, err := env.console.ViewOne(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, view)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Identity key: %s\n", view.IdentityKey)
				fmt.Fprintf(out, "Accident type: %s\n", view.AccidentType)
				if view.Description != "" {
					fmt.Fprintf(out, "Description: %s\n", view.Description)
				}
				if view.NearestLandMark != "" {
					fmt.Fprintf(out, "Nearest landmark: %s\n", view.NearestLandMark)
				}
				if view.UseCase != "" {
					fmt.Fprintf(out, "Use case: %s\n", view.UseCase)
				}
				fmt.Fprintf(out, "Retries: %d of %d\n", view.Retries, env.coord.MaxRetries())
				fmt.Fprintf(out, "Automatic retries exhausted: %s\n", yesNo(view.Exhausted))
				fmt.Fprintln(out, "Payload:")
				var pretty strings.Builder
				if err := indentJSON(&pretty, view.Payload); err != nil {
					fmt.Fprintln(out, string(view.Payload))
					return nil
				}
				fmt.Fprint(out, pretty.String())
				return nil
			})
		},
	}
}

func indentJSON(w io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQueueResubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <identity-key>",
		Short: "Submit one queued report now",
		Long: "Submit one queued report now. Waits for a running sync pass to finish first. " +
			"Reports that reached the retry limit can still be resubmitted here.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				result, err := env.console.ResubmitOne(cmd.Context(), args[0])
				return printAction(cmd, ctx, result, err)
			})
		},
	}
}

func newQueueDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <identity-key>",
		Aliases: []string{"rm"},
		Short:   "Delete a queued report without submitting it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				result, err := env.console.DeleteOne(cmd.Context(), args[0])
				return printAction(cmd, ctx, result, err)
			})
		},
	}
}

func newQueueUpdateCommand(ctx *commandContext) *cobra.Command {
	var resubmit bool
	cmd := &cobra.Command{
		Use:   "update <file>",
		Short: "Replace a queued report's content from a JSON file",
		Long: "Replace a queued report's content from a JSON file. The file's identityKey selects " +
			"the report, which keeps its place in the queue and its retry count.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			return ctx.withQueue(func(env *queueEnv) error {
				result, err := env.console.Update(cmd.Context(), payload, resubmit)
				return printAction(cmd, ctx, result, err)
			})
		},
	}
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "Submit the report immediately after updating it")
	return cmd
}

func printAction(cmd *cobra.Command, ctx *commandContext, result console.ActionResult, err error) error {
	if ctx.JSONMode() {
		if encErr := writeJSON(cmd, result); encErr != nil {
			return encErr
		}
		return err
	}
	kind := statusOK
	if result.Alert.Level == console.AlertError {
		kind = statusError
	}
	out := cmd.OutOrStdout()
	if result.Alert.Title != "" {
		fmt.Fprintln(out, renderStatusLine(result.Alert.Title, kind, result.Alert.Message, shouldColorize(out)))
	}
	if result.ReportID != "" {
		fmt.Fprintf(out, "Report ID: %s\n", result.ReportID)
	}
	return err
}

func newQueueSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass over eligible reports now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				result, err := env.coord.RunPass(cmd.Context())
				if errors.Is(err, syncer.ErrSyncInProgress) {
					return fmt.Errorf("%w; try again once it finishes", err)
				}
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Attempted %d, submitted %d, failed %d, skipped %d (retry limit reached)\n",
					result.Attempted, result.Succeeded, result.Failed, result.Skipped)
				fmt.Fprintf(out, "%d reports remain queued\n", result.Remaining)
				return nil
			})
		},
	}
}

func newQueueImportCommand(ctx *commandContext) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import reports from a legacy queue blob",
		Long: "Import reports from a legacy queue blob (a JSON array of records). " +
			"An unreadable blob imports nothing and leaves the file untouched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open blob: %w", err)
			}
			defer file.Close()

			return ctx.withQueue(func(env *queueEnv) error {
				lock := syncer.NewLock(env.cfg.SyncLockPath())
				if err := lock.Acquire(cmd.Context()); err != nil {
					return err
				}
				defer lock.Release()

				result, err := env.manager.Import(cmd.Context(), file, replace)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if result.Unreadable {
					fmt.Fprintln(out, renderStatusLine("Import", statusWarn, "blob unreadable; nothing imported", shouldColorize(out)))
					return nil
				}
				fmt.Fprintf(out, "Imported %d reports (%d duplicates skipped)\n", result.Imported, result.Duplicates)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the whole queue instead of appending")
	return cmd
}

func newQueueExportCommand(ctx *commandContext) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the queue as a legacy queue blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				var w io.Writer = cmd.OutOrStdout()
				if outputPath != "" && outputPath != "-" {
					file, err := os.Create(outputPath)
					if err != nil {
						return fmt.Errorf("create export file: %w", err)
					}
					defer file.Close()
					w = file
				}
				count, err := env.manager.Export(cmd.Context(), w)
				if err != nil {
					return err
				}
				if w != cmd.OutOrStdout() {
					fmt.Fprintf(cmd.OutOrStdout(), "Exported %d reports to %s\n", count, outputPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newQueueQuarantineCommand(ctx *commandContext) *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List unreadable reports moved out of the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(env *queueEnv) error {
				out := cmd.OutOrStdout()
				if clearAll {
					removed, err := env.store.ClearQuarantine(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d quarantined reports\n", removed)
					return nil
				}
				items, err := env.store.Quarantined(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No quarantined reports")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{item.IdentityKey, item.Reason, strconv.Itoa(item.Retries)})
				}
				fmt.Fprintln(out, renderTable([]string{"Identity Key", "Reason", "Retries"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight}, 60))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Permanently delete quarantined reports")
	return cmd
}

// readInput reads a file argument; "-" reads stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report file: %w", err)
	}
	return data, nil
}
