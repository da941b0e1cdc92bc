package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reportq/internal/connectivity"
)

type submitOutput struct {
	IdentityKey string `json:"identityKey"`
	Submitted   bool   `json:"submitted"`
	Queued      bool   `json:"queued"`
	ReportID    string `json:"reportId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "File a new accident report, queueing it when offline",
		Long: "File a new accident report from a JSON file (\"-\" reads stdin). The report is " +
			"submitted directly when the backend is reachable and queued otherwise. " +
			"An identity key is assigned when the file has none.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			return ctx.withQueue(func(env *queueEnv) error {
				online := false
				if !offline {
					prober := connectivity.NewHTTPProber(env.cfg.Connectivity.ProbeURL, env.cfg.ProbeTimeout())
					online = prober.Probe(cmd.Context()).Online()
				}
				result, err := env.coord.SubmitOrQueue(cmd.Context(), payload, online)
				if err != nil {
					return err
				}
				output := submitOutput{
					IdentityKey: result.IdentityKey,
					Submitted:   result.Submitted,
					Queued:      result.Queued,
					ReportID:    result.ReportID,
					Reason:      result.Reason,
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, output)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				if output.Submitted {
					fmt.Fprintln(out, renderStatusLine("Submitted", statusOK, "report ID "+output.ReportID, colorize))
					return nil
				}
				fmt.Fprintln(out, renderStatusLine("Queued", statusWarn, output.Reason, colorize))
				fmt.Fprintf(out, "Identity key: %s\n", output.IdentityKey)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Queue the report without trying the backend")
	return cmd
}
