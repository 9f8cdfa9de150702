package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/internal/tui"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	tracesUser   string
	tracesStatus string
	tracesLimit  int
	tracesJSON   bool
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Inspect persisted execution traces",
}

var tracesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent traces, newest first",
	Long: `List persisted traces. Failed and timed-out requests are always kept;
successful ones only when sampled.

Examples:
  switchboard traces list
  switchboard traces list --status error --limit 10
  switchboard traces list --user u-42 --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.TraceStatus(tracesStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", tracesStatus)
		}

		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		traces, err := rt.Tracer.List(ctx, trace.Filter{UserID: tracesUser, Status: status, Limit: tracesLimit})
		if err != nil {
			return err
		}
		if tracesJSON {
			return writeJSON(cmd.OutOrStdout(), traces)
		}
		if len(traces) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No traces found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tui.RenderTraces(traces))
		return nil
	},
}

var tracesGetCmd = &cobra.Command{
	Use:   "get <trace-id>",
	Short: "Show one trace with its sub-calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		tr, ok, err := rt.Tracer.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("trace %s not found (expired or not sampled)", args[0])
		}
		if tracesJSON {
			return writeJSON(cmd.OutOrStdout(), tr)
		}
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderTrace(tr))
		return nil
	},
}

func init() {
	tracesListCmd.Flags().StringVar(&tracesUser, "user", "", "Only traces for this user id")
	tracesListCmd.Flags().StringVar(&tracesStatus, "status", "", "Only traces with this status (success, error, timeout)")
	tracesListCmd.Flags().IntVarP(&tracesLimit, "limit", "n", 20, "Maximum traces to list")
	tracesCmd.PersistentFlags().BoolVar(&tracesJSON, "json", false, "Print JSON")

	tracesCmd.AddCommand(tracesListCmd)
	tracesCmd.AddCommand(tracesGetCmd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
