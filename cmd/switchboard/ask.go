package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/tui"
)

var (
	askUser    string
	askSession string
	askChannel string
	askTUI     bool
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <request>",
	Short: "Answer one request",
	Long: `Decompose, route and execute one request, then print the answer.

Examples:
  switchboard ask "What's the weather in Oslo and what should I pack?"
  switchboard ask --session s1 "and tomorrow?"
  switchboard ask --tui "Plan a day in Bergen"
  switchboard ask --channel general "Summarize today's alerts"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "", "User id recorded on the trace")
	askCmd.Flags().StringVar(&askSession, "session", "", "Session id for conversation history")
	askCmd.Flags().StringVar(&askChannel, "channel", "", "Also deliver the answer to this notifier channel")
	askCmd.Flags().BoolVar(&askTUI, "tui", false, "Show progress in a terminal UI")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full response as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	req := orchestrator.Request{
		Text:      strings.Join(args, " "),
		UserID:    askUser,
		SessionID: askSession,
	}
	execute := func(ctx context.Context, progress orchestrator.Progress) (orchestrator.Response, error) {
		return rt.Orchestrator.Execute(ctx, req, progress)
	}

	var resp orchestrator.Response
	if askTUI && isatty.IsTerminal(os.Stdout.Fd()) {
		resp, err = tui.RunRequest(ctx, "Switchboard", execute)
	} else {
		resp, err = execute(ctx, statusPrinter(cmd.ErrOrStderr()))
	}
	if err != nil {
		if resp.TraceID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: %s\n", resp.TraceID)
		}
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}

	if askChannel != "" {
		if err := rt.Notifier.Send(ctx, askChannel, resp.Text); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s notification not delivered: %v\n", color.YellowString("⚠"), err)
		}
	}
	return printResponse(cmd.OutOrStdout(), resp, askJSON)
}

// statusPrinter returns a Progress callback writing one dimmed line per status.
func statusPrinter(w io.Writer) orchestrator.Progress {
	arrow := color.New(color.FgCyan).Sprint("›")
	faint := color.New(color.Faint)
	return func(status string) {
		fmt.Fprintf(w, "%s %s\n", arrow, faint.Sprint(status))
	}
}

func printResponse(w io.Writer, resp orchestrator.Response, asJSON bool) error {
	if asJSON {
		return writeJSON(w, resp)
	}

	fmt.Fprintln(w, resp.Text)
	footer := "trace: " + resp.TraceID
	if resp.Partial {
		footer += " " + color.YellowString("(partial)")
	}
	fmt.Fprintf(w, "\n%s\n", color.New(color.Faint).Sprint(footer))
	return nil
}
