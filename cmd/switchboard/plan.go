package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var planDOT bool

var planCmd = &cobra.Command{
	Use:   "plan <request>",
	Short: "Show the sub-task graph for a request without executing it",
	Long: `Decompose and route a request, then print the resulting sub-task graph.

With --dot the graph is printed in Graphviz DOT format:
  switchboard plan --dot "Plan a day in Oslo" | dot -Tpng > plan.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		tasks, err := rt.Orchestrator.Plan(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("%s", orchestrator.UserMessage(err))
		}
		if planDOT {
			dot, err := orchestrator.RenderDOT(tasks)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dot)
			return nil
		}
		printPlan(cmd.OutOrStdout(), tasks)
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&planDOT, "dot", false, "Print the graph as Graphviz DOT")
}

func printPlan(w io.Writer, tasks []*models.SubTask) {
	levels, err := orchestrator.Levels(tasks)
	if err != nil {
		fmt.Fprintf(w, "invalid plan: %v\n", err)
		return
	}
	byID := make(map[string]*models.SubTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for i, level := range levels {
		fmt.Fprintf(w, "Batch %d:\n", i+1)
		for _, id := range level {
			t := byID[id]
			capability := t.Capability
			if capability == "" {
				capability = models.DirectCapability
			}
			fmt.Fprintf(w, "  %s [%s] %s", t.ID, capability, t.Description)
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(w, " (after %s)", strings.Join(t.DependsOn, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}
