package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var routeLimit int

var routeCmd = &cobra.Command{
	Use:   "route <text>",
	Short: "Show which capabilities a text routes to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{NoWatch: true, NoSweep: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		limit := routeLimit
		if limit <= 0 {
			limit = rt.Config.Router.Limit
		}
		matches, err := rt.Router.Route(ctx, strings.Join(args, " "), limit)
		if err != nil {
			return fmt.Errorf("route: %w", err)
		}
		printMatches(cmd.OutOrStdout(), matches)
		return nil
	},
}

func init() {
	routeCmd.Flags().IntVarP(&routeLimit, "limit", "n", 0, "Maximum matches (default router.limit)")
}

func printMatches(w io.Writer, matches []models.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, color.YellowString("No capability matched."))
		return
	}
	for i, m := range matches {
		fmt.Fprintf(w, "%d. %-24s %.3f  %s\n", i+1, color.New(color.Bold).Sprint(m.Capability), m.Score, m.Source)
	}
}
