package main

import (
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/server"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve switchboard tools over MCP on stdio",
	Long: `Run an MCP server on stdin/stdout exposing route_request,
execute_request, get_trace, list_traces and breaker_stats.

Logs go to stderr so they do not corrupt the protocol stream.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{Output: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		defer rt.Close()

		return mcpserver.ServeStdio(server.NewMCP(rt))
	},
}
