package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the HTTP API until interrupted.

Endpoints:
  GET  /healthz
  GET  /metrics            (when server.metrics is enabled)
  POST /v1/execute         {"text", "user_id", "session_id", "channel_id"}
  POST /v1/route           {"text", "limit"}
  GET  /v1/breakers
  GET  /v1/cache/stats
  GET  /v1/traces          ?user_id=&status=&limit=
  GET  /v1/traces/{id}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx, app.Options{})
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := rt.Config.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		return server.New(rt).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}
