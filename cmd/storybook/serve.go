package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/storybook/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Storybook server",
	Long: `Start the Storybook HTTP server and job orchestrator.

Jobs that were running when the server last stopped are restored from
checkpoints as failed and can be resumed; pending jobs are rescheduled.
When the server shuts down (via Ctrl+C or SIGTERM), running jobs stop at
their next cancellation point and outcome backends are flushed.

The server provides:
  - /health            Basic server health check
  - /ready             Readiness check (includes metadata backends)
  - /api/...           Book, batch, job and provider endpoints
  - /swagger/doc.json  OpenAPI document

Examples:
  storybook serve                    # Start on default port 8080
  storybook serve --port 3000        # Start on custom port
  storybook serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		mgr, err := loadConfig(h, logger)
		if err != nil {
			return err
		}

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          h,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
