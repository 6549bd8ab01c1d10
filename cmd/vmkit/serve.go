package main

import (
	"fmt"

	"github.com/artpar/vmkit/bootstrap"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the view-model server",
	Long: `Start the vmkit server.

The server will:
  - Load configuration from vmkit.yaml (or --config)
  - Or load configuration from VMKIT_* environment variables
  - Load every definition under definitions.dir
  - Connect the message bus (memory or nats)
  - Serve the view-model API, health checks and metrics

Configuration and definitions are reloaded on SIGHUP, and on file
changes when definitions.watch is set.

Environment variables (for Docker deployments):
  VMKIT_SERVER_PORT         - Server port (default: 8080)
  VMKIT_TRANSPORT_BASE_URL  - Base URL for commands and queries
  VMKIT_DEFINITIONS_DIR     - Definitions directory (default: viewmodels)
  VMKIT_BUS_DRIVER          - Bus driver: memory or nats
  VMKIT_LOG_LEVEL           - Log level: debug, info, warn, error

Examples:
  vmkit serve
  vmkit serve --config /etc/vmkit/vmkit.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.NewWithConfig(bootstrap.Config{
		ConfigPath: cfgFile,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return app.Run()
}
