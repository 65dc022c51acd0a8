package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/screenclip/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the screenclip web server to control recording over HTTP.
State changes are streamed as JSON on the /api/events websocket.

The server will display the local network URL for easy access from other devices.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetString("port")
		}

		rec := newRecorder(cfg)
		srv := server.New(rec, port)

		slog.Info("screenclip web server starting", "port", port, "config", cfgFile, "output", cfg.Output.Directory)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server (overrides server.port)")
}
