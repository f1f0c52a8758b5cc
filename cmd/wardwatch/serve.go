package wardwatch

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/config"
	"github.com/kamilpajak/wardwatch/internal/logging"
	"github.com/kamilpajak/wardwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Serve loads wardwatch.yaml (from ., ./config or ~/.wardwatch), .env and
WARDWATCH_* environment variables, then serves the HTTP API until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", zap.Error(err))
				return err
			}
			defer srv.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "API: http://localhost:%d\n", cfg.Server.Port)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a wardwatch.yaml config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	return cmd
}
