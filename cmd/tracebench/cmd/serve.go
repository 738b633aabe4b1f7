package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracebench/tracebench/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored runs and metrics over HTTP",
	Long: `Start the status server without replaying anything. It exposes
/health, /ready, /metrics and the /api/v1/runs and /api/v1/compare
routes backed by the run database.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, defaults to metrics.listen or :9090")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	if addr == "" {
		addr = ":9090"
	}

	ctx, stop := signalContext()
	defer stop()

	db, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	server := api.New(
		api.WithLogger(logger),
		api.WithAddr(addr),
		api.WithRunStore(store),
	)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving run database", slog.String("path", cfg.Database.Path))
	server.SetReady(true)
	return server.Start()
}
