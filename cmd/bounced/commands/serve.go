package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/bounced/internal/api"
	"github.com/busybox42/bounced/internal/retry"
)

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the suppression janitor and the ops HTTP server",
	Long: `Serve sweeps expired suppression entries on the configured interval and
serves health, readiness, metrics and the log level over HTTP until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "ops HTTP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	if listenFlag != "" {
		cfg.Metrics.ListenAddr = listenFlag
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger.Info("pipeline ready",
		"store", cfg.Store.Backend,
		"attempts", cfg.AttemptsBackend(),
		"reputation", cfg.Reputation.Backend,
		"alert", cfg.Alert.Backend,
		"checks", rt.CheckNames())

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		retry.NewJanitor(rt.Pipeline.Engine(), cfg.Retry.CleanupInterval.Duration).Run(janitorCtx)
	}()

	server := api.NewServer(api.Config{
		ListenAddr: cfg.Metrics.ListenAddr,
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.API.RateLimit > 0,
			RequestsPerSecond: cfg.API.RateLimit,
			Burst:             cfg.API.Burst,
			TrustedProxies:    cfg.API.TrustedProxies,
		},
	}, rt, rt.Metrics.Handler(), logger)

	if err := server.Start(); err != nil {
		stopJanitor()
		<-janitorDone
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	logger.Info("bounced started", "addr", server.Addr(), "version", buildVersion)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping ops server", "error", err)
	}
	stopJanitor()
	<-janitorDone

	logger.Info("Shutdown complete")
	return nil
}
