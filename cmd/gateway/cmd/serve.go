package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mealhub/gateway/internal/gateway"
	"github.com/mealhub/gateway/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the public listener and, when enabled, the admin listener.

SIGINT and SIGTERM drain in-flight requests before exit. Missing or invalid
configuration, or an unreachable Redis counter store, stops startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, lookup, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rot := cfg.Logging.Rotation
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
		LocalTime:  rot.LocalTime,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("mode", cfg.Environment.Mode),
		zap.Bool("docker", cfg.Environment.Docker),
		zap.String("address", cfg.Listener.Address),
		zap.String("rate_limit_store", cfg.RateLimit.Store),
		zap.Int("services", len(cfg.Services)),
	)

	server, err := gateway.NewServer(cfg, gateway.WithLookup(lookup))
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		return err
	}
	server.AddCloser(closer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
