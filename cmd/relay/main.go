package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/config"
	"github.com/adradan/chatty/internal/logging"
	"github.com/adradan/chatty/internal/registry"
	"github.com/adradan/chatty/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	// Without a subcommand the binary serves.
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Real-time websocket message relay",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML/JSON/TOML config file (optional)")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registry.WithMaxAttempts(cfg.Registry.MaxAttempts))
	srv := server.NewRelayServer(cfg, logger, reg)

	logger.Info("starting relay", zap.String("version", version))
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	return nil
}
