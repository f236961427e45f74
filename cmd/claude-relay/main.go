package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jianjunlu/claude-relay-service/internal/config"
	"github.com/jianjunlu/claude-relay-service/internal/obs"
	"github.com/jianjunlu/claude-relay-service/internal/server"
	"github.com/jianjunlu/claude-relay-service/internal/usage"
	"github.com/jianjunlu/claude-relay-service/pkg/auth"
)

// Set via ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claude-relay",
		Short: "Anthropic-style messages gateway over chat-completions upstreams",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if err := godotenv.Load(); err == nil {
				logrus.Debug("loaded environment from .env")
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(), tokenCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			shutdownMetrics, err := obs.Setup(cfg.MetricsStdout)
			if err != nil {
				return fmt.Errorf("failed to set up metrics: %w", err)
			}

			recorder, err := usage.NewRecorder(cfg.UsageDBPath)
			if err != nil {
				return fmt.Errorf("failed to open usage database: %w", err)
			}

			srv, err := server.New(cfg,
				server.WithVersion(version),
				server.WithRecorder(recorder),
			)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logrus.Infof("received %s, shutting down", sig)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				logrus.Errorf("shutdown error: %v", err)
			}
			if err := shutdownMetrics(ctx); err != nil {
				logrus.Errorf("metrics shutdown error: %v", err)
			}
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		permissions []string
		models      []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <key-id>",
		Short: "Mint a JWT API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("config has no jwtSecret; cannot mint JWT keys")
			}

			manager := auth.NewJWTManager(cfg.JWTSecret)
			token, err := manager.GenerateAPIKey(args[0], permissions, models, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&permissions, "permissions", []string{"openai"}, "permissions granted to the key")
	cmd.Flags().StringSliceVar(&models, "models", nil, "restrict the key to these models (empty allows all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 means no expiry)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claude-relay %s\n", version)
			fmt.Printf("  commit: %s\n", gitCommit)
			fmt.Printf("  built:  %s\n", strings.TrimSpace(buildTime))
		},
	}
}
