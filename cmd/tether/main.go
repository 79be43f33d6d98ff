// Command tether attaches to an agent run stream, assembles the conversation
// it carries and executes the tool calls the agent makes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/config"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var (
	configDir string
	verbose   bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Agent run stream client and tool-call orchestrator",
	Long: `Tether connects to an agent's event stream over SSE or WebSocket,
folds the frames into messages and tool calls, runs the tools it has
handlers for (built-in or on MCP servers) and sends the results back.
Approval-class tools are answered from stored preferences or on stdin.

Config Precedence:
  1. --config flag
  2. ./config/tether.{jsonc,yaml}
  3. ~/.tether/config/tether.{jsonc,yaml}`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.CloseConsole()
		_ = logger.CloseSlog()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Config directory (default: ./config, then ~/.tether/config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	opts := c.LoggerOptions()
	if verbose {
		opts.Level = "debug"
	}
	if err := logger.InitSlog(opts); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logger.InitConsole(cmd.OutOrStdout(), opts.Dir); err != nil {
		return err
	}

	cfg = c
	return nil
}

// loadConfig loads and validates the config. With no explicit directory a
// missing file falls back to defaults.
func loadConfig(dir string) (*config.Config, error) {
	c, err := config.LoadAll(dir)
	switch {
	case errors.Is(err, config.ErrNotFound) && dir == "":
		c = config.Default()
	case err != nil:
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func openStore(ctx context.Context) (storage.KV, error) {
	kv, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	return kv, nil
}

// openAudit returns the audit trail, or a disabled one when log.audit is off
func openAudit() *audit.Logger {
	if !cfg.Log.Audit {
		return audit.Disabled()
	}
	l, err := audit.Open(cfg.AuditDir())
	if err != nil {
		logger.Slog().Warn("audit trail unavailable", "error", err)
		return audit.Disabled()
	}
	return l
}

// startMetrics serves /metrics when an address is configured. The returned
// func shuts the server down.
func startMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Slog().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Slog().Info("metrics listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
