package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/convertful/integrations/internal/api"
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/logging"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the integrations API server",
	Long: `Start the HTTP API that validates credentials, stores integrations and
runs subscriber automations. The automation worker runs in the same process
unless worker.enabled is false.

Example:
  convertful-integrations serve --config config.yaml --db ./data/integrations.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host     string
	Port     int
	Timeout  time.Duration
	TLS      bool
	TLSCert  string
	TLSKey   string
	NoWorker bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().BoolVar(&serveFlags.NoWorker, "no-worker", false, "Do not run the automation worker")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(globalFlags.Config)
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	a.logger.Info("configuration loaded",
		"config", globalFlags.Config,
		"storage", cfg.Storage.Driver,
		"drivers", len(a.registry.Names()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Worker.Enabled && !serveFlags.NoWorker {
		if err := a.runner.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("automation worker started", "interval", cfg.Worker.Interval.String())
	}

	watchConfig(ctx, globalFlags.Config, a.logger)

	server := api.NewServer(cfg.Server, cfg.API, api.Deps{
		Store:    a.store,
		Registry: a.registry,
		Runner:   a.runner,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})

	setupGracefulShutdown(server, cancel, cfg.Server.ShutdownTimeout, a.logger)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}
	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}
	return nil
}

// watchConfig reports config edits. Listen address, storage and drivers
// are read once, so edits only take effect after a restart.
func watchConfig(ctx context.Context, path string, logger *logging.Logger) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return
	}
	loader.SetOnChange(func(*config.Config) {
		logger.Warn("configuration file changed, restart to apply", "path", path)
	})
	loader.SetOnError(func(err error) {
		logger.Error("configuration reload failed", "path", path, "error", err.Error())
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("configuration watch disabled", "error", err.Error())
	}
}

// setupGracefulShutdown stops the server, worker and store on SIGINT/SIGTERM.
func setupGracefulShutdown(server *api.Server, cancel context.CancelFunc, timeout time.Duration, logger *logging.Logger) {
	sigChan := api.SetupSignalHandler()

	go func() {
		sig := api.WaitForSignal(sigChan)
		logger.Info("received signal", "signal", sig.String())

		ctx, done := context.WithTimeout(context.Background(), timeout)
		defer done()

		cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err.Error())
		}
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
