package cli

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/convertful/integrations/internal/automation"
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/drivers"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/metrics"
	"github.com/convertful/integrations/internal/store"
	"github.com/convertful/integrations/internal/telegram"
	"github.com/convertful/integrations/internal/transport"
)

// app holds the collaborators every command builds from the config.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	store    store.Store
	registry *driver.Registry
	runner   *automation.Runner
}

// loadConfig reads the config file. A missing file falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader(path).Load()
	if err == nil {
		return cfg, nil
	}
	var notFound *errors.ErrConfigNotFound
	if stderrors.As(err, &notFound) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load configuration: %w", err)
}

// newLogger writes to stderr so command output on stdout stays parseable.
func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
		logging.WithService("convertful-integrations"),
	)
}

// httpOptions turns the http config section into transport options.
func httpOptions(h config.HTTPConfig) transport.Options {
	return transport.DefaultOptions().Merge(transport.Options{
		ConnectTimeout:     h.ConnectTimeout,
		Timeout:            h.Timeout,
		InsecureSkipVerify: h.InsecureSkipVerify,
		FreshConnect:       h.FreshConnect,
		FailOnError:        h.FailOnError,
		UserAgent:          h.UserAgent,
		UTLSFingerprint:    h.UTLSFingerprint,
	})
}

// openStore honors --db over the storage section.
func openStore(cfg config.StorageConfig, dbPath string) (store.Store, error) {
	if dbPath != "" {
		cfg.Driver = "sqlite"
		cfg.Path = dbPath
	}
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStoreWithRetention(cfg.Path, cfg.RetentionDays)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// newRegistry builds the driver registry without touching storage.
func newRegistry(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) *driver.Registry {
	return drivers.NewRegistry(driver.Deps{
		HTTP:    httpOptions(cfg.HTTP),
		Logger:  logger,
		Metrics: m,
	}, cfg.Drivers)
}

func newApp(cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)
	m := metrics.NewMetrics("convertful")

	s, err := openStore(cfg.Storage, globalFlags.DBPath)
	if err != nil {
		return nil, err
	}
	reg := newRegistry(cfg, logger, m)
	runner := automation.NewRunner(s, reg, automation.ConfigFromWorker(cfg.Worker), logger)
	attachNotifier(runner, cfg.Telegram, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		store:    s,
		registry: reg,
		runner:   runner,
	}, nil
}

// attachNotifier forwards runner notifications to Telegram when enabled.
// An unreachable bot only disables forwarding.
func attachNotifier(runner *automation.Runner, cfg config.TelegramConfig, logger *logging.Logger) bool {
	notifier, err := telegram.FromConfig(cfg, logger)
	if err != nil {
		logger.Warn("telegram notifications disabled", "error", err.Error())
		return false
	}
	if notifier == nil {
		return false
	}
	runner.SetNotifier(notifier)
	return true
}

func (a *app) Close() error {
	if err := a.runner.Stop(); err != nil {
		return err
	}
	return a.store.Close()
}
