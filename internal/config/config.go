package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version  string                  `yaml:"version"`
	Server   ServerConfig            `yaml:"server"`
	API      APIConfig               `yaml:"api"`
	HTTP     HTTPConfig              `yaml:"http"`
	Storage  StorageConfig           `yaml:"storage"`
	Drivers  map[string]DriverConfig `yaml:"drivers"`
	Worker   WorkerConfig            `yaml:"worker"`
	Telegram TelegramConfig          `yaml:"telegram"`
	Log      LogConfig               `yaml:"log"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// HTTPConfig holds the defaults of every outbound provider call.
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout"`
	// InsecureSkipVerify defaults to true. Set it to false wherever the
	// providers in use present valid certificates.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	FreshConnect       bool   `yaml:"fresh_connect"`
	FailOnError        bool   `yaml:"fail_on_error"`
	UserAgent          string `yaml:"user_agent"`
	UTLSFingerprint    string `yaml:"utls_fingerprint"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`
	// RetentionDays bounds how long finished jobs and closed
	// notifications are kept in sqlite. Zero keeps them forever.
	RetentionDays int `yaml:"retention_days"`
}

// DriverConfig holds per-provider application settings.
type DriverConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
}

// WorkerConfig configures the automation job runner.
type WorkerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	TemporaryBackoff time.Duration `yaml:"temporary_backoff"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// TelegramConfig forwards integration failure notifications to an
// operator chat.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	// APIEndpoint overrides the Bot API URL template, with %s for the
	// token and the method.
	APIEndpoint string `yaml:"api_endpoint"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	names := make([]string, 0, len(c.Drivers))
	for name := range c.Drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := c.Drivers[name]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("drivers.%s: %w", name, err)
		}
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/v1"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 600
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 50
	}
	return nil
}

// Validate validates outbound HTTP configuration.
func (h *HTTPConfig) Validate() error {
	if h.ConnectTimeout < 0 || h.Timeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if h.ConnectTimeout == 0 {
		h.ConnectTimeout = 5 * time.Second
	}
	if h.Timeout == 0 {
		h.Timeout = 12 * time.Second
	}
	if h.ConnectTimeout > h.Timeout {
		return fmt.Errorf("connect_timeout cannot exceed timeout")
	}
	switch strings.ToLower(h.UTLSFingerprint) {
	case "", "chrome":
	default:
		return fmt.Errorf("utls_fingerprint must be empty or \"chrome\"")
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	if s.Driver == "" {
		s.Driver = "memory"
	}
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("driver must be one of: memory, sqlite")
	}
	if s.RetentionDays < 0 {
		return fmt.Errorf("retention_days cannot be negative")
	}
	return nil
}

// Validate validates one driver section.
func (d *DriverConfig) Validate() error {
	if d.BaseURL != "" && !strings.HasPrefix(d.BaseURL, "http://") && !strings.HasPrefix(d.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL")
	}
	if d.ClientSecret != "" && d.ClientID == "" {
		return fmt.Errorf("client_id is required with client_secret")
	}
	return nil
}

// Validate validates worker configuration.
func (w *WorkerConfig) Validate() error {
	if w.Interval <= 0 {
		w.Interval = 30 * time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.TemporaryBackoff <= 0 {
		w.TemporaryBackoff = 5 * time.Minute
	}
	if w.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 5
	}
	return nil
}

// Validate validates telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.BotToken) == "" {
		return fmt.Errorf("bot_token is required when enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when enabled")
	}
	if t.APIEndpoint != "" && strings.Count(t.APIEndpoint, "%s") != 2 {
		return fmt.Errorf("api_endpoint must contain two %%s placeholders")
	}
	return nil
}

// Validate validates log configuration.
func (l *LogConfig) Validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("level must be one of: debug, info, warn, error")
	}
}

// Driver returns the section for one driver, empty when absent.
func (c *Config) Driver(name string) DriverConfig {
	return c.Drivers[name]
}
