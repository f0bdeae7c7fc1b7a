package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Proxy  ProxyConfig  `mapstructure:"proxy" yaml:"proxy"`
	Admin  AdminConfig  `mapstructure:"admin" yaml:"admin"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ProxyConfig configures the interception proxy the phone is pointed at.
type ProxyConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	// CACert and CAKey are paths to a PEM encoded CA pair. Without them the
	// proxy can only tunnel HTTPS and nothing is captured.
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey  string `mapstructure:"ca_key" yaml:"ca_key"`
	// InterceptHost restricts MITM to a single upstream host.
	InterceptHost   string `mapstructure:"intercept_host" yaml:"intercept_host"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// UpstreamProxy chains outbound proxy traffic through another HTTP proxy.
	UpstreamProxy string `mapstructure:"upstream_proxy" yaml:"upstream_proxy"`
}

// AdminConfig configures the loopback status/upload listener.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// StoreConfig selects and configures the session persistence backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Key      string         `mapstructure:"key" yaml:"key"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds the database file location.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig holds the redis connection details.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// PostgresConfig holds the PostgreSQL connection string.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"-"`
}

// UploadConfig points at the XPMATE collection server.
type UploadConfig struct {
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
}

// NotifyConfig configures where user notifications are delivered besides the log.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "xpmate-capture")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Proxy --
	v.SetDefault("proxy.address", ":8888")
	v.SetDefault("proxy.intercept_host", "iot-web.xiaopeng.com")
	v.SetDefault("proxy.ignore_tls_errors", false)

	// -- Admin --
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", "127.0.0.1:8889")

	// -- Store --
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.key", "xpeng_captured_apis")
	v.SetDefault("store.sqlite.path", "~/.xpmate/session.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)

	// -- Upload --
	v.SetDefault("upload.server_url", "http://192.168.1.15:3000/api/auto-capture-batch")

	// -- Notify --
	v.SetDefault("notify.timeout", "10s")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for secrets that should not live in the config file.
	_ = v.BindEnv("store.redis.password", "XPMATE_REDIS_PASSWORD")
	_ = v.BindEnv("store.postgres.dsn", "XPMATE_POSTGRES_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := validateAddress("proxy.address", c.Proxy.Address); err != nil {
		return err
	}
	if c.Admin.Enabled {
		if err := validateAddress("admin.address", c.Admin.Address); err != nil {
			return err
		}
	}
	if (c.Proxy.CACert == "") != (c.Proxy.CAKey == "") {
		return fmt.Errorf("proxy.ca_cert and proxy.ca_key must be set together")
	}
	if c.Proxy.UpstreamProxy != "" {
		if _, err := url.Parse(c.Proxy.UpstreamProxy); err != nil {
			return fmt.Errorf("proxy.upstream_proxy is not a valid URL: %w", err)
		}
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := validateHTTPURL("upload.server_url", c.Upload.ServerURL); err != nil {
		return err
	}
	if c.Notify.WebhookURL != "" {
		if err := validateHTTPURL("notify.webhook_url", c.Notify.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the store configuration for the selected backend.
func (s *StoreConfig) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("store.key must not be empty")
	}
	switch strings.ToLower(s.Backend) {
	case "memory":
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend. Ensure XPMATE_POSTGRES_DSN is set")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, redis, postgres (got %q)", s.Backend)
	}
	return nil
}

func validateAddress(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s is not a valid host:port: %w", field, err)
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}
