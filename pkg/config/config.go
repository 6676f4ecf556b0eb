// Package config provides YAML-based configuration loading for the driver.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TLS trust policy modes. There is deliberately no trust-all default:
// enabling TLS without picking a mode is a configuration error.
const (
	TLSModeVerifyFull = "verify-full"
	TLSModeInsecure   = "insecure"
)

// Config is the root driver configuration.
type Config struct {
	// Address is the backend host:port to dial.
	Address string `mapstructure:"address"`

	// Database and User are relayed in the startup message.
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// ConnectTimeout bounds dialing and the security negotiation.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Pipeline allows multiple requests in flight on the connection.
	// When false a second concurrent send is rejected, not queued.
	Pipeline bool `mapstructure:"pipeline"`

	// TLS controls the transport-security upgrade.
	TLS TLSConfig `mapstructure:"tls"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// TLSConfig describes the transport-security upgrade and its trust policy.
type TLSConfig struct {
	// Enable requests the security upgrade before the protocol handshake.
	Enable bool `mapstructure:"enable"`
	// Mode is the trust policy: verify-full or insecure. Required when Enable.
	Mode string `mapstructure:"mode"`
	// CAFile optionally points at a PEM bundle used instead of system roots.
	CAFile string `mapstructure:"ca_file"`
	// ServerName overrides the hostname used for certificate verification.
	ServerName string `mapstructure:"server_name"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Address:        "127.0.0.1:5432",
		Database:       "postgres",
		User:           "postgres",
		ConnectTimeout: 10 * time.Second,
		Pipeline:       true,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PGSTREAM and `.`/`-` are replaced with `_`.
// Example: PGSTREAM_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PGSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("address", cfg.Address)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("user", cfg.User)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("pipeline", cfg.Pipeline)
	v.SetDefault("tls.enable", cfg.TLS.Enable)
	v.SetDefault("tls.mode", cfg.TLS.Mode)
	v.SetDefault("tls.ca_file", cfg.TLS.CAFile)
	v.SetDefault("tls.server_name", cfg.TLS.ServerName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("PGSTREAM_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `pgstream`
		v.SetConfigName("pgstream")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pgstream"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address is required")
	}
	if strings.TrimSpace(c.User) == "" {
		return errors.New("user is required")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.TLS.Enable {
		switch strings.ToLower(strings.TrimSpace(c.TLS.Mode)) {
		case TLSModeVerifyFull:
			c.TLS.Mode = TLSModeVerifyFull
		case TLSModeInsecure:
			c.TLS.Mode = TLSModeInsecure
		case "":
			return errors.New("tls.mode is required when tls is enabled (verify-full or insecure)")
		default:
			return fmt.Errorf("invalid tls.mode: %q", c.TLS.Mode)
		}
	}
	return nil
}

// TLSClientConfig builds the *tls.Config matching the configured trust policy.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	if !c.TLS.Enable {
		return nil, nil
	}
	serverName := c.TLS.ServerName
	if serverName == "" {
		host := c.Address
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		serverName = host
	}

	switch c.TLS.Mode {
	case TLSModeInsecure:
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicit opt-in
	case TLSModeVerifyFull:
		tc := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
		if c.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read tls.ca_file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", c.TLS.CAFile)
			}
			tc.RootCAs = pool
		}
		return tc, nil
	default:
		return nil, fmt.Errorf("invalid tls.mode: %q", c.TLS.Mode)
	}
}
