// Package config loads and validates server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the server
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	TLS     TLSConfig     `koanf:"tls"`
	Storage StorageConfig `koanf:"storage"`
	Limits  LimitsConfig  `koanf:"limits"`
	Auth    AuthConfig    `koanf:"auth"`
	Logging LoggingConfig `koanf:"logging"`
	ID      IDConfig      `koanf:"id"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Hostname        string `koanf:"hostname"`         // mail.example.com
	Host            string `koanf:"host"`             // Bind address
	IMAPPort        int    `koanf:"imap_port"`        // 143 for STARTTLS
	IMAPSPort       int    `koanf:"imaps_port"`       // 993 for implicit TLS
	Secure          bool   `koanf:"secure"`           // Serve the implicit-TLS port
	IgnoreSTARTTLS  bool   `koanf:"ignore_starttls"`  // Do not offer STARTTLS on the plain port
	ShutdownTimeout string `koanf:"shutdown_timeout"` // Graceful shutdown timeout
}

// TLSConfig holds TLS/ACME configuration
type TLSConfig struct {
	AutoTLS  bool   `koanf:"auto_tls"`  // Use Let's Encrypt
	Email    string `koanf:"email"`     // ACME account email
	CertFile string `koanf:"cert_file"` // Manual cert path
	KeyFile  string `koanf:"key_file"`  // Manual key path
	CacheDir string `koanf:"cache_dir"` // ACME cache directory
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // Base data directory
	DatabasePath string `koanf:"database_path"` // SQLite database path
	BlobPath     string `koanf:"blob_path"`     // Content-addressed blob directory
}

// LimitsConfig bounds message and account sizes
type LimitsConfig struct {
	MaxMessage int64 `koanf:"max_message"` // Max APPEND literal in bytes
	MaxStorage int64 `koanf:"max_storage"` // Fallback quota when a user has none
}

// AuthConfig holds login rate-limit configuration
type AuthConfig struct {
	RedisURL      string `koanf:"redis_url"`    // Optional Redis for the limiter
	LoginWindow   string `koanf:"login_window"` // Sliding window size
	LoginMaxTries int    `koanf:"login_max_tries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// IDConfig is advertised through the IMAP ID extension
type IDConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
	Vendor  string `koanf:"vendor"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			Host:            "0.0.0.0",
			IMAPPort:        143,
			IMAPSPort:       993,
			Secure:          true,
			ShutdownTimeout: "30s",
		},
		TLS: TLSConfig{
			AutoTLS:  false,
			CacheDir: "/var/lib/pelican/acme",
		},
		Storage: StorageConfig{
			DataDir:      "/var/lib/pelican",
			DatabasePath: "/var/lib/pelican/pelican.db",
			BlobPath:     "/var/lib/pelican/blobs",
		},
		Limits: LimitsConfig{
			MaxMessage: 26214400,   // 25MB
			MaxStorage: 1073741824, // 1GB fallback quota
		},
		Auth: AuthConfig{
			LoginWindow:   "60s",
			LoginMaxTries: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ID: IDConfig{
			Name:    "pelican",
			Version: "dev",
			Vendor:  "pelicanmail",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoginWindow returns the parsed rate-limit window.
func (c *Config) LoginWindow() time.Duration {
	d, err := time.ParseDuration(c.Auth.LoginWindow)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	ports := map[string]int{
		"server.imap_port":  c.Server.IMAPPort,
		"server.imaps_port": c.Server.IMAPSPort,
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
	}
	if c.Server.IMAPPort == c.Server.IMAPSPort {
		return fmt.Errorf("port conflict: server.imap_port and server.imaps_port both use port %d", c.Server.IMAPPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Server.ShutdownTimeout != "" {
		d, err := time.ParseDuration(c.Server.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("server.shutdown_timeout is invalid: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("server.shutdown_timeout must be positive (got: %s)", c.Server.ShutdownTimeout)
		}
	}

	// TLS validation
	if c.TLS.AutoTLS {
		if c.TLS.Email == "" {
			return fmt.Errorf("tls.email is required when auto_tls is enabled")
		}
		if c.TLS.CacheDir == "" {
			return fmt.Errorf("tls.cache_dir is required when auto_tls is enabled")
		}
	} else {
		if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
		}
		if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
		}
		if c.Server.Secure && c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when server.secure is enabled")
		}
		if c.TLS.CertFile != "" {
			if err := validateFileReadable(c.TLS.CertFile); err != nil {
				return fmt.Errorf("tls.cert_file: %w", err)
			}
		}
		if c.TLS.KeyFile != "" {
			if err := validateFileReadable(c.TLS.KeyFile); err != nil {
				return fmt.Errorf("tls.key_file: %w", err)
			}
		}
	}

	if c.Limits.MaxMessage < 1024 {
		return fmt.Errorf("limits.max_message must be at least 1024 bytes")
	}
	if c.Limits.MaxMessage > 100*1024*1024 {
		return fmt.Errorf("limits.max_message cannot exceed 100MB (104857600 bytes)")
	}
	if c.Limits.MaxStorage < 0 {
		return fmt.Errorf("limits.max_storage cannot be negative")
	}

	if c.Auth.LoginMaxTries < 1 {
		return fmt.Errorf("auth.login_max_tries must be at least 1")
	}
	if c.Auth.LoginWindow != "" {
		if _, err := time.ParseDuration(c.Auth.LoginWindow); err != nil {
			return fmt.Errorf("auth.login_window is invalid: %w", err)
		}
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// validateStorage ensures all storage paths are valid
func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.BlobPath == "" {
		return fmt.Errorf("storage.blob_path is required")
	}

	// Validate paths are absolute for safety
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	if !filepath.IsAbs(c.Storage.BlobPath) {
		return fmt.Errorf("storage.blob_path must be an absolute path (got: %s)", c.Storage.BlobPath)
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.BlobPath,
		filepath.Dir(c.Storage.DatabasePath),
	}

	if c.TLS.AutoTLS && c.TLS.CacheDir != "" {
		dirs = append(dirs, c.TLS.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
