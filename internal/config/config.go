package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL          = "http://localhost:8001"
	DefaultUserEmail       = "demo@example.com"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRefreshInterval = 5 * time.Second
	DefaultGraceDelay      = 2 * time.Second
	DefaultLogDir          = "logs"
)

// Environment variables that override the config file
const (
	EnvAPIURL    = "ANALYSTCHAT_API_URL"
	EnvUserEmail = "ANALYSTCHAT_USER_EMAIL"
)

// Config holds application configuration
type Config struct {
	APIURL    string `yaml:"api_url"`    // Base URL of the analytics backend (http:// or https://)
	UserEmail string `yaml:"user_email"` // Sent with every query

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Session directory polling period
	GraceDelay      time.Duration `yaml:"grace_delay"`      // Delay between a terminal progress step and completion

	LogDir           string `yaml:"log_dir"`
	Debug            bool   `yaml:"debug"`
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`

	// ArchivePath is the SQLite file that journals progress events; empty disables it
	ArchivePath string `yaml:"archive_path"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		APIURL:           DefaultAPIURL,
		UserEmail:        DefaultUserEmail,
		RequestTimeout:   DefaultRequestTimeout,
		RefreshInterval:  DefaultRefreshInterval,
		GraceDelay:       DefaultGraceDelay,
		LogDir:           DefaultLogDir,
		TelemetryEnabled: true,
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvUserEmail); v != "" {
		c.UserEmail = v
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api_url %q: scheme must be http or https", c.APIURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.GraceDelay < 0 {
		return fmt.Errorf("grace_delay must not be negative")
	}
	return nil
}
