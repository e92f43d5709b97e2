package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRegistryURL  = errors.New("registry url is invalid")
	ErrInvalidSecurityKind = errors.New("security backend must be osv or npm-audit")
)

// Security backends
const (
	SecurityBackendOSV      = "osv"
	SecurityBackendNpmAudit = "npm-audit"
)

// Config represents the application configuration
type Config struct {
	Registry    RegistryConfig    `yaml:"registry"`
	Cache       CacheConfig       `yaml:"cache"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Security    SecurityConfig    `yaml:"security"`
	Update      UpdateConfig      `yaml:"update"`
}

// RegistryConfig holds npm registry settings. The URL is overridden by
// .npmrc files and NPM_CONFIG_REGISTRY.
type RegistryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"` // base TTL for version lists
	MaxEntries int           `yaml:"max_entries"`
	MaxSizeMB  int           `yaml:"max_size_mb"`
	Disk       bool          `yaml:"disk"`
}

// ConcurrencyConfig bounds outbound requests
type ConcurrencyConfig struct {
	Limit         int `yaml:"limit"`
	RatePerSecond int `yaml:"rate_per_second"` // 0 disables rate limiting
}

// SecurityConfig selects the vulnerability data source
type SecurityConfig struct {
	Backend                string `yaml:"backend"`
	OSVURL                 string `yaml:"osv_url"`
	SafeVersionSearchLimit int    `yaml:"safe_version_search_limit"`
}

// UpdateConfig holds defaults for update execution
type UpdateConfig struct {
	Backup bool `yaml:"backup"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			URL:     "https://registry.npmjs.org",
			Timeout: 30 * time.Second,
			Retries: 3,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        10 * time.Minute,
			MaxEntries: 5000,
			MaxSizeMB:  64,
			Disk:       true,
		},
		Concurrency: ConcurrencyConfig{
			Limit: 8,
		},
		Security: SecurityConfig{
			Backend:                SecurityBackendOSV,
			OSVURL:                 "https://api.osv.dev",
			SafeVersionSearchLimit: 10,
		},
		Update: UpdateConfig{
			Backup: true,
		},
	}
}

// ConfigPath returns the config file path (XDG standard)
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}

	return filepath.Join(xdgConfig, "catalogkit", "config.yaml"), nil
}

// CacheDir returns the directory holding persisted caches
func CacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	xdgCache := os.Getenv("XDG_CACHE_HOME")
	if xdgCache == "" {
		xdgCache = filepath.Join(home, ".cache")
	}

	return filepath.Join(xdgCache, "catalogkit"), nil
}

// StateDir returns the directory holding saved plans
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}

	return filepath.Join(xdgState, "catalogkit"), nil
}

// Load reads configuration from the default config file
func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom reads configuration from a specific file path.
// A missing file is created with defaults. Keys absent from the file keep
// their default values.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if saveErr := cfg.SaveTo(path); saveErr != nil {
				return nil, saveErr
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes configuration to a specific file path
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks values that cannot be defaulted silently
func (c *Config) Validate() error {
	u, err := url.Parse(c.Registry.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRegistryURL, c.Registry.URL)
	}
	switch c.Security.Backend {
	case SecurityBackendOSV, SecurityBackendNpmAudit:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityKind, c.Security.Backend)
	}
	if c.Registry.Retries < 1 {
		c.Registry.Retries = 1
	}
	if c.Concurrency.Limit < 1 {
		c.Concurrency.Limit = 8
	}
	if c.Security.SafeVersionSearchLimit < 1 {
		c.Security.SafeVersionSearchLimit = 10
	}
	return nil
}

// MaxSizeBytes returns the cache size cap in bytes
func (c CacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) << 20
}
