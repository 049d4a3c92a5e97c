package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Lists   ListsConfig   `yaml:"lists"`
	Locking LockingConfig `yaml:"locking"`
	Notices NoticesConfig `yaml:"notices"`
	Spool   SpoolConfig   `yaml:"spool"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ListsConfig locates the site's lists and names the site itself
type ListsConfig struct {
	Dir string `yaml:"dir"`
	// SiteName names the site-wide lock file used for cross-list
	// operations like creating a list.
	SiteName string `yaml:"site_name"`
	// DefaultHost is the mail domain new lists are created under.
	DefaultHost string `yaml:"default_host"`
}

// LockingConfig holds lock placement and timing. The lock directory must be
// on the same shared volume as the lists when multiple hosts run against
// the same site.
type LockingConfig struct {
	Dir                   string `yaml:"dir"`
	LifetimeSeconds       int    `yaml:"lifetime_seconds"`
	AcquireTimeoutSeconds int    `yaml:"acquire_timeout_seconds"`
}

// Lifetime returns the lock lifetime as a duration.
func (l LockingConfig) Lifetime() time.Duration {
	return time.Duration(l.LifetimeSeconds) * time.Second
}

// AcquireTimeout returns the lock acquisition timeout as a duration.
func (l LockingConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutSeconds) * time.Second
}

// NoticesConfig holds notice template settings
type NoticesConfig struct {
	// TemplatesDir overrides the built-in notice templates; empty uses
	// the built-ins only.
	TemplatesDir string `yaml:"templates_dir"`
}

// SpoolConfig locates the outgoing message spool
type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8538
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Lists.Dir == "" {
		cfg.Lists.Dir = "data/lists"
	}
	if cfg.Lists.SiteName == "" {
		cfg.Lists.SiteName = "site"
	}
	if cfg.Lists.DefaultHost == "" {
		cfg.Lists.DefaultHost = "localhost"
	}
	if cfg.Locking.Dir == "" {
		cfg.Locking.Dir = "data/locks"
	}
	if cfg.Locking.LifetimeSeconds == 0 {
		cfg.Locking.LifetimeSeconds = 15
	}
	if cfg.Locking.AcquireTimeoutSeconds == 0 {
		cfg.Locking.AcquireTimeoutSeconds = 10
	}
	if cfg.Spool.Dir == "" {
		cfg.Spool.Dir = "data/spool"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration from a YAML file with environment
// variable overrides.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("LISTD_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LISTD_LISTS_DIR"); v != "" {
		cfg.Lists.Dir = v
	}
	if v := os.Getenv("LISTD_LOCK_DIR"); v != "" {
		cfg.Locking.Dir = v
	}
	if v := os.Getenv("LISTD_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("LISTD_DEFAULT_HOST"); v != "" {
		cfg.Lists.DefaultHost = v
	}
	if v := os.Getenv("LISTD_TEMPLATES_DIR"); v != "" {
		cfg.Notices.TemplatesDir = v
	}

	return cfg, nil
}
