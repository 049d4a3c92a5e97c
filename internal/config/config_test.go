package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

lists:
  dir: "/srv/lists"
  site_name: "lists.example.com"
  default_host: "example.com"

locking:
  dir: "/srv/locks"
  lifetime_seconds: 30
  acquire_timeout_seconds: 5

notices:
  templates_dir: "/srv/templates"

spool:
  dir: "/srv/spool"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test lists config
	assert.Equal(t, "/srv/lists", cfg.Lists.Dir)
	assert.Equal(t, "lists.example.com", cfg.Lists.SiteName)
	assert.Equal(t, "example.com", cfg.Lists.DefaultHost)

	// Test locking config
	assert.Equal(t, "/srv/locks", cfg.Locking.Dir)
	assert.Equal(t, 30*time.Second, cfg.Locking.Lifetime())
	assert.Equal(t, 5*time.Second, cfg.Locking.AcquireTimeout())

	assert.Equal(t, "/srv/templates", cfg.Notices.TemplatesDir)
	assert.Equal(t, "/srv/spool", cfg.Spool.Dir)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server:\n  port: 0\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8538, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "data/lists", cfg.Lists.Dir)
	assert.Equal(t, "site", cfg.Lists.SiteName)
	assert.Equal(t, "data/locks", cfg.Locking.Dir)
	assert.Equal(t, 15*time.Second, cfg.Locking.Lifetime())
	assert.Equal(t, 10*time.Second, cfg.Locking.AcquireTimeout())
	assert.Equal(t, "data/spool", cfg.Spool.Dir)
	assert.Equal(t, "", cfg.Notices.TemplatesDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server: [not a map"), 0644)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("lists:\n  dir: \"/from/file\"\n"), 0644)
	require.NoError(t, err)

	t.Setenv("LISTD_LISTS_DIR", "/from/env")
	t.Setenv("LISTD_DEFAULT_HOST", "env.example.com")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Lists.Dir)
	assert.Equal(t, "env.example.com", cfg.Lists.DefaultHost)
}
