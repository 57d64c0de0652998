package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCarriesHardCodedDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, "data/snippets", cfg.Staging.SnippetsDir)
	require.Equal(t, 1000, cfg.Staging.HistoryLimit)
	require.Equal(t, 1000, cfg.Persistence.DebounceMillis)
	require.Equal(t, 3600, cfg.Token.DefaultTTLSeconds)
	require.False(t, cfg.Mesh.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "staging:\n  snippets_dir: /tmp/elsewhere\npersistence:\n  debounce_millis: 250\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/elsewhere", cfg.Staging.SnippetsDir)
	require.Equal(t, 250, cfg.Persistence.DebounceMillis)
	// Untouched keys keep their defaults.
	require.Equal(t, 1000, cfg.Staging.HistoryLimit)
}

func TestFileOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("staging:\n  snippets_dir: /tmp/from-file\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STAGING_SNIPPETS_DIR", "/tmp/from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-file", cfg.Staging.SnippetsDir)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("STAGING_SNIPPETS_DIR", "/tmp/from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env", cfg.Staging.SnippetsDir)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, New().Staging.SnippetsDir, cfg.Staging.SnippetsDir)
}
