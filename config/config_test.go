package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaultsAndParsesFields(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test_config.json")

	raw := map[string]any{
		"smtp": map[string]any{
			"host": "smtp.example.com",
			"port": 587,
		},
		"directory_path":      filepath.Join(tmpDir, "directory.json"),
		"store_path":          filepath.Join(tmpDir, "notifydispatch.db"),
		"default_max_retries": 5,
	}
	configData, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configFile, configData, 0644))

	cfg, err := LoadConfig(configFile)
	require.NoError(t, err)

	require.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	require.Equal(t, 587, cfg.SMTP.Port)
	require.Equal(t, raw["directory_path"], cfg.DirectoryPath)
	require.Equal(t, 5, cfg.DefaultMaxRetries)

	// untouched fields fall back to setDefaults()
	require.Equal(t, 10, cfg.SMTP.ConnectionTimeout)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 8090, cfg.Metrics.Port)
	require.Equal(t, 8080, cfg.HTTP.IntakePort)
	require.Equal(t, 8081, cfg.HTTP.StatusPort)
	require.Equal(t, "@every 30s", cfg.DispatchCron)
}

func TestLoadConfigNonExistentFile(t *testing.T) {
	_, err := LoadConfig("non_existent_file.json")
	require.Error(t, err)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid_config.json")
	require.NoError(t, os.WriteFile(configFile, []byte("not json"), 0644))

	_, err := LoadConfig(configFile)
	require.Error(t, err)
}

func TestLoadConfigMissingSMTPHostFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "no_host.json")
	raw := map[string]any{"directory_path": filepath.Join(tmpDir, "directory.json")}
	configData, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configFile, configData, 0644))

	_, err = LoadConfig(configFile)
	require.Error(t, err)
}

func TestLoadConfigMissingDirectoryPathFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "no_directory.json")
	raw := map[string]any{"smtp": map[string]any{"host": "smtp.example.com"}}
	configData, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configFile, configData, 0644))

	_, err = LoadConfig(configFile)
	require.Error(t, err)
}

func TestLoadConfigSamePortsFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "same_ports.json")
	raw := map[string]any{
		"smtp":           map[string]any{"host": "smtp.example.com"},
		"directory_path": filepath.Join(tmpDir, "directory.json"),
		"http":           map[string]any{"intake_port": 9000, "status_port": 9000},
	}
	configData, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configFile, configData, 0644))

	_, err = LoadConfig(configFile)
	require.Error(t, err)
}
