package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsPreserved(t *testing.T) {
	path := writeTempConfig(t, `
execution:
  default_timeout_ms: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Execution.DefaultTimeoutMS)
	// fields not set in the file keep Default()'s values.
	assert.Equal(t, 0.92, cfg.Classifier.Thresholds.Same)
	assert.Equal(t, 5, cfg.Generation.Parallel.MaxVariants)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeTempConfig(t, `
not_a_real_option: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_real_option")
}

func TestLoadRejectsUnknownNestedKey(t *testing.T) {
	path := writeTempConfig(t, `
execution:
  default_timeout_ms: 1000
  bogus_field: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.bogus_field")
}
