package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
instance: writer-2
server:
  port: 9448
replication:
  batch_size: 50
  ping_interval: 1s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "writer-2", cfg.Instance)
	assert.Equal(t, 9448, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Replication.BatchSize)
	assert.Equal(t, time.Second, cfg.Replication.PingInterval)

	// Untouched fields keep their defaults.
	assert.Equal(t, 100, cfg.State.MaxDeltaHops)
	assert.Equal(t, 30*time.Second, cfg.Replication.PingTimeout)
	assert.Equal(t, 5, cfg.Persist.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"empty instance":      `instance: ""`,
		"zero batch size":     "replication:\n  batch_size: 0",
		"negative delta hops": "state:\n  max_delta_hops: -1",
		"negative retries":    "persist:\n  max_retries: -1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "instance: [unterminated"))
	assert.Error(t, err)
}
