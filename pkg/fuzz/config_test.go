package fuzz

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
iterations: 20
flows_per_iteration: 3
seed: 99
max_duration: 5s
backend: badger
`), 0o644))
	t.Setenv("LEDGERFUZZ_SEED", "42")
	t.Setenv("LEDGERFUZZ_STOP_ON_VIOLATION", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Iterations)
	assert.Equal(t, 3, cfg.FlowsPerIteration)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 5*time.Second, cfg.MaxDuration)
	assert.True(t, cfg.StopOnViolation)
	assert.Equal(t, BackendBadger, cfg.Backend)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: postgres\n"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := Config{Iterations: -1, FlowsPerIteration: 0, MaxDuration: -time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "iterations")
	assert.ErrorContains(t, err, "flows_per_iteration")
	assert.ErrorContains(t, err, "max_duration")
}
