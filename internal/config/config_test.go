package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8888", cfg.Listen.Addr)
	require.Equal(t, 500, cfg.Queues.ControllerLimit)
	require.Equal(t, 500, cfg.Queues.DeviceLimit)
	require.True(t, cfg.Discovery.Enabled)
}

func TestLoadReadsFileAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scope: production\nmax_clients: 10\nqueues:\n  controller_limit: 5\n  device_limit: 5\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Scope)
	require.Equal(t, 10, cfg.MaxClients)
	require.Equal(t, 5, cfg.Queues.ControllerLimit)
}

func TestLoadRejectsInvalidLoggingLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}
