package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\ndata_dir: /var/sonia\n"), 0o644))

	t.Setenv("SONIA_GATEWAY_ADDR", ":9999")

	cfg := DefaultGateway()
	require.NoError(t, Load(path, "gateway", &cfg))
	require.Equal(t, ":9999", cfg.Addr, "env override must win over YAML")
	require.Equal(t, "/var/sonia", cfg.DataDir, "YAML value must win over default")
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := DefaultMemoryEngine()
	require.NoError(t, Load(filepath.Join(t.TempDir(), "missing.yaml"), "memory-engine", &cfg))
	require.Equal(t, DefaultMemoryEngine(), cfg)
}

func TestLoadDurationEnvOverride(t *testing.T) {
	t.Setenv("SONIA_TOOL_EXECUTOR_TOOLTIMEOUT", "3s")
	cfg := DefaultToolExecutor()
	require.NoError(t, Load("", "tool_executor", &cfg))
	require.Equal(t, 3*time.Second, cfg.ToolTimeout)
}

func TestValidateRejectsOversizedToolTimeout(t *testing.T) {
	cfg := DefaultToolExecutor()
	cfg.ToolTimeout = 20 * time.Second
	require.Error(t, cfg.Validate())
}

func TestSupervisorValidateRejectsProbeTimeoutExceedingInterval(t *testing.T) {
	cfg := DefaultSupervisor()
	cfg.ProbeTimeout = cfg.ProbeInterval + time.Second
	require.Error(t, cfg.Validate())
}
