package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 15, cfg.MaxTurns)
}

func TestLoad_ParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\nmaxTurns: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.MaxTurns)
}

func TestLoad_EnvOverridesFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))
	t.Setenv("WEAVE_ADDR", ":7070")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLLMConfig_GetTimeoutFallsBackOnBadValue(t *testing.T) {
	c := LLMConfig{Timeout: "not-a-duration"}
	assert.Equal(t, Default().LLM.GetTimeout(), c.GetTimeout())
}
