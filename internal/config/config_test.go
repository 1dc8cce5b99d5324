package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ReturnsSpecDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.Backend.Port)
	assert.Equal(t, "0.0.0.0", cfg.Backend.Host)
	assert.Equal(t, 3000, cfg.Frontend.Port)
	assert.Equal(t, 8100, cfg.MCP.StartPort)
	assert.Equal(t, 8200, cfg.MCP.MaxPort)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_PartialFileFillsInDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"backend":{"port":9000}}`), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Backend.Port)
	assert.Equal(t, "0.0.0.0", cfg.Backend.Host)
	assert.Equal(t, 3000, cfg.Frontend.Port)
	assert.Equal(t, 8100, cfg.MCP.StartPort)
}

func TestLoad_MalformedFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`not json`), 0o644))

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Backend.Port = 8765
	cfg.MCP.MaxPort = 8300

	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate_RejectsBadPortRange(t *testing.T) {
	cfg := Default()
	cfg.MCP.StartPort = 8200
	cfg.MCP.MaxPort = 8100

	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Backend.Port = 70000

	assert.Error(t, cfg.Validate())
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestPortRange_MatchesConfiguredBand(t *testing.T) {
	cfg := Default()
	rng := cfg.PortRange()

	assert.Equal(t, 8100, rng.Start)
	assert.Equal(t, 8200, rng.Max)
}
