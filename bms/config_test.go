package bms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 308, cfg.NumCells())
	assert.Equal(t, 66, cfg.NumSensors())
	assert.Equal(t, uint32(26400), cfg.VoltageMatchMV())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"num_modules: 4\nnominal_capacity_mah: 64000\nimbalance_warn_mv: 30\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumModules)
	assert.Equal(t, int32(64000), cfg.NominalCapacityMAh)
	assert.Equal(t, uint16(30), cfg.ImbalanceWarnMV)
	// Untouched fields keep canonical values.
	assert.Equal(t, uint16(4225), cfg.SEOVFaultMV)
	assert.Equal(t, 14, cfg.CellsPerModule)
}

func TestLoadConfigEmptyPathIsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("se_ov_warn_clear_mv: 4300\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err, "warn clear above trigger must be rejected")
}
