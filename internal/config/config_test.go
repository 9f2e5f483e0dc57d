package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Urethramancer/scanflow/internal/config"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, uint64(4<<10), cfg.ValueScan.StrideBytes)
	assert.Equal(t, uint64(16<<20), cfg.ValueScan.CoalesceGapBytes)
	assert.Equal(t, 256, cfg.ValueScan.RefinementChunk)
	assert.Equal(t, uint64(2<<20), cfg.Disasm.StrideBytes)
	assert.Equal(t, 128, cfg.Sigmaker.MaxSigLength)
	assert.Equal(t, uint64(127), cfg.Sigmaker.UniquenessOverlap)
	assert.False(t, cfg.ProgressBar)
}

// TestLoadOverridesOnlyPresentFields confirms Load starts from Default and
// only overrides the fields a TOML file actually sets, leaving the rest at
// their spec.md-derived defaults.
func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanflow.toml")
	contents := []byte("progress_bar = true\n\n[sigmaker]\nmax_sig_length = 64\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.ProgressBar)
	assert.Equal(t, 64, cfg.Sigmaker.MaxSigLength)
	// Untouched by the file, so still Default's value.
	assert.Equal(t, uint64(127), cfg.Sigmaker.UniquenessOverlap)
	assert.Equal(t, uint64(4<<10), cfg.ValueScan.StrideBytes)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
