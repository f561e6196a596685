package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Options.TemporalCrop.Enable)
	assert.Equal(t, "cord_mean_robust_z", cfg.Options.TemporalCrop.Method)
	assert.Equal(t, 10, cfg.Options.TemporalCrop.MaxTrimStart)
	assert.Equal(t, 2.5, cfg.Options.TemporalCrop.ZThresh)

	assert.Equal(t, "rigid-3d", cfg.Options.Motion.Engine)
	assert.Equal(t, "z", cfg.Options.Motion.SliceAxis)

	assert.Equal(t, 0.5, cfg.Options.Censor.FDThreshMM)
	assert.Equal(t, 1.5, cfg.Options.Censor.DVARSThresh)
	assert.Equal(t, 5, cfg.Options.Censor.MinContigVols)
	assert.Equal(t, 1, cfg.Options.Censor.PadVols)

	assert.Equal(t, []string{"cord", "wm", "csf"}, cfg.Options.ACompCor.Tissues)
	assert.Equal(t, 0.008, cfg.Options.ACompCor.HighpassHz)

	assert.False(t, cfg.Registration.Enable)
	assert.Equal(t, "PAM50", cfg.Registration.Template)

	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spineprep.yaml")
	yaml := `
options:
  motion:
    engine: hybrid
    slice_axis: y
  censor:
    fd_thresh_mm: 0.3
paths:
  bids_dir: /data/bids
  deriv_dir: /data/deriv
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", cfg.Options.Motion.Engine)
	assert.Equal(t, "y", cfg.Options.Motion.SliceAxis)
	assert.Equal(t, 0.3, cfg.Options.Censor.FDThreshMM)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1.5, cfg.Options.Censor.DVARSThresh)
	assert.Equal(t, "/data/bids", cfg.Paths.BIDSDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown engine", func(t *testing.T) {
		cfg := base()
		cfg.Options.Motion.Engine = "warp-speed"
		assert.ErrorContains(t, cfg.Validate(), "options.motion.engine")
	})

	t.Run("bad slice axis", func(t *testing.T) {
		cfg := base()
		cfg.Options.Motion.SliceAxis = "w"
		assert.ErrorContains(t, cfg.Validate(), "slice_axis")
	})

	t.Run("min contig below one", func(t *testing.T) {
		cfg := base()
		cfg.Options.Censor.MinContigVols = 0
		assert.ErrorContains(t, cfg.Validate(), "min_contig_vols")
	})

	t.Run("negative padding", func(t *testing.T) {
		cfg := base()
		cfg.Options.Censor.PadVols = -1
		assert.ErrorContains(t, cfg.Validate(), "pad_vols")
	})

	t.Run("unknown crop method", func(t *testing.T) {
		cfg := base()
		cfg.Options.TemporalCrop.Method = "first-n"
		assert.ErrorContains(t, cfg.Validate(), "temporal_crop.method")
	})

	t.Run("bad mask source", func(t *testing.T) {
		cfg := base()
		cfg.Options.Masks.Source = "magic"
		assert.ErrorContains(t, cfg.Validate(), "masks.source")
	})
}
