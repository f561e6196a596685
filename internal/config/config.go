// Package config loads and validates the pipeline configuration. Values
// come from built-in defaults, an optional YAML file, and SPINEPREP_
// environment overrides, merged in that order by viper. Load returns a
// *Config; the CLI fills in the path fields from its positional
// arguments before validation.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the merged pipeline configuration.
type Config struct {
	Options      Options      `mapstructure:"options"`
	Registration Registration `mapstructure:"registration"`
	Paths        Paths        `mapstructure:"paths"`
}

// Options groups the per-run processing knobs.
type Options struct {
	TemporalCrop TemporalCrop `mapstructure:"temporal_crop"`
	Motion       Motion       `mapstructure:"motion"`
	Censor       Censor       `mapstructure:"censor"`
	ACompCor     ACompCor     `mapstructure:"acompcor"`
	Masks        Masks        `mapstructure:"masks"`
}

// TemporalCrop controls leading/trailing volume trimming.
type TemporalCrop struct {
	Enable       bool    `mapstructure:"enable"`
	Method       string  `mapstructure:"method"`
	MaxTrimStart int     `mapstructure:"max_trim_start"`
	MaxTrimEnd   int     `mapstructure:"max_trim_end"`
	ZThresh      float64 `mapstructure:"z_thresh"`
}

// Motion selects the motion-correction engine.
type Motion struct {
	// Engine is one of slice-wise, rigid-3d, hybrid, grouped.
	Engine    string `mapstructure:"engine"`
	SliceAxis string `mapstructure:"slice_axis"`
	// ConcatMode groups runs for the grouped engine: none, subject,
	// session, or session+task.
	ConcatMode string `mapstructure:"concat_mode"`
}

// Censor controls frame censoring from FD and DVARS.
type Censor struct {
	Enable        bool    `mapstructure:"enable"`
	FDThreshMM    float64 `mapstructure:"fd_thresh_mm"`
	DVARSThresh   float64 `mapstructure:"dvars_thresh"`
	MinContigVols int     `mapstructure:"min_contig_vols"`
	PadVols       int     `mapstructure:"pad_vols"`
}

// ACompCor controls anatomical-component regression.
type ACompCor struct {
	Enable               bool     `mapstructure:"enable"`
	Tissues              []string `mapstructure:"tissues"`
	NComponentsPerTissue int      `mapstructure:"n_components_per_tissue"`
	HighpassHz           float64  `mapstructure:"highpass_hz"`
	Detrend              bool     `mapstructure:"detrend"`
	Standardize          bool     `mapstructure:"standardize"`
}

// Masks controls tissue-mask production.
type Masks struct {
	Enable      bool    `mapstructure:"enable"`
	Source      string  `mapstructure:"source"` // tool, provided, none
	BinarizeThr float64 `mapstructure:"binarize_thr"`
}

// Registration controls template registration and mask warping.
type Registration struct {
	Enable      bool   `mapstructure:"enable"`
	Template    string `mapstructure:"template"`
	Levels      string `mapstructure:"levels"`
	UseGMWMMask bool   `mapstructure:"use_gm_wm_masks"`
}

// Paths names the dataset root and the derivatives root.
type Paths struct {
	BIDSDir  string `mapstructure:"bids_dir"`
	DerivDir string `mapstructure:"deriv_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("options.temporal_crop.enable", true)
	v.SetDefault("options.temporal_crop.method", "cord_mean_robust_z")
	v.SetDefault("options.temporal_crop.max_trim_start", 10)
	v.SetDefault("options.temporal_crop.max_trim_end", 10)
	v.SetDefault("options.temporal_crop.z_thresh", 2.5)

	v.SetDefault("options.motion.engine", "rigid-3d")
	v.SetDefault("options.motion.slice_axis", "z")
	v.SetDefault("options.motion.concat_mode", "none")

	v.SetDefault("options.censor.enable", true)
	v.SetDefault("options.censor.fd_thresh_mm", 0.5)
	v.SetDefault("options.censor.dvars_thresh", 1.5)
	v.SetDefault("options.censor.min_contig_vols", 5)
	v.SetDefault("options.censor.pad_vols", 1)

	v.SetDefault("options.acompcor.enable", true)
	v.SetDefault("options.acompcor.tissues", []string{"cord", "wm", "csf"})
	v.SetDefault("options.acompcor.n_components_per_tissue", 5)
	v.SetDefault("options.acompcor.highpass_hz", 0.008)
	v.SetDefault("options.acompcor.detrend", true)
	v.SetDefault("options.acompcor.standardize", true)

	v.SetDefault("options.masks.enable", true)
	v.SetDefault("options.masks.source", "tool")
	v.SetDefault("options.masks.binarize_thr", 0.5)

	v.SetDefault("registration.enable", false)
	v.SetDefault("registration.template", "PAM50")
	v.SetDefault("registration.levels", "C1:C7")
	v.SetDefault("registration.use_gm_wm_masks", false)
}

// Load merges defaults, the optional YAML file at cfgPath, and
// SPINEPREP_ environment overrides into a Config.
func Load(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SPINEPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

var validEngines = map[string]bool{
	"slice-wise": true,
	"rigid-3d":   true,
	"hybrid":     true,
	"grouped":    true,
}

var validConcatModes = map[string]bool{
	"none":         true,
	"subject":      true,
	"session":      true,
	"session+task": true,
}

// Validate checks every recognized key and returns the first offending
// one. Path fields are checked by the caller, which knows which command
// is running.
func (c *Config) Validate() error {
	tc := c.Options.TemporalCrop
	if tc.Method != "cord_mean_robust_z" {
		return fmt.Errorf("options.temporal_crop.method: unknown method %q", tc.Method)
	}
	if tc.MaxTrimStart < 0 || tc.MaxTrimEnd < 0 {
		return fmt.Errorf("options.temporal_crop.max_trim_start/max_trim_end: must be >= 0")
	}
	if tc.ZThresh <= 0 {
		return fmt.Errorf("options.temporal_crop.z_thresh: must be > 0, got %v", tc.ZThresh)
	}

	m := c.Options.Motion
	if !validEngines[m.Engine] {
		return fmt.Errorf("options.motion.engine: unknown engine %q", m.Engine)
	}
	switch m.SliceAxis {
	case "x", "y", "z":
	default:
		return fmt.Errorf("options.motion.slice_axis: must be x, y, or z, got %q", m.SliceAxis)
	}
	if !validConcatModes[m.ConcatMode] {
		return fmt.Errorf("options.motion.concat_mode: unknown mode %q", m.ConcatMode)
	}

	cs := c.Options.Censor
	if cs.FDThreshMM < 0 || cs.DVARSThresh < 0 {
		return fmt.Errorf("options.censor: thresholds must be >= 0")
	}
	if cs.MinContigVols < 1 {
		return fmt.Errorf("options.censor.min_contig_vols: must be >= 1, got %d", cs.MinContigVols)
	}
	if cs.PadVols < 0 {
		return fmt.Errorf("options.censor.pad_vols: must be >= 0, got %d", cs.PadVols)
	}

	ac := c.Options.ACompCor
	if ac.NComponentsPerTissue < 0 {
		return fmt.Errorf("options.acompcor.n_components_per_tissue: must be >= 0")
	}
	if ac.HighpassHz < 0 {
		return fmt.Errorf("options.acompcor.highpass_hz: must be >= 0")
	}
	for _, t := range ac.Tissues {
		if t == "" {
			return fmt.Errorf("options.acompcor.tissues: empty tissue name")
		}
	}

	switch c.Options.Masks.Source {
	case "tool", "provided", "none":
	default:
		return fmt.Errorf("options.masks.source: must be tool, provided, or none, got %q", c.Options.Masks.Source)
	}

	return nil
}
