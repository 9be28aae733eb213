package scene

import (
	"fmt"

	"github.com/teslashibe/go-scenefilter/pkg/baseline"
	"github.com/teslashibe/go-scenefilter/pkg/cluster"
	"github.com/teslashibe/go-scenefilter/pkg/tracking"
)

// Config holds every filter parameter. It can be replaced at runtime
// through Filter.Configure or patched with Filter.ApplyParams; either
// relearns the scene from scratch.
type Config struct {
	// === Timing ===
	BufferDurationMs      int64 `json:"buffer_duration_ms" yaml:"buffer_duration_ms"`           // Comparison window
	FrameIntervalMs       int64 `json:"frame_interval_ms" yaml:"frame_interval_ms"`             // Expected frame spacing
	CooldownMs            int64 `json:"cooldown_ms" yaml:"cooldown_ms"`                         // Minimum spacing between triggers
	CalibrationDurationMs int64 `json:"calibration_duration_ms" yaml:"calibration_duration_ms"` // Learning period
	MinCalibrationSamples int   `json:"min_calibration_samples" yaml:"min_calibration_samples"` // Samples needed before leaving CALIBRATING
	NoveltyGraceMs        int64 `json:"novelty_grace_ms" yaml:"novelty_grace_ms"`               // Persistence before an object can become known
	StableDebounceMs      int64 `json:"stable_debounce_ms" yaml:"stable_debounce_ms"`           // Quiet time before VOLATILE settles
	ObjectTimeoutMs       int64 `json:"object_timeout_ms" yaml:"object_timeout_ms"`             // 0 = 5 x FrameIntervalMs
	BufferSlack           int   `json:"buffer_slack" yaml:"buffer_slack"`                       // Extra buffer slots for jitter

	// === Change detection ===
	// ChangeThreshold is the percentage of changed blocks needed to leave STABLE.
	ChangeThreshold float64 `json:"change_threshold" yaml:"change_threshold"`
	// BlockSize is the side of a comparison block in pixels.
	BlockSize int `json:"block_size" yaml:"block_size"`
	// PerBlockThreshold is the mean absolute difference (0-255) above which
	// a block counts as changed.
	PerBlockThreshold float64 `json:"per_block_threshold" yaml:"per_block_threshold"`

	// === Grouping and tracking ===
	MinClusterPixels int     `json:"min_cluster_pixels" yaml:"min_cluster_pixels"` // Smaller clusters are noise
	Connectivity     int     `json:"connectivity" yaml:"connectivity"`             // 4 or 8
	MatchRadius      float64 `json:"match_radius" yaml:"match_radius"`             // Pixels

	// === Baseline ===
	// BaselineSigma is k: how many standard deviations count as normal.
	BaselineSigma float64 `json:"baseline_sigma" yaml:"baseline_sigma"`
	// BaselineHalfLifeMs is how long the learned statistics take to forget
	// half of what they knew. 0 falls back to a fixed per-frame BaselineDecay.
	BaselineHalfLifeMs int64   `json:"baseline_half_life_ms" yaml:"baseline_half_life_ms"`
	BaselineDecay      float64 `json:"baseline_decay" yaml:"baseline_decay"`
	// BaselineDisturbedWeight scales learning while DISTURBED, so a change
	// that persists is eventually accepted as the new normal.
	BaselineDisturbedWeight float64 `json:"baseline_disturbed_weight" yaml:"baseline_disturbed_weight"`

	ChangeStdFloor   float64 `json:"change_std_floor" yaml:"change_std_floor"`
	ClusterStdFloor  float64 `json:"cluster_std_floor" yaml:"cluster_std_floor"`
	MaxKnownPatterns int     `json:"max_known_patterns" yaml:"max_known_patterns"`
	PatternIoU       float64 `json:"pattern_iou" yaml:"pattern_iou"`
}

// DefaultConfig returns the recommended configuration for a 50 fps camera.
func DefaultConfig() Config {
	return Config{
		BufferDurationMs:      100,
		FrameIntervalMs:       20,
		CooldownMs:            250,
		CalibrationDurationMs: 2000,
		MinCalibrationSamples: 3,
		NoveltyGraceMs:        500,
		StableDebounceMs:      100,
		ObjectTimeoutMs:       0, // 5 x FrameIntervalMs
		BufferSlack:           1,

		ChangeThreshold:   5.0,
		BlockSize:         8,
		PerBlockThreshold: 25,

		MinClusterPixels: 64,
		Connectivity:     4,
		MatchRadius:      24,

		BaselineSigma:           3,
		BaselineHalfLifeMs:      30000,
		BaselineDecay:           0.02,
		BaselineDisturbedWeight: 0.25,
		ChangeStdFloor:          1.0,
		ClusterStdFloor:         0.5,
		MaxKnownPatterns:        32,
		PatternIoU:              0.5,
	}
}

// EffectiveObjectTimeoutMs resolves the zero value of ObjectTimeoutMs.
func (c *Config) EffectiveObjectTimeoutMs() int64 {
	if c.ObjectTimeoutMs > 0 {
		return c.ObjectTimeoutMs
	}
	return 5 * c.FrameIntervalMs
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errs []string

	if c.FrameIntervalMs < 1 {
		errs = append(errs, "frame_interval_ms must be at least 1")
	}
	if c.BufferDurationMs < c.FrameIntervalMs {
		errs = append(errs, "buffer_duration_ms must be at least frame_interval_ms")
	}
	if c.CooldownMs < 0 {
		errs = append(errs, "cooldown_ms must not be negative")
	}
	if c.CalibrationDurationMs < 0 {
		errs = append(errs, "calibration_duration_ms must not be negative")
	}
	if c.MinCalibrationSamples < 1 {
		errs = append(errs, "min_calibration_samples must be at least 1")
	}
	if c.NoveltyGraceMs < 0 {
		errs = append(errs, "novelty_grace_ms must not be negative")
	}
	if c.StableDebounceMs < 0 {
		errs = append(errs, "stable_debounce_ms must not be negative")
	}
	if c.ObjectTimeoutMs < 0 {
		errs = append(errs, "object_timeout_ms must be 0 (auto) or positive")
	}
	if c.BufferSlack < 0 || c.BufferSlack > 16 {
		errs = append(errs, "buffer_slack must be between 0 and 16")
	}

	if c.ChangeThreshold <= 0 || c.ChangeThreshold > 100 {
		errs = append(errs, "change_threshold must be between 0 and 100")
	}
	if c.BlockSize < 1 || c.BlockSize > 256 {
		errs = append(errs, "block_size must be between 1 and 256")
	}
	if c.PerBlockThreshold <= 0 || c.PerBlockThreshold >= 255 {
		errs = append(errs, "per_block_threshold must be between 0 and 255")
	}

	if c.MinClusterPixels < 0 {
		errs = append(errs, "min_cluster_pixels must not be negative")
	}
	if c.Connectivity != 4 && c.Connectivity != 8 {
		errs = append(errs, "connectivity must be 4 or 8")
	}
	if c.MatchRadius <= 0 {
		errs = append(errs, "match_radius must be positive")
	}

	if c.BaselineSigma <= 0 {
		errs = append(errs, "baseline_sigma must be positive")
	}
	if c.BaselineDecay <= 0 || c.BaselineDecay > 1 {
		errs = append(errs, "baseline_decay must be in (0, 1]")
	}
	if c.BaselineHalfLifeMs < 0 {
		errs = append(errs, "baseline_half_life_ms must be 0 (per-frame decay) or positive")
	}
	if c.BaselineDisturbedWeight <= 0 || c.BaselineDisturbedWeight > 1 {
		errs = append(errs, "baseline_disturbed_weight must be in (0, 1]")
	}
	if c.ChangeStdFloor < 0 || c.ClusterStdFloor < 0 {
		errs = append(errs, "std floors must not be negative")
	}
	if c.MaxKnownPatterns < 1 {
		errs = append(errs, "max_known_patterns must be at least 1")
	}
	if c.PatternIoU <= 0 || c.PatternIoU > 1 {
		errs = append(errs, "pattern_iou must be in (0, 1]")
	}

	return errs
}

// check wraps Validate into an error.
func (c *Config) check() error {
	if errs := c.Validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return nil
}

func (c *Config) trackingConfig() tracking.Config {
	return tracking.Config{
		MatchRadius:     c.MatchRadius,
		ObjectTimeoutMs: c.EffectiveObjectTimeoutMs(),
		NoveltyGraceMs:  c.NoveltyGraceMs,
		FrameIntervalMs: c.FrameIntervalMs,
		HistorySize:     16,
	}
}

func (c *Config) baselineConfig() baseline.Config {
	return baseline.Config{
		Sigma:        c.BaselineSigma,
		Alpha:        c.BaselineDecay,
		HalfLifeMs:   c.BaselineHalfLifeMs,
		ChangeFloor:  c.ChangeStdFloor,
		ClusterFloor: c.ClusterStdFloor,
		MaxPatterns:  c.MaxKnownPatterns,
		PatternIoU:   c.PatternIoU,
	}
}

func (c *Config) connectivity() cluster.Connectivity {
	if c.Connectivity == 8 {
		return cluster.Eight
	}
	return cluster.Four
}
