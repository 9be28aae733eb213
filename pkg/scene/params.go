package scene

import (
	"encoding/json"
	"fmt"
)

// ApplyParams patches cfg with a map of snake_case keys to values, as
// received from a JSON API body. A "preset" key replaces the base config
// before the remaining keys are applied. Unknown keys are ignored; values of
// the wrong type are reported.
func ApplyParams(cfg Config, params map[string]interface{}) (Config, error) {
	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return cfg, fmt.Errorf("%w: unknown preset: %s", ErrInvalidConfig, presetName)
		}
		cfg = *preset
	}

	var bad []string
	for key, value := range params {
		ok := true
		switch key {
		case "preset":
		case "buffer_duration_ms":
			ok = setInt64(&cfg.BufferDurationMs, value)
		case "frame_interval_ms":
			ok = setInt64(&cfg.FrameIntervalMs, value)
		case "cooldown_ms":
			ok = setInt64(&cfg.CooldownMs, value)
		case "calibration_duration_ms":
			ok = setInt64(&cfg.CalibrationDurationMs, value)
		case "min_calibration_samples":
			ok = setInt(&cfg.MinCalibrationSamples, value)
		case "novelty_grace_ms":
			ok = setInt64(&cfg.NoveltyGraceMs, value)
		case "stable_debounce_ms":
			ok = setInt64(&cfg.StableDebounceMs, value)
		case "object_timeout_ms":
			ok = setInt64(&cfg.ObjectTimeoutMs, value)
		case "buffer_slack":
			ok = setInt(&cfg.BufferSlack, value)
		case "change_threshold":
			ok = setFloat(&cfg.ChangeThreshold, value)
		case "block_size":
			ok = setInt(&cfg.BlockSize, value)
		case "per_block_threshold":
			ok = setFloat(&cfg.PerBlockThreshold, value)
		case "min_cluster_pixels":
			ok = setInt(&cfg.MinClusterPixels, value)
		case "connectivity":
			ok = setInt(&cfg.Connectivity, value)
		case "match_radius":
			ok = setFloat(&cfg.MatchRadius, value)
		case "baseline_sigma", "k":
			ok = setFloat(&cfg.BaselineSigma, value)
		case "baseline_decay":
			ok = setFloat(&cfg.BaselineDecay, value)
		case "baseline_half_life_ms":
			ok = setInt64(&cfg.BaselineHalfLifeMs, value)
		case "baseline_disturbed_weight":
			ok = setFloat(&cfg.BaselineDisturbedWeight, value)
		case "change_std_floor":
			ok = setFloat(&cfg.ChangeStdFloor, value)
		case "cluster_std_floor":
			ok = setFloat(&cfg.ClusterStdFloor, value)
		case "max_known_patterns":
			ok = setInt(&cfg.MaxKnownPatterns, value)
		case "pattern_iou":
			ok = setFloat(&cfg.PatternIoU, value)
		}
		if !ok {
			bad = append(bad, key)
		}
	}
	if len(bad) > 0 {
		return cfg, fmt.Errorf("%w: wrong type for %v", ErrInvalidConfig, bad)
	}
	return cfg, cfg.check()
}

// AsMap returns the config as a map for JSON APIs.
func (c Config) AsMap() map[string]interface{} {
	data, _ := json.Marshal(c)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	return result
}

func setInt(dst *int, v interface{}) bool {
	n, ok := toInt64(v)
	if ok {
		*dst = int(n)
	}
	return ok
}

func setInt64(dst *int64, v interface{}) bool {
	n, ok := toInt64(v)
	if ok {
		*dst = n
	}
	return ok
}

func setFloat(dst *float64, v interface{}) bool {
	f, ok := toFloat(v)
	if ok {
		*dst = f
	}
	return ok
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
