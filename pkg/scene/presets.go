package scene

// Preset names for common configurations
const (
	PresetDefault      = "default"
	PresetSensitive    = "sensitive"
	PresetConservative = "conservative"
	PresetWebcam       = "webcam"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:      DefaultConfig(),
		PresetSensitive:    SensitiveConfig(),
		PresetConservative: ConservativeConfig(),
		PresetWebcam:       WebcamConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetSensitive,
		PresetConservative,
		PresetWebcam,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	presets := Presets()
	if cfg, ok := presets[name]; ok {
		return &cfg
	}
	return nil
}

// SensitiveConfig reacts to smaller and shorter-lived changes.
// More analysis calls, fewer missed events.
func SensitiveConfig() Config {
	cfg := DefaultConfig()
	cfg.ChangeThreshold = 2.0
	cfg.PerBlockThreshold = 15
	cfg.MinClusterPixels = 32
	cfg.BaselineSigma = 2
	cfg.CooldownMs = 150
	cfg.NoveltyGraceMs = 1000
	return cfg
}

// ConservativeConfig only triggers on large, clearly anomalous changes.
// Suited to scenes with foliage, screens or people passing constantly.
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.ChangeThreshold = 10.0
	cfg.PerBlockThreshold = 35
	cfg.MinClusterPixels = 256
	cfg.Connectivity = 8
	cfg.BaselineSigma = 4
	cfg.CooldownMs = 1000
	cfg.NoveltyGraceMs = 300
	cfg.CalibrationDurationMs = 5000
	return cfg
}

// WebcamConfig matches a typical 30 fps USB webcam.
func WebcamConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameIntervalMs = 33
	cfg.BufferDurationMs = 132 // Four frame intervals, as in the default
	cfg.StableDebounceMs = 165
	return cfg
}
