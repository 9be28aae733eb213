// Package config loads settings for the scenefilter commands.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables, then command-line flags applied by the caller
// through Apply.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// Defaults for the server.
const (
	DefaultListen     = ":8090"
	DefaultLogLevel   = "info"
	DefaultMaxStreams = 16
	DefaultModel      = "gemini-2.0-flash"
)

// EnvPrefix prefixes every scene parameter override, e.g.
// SCENE_CHANGE_THRESHOLD=7.5 or SCENE_COOLDOWN_MS=500.
const EnvPrefix = "SCENE_"

// ErrConfig wraps every load failure.
var ErrConfig = errors.New("config: invalid settings")

// Settings is everything a scenefilter command needs.
type Settings struct {
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	Debug      bool   `yaml:"debug"`
	Preset     string `yaml:"preset"`
	MaxStreams int    `yaml:"max_streams"`

	Scene    scene.Config `yaml:"scene"`
	Pipeline Pipeline     `yaml:"pipeline"`
	Analysis Analysis     `yaml:"analysis"`
}

// Pipeline holds per-stream delivery settings.
type Pipeline struct {
	DeliveryTimeoutMs int64 `yaml:"delivery_timeout_ms"`
	MaxInFlight       int   `yaml:"max_in_flight"`
}

// DeliveryTimeout returns the timeout as a duration.
func (p Pipeline) DeliveryTimeout() time.Duration {
	return time.Duration(p.DeliveryTimeoutMs) * time.Millisecond
}

// Analysis configures the downstream analysis sink. The API key is only
// read from the environment.
type Analysis struct {
	Model   string `yaml:"model"`
	Prompt  string `yaml:"prompt"`
	Quality int    `yaml:"jpeg_quality"`
	APIKey  string `yaml:"-"`
}

// Enabled reports whether triggers should be sent for analysis.
func (a Analysis) Enabled() bool {
	return a.APIKey != ""
}

// Default returns settings with every layer unset.
func Default() Settings {
	return Settings{
		Listen:     DefaultListen,
		LogLevel:   DefaultLogLevel,
		Preset:     scene.PresetDefault,
		MaxStreams: DefaultMaxStreams,
		Scene:      scene.DefaultConfig(),
		Pipeline: Pipeline{
			DeliveryTimeoutMs: 10000,
			MaxInFlight:       4,
		},
		Analysis: Analysis{
			Model:   DefaultModel,
			Quality: 80,
		},
	}
}

// Load builds settings from defaults, the YAML file at path (or
// $SCENE_CONFIG when path is empty) and the environment.
func Load(path string) (Settings, error) {
	s := Default()

	if path == "" {
		path = os.Getenv("SCENE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if err := s.decodeYAML(data); err != nil {
			return s, err
		}
	}

	if err := s.applyEnv(os.Getenv); err != nil {
		return s, err
	}
	return s, s.validate()
}

// decodeYAML applies a YAML document. A preset named in the file becomes
// the base for the file's own scene section.
func (s *Settings) decodeYAML(data []byte) error {
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if head.Preset != "" {
		if err := s.usePreset(head.Preset); err != nil {
			return err
		}
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func (s *Settings) usePreset(name string) error {
	p := scene.GetPreset(name)
	if p == nil {
		return fmt.Errorf("%w: unknown preset %q (have %s)", ErrConfig, name, strings.Join(scene.PresetNames(), ", "))
	}
	s.Preset = name
	s.Scene = *p
	return nil
}

// applyEnv reads overrides through getenv.
func (s *Settings) applyEnv(getenv func(string) string) error {
	if v := getenv("SCENE_PRESET"); v != "" {
		if err := s.usePreset(v); err != nil {
			return err
		}
	}
	if v := getenv("SCENE_LISTEN"); v != "" {
		s.Listen = v
	} else if v := getenv("PORT"); v != "" {
		s.Listen = ":" + v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("DEBUG"); v != "" {
		s.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := getenv("GEMINI_API_KEY"); v != "" {
		s.Analysis.APIKey = v
	}
	if v := getenv("GEMINI_MODEL"); v != "" {
		s.Analysis.Model = v
	}

	params := map[string]interface{}{}
	for key := range s.Scene.AsMap() {
		raw := getenv(EnvPrefix + strings.ToUpper(key))
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a number", ErrConfig, EnvPrefix, strings.ToUpper(key), raw)
		}
		params[key] = f
	}
	return s.applyScene(params)
}

// Apply patches settings with flag-style overrides. Keys listen, log_level,
// debug and preset set the server fields; everything else is a scene
// parameter as accepted by scene.ApplyParams.
func (s *Settings) Apply(overrides map[string]interface{}) error {
	params := map[string]interface{}{}
	for key, value := range overrides {
		switch key {
		case "listen":
			s.Listen = fmt.Sprint(value)
		case "log_level":
			s.LogLevel = fmt.Sprint(value)
		case "debug":
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("%w: debug must be a bool", ErrConfig)
			}
			s.Debug = b
		case "preset":
			if err := s.usePreset(fmt.Sprint(value)); err != nil {
				return err
			}
		default:
			params[key] = value
		}
	}
	if err := s.applyScene(params); err != nil {
		return err
	}
	return s.validate()
}

func (s *Settings) applyScene(params map[string]interface{}) error {
	if len(params) == 0 {
		return nil
	}
	cfg, err := scene.ApplyParams(s.Scene, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s.Scene = cfg
	return nil
}

func (s *Settings) validate() error {
	var problems []string
	problems = append(problems, s.Scene.Validate()...)
	if s.Listen == "" {
		problems = append(problems, "listen address is empty")
	}
	if s.MaxStreams <= 0 {
		problems = append(problems, "max_streams must be positive")
	}
	if s.Pipeline.DeliveryTimeoutMs <= 0 {
		problems = append(problems, "pipeline.delivery_timeout_ms must be positive")
	}
	if s.Pipeline.MaxInFlight <= 0 {
		problems = append(problems, "pipeline.max_in_flight must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
