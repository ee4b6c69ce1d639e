package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultDrainGrace is the default end_call drain grace.
const defaultDrainGrace = 500 * time.Millisecond

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm"},
	"stt": {"telephonystt"},
	"tts": {"elevenlabs", "telephonytts"},
	"vad": {"energy-zcr"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every documented default, leaving
// caller-supplied non-zero values untouched.
func applyDefaults(cfg *Config) {
	if cfg.Call.MaxCallSeconds <= 0 {
		cfg.Call.MaxCallSeconds = 3600
	}
	if cfg.Call.SilenceTimeoutSeconds <= 0 {
		cfg.Call.SilenceTimeoutSeconds = 8
	}
	if cfg.Call.DrainGrace <= 0 {
		cfg.Call.DrainGrace = defaultDrainGrace
	}
	if cfg.Jitter.TargetMs <= 0 {
		cfg.Jitter.TargetMs = 50
	}
	if cfg.Jitter.MaxMs <= 0 {
		cfg.Jitter.MaxMs = 200
	}
	if cfg.Jitter.MinMs <= 0 {
		cfg.Jitter.MinMs = 20
	}
	if cfg.VAD.StartFrames <= 0 {
		cfg.VAD.StartFrames = 2
	}
	if cfg.VAD.EndFrames <= 0 {
		cfg.VAD.EndFrames = 10
	}
	if cfg.History.MaxTurns <= 0 {
		cfg.History.MaxTurns = 50
	}
	if cfg.History.MaxInputTokens <= 0 {
		cfg.History.MaxInputTokens = 8000
	}
	if cfg.EventSink.QueueDepth <= 0 {
		cfg.EventSink.QueueDepth = 10_000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if len(cfg.AgentProfiles) > 0 {
		if cfg.Providers.LLM.Name == "" {
			slog.Warn("no providers.llm configured; agent profiles will not be able to generate responses")
		}
		if cfg.Providers.STT.Name == "" {
			slog.Warn("no providers.stt configured; calls will have no transcription")
		}
		if cfg.Providers.TTS.Name == "" {
			slog.Warn("no providers.tts configured; calls will have no spoken output")
		}
	}

	seen := make(map[string]int, len(cfg.AgentProfiles))
	for i, p := range cfg.AgentProfiles {
		prefix := fmt.Sprintf("agent_profiles[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agent_profiles[%d]", prefix, p.ID, prev))
			}
			seen[p.ID] = i
		}
		if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, p.Voice.SpeedFactor))
		}
		if p.Voice.PitchShift < -10 || p.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch_shift %.2f is out of range [-10, 10]", prefix, p.Voice.PitchShift))
		}
	}

	if cfg.Jitter.MinMs > 0 && cfg.Jitter.MaxMs > 0 && cfg.Jitter.MinMs > cfg.Jitter.MaxMs {
		errs = append(errs, fmt.Errorf("jitter.jitter_min_ms (%d) must not exceed jitter.jitter_max_ms (%d)", cfg.Jitter.MinMs, cfg.Jitter.MaxMs))
	}
	if cfg.Jitter.TargetMs > 0 && cfg.Jitter.MaxMs > 0 && cfg.Jitter.TargetMs > cfg.Jitter.MaxMs {
		errs = append(errs, fmt.Errorf("jitter.jitter_target_ms (%d) must not exceed jitter.jitter_max_ms (%d)", cfg.Jitter.TargetMs, cfg.Jitter.MaxMs))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
