// Package config provides the configuration schema, loader, and provider registry
// for the call core: provider credentials, per-agent-profile voice and
// prompt settings, and the call/VAD/jitter/history/event-sink tunables every stage
// worker is constructed from.
package config

import "time"

// Config is the root configuration structure for the call core.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`

	// AgentProfiles lists every agent profile the server can accept calls
	// for. accept_call's agent_profile argument selects one by ID.
	AgentProfiles []AgentProfileConfig `yaml:"agent_profiles"`

	ModelTiers ModelTiersConfig `yaml:"model_tiers"`
	Call       CallConfig       `yaml:"call"`
	Jitter     JitterConfig     `yaml:"jitter"`
	VAD        VADConfig        `yaml:"vad"`
	History    HistoryConfig    `yaml:"history"`
	EventSink  EventSinkConfig  `yaml:"event_sink"`
}

// ServerConfig holds network and logging settings for the call core server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry]. STT/LLM/TTS entries carry required credentials; VAD is optional (the
// core's own energy/ZCR detector is used when unset).
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "telephonystt").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AgentProfileConfig describes one agent's persona, voice, and conversational
// defaults. accept_call(call_id, agent_profile) selects one of these by ID.
type AgentProfileConfig struct {
	// ID is the opaque identifier accept_call's agent_profile argument names.
	ID string `yaml:"id"`

	// SystemPreamble is injected as the system preamble of every LLM request
	// for calls using this profile.
	SystemPreamble string `yaml:"system_preamble"`

	// GreetingText, if non-empty, is spoken once at call start before the
	// Turn Controller enters Listening.
	GreetingText string `yaml:"greeting_text"`

	// FallbackUtteranceText is spoken when the LLM or TTS fails a turn
	// outright, so the caller never gets silence followed by a dead line.
	FallbackUtteranceText string `yaml:"fallback_utterance_text"`

	Voice VoiceConfig `yaml:"voice"`

	// Vocabulary lists domain terms (names, jargon) used to enrich the
	// transcript-correction pass and bias technical-term scoring in model
	// tier selection. May be empty.
	Vocabulary []string `yaml:"vocabulary"`
}

// VoiceConfig specifies the default TTS voice parameters for an agent profile.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ModelTiersConfig names the model and output budget for each of the Turn
// Controller's three dispatch tiers.
type ModelTiersConfig struct {
	Heavy ModelTierEntry `yaml:"heavy"`
	Mid   ModelTierEntry `yaml:"mid"`
	Fast  ModelTierEntry `yaml:"fast"`
}

// ModelTierEntry configures one model tier.
type ModelTierEntry struct {
	// ModelID is passed through to the LLM provider entry's Model override
	// for requests dispatched at this tier. Empty uses providers.llm.model.
	ModelID string `yaml:"model_id"`

	// MaxTokens bounds the tier's output length.
	MaxTokens int `yaml:"max_tokens"`
}

// CallConfig holds call-lifetime tunables.
type CallConfig struct {
	// MaxCallSeconds is the hard wall-clock deadline. Default 3600.
	MaxCallSeconds int `yaml:"max_call_seconds"`

	// SilenceTimeoutSeconds bounds how long the Turn Controller waits in
	// UserSpeaking for continued voice activity before returning to
	// Listening. Default 8.
	SilenceTimeoutSeconds int `yaml:"silence_timeout_seconds"`

	// DrainGrace bounds how long end_call waits for in-flight audio to
	// finish before cancelling workers outright. Default 500ms.
	DrainGrace time.Duration `yaml:"drain_grace"`
}

// JitterConfig configures the Audio Ingress jitter buffer.
type JitterConfig struct {
	// TargetMs is the buffer's steady-state occupancy target. Default 50.
	TargetMs int `yaml:"jitter_target_ms"`

	// MaxMs is the hard cap the adaptive target is clamped to. Default 200.
	MaxMs int `yaml:"jitter_max_ms"`

	// MinMs is the floor the adaptive target is clamped to. Default 20.
	MinMs int `yaml:"jitter_min_ms"`
}

// VADConfig configures the Audio Ingress voice-activity detector.
type VADConfig struct {
	// EnergyThreshold is the μ-law-magnitude energy floor above which a
	// frame may be classified voiced.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// StartFrames is the hysteresis count (K) of consecutive voiced frames
	// required to declare VoiceActivityStarted. Default 2 (40ms at 20ms frames).
	StartFrames int `yaml:"start_frames"`

	// EndFrames is the hysteresis count (M) of consecutive silent frames
	// required to declare VoiceActivityEnded. Default 10 (200ms).
	EndFrames int `yaml:"end_frames"`
}

// HistoryConfig bounds the per-call Conversation History.
type HistoryConfig struct {
	// MaxTurns caps the number of retained turns. Default 50.
	MaxTurns int `yaml:"max_turns"`

	// MaxInputTokens caps the estimated token size of the pruned history
	// handed to the LLM Dispatcher. Default 8000.
	MaxInputTokens int `yaml:"max_input_tokens"`
}

// EventSinkConfig configures the Event Bus.
type EventSinkConfig struct {
	// QueueDepth bounds the bus's in-memory queue before it starts dropping
	// the oldest queued event. Default 10000.
	QueueDepth int `yaml:"queue_depth"`
}
