// Package types defines the shared data transfer types used across provider,
// session, and pipeline packages.
//
// These types form the lingua franca between providers, stage workers, and the
// call supervisor. They are intentionally minimal — each package defines its
// own domain types, but cross-cutting data structures live here to avoid circular
// imports. The telephony audio frame type lives in [pkg/audio] instead, since it
// is owned by the audio pipeline.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram, Google).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// SpeakerID identifies the speaker when speaker diarization is active.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration

	// UtteranceID groups every fragment (interim and final) that belongs to the
	// same contiguous span of caller speech. Assigned by the STT client when the
	// provider signals speech start; empty for providers that don't report one,
	// in which case the caller derives one from VAD boundaries instead.
	UtteranceID string

	// SpeechFinal indicates the provider's own endpointing decided the utterance
	// is complete (distinct from IsFinal, which only means "this fragment is
	// authoritative, not interim"). A fragment can be IsFinal without being
	// SpeechFinal if the provider emits finals mid-utterance.
	SpeechFinal bool

	// Language is the BCP-47 tag the provider detected or was configured with.
	Language string
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// ConversationTurn is one user or agent exchange, recorded as the turn
// closes. Turns alternate roles starting with the user (after an optional
// greeting); the stage timestamps let downstream consumers reconstruct the
// full latency chain of a turn without correlating individual events.
type ConversationTurn struct {
	// ID is the unique turn identifier.
	ID string

	// Role is "user" or "agent".
	Role string

	// Text is the finalized utterance (user) or the full generated reply
	// (agent, possibly truncated by interruption).
	Text string

	// UserEnd is when the user's utterance finalized. Zero for greeting turns.
	UserEnd time.Time

	// LLMFirstToken / LLMLastToken bound the model's streaming response.
	LLMFirstToken time.Time
	LLMLastToken  time.Time

	// TTSFirstByte / TTSLastByte bound the synthesized audio stream.
	TTSFirstByte time.Time
	TTSLastByte  time.Time

	// ModelID names the model the turn was dispatched to. Empty for user
	// turns and canned (greeting/fallback) agent turns.
	ModelID string

	// TokensIn / TokensOut are the model's reported token counts.
	TokensIn  int
	TokensOut int

	// Interrupted is true when the agent's reply was cut short by barge-in.
	Interrupted bool

	// InterruptedAt is when the barge-in landed. Zero unless Interrupted.
	InterruptedAt time.Time
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency for budget tier assignment.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, used as a hard timeout.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool

	// CacheableSeconds is how long results can be cached (0 = never).
	CacheableSeconds int
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of domain proper nouns (product names, people,
// places) a general model is likely to mishear.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Zyntrix").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// ModelTier selects which configured LLM model a turn is dispatched to,
// based on the Turn Controller's complexity score for that turn.
type ModelTier int

const (
	// TierFast is the low-latency model used for simple turns.
	TierFast ModelTier = iota

	// TierMid is the balanced model used for moderately complex turns.
	TierMid

	// TierHeavy is the strongest-reasoning model, reserved for turns that
	// score high on complexity or explicitly request deeper thought.
	TierHeavy
)

// String returns the human-readable name of the model tier.
func (t ModelTier) String() string {
	switch t {
	case TierFast:
		return "FAST"
	case TierMid:
		return "MID"
	case TierHeavy:
		return "HEAVY"
	default:
		return "UNKNOWN"
	}
}
