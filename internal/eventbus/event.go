// Package eventbus emits typed structured events describing call lifecycle,
// audio, STT, turn, LLM, and TTS activity to an external, core-opaque sink.
// Publishing is fire-and-forget from the caller's perspective: the bus
// applies bounded queuing and drops the oldest queued event on overflow,
// incrementing an EventDropped counter rather than blocking or losing the
// newest event silently.
package eventbus

import "time"

// Kind identifies the shape of an [Event]; the field comments on Event say
// which fields each kind carries.
type Kind string

const (
	CallStarted    Kind = "call_started"
	CallEnded      Kind = "call_ended"
	StageRestarted Kind = "stage_restarted"
	DTMFReceived   Kind = "dtmf_received"

	VoiceActivityStarted Kind = "voice_activity_started"
	VoiceActivityEnded   Kind = "voice_activity_ended"
	IngressDrop          Kind = "ingress_drop"
	OutputUnderrun       Kind = "output_underrun"

	TranscriptInterim Kind = "transcript_interim"
	TranscriptFinal   Kind = "transcript_final"
	STTReconnected    Kind = "stt_reconnected"

	TurnOpened      Kind = "turn_opened"
	TurnClosed      Kind = "turn_closed"
	TurnInterrupted Kind = "turn_interrupted"
	ModelSelected   Kind = "model_selected"
	UserSilent      Kind = "user_silent"
	UtteranceLost   Kind = "utterance_lost"

	LLMFirstToken Kind = "llm_first_token"
	LLMCompleted  Kind = "llm_completed"
	LLMSlowWarn   Kind = "llm_slow_warn"
	LLMTimeout    Kind = "llm_timeout"
	TurnFailed    Kind = "turn_failed"

	TTSFirstAudio   Kind = "tts_first_audio"
	TTSCompleted    Kind = "tts_completed"
	SynthesisFailed Kind = "synthesis_failed"
)

// Event is a single structured occurrence published to the bus. Every event
// carries Kind, CallID, and Timestamp; the remaining fields are populated
// according to Kind, left zero-valued otherwise. A flat struct (rather than
// one type per kind) keeps the publish call sites a one-line literal, at the
// cost of the reader needing to know which fields apply to which Kind — the
// doc comment on each field says so.
type Event struct {
	Kind      Kind
	CallID    string
	Timestamp time.Time

	// Reason: CallEnded (why the call ended), TurnFailed/SynthesisFailed
	// (the error kind).
	Reason string

	// Stage, Cause: StageRestarted.
	Stage string
	Cause string

	// Frames: IngressDrop — number of frames dropped in this overrun.
	Frames int

	// LatencyMs: LLMFirstToken — time since the dispatch started;
	// TTSFirstAudio — time since the Speak call that produced the audio
	// started.
	LatencyMs int64

	// TokensIn, TokensOut: LLMCompleted.
	TokensIn  int
	TokensOut int

	// Tier: ModelSelected — "fast", "mid", or "heavy".
	Tier string

	// Interrupted: TurnClosed — true if the agent's turn was cut short by
	// barge-in rather than completing naturally.
	Interrupted bool

	// DurationMs, TurnCount: CallEnded.
	DurationMs int64
	TurnCount  int

	// UtteranceID: TranscriptInterim, TranscriptFinal.
	UtteranceID string

	// Text: TranscriptInterim, TranscriptFinal — the transcript text.
	Text string
}
