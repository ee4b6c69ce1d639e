// Package callsupervisor is the Call Supervisor: it creates, owns, and
// destroys Call Sessions. It resolves an agent profile and the shared
// provider set into one [callsession.Config], constructs the Session, and
// tracks it in a sharded registry keyed by call_id so an out-of-band caller
// (an admin endpoint, a SIGTERM drain) can look a call up and end it without
// holding a reference of its own.
//
// Registry access is rare — admin lookups and teardown, never the per-frame
// path — but with tens of thousands of concurrent calls a single mutex is
// still a plausible bottleneck, so the map is sharded (see registry.go).
package callsupervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/voicecore/callcore/internal/audioingress"
	"github.com/voicecore/callcore/internal/callsession"
	"github.com/voicecore/callcore/internal/config"
	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/internal/session"
	"github.com/voicecore/callcore/internal/turncontroller"
	"github.com/voicecore/callcore/pkg/provider/llm"
	"github.com/voicecore/callcore/pkg/provider/stt/telephonystt"
	"github.com/voicecore/callcore/pkg/provider/tts"
	"github.com/voicecore/callcore/pkg/provider/vad"
	"github.com/voicecore/callcore/pkg/telephony"
	"github.com/voicecore/callcore/pkg/types"
)

// defaultDrainGrace matches the configuration surface's call.drain_grace default.
const defaultDrainGrace = 500 * time.Millisecond

// Supervisor creates and tracks Call Sessions. One Supervisor is built at
// process startup from the loaded configuration and the provider instances
// main.go created via the [config.Registry]; every inbound call is then
// accepted through it.
type Supervisor struct {
	mu       sync.RWMutex
	cfg      *config.Config
	profiles map[string]config.AgentProfileConfig
	tiers    turncontroller.TierProviders

	tts  tts.Provider
	vad  vad.Engine
	sink eventbus.Sink

	registry *registry
}

// Providers bundles the shared, already-constructed provider instances a
// Supervisor wires into every accepted call. LLM providers are one instance
// per model tier (the fast/mid/heavy tiers may all point at the same
// provider with different model IDs, or at distinct providers); TTS is a
// single shared provider, since voice is selected per agent profile rather
// than per provider instance.
type Providers struct {
	LLMFast, LLMMid, LLMHeavy llm.Provider
	TTS                       tts.Provider
	VAD                       vad.Engine

	// EventSink receives every call's drained bus events. Defaults to an
	// NDJSON stream on stdout when nil.
	EventSink eventbus.Sink
}

// New builds a Supervisor from a validated configuration and the shared
// provider instances. It does not start any calls.
func New(cfg *config.Config, providers Providers) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("callsupervisor: config must not be nil")
	}

	profiles := make(map[string]config.AgentProfileConfig, len(cfg.AgentProfiles))
	for _, p := range cfg.AgentProfiles {
		profiles[p.ID] = p
	}

	tiers := turncontroller.TierProviders{
		Fast:     providers.LLMFast,
		Mid:      providers.LLMMid,
		Heavy:    providers.LLMHeavy,
		FastCfg:  turncontroller.TierConfig{ModelID: cfg.ModelTiers.Fast.ModelID, MaxTokens: cfg.ModelTiers.Fast.MaxTokens},
		MidCfg:   turncontroller.TierConfig{ModelID: cfg.ModelTiers.Mid.ModelID, MaxTokens: cfg.ModelTiers.Mid.MaxTokens},
		HeavyCfg: turncontroller.TierConfig{ModelID: cfg.ModelTiers.Heavy.ModelID, MaxTokens: cfg.ModelTiers.Heavy.MaxTokens},
	}

	sink := providers.EventSink
	if sink == nil {
		sink = eventbus.NewNDJSONSink(os.Stdout)
	}

	return &Supervisor{
		cfg:      cfg,
		profiles: profiles,
		tiers:    tiers,
		tts:      providers.TTS,
		vad:      providers.VAD,
		sink:     sink,
		registry: newRegistry(),
	}, nil
}

// UpdateConfig swaps in the hot-reloadable subset of a freshly loaded
// configuration: agent profile texts and vocabulary, model tier ids and
// token budgets, and call tunables. Provider instances and connection-level
// settings (API keys, listen address) keep their process-start values —
// changing those requires a restart.
func (s *Supervisor) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	profiles := make(map[string]config.AgentProfileConfig, len(cfg.AgentProfiles))
	for _, p := range cfg.AgentProfiles {
		profiles[p.ID] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.profiles = profiles
	s.tiers.FastCfg = turncontroller.TierConfig{ModelID: cfg.ModelTiers.Fast.ModelID, MaxTokens: cfg.ModelTiers.Fast.MaxTokens}
	s.tiers.MidCfg = turncontroller.TierConfig{ModelID: cfg.ModelTiers.Mid.ModelID, MaxTokens: cfg.ModelTiers.Mid.MaxTokens}
	s.tiers.HeavyCfg = turncontroller.TierConfig{ModelID: cfg.ModelTiers.Heavy.ModelID, MaxTokens: cfg.ModelTiers.Heavy.MaxTokens}
}

// AcceptCall implements accept_call(call_id, agent_profile) → Session: it
// resolves agentProfileID, wires one [callsession.Session] for this call, and
// registers it under callID. It starts the session's
// [callsession.Session.Run] and the call's event-bus drain on goroutines of
// its own, and returns the running Session; when Run returns, that goroutine
// shuts the session down and removes it from the registry.
//
// On any failure, AcceptCall tears down everything it had already started
// and returns an [AcceptError] describing which phase failed.
func (s *Supervisor) AcceptCall(ctx context.Context, callID, agentProfileID string, conn *telephony.Conn) (*callsession.Session, error) {
	if _, exists := s.registry.get(callID); exists {
		return nil, &AcceptError{Kind: AcceptConfig, CallID: callID, Cause: fmt.Errorf("call_id %q already active", callID)}
	}

	s.mu.RLock()
	cfg := s.cfg
	profile, ok := s.profiles[agentProfileID]
	tiers := s.tiers
	s.mu.RUnlock()
	if !ok {
		return nil, &AcceptError{Kind: AcceptConfig, CallID: callID, Cause: fmt.Errorf("unknown agent profile %q", agentProfileID)}
	}

	sttCfg := telephonystt.Config{
		APIKey:         cfg.Providers.STT.APIKey,
		InterimResults: true,
		Utterances:     true,
		VADEvents:      true,
		SmartFormat:    true,
		Numerals:       true,
		FillerWords:    true,
		DetectLanguage: true,
		Redact: []telephonystt.RedactClass{
			telephonystt.RedactSSN,
			telephonystt.RedactPCI,
			telephonystt.RedactNumbers,
		},
	}

	history := session.NewLLMSummariser(pickSummariserProvider(tiers))

	bus := eventbus.New(cfg.EventSink.QueueDepth)

	sessCfg := callsession.Config{
		STT: sttCfg,
		TTS: s.tts,

		Tiers: tiers,

		GreetingText:          profile.GreetingText,
		SystemPreamble:        profile.SystemPreamble,
		FallbackUtteranceText: profile.FallbackUtteranceText,
		DefaultVoice:          configVoiceProfile(profile),
		VocabularyFetch:       staticVocabulary(profile.Vocabulary),
		Vocabulary:            profile.Vocabulary,

		SilenceTimeout:       time.Duration(cfg.Call.SilenceTimeoutSeconds) * time.Second,
		UtteranceLostGrace:   5 * time.Second,
		BargeInConfirmWindow: 100 * time.Millisecond,
		MaxCallSeconds:       cfg.Call.MaxCallSeconds,

		HistoryMaxTokens: cfg.History.MaxInputTokens,
		Summariser:       history,

		Jitter: s.jitterConfig(cfg),
	}

	sess, err := callsession.New(callID, conn, bus, sessCfg)
	if err != nil {
		return nil, &AcceptError{Kind: AcceptTransport, CallID: callID, Cause: err}
	}

	callCtx, cancel := context.WithCancel(ctx)
	entry := &callEntry{
		session: sess,
		bus:     bus,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.registry.put(callID, entry)

	// The bus drains on its own goroutine so a slow sink never back-pressures
	// the stage workers; Close after the session ends flushes what remains.
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(context.Background(), s.sink)
	}()

	go func() {
		defer close(entry.done)
		defer s.registry.remove(callID)
		defer cancel()

		runErr := sess.Run(callCtx)
		if runErr != nil && callCtx.Err() == nil {
			slog.Error("call ended with error", "call_id", callID, "err", runErr)
		}
		_ = sess.Shutdown()

		bus.Close()
		<-busDone
		if rec, ok := s.sink.(interface {
			RecordDropped(ctx context.Context, n uint64)
		}); ok {
			rec.RecordDropped(context.Background(), bus.Dropped())
		}
	}()

	return sess, nil
}

// EndCall implements end_call(call_id, reason): it asks the Session to
// drain its outbound queue for up to the configured grace period, then
// cancel. Calling EndCall on a call_id that is not active (already ended,
// or never accepted) is a no-op, matching the invariant that end_call on an
// already-Ended session emits no additional events.
func (s *Supervisor) EndCall(callID, reason string) error {
	entry, ok := s.registry.get(callID)
	if !ok {
		return nil
	}

	s.mu.RLock()
	grace := s.cfg.Call.DrainGrace
	s.mu.RUnlock()
	if grace <= 0 {
		grace = defaultDrainGrace
	}

	slog.Info("ending call", "call_id", callID, "reason", reason, "drain_grace", grace)
	entry.session.RequestStop(grace)
	return nil
}

// ActiveCalls returns the number of calls currently tracked by the
// registry. Intended for health/metrics reporting, not the hot path.
func (s *Supervisor) ActiveCalls() int {
	return s.registry.len()
}

// Shutdown ends every active call with reason "server_shutdown" and waits
// up to grace for all of them to finish draining.
func (s *Supervisor) Shutdown(grace time.Duration) {
	ids, dones := s.registry.snapshot()
	for _, id := range ids {
		_ = s.EndCall(id, "server_shutdown")
	}

	deadline := time.After(grace)
	for _, done := range dones {
		select {
		case <-done:
		case <-deadline:
			return
		}
	}
}

func configVoiceProfile(p config.AgentProfileConfig) types.VoiceProfile {
	return types.VoiceProfile{
		ID:          p.Voice.ID,
		PitchShift:  p.Voice.PitchShift,
		SpeedFactor: p.Voice.SpeedFactor,
	}
}

func (s *Supervisor) jitterConfig(cfg *config.Config) audioingress.Config {
	return audioingress.Config{
		VADEngine:    s.vad,
		JitterTarget: cfg.Jitter.TargetMs,
		JitterMin:    cfg.Jitter.MinMs,
		JitterMax:    cfg.Jitter.MaxMs,
	}
}

// staticVocabulary adapts a flat keyword list from config into a
// [turncontroller.VocabularyFetcher] that always returns the same list —
// the configuration surface has no mechanism yet for per-call vocabulary
// changes mid-call.
func staticVocabulary(words []string) turncontroller.VocabularyFetcher {
	return func(ctx context.Context) ([]string, error) {
		return words, nil
	}
}

// pickSummariserProvider uses the mid tier for history summarisation: cheap
// enough to run every time the history is pruned, capable enough to produce
// a faithful summary.
func pickSummariserProvider(tiers turncontroller.TierProviders) llm.Provider {
	if tiers.Mid != nil {
		return tiers.Mid
	}
	return tiers.Fast
}
