package turncontroller

import (
	"context"
	"testing"
	"time"

	"github.com/voicecore/callcore/internal/audioegress"
	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/internal/llmdispatch"
	"github.com/voicecore/callcore/internal/session"
	"github.com/voicecore/callcore/internal/sttclient"
	"github.com/voicecore/callcore/pkg/audio"
	"github.com/voicecore/callcore/pkg/provider/llm"
	llmmock "github.com/voicecore/callcore/pkg/provider/llm/mock"
	ttsmock "github.com/voicecore/callcore/pkg/provider/tts/mock"
	"github.com/voicecore/callcore/pkg/provider/vad"
	"github.com/voicecore/callcore/pkg/types"
)

// fakeSink records every frame sent to it and is always ready.
type fakeSink struct {
	frames []audio.AudioFrame
	clears int
}

func (s *fakeSink) SendFrame(ctx context.Context, frame audio.AudioFrame) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Clear() error {
	s.clears++
	return nil
}

// fakeSummariser never gets exercised in these small conversations but must
// satisfy session.Summariser.
type fakeSummariser struct{}

func (fakeSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	return "summary", nil
}

func newTestController(t *testing.T, fastProvider llm.Provider) (*Controller, *fakeSink) {
	t.Helper()
	bus := eventbus.New(64)
	sink := &fakeSink{}
	ttsProvider := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}}
	egress := audioegress.New(ttsProvider, sink, bus, "call-1", types.VoiceProfile{ID: "default"})
	dispatcher := llmdispatch.New(bus, "call-1").WithTimeouts(50*time.Millisecond, 200*time.Millisecond)
	history := session.NewContextManager(session.ContextManagerConfig{MaxTokens: 8000, Summariser: fakeSummariser{}})
	assembler := NewContextAssembler(history, "You are a helpful phone agent.", nil)

	tiers := TierProviders{
		Fast:    fastProvider,
		Mid:     fastProvider,
		Heavy:   fastProvider,
		FastCfg: TierConfig{ModelID: "fast", MaxTokens: 256},
		MidCfg:  TierConfig{ModelID: "mid", MaxTokens: 512},
		HeavyCfg: TierConfig{ModelID: "heavy", MaxTokens: 1024},
	}

	c := New("call-1", bus, dispatcher, egress, assembler, history, tiers, Config{
		FallbackUtteranceText: "Sorry, I didn't catch that.",
		DefaultVoice:          types.VoiceProfile{ID: "default"},
		SilenceTimeout:        200 * time.Millisecond,
		UtteranceLostGrace:    100 * time.Millisecond,
		BargeInConfirmWindow:  30 * time.Millisecond,
	})
	return c, sink
}

func TestController_HappyPathTurn(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Sure, I can help with that."},
			{FinishReason: "stop"},
		},
	}
	c, sink := newTestController(t, provider)

	activity := make(chan vad.VADEvent, 4)
	finals := make(chan types.Transcript, 1)
	control := make(chan sttclient.ControlEvent, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(ctx, Inputs{
			Activity: activity,
			Finals:   finals,
			Control:  control,
		})
	}()

	activity <- vad.VADEvent{Type: vad.VADSpeechStart}
	time.Sleep(10 * time.Millisecond)
	if c.State() != StateUserSpeaking {
		t.Fatalf("state = %v, want UserSpeaking", c.State())
	}

	finals <- types.Transcript{UtteranceID: "u1", Text: "What's the weather like?", IsFinal: true}
	activity <- vad.VADEvent{Type: vad.VADSpeechEnd}

	deadline := time.After(time.Second)
	for c.State() != StateListening {
		select {
		case <-deadline:
			t.Fatalf("turn never completed, state stuck at %v", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if c.TurnCount() != 1 {
		t.Errorf("TurnCount = %d, want 1", c.TurnCount())
	}
	if len(sink.frames) == 0 {
		t.Error("expected synthesized audio frames to reach the sink")
	}

	turns := c.Turns()
	if len(turns) != 2 {
		t.Fatalf("Turns() returned %d entries, want 2 (user + agent)", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Text != "What's the weather like?" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != "agent" || turns[1].Interrupted {
		t.Errorf("agent turn = %+v", turns[1])
	}
	if turns[1].LLMFirstToken.IsZero() || turns[1].TTSFirstByte.IsZero() {
		t.Error("agent turn is missing stage timestamps")
	}

	cancel()
	<-runDone
}

func TestController_ShutdownDuringThinkingDoesNotDeadlock(t *testing.T) {
	// A stream that emits no chunk, so the turn is still in Thinking when
	// the context is cancelled.
	blockCh := make(chan llm.Chunk)
	provider := &blockingStreamProvider{ch: blockCh}
	c, _ := newTestController(t, provider)

	activity := make(chan vad.VADEvent, 4)
	finals := make(chan types.Transcript, 1)
	control := make(chan sttclient.ControlEvent, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(ctx, Inputs{Activity: activity, Finals: finals, Control: control})
	}()

	activity <- vad.VADEvent{Type: vad.VADSpeechStart}
	finals <- types.Transcript{UtteranceID: "u1", Text: "Tell me a long story.", IsFinal: true}
	activity <- vad.VADEvent{Type: vad.VADSpeechEnd}

	// The stream never emits a chunk, so the turn sits in Thinking. Verify
	// that cancelling ctx while a turn goroutine is in flight still lets Run
	// return promptly rather than deadlocking on the unclosed stream.
	time.Sleep(50 * time.Millisecond)
	close(blockCh)

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestController_BargeInDuringAgentSpeaking(t *testing.T) {
	chunks := make(chan llm.Chunk, 4)
	provider := &blockingStreamProvider{ch: chunks}
	c, _ := newTestController(t, provider)

	activity := make(chan vad.VADEvent, 4)
	finals := make(chan types.Transcript, 1)
	control := make(chan sttclient.ControlEvent, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(ctx, Inputs{Activity: activity, Finals: finals, Control: control})
	}()

	activity <- vad.VADEvent{Type: vad.VADSpeechStart}
	finals <- types.Transcript{UtteranceID: "u1", Text: "What's on my schedule today?", IsFinal: true}
	activity <- vad.VADEvent{Type: vad.VADSpeechEnd}

	chunks <- llm.Chunk{Text: "Let me check that for you. "}

	deadline := time.After(time.Second)
	for c.State() != StateAgentSpeaking {
		select {
		case <-deadline:
			t.Fatalf("never reached AgentSpeaking, stuck at %v", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A sustained VoiceActivityStarted with no matching End before the
	// confirm window elapses is a confirmed barge-in.
	activity <- vad.VADEvent{Type: vad.VADSpeechStart}

	deadline = time.After(time.Second)
	for c.State() != StateUserSpeaking {
		select {
		case <-deadline:
			t.Fatalf("barge-in never moved state to UserSpeaking, stuck at %v", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

// blockingStreamProvider implements llm.Provider, streaming from a
// caller-supplied channel so tests can control exactly when chunks arrive.
type blockingStreamProvider struct {
	ch chan llm.Chunk
}

func (b *blockingStreamProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return b.ch, nil
}

func (b *blockingStreamProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, nil
}

func (b *blockingStreamProvider) CountTokens(messages []types.Message) (int, error) {
	return 0, nil
}

func (b *blockingStreamProvider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{}
}
