// Package turncontroller implements the per-call turn-taking state machine:
// it watches VAD activity and STT transcripts to decide when the caller has
// finished an utterance, picks a model tier, dispatches the LLM request,
// streams the reply to TTS, and handles barge-in when the caller talks over
// the agent.
//
// The state machine runs on a single goroutine selecting over its input
// channels; per-turn work (LLM dispatch, synthesis) runs on a child
// goroutine holding its own cancellable context so a barge-in can cut it
// off without touching the machine's own loop.
package turncontroller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicecore/callcore/internal/audioegress"
	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/internal/llmdispatch"
	"github.com/voicecore/callcore/internal/session"
	"github.com/voicecore/callcore/internal/sttclient"
	"github.com/voicecore/callcore/internal/tierselect"
	"github.com/voicecore/callcore/pkg/callerr"
	"github.com/voicecore/callcore/pkg/provider/llm"
	"github.com/voicecore/callcore/pkg/provider/vad"
	"github.com/voicecore/callcore/pkg/types"
)

// State is a conversation turn-taking state, per the call session's turn
// lifecycle.
type State int

const (
	StateGreeting State = iota
	StateListening
	StateUserSpeaking
	StateThinking
	StateAgentSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateThinking:
		return "thinking"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TierConfig names the model and output budget for one tier.
type TierConfig struct {
	ModelID   string
	MaxTokens int
}

// TierProviders binds each model tier to a resolved provider (typically a
// *resilience.LLMFallback so each tier gets its own failover chain) and its
// configuration.
type TierProviders struct {
	Fast, Mid, Heavy           llm.Provider
	FastCfg, MidCfg, HeavyCfg TierConfig
}

func (tp TierProviders) resolve(tier types.ModelTier) (llm.Provider, TierConfig) {
	switch tier {
	case types.TierHeavy:
		return tp.Heavy, tp.HeavyCfg
	case types.TierMid:
		return tp.Mid, tp.MidCfg
	default:
		return tp.Fast, tp.FastCfg
	}
}

// Config holds the per-call tunables the state machine needs.
type Config struct {
	// GreetingText, if non-empty, is spoken once at the start of the call
	// before the controller enters Listening.
	GreetingText string

	// FallbackUtteranceText is spoken when the LLM dispatch fails outright.
	FallbackUtteranceText string

	DefaultVoice types.VoiceProfile

	// SilenceTimeout is how long the controller waits for continued voice
	// activity in UserSpeaking before giving up and returning to Listening.
	// Defaults to 8s.
	SilenceTimeout time.Duration

	// UtteranceLostGrace is how long the controller waits for a final
	// transcript after an utterance closes before declaring it lost.
	// Defaults to 5s.
	UtteranceLostGrace time.Duration

	// BargeInConfirmWindow is how long a VoiceActivityStarted during
	// AgentSpeaking must persist before it is treated as a real barge-in
	// rather than spillover. Defaults to 100ms.
	BargeInConfirmWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 8 * time.Second
	}
	if c.UtteranceLostGrace <= 0 {
		c.UtteranceLostGrace = 5 * time.Second
	}
	if c.BargeInConfirmWindow <= 0 {
		c.BargeInConfirmWindow = 100 * time.Millisecond
	}
	return c
}

// Inputs bundles the channels the controller drives its state machine from.
// All are owned by other stage workers; the controller never closes them.
type Inputs struct {
	Activity <-chan vad.VADEvent
	Interims <-chan types.Transcript
	Finals   <-chan types.Transcript
	Control  <-chan sttclient.ControlEvent
}

// pendingUtterance tracks the in-flight user utterance between VAD/STT
// signals and the moment the controller has enough text to dispatch.
type pendingUtterance struct {
	id              string
	closed          bool
	haveFinal       bool
	finalText       string
	bestInterimText string
	bestInterimConf float64
}

type turnOutcome struct {
	interrupted bool
	failed      bool
	tokensIn    int
	tokensOut   int
}

// Controller runs one call's turn-taking state machine. One Controller per
// call; Run blocks until ctx is cancelled or a fatal error occurs.
type Controller struct {
	callID     string
	bus        *eventbus.Bus
	cfg        Config
	tiers      TierProviders
	selector   *tierselect.Selector
	dispatcher *llmdispatch.Dispatcher
	egress     *audioegress.Worker
	assembler  *ContextAssembler
	history    *session.ContextManager

	mu            sync.Mutex
	state         State
	turnCount     int
	turns         []types.ConversationTurn
	stopRequested bool
}

// New creates a Controller. If cfg.GreetingText is empty the controller
// starts directly in StateListening.
func New(callID string, bus *eventbus.Bus, dispatcher *llmdispatch.Dispatcher, egress *audioegress.Worker, assembler *ContextAssembler, history *session.ContextManager, tiers TierProviders, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	initial := StateListening
	if cfg.GreetingText != "" {
		initial = StateGreeting
	}
	return &Controller{
		callID:     callID,
		bus:        bus,
		cfg:        cfg,
		tiers:      tiers,
		selector:   tierselect.NewSelector(),
		dispatcher: dispatcher,
		egress:     egress,
		assembler:  assembler,
		history:    history,
		state:      initial,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TurnCount returns how many agent turns have completed so far.
func (c *Controller) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnCount
}

// Turns returns a copy of the conversation turn log recorded so far. Each
// entry carries the stage timestamps and token counts of one closed turn.
func (c *Controller) Turns() []types.ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ConversationTurn(nil), c.turns...)
}

func (c *Controller) recordTurn(t types.ConversationTurn) {
	t.ID = uuid.NewString()
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
}

// RequestStop asks the controller to return from Run as soon as the current
// turn (if any) finishes, instead of looping back to Listening. Used by the
// call session to drain gracefully on end-of-call or deadline expiry rather
// than cutting off mid-sentence.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

func (c *Controller) publish(ev eventbus.Event) {
	if c.bus == nil {
		return
	}
	ev.CallID = c.callID
	ev.Timestamp = time.Now()
	c.bus.Publish(ev)
}

// Run drives the state machine until ctx is cancelled. It returns nil on a
// graceful stop (see RequestStop) and ctx.Err() on cancellation.
func (c *Controller) Run(ctx context.Context, in Inputs) error {
	var (
		pending    *pendingUtterance
		turnDone   chan turnOutcome
		cancelTurn context.CancelFunc

		bargeArmed bool
		bargeTimer *time.Timer
		graceTimer *time.Timer

		bargeTimerC <-chan time.Time
		graceTimerC <-chan time.Time
	)

	silenceTimer := time.NewTimer(c.cfg.SilenceTimeout)
	silenceTimer.Stop()
	var silenceTimerC <-chan time.Time

	stopTimer := func(t *time.Timer) {
		if t == nil {
			return
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
	}
	defer stopTimer(silenceTimer)
	defer stopTimer(bargeTimer)
	defer stopTimer(graceTimer)

	if c.state == StateGreeting {
		turnDone, cancelTurn = c.startGreeting(ctx)
	}

	enterUserSpeaking := func() {
		c.setState(StateUserSpeaking)
		pending = &pendingUtterance{}
		silenceTimer.Reset(c.cfg.SilenceTimeout)
		silenceTimerC = silenceTimer.C
	}

	closeUtterance := func() {
		if pending == nil || pending.closed {
			return
		}
		pending.closed = true
		stopTimer(silenceTimer)
		silenceTimerC = nil

		if pending.haveFinal {
			turnDone, cancelTurn = c.startAgentTurn(ctx, pending.finalText)
			pending = nil
			return
		}
		graceTimer = time.NewTimer(c.cfg.UtteranceLostGrace)
		graceTimerC = graceTimer.C
	}

	for {
		if c.stopping() && turnDone == nil {
			c.setState(StateEnded)
			return nil
		}

		select {
		case <-ctx.Done():
			if cancelTurn != nil {
				cancelTurn()
			}
			return ctx.Err()

		case ev, ok := <-in.Activity:
			if !ok {
				in.Activity = nil
				continue
			}
			switch c.State() {
			case StateListening:
				if ev.Type == vad.VADSpeechStart {
					enterUserSpeaking()
				}
			case StateUserSpeaking:
				switch ev.Type {
				case vad.VADSpeechStart:
					silenceTimer.Reset(c.cfg.SilenceTimeout)
				case vad.VADSpeechEnd:
					closeUtterance()
				}
			case StateGreeting, StateAgentSpeaking:
				switch ev.Type {
				case vad.VADSpeechStart:
					if !bargeArmed {
						bargeArmed = true
						bargeTimer = time.NewTimer(c.cfg.BargeInConfirmWindow)
						bargeTimerC = bargeTimer.C
					}
				case vad.VADSpeechEnd:
					if bargeArmed {
						bargeArmed = false
						stopTimer(bargeTimer)
						bargeTimerC = nil
					}
				}
			}

		case <-bargeTimerC:
			bargeArmed = false
			bargeTimerC = nil
			if cancelTurn != nil {
				cancelTurn()
			}
			c.egress.Cancel()
			enterUserSpeaking()

		case tr, ok := <-in.Interims:
			if !ok {
				in.Interims = nil
				continue
			}
			if pending != nil && (pending.id == "" || pending.id == tr.UtteranceID) {
				if tr.Confidence > pending.bestInterimConf {
					pending.bestInterimText = tr.Text
					pending.bestInterimConf = tr.Confidence
				}
			}

		case tr, ok := <-in.Finals:
			if !ok {
				in.Finals = nil
				continue
			}
			if pending != nil && (pending.id == "" || pending.id == tr.UtteranceID) {
				pending.id = tr.UtteranceID
				pending.haveFinal = true
				pending.finalText = tr.Text
				if pending.closed {
					stopTimer(graceTimer)
					graceTimerC = nil
					turnDone, cancelTurn = c.startAgentTurn(ctx, pending.finalText)
					pending = nil
				}
			}

		case ce, ok := <-in.Control:
			if !ok {
				in.Control = nil
				continue
			}
			switch ce.Kind {
			case sttclient.ControlSpeechStarted:
				if c.State() == StateListening {
					enterUserSpeaking()
				}
				if pending != nil && pending.id == "" {
					pending.id = ce.UtteranceID
				}
			case sttclient.ControlUtteranceEnd:
				if pending != nil && pending.id == "" {
					pending.id = ce.UtteranceID
				}
				closeUtterance()
			}

		case <-silenceTimerC:
			silenceTimerC = nil
			c.publish(eventbus.Event{Kind: eventbus.UserSilent, Reason: "silence_timeout"})
			pending = nil
			c.setState(StateListening)

		case <-graceTimerC:
			graceTimerC = nil
			c.publish(eventbus.Event{Kind: eventbus.UtteranceLost})
			if pending != nil && pending.bestInterimText != "" {
				turnDone, cancelTurn = c.startAgentTurn(ctx, pending.bestInterimText)
			} else {
				c.setState(StateListening)
			}
			pending = nil

		case outcome, ok := <-turnDone:
			if !ok {
				continue
			}
			turnDone = nil
			cancelTurn = nil
			if outcome.interrupted {
				// The barge-in handler already moved to UserSpeaking.
				continue
			}
			c.setState(StateListening)
		}
	}
}

// startGreeting speaks cfg.GreetingText as the call's opening agent turn.
func (c *Controller) startGreeting(parent context.Context) (chan turnOutcome, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(parent)
	done := make(chan turnOutcome, 1)

	c.publish(eventbus.Event{Kind: eventbus.TurnOpened})

	go func() {
		greetingCh := make(chan string, 1)
		greetingCh <- c.cfg.GreetingText
		close(greetingCh)

		result, err := c.egress.Speak(turnCtx, greetingCh, c.cfg.DefaultVoice)
		interrupted := result.Interrupted || (err != nil && errors.Is(err, context.Canceled))
		if err != nil && !interrupted {
			slog.Warn("greeting synthesis failed", "call_id", c.callID, "error", err)
		}
		turn := types.ConversationTurn{
			Role:         "agent",
			Text:         c.cfg.GreetingText,
			TTSFirstByte: result.FirstByteAt,
			TTSLastByte:  result.LastByteAt,
			Interrupted:  interrupted,
		}
		if interrupted {
			turn.InterruptedAt = time.Now()
		}
		c.recordTurn(turn)
		c.publish(eventbus.Event{Kind: eventbus.TurnClosed, Interrupted: interrupted})
		done <- turnOutcome{interrupted: interrupted}
	}()

	return done, cancel
}

// startAgentTurn runs one full user-turn: tier selection, context assembly,
// LLM dispatch, and speech synthesis. It returns immediately; completion (or
// barge-in interruption) is reported on the returned channel.
func (c *Controller) startAgentTurn(parent context.Context, userText string) (chan turnOutcome, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(parent)
	done := make(chan turnOutcome, 1)

	c.setState(StateThinking)

	go func() {
		userEnd := time.Now()
		c.recordTurn(types.ConversationTurn{Role: "user", Text: userText, UserEnd: userEnd})

		tier, score := c.selector.Select(tierselect.Input{
			Text:         userText,
			HistoryTurns: c.historyTurnCount(),
		})
		provider, tierCfg := c.tiers.resolve(tier)
		slog.Debug("model tier selected", "call_id", c.callID, "tier", tier.String(), "score", score)
		c.publish(eventbus.Event{Kind: eventbus.ModelSelected, Tier: tier.String()})

		req, err := c.assembler.Assemble(turnCtx, c.State().String(), userText, tierCfg)
		if err != nil {
			slog.Error("context assembly failed", "call_id", c.callID, "error", err)
			outcome := c.speakFallback(turnCtx)
			done <- outcome
			return
		}

		_ = c.history.AddMessages(turnCtx, types.Message{Role: "user", Content: userText})

		dispatchResult, speakResult, failed := c.runLLMTurn(turnCtx, provider, req, tierCfg)
		interrupted := turnCtx.Err() != nil || speakResult.Interrupted

		if !failed && !interrupted && dispatchResult.Text != "" {
			_ = c.history.AddMessages(turnCtx, types.Message{Role: "assistant", Content: dispatchResult.Text})
		}

		agentTurn := types.ConversationTurn{
			Role:          "agent",
			Text:          dispatchResult.Text,
			UserEnd:       userEnd,
			LLMFirstToken: dispatchResult.FirstTokenAt,
			LLMLastToken:  dispatchResult.LastTokenAt,
			TTSFirstByte:  speakResult.FirstByteAt,
			TTSLastByte:   speakResult.LastByteAt,
			ModelID:       tierCfg.ModelID,
			TokensIn:      dispatchResult.TokensIn,
			TokensOut:     dispatchResult.TokensOut,
			Interrupted:   interrupted,
		}
		if interrupted {
			agentTurn.InterruptedAt = time.Now()
		}
		c.recordTurn(agentTurn)

		c.incrementTurnCount()
		c.publish(eventbus.Event{Kind: eventbus.TurnClosed, Interrupted: interrupted, TokensOut: dispatchResult.TokensOut})
		done <- turnOutcome{interrupted: interrupted, failed: failed, tokensOut: dispatchResult.TokensOut}
	}()

	return done, cancel
}

// runLLMTurn streams the dispatcher's sentences straight into TTS, falling
// back to a canned utterance when the dispatch fails (after any retry). A
// retryable dispatch failure gets one immediate second attempt, but only
// while no audio has been spoken yet — retrying a half-spoken reply would
// make the agent repeat itself.
func (c *Controller) runLLMTurn(ctx context.Context, provider llm.Provider, req llm.CompletionRequest, tierCfg TierConfig) (llmdispatch.Result, audioegress.Result, bool) {
	onFirstToken := func() {
		c.setState(StateAgentSpeaking)
		c.publish(eventbus.Event{Kind: eventbus.TurnOpened, Tier: tierCfg.ModelID})
	}

	attempt := func() (llmdispatch.Result, audioegress.Result, error) {
		sentCh := make(chan string, 8)

		var dispatchResult llmdispatch.Result
		var dispatchErr error
		var speakResult audioegress.Result
		var speakErr error

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(sentCh)
			dispatchResult, dispatchErr = c.dispatcher.Dispatch(ctx, provider, req, sentCh, onFirstToken)
		}()
		go func() {
			defer wg.Done()
			speakResult, speakErr = c.egress.Speak(ctx, sentCh, c.cfg.DefaultVoice)
		}()
		wg.Wait()
		_ = speakErr

		return dispatchResult, speakResult, dispatchErr
	}

	dispatchResult, speakResult, dispatchErr := attempt()
	if dispatchErr != nil && ctx.Err() == nil && speakResult.BytesSent == 0 {
		if ce, ok := callerr.As(dispatchErr); ok && ce.Kind.Retryable() {
			slog.Warn("llm dispatch failed, retrying once", "call_id", c.callID, "error", dispatchErr)
			dispatchResult, speakResult, dispatchErr = attempt()
		}
	}

	failed := dispatchErr != nil && ctx.Err() == nil
	if failed {
		c.publish(eventbus.Event{Kind: eventbus.TurnFailed, Reason: "llm"})
		c.setState(StateAgentSpeaking)
		c.publish(eventbus.Event{Kind: eventbus.TurnOpened, Tier: "fallback"})
		fallback := make(chan string, 1)
		fallback <- c.cfg.FallbackUtteranceText
		close(fallback)
		speakResult, _ = c.egress.Speak(ctx, fallback, c.cfg.DefaultVoice)
	}

	return dispatchResult, speakResult, failed
}

func (c *Controller) speakFallback(ctx context.Context) turnOutcome {
	c.setState(StateAgentSpeaking)
	c.publish(eventbus.Event{Kind: eventbus.TurnOpened, Tier: "fallback"})
	fallback := make(chan string, 1)
	fallback <- c.cfg.FallbackUtteranceText
	close(fallback)
	result, err := c.egress.Speak(ctx, fallback, c.cfg.DefaultVoice)
	interrupted := result.Interrupted || ctx.Err() != nil
	_ = err
	c.publish(eventbus.Event{Kind: eventbus.TurnClosed, Interrupted: interrupted})
	return turnOutcome{interrupted: interrupted, failed: true}
}

func (c *Controller) incrementTurnCount() {
	c.mu.Lock()
	c.turnCount++
	c.mu.Unlock()
}

func (c *Controller) historyTurnCount() int {
	// Each completed turn contributes a user and an assistant message.
	return len(c.history.Messages()) / 2
}
