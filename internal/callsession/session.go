// Package callsession is the Call Supervisor & Session: one supervised
// actor-tree per active call, wiring the Telephony Transport, Audio Ingress,
// STT Client, Turn Controller, and Audio Egress stage workers together and
// restarting any of them within a bounded budget when it fails with a
// retryable [callerr.Error], rather than tearing down the whole call.
//
// New wires every stage worker synchronously, Run fans the stage workers
// out into goroutines and waits on the call context, and Shutdown is a
// sync.Once-guarded close of the underlying connection.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicecore/callcore/internal/audioegress"
	"github.com/voicecore/callcore/internal/audioingress"
	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/internal/llmdispatch"
	"github.com/voicecore/callcore/internal/session"
	"github.com/voicecore/callcore/internal/sttclient"
	"github.com/voicecore/callcore/internal/transcript"
	"github.com/voicecore/callcore/internal/transcript/phonetic"
	"github.com/voicecore/callcore/internal/turncontroller"
	"github.com/voicecore/callcore/pkg/callerr"
	"github.com/voicecore/callcore/pkg/provider/stt/telephonystt"
	"github.com/voicecore/callcore/pkg/provider/tts"
	"github.com/voicecore/callcore/pkg/telephony"
	"github.com/voicecore/callcore/pkg/types"
)

// defaultShutdownGrace is the grace RequestStop uses when it is called with
// a non-positive grace: how long the Turn Controller may keep finishing its
// sentence before the telephony connection is closed.
const defaultShutdownGrace = 1500 * time.Millisecond

// deadlineDrainGrace bounds outbound audio after the hard call deadline:
// the current sentence may finish, but no frame is written more than this
// long past expiry.
const deadlineDrainGrace = 500 * time.Millisecond

// Config bundles everything a Session needs to run one call, independent of
// any particular caller (Supervisor wires it once from the loaded
// configuration and reuses it across every accepted call).
type Config struct {
	STT  telephonystt.Config
	TTS  tts.Provider

	Tiers turncontroller.TierProviders

	GreetingText          string
	SystemPreamble        string
	FallbackUtteranceText string
	DefaultVoice          types.VoiceProfile
	VocabularyFetch       turncontroller.VocabularyFetcher

	// Vocabulary, when non-empty, enables the phonetic transcript-correction
	// pass on final transcripts before the Turn Controller sees them.
	Vocabulary []string

	SilenceTimeout       time.Duration
	UtteranceLostGrace   time.Duration
	BargeInConfirmWindow time.Duration
	MaxCallSeconds       int

	HistoryMaxTokens int
	Summariser       session.Summariser

	Jitter audioingress.Config
}

// Session owns one call end to end. Create with New, run with Run, and tear
// down with Shutdown (Run returning does not release resources by itself).
type Session struct {
	callID string
	bus    *eventbus.Bus

	conn    *telephony.Conn
	ingress *audioingress.Worker
	stt     *sttclient.Worker
	egress  *audioegress.Worker
	ctrl    *turncontroller.Controller
	history *session.ContextManager

	corrector transcript.Pipeline
	vocab     []string

	maxCall     time.Duration
	deadlineHit atomic.Bool

	stopOnce sync.Once

	startedAt time.Time
}

// New wires one call's full stage-worker tree. conn must already have
// completed [telephony.Conn.WaitForStart].
func New(callID string, conn *telephony.Conn, bus *eventbus.Bus, cfg Config) (*Session, error) {
	ingress, err := audioingress.New(conn, bus, callID, cfg.Jitter)
	if err != nil {
		return nil, fmt.Errorf("callsession: audio ingress: %w", err)
	}

	sttWorker := sttclient.New(nil, cfg.STT, bus, callID)

	egress := audioegress.New(cfg.TTS, conn, bus, callID, cfg.DefaultVoice)

	history := session.NewContextManager(session.ContextManagerConfig{
		MaxTokens:  cfg.HistoryMaxTokens,
		Summariser: cfg.Summariser,
	})
	assembler := turncontroller.NewContextAssembler(history, cfg.SystemPreamble, cfg.VocabularyFetch)
	dispatcher := llmdispatch.New(bus, callID)

	ctrl := turncontroller.New(callID, bus, dispatcher, egress, assembler, history, cfg.Tiers, turncontroller.Config{
		GreetingText:          cfg.GreetingText,
		FallbackUtteranceText: cfg.FallbackUtteranceText,
		DefaultVoice:          cfg.DefaultVoice,
		SilenceTimeout:        cfg.SilenceTimeout,
		UtteranceLostGrace:    cfg.UtteranceLostGrace,
		BargeInConfirmWindow:  cfg.BargeInConfirmWindow,
	})

	s := &Session{
		callID:  callID,
		bus:     bus,
		conn:    conn,
		ingress: ingress,
		stt:     sttWorker,
		egress:  egress,
		ctrl:    ctrl,
		history: history,
		maxCall: time.Duration(cfg.MaxCallSeconds) * time.Second,
	}
	if len(cfg.Vocabulary) > 0 {
		// Phonetic stage only: the LLM correction pass would put a model
		// round-trip on the finals path, ahead of every dispatch.
		s.corrector = transcript.NewPipeline(transcript.WithPhoneticMatcher(phonetic.New()))
		s.vocab = cfg.Vocabulary
	}
	return s, nil
}

// Run drives every stage worker until ctx is cancelled or a stage worker
// fails fatally. It returns the fatal error, if any; a clean ctx
// cancellation returns ctx.Err().
//
// Each long-running worker is run under runSupervised so a stage that fails
// with a retryable [callerr.Error] is restarted in place (a StageRestarted
// event is published) rather than ending the call, up to a bounded budget.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	s.publish(eventbus.Event{Kind: eventbus.CallStarted, CallID: s.callID})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Hard wall-clock cap: the controller finishes the sentence in flight,
	// then the connection closes after the drain grace.
	if s.maxCall > 0 {
		deadline := time.AfterFunc(s.maxCall, func() {
			s.deadlineHit.Store(true)
			slog.Info("hard call deadline reached", "call_id", s.callID, "max_call", s.maxCall)
			s.RequestStop(deadlineDrainGrace)
		})
		defer deadline.Stop()
	}

	src := newIngressFrameSource(s.ingress)

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	runStage := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runSupervised(ctx, fn, func(cause error) {
				s.publish(eventbus.Event{Kind: eventbus.StageRestarted, CallID: s.callID, Stage: name, Cause: cause.Error()})
				slog.Warn("stage restarted", "call_id", s.callID, "stage", name, "cause", cause)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("callsession: %s: %w", name, err)
			}
		}()
	}

	finals := s.stt.Finals()
	if s.corrector != nil {
		finals = s.correctedFinals(ctx, finals)
	}

	runStage("audio_ingress", s.ingress.Run)
	runStage("stt_client", func(ctx context.Context) error { return s.stt.Run(ctx, src) })
	runStage("turn_controller", func(ctx context.Context) error {
		return s.ctrl.Run(ctx, turncontroller.Inputs{
			Activity: s.ingress.Activity(),
			Interims: s.stt.Interims(),
			Finals:   finals,
			Control:  s.stt.Control(),
		})
	})

	go s.watchDTMF(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errs:
		runErr = err
		cancel()
	}

	wg.Wait()

	s.publish(eventbus.Event{
		Kind:       eventbus.CallEnded,
		CallID:     s.callID,
		Reason:     s.endReason(runErr),
		DurationMs: time.Since(s.startedAt).Milliseconds(),
		TurnCount:  s.ctrl.TurnCount(),
	})
	return runErr
}

// correctedFinals applies the phonetic vocabulary correction to each final
// transcript before the Turn Controller consumes it. A correction failure
// passes the transcript through unmodified — correction is an enrichment,
// never a gate.
func (s *Session) correctedFinals(ctx context.Context, in <-chan types.Transcript) <-chan types.Transcript {
	out := make(chan types.Transcript, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tr, ok := <-in:
				if !ok {
					return
				}
				if res, err := s.corrector.Correct(ctx, tr, s.vocab); err == nil && res.Corrected != "" {
					tr.Text = res.Corrected
				}
				select {
				case out <- tr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// watchDTMF drains DTMF digits for the lifetime of the call. The Turn
// Controller has no DTMF-driven behaviour in this release; digits are
// published to the event bus for downstream observability only.
func (s *Session) watchDTMF(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-s.conn.DTMF():
			if !ok {
				return
			}
			s.publish(eventbus.Event{Kind: eventbus.DTMFReceived, CallID: s.callID, Reason: d.Digit})
		}
	}
}

// RequestStop asks the Turn Controller to finish its current sentence and
// return to Listening without opening a new turn, then closes the telephony
// connection once grace elapses, which ends the call.
func (s *Session) RequestStop(grace time.Duration) {
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	s.ctrl.RequestStop()
	time.AfterFunc(grace, func() {
		s.conn.Close()
	})
}

// Shutdown closes the underlying telephony connection and releases call
// resources. Idempotent.
func (s *Session) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *Session) publish(ev eventbus.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

func (s *Session) endReason(err error) string {
	if s.deadlineHit.Load() {
		return "deadline"
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return "normal"
	}
	if ce, ok := callerr.As(err); ok {
		return ce.Kind.String()
	}
	if errors.Is(err, telephony.EndOfStream) {
		return "normal"
	}
	return err.Error()
}
