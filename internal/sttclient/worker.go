// Package sttclient is the stage worker that owns the persistent duplex STT
// session for one call: it pushes every frame the Audio Ingress forwards,
// tracks utterance boundaries across interim/final transcripts, reconnects
// with bounded exponential backoff on disconnect (carrying the current
// utterance id and pending-sentence state across the reconnect), and
// surfaces turn-control signals (SpeechStarted, UtteranceEnd) plus
// transcript events to the rest of the call.
//
// Reconnects back off at 100ms, 200ms, 400ms... capped at 2s, for at most
// five attempts; the health state telephonystt.Session.Health exposes can
// trigger a reconnect even while the transport itself still looks alive.
package sttclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/pkg/callerr"
	"github.com/voicecore/callcore/pkg/provider/stt/telephonystt"
	"github.com/voicecore/callcore/pkg/types"
)

const (
	healthPollInterval = 1 * time.Second
	maxReconnectTries  = 5
	reconnectBaseDelay = 100 * time.Millisecond
	reconnectCapDelay  = 2 * time.Second

	// speculativeMinConfidence / speculativeMinLen gate the pre-allocation-only
	// early-LLM warm-up hook.
	speculativeMinConfidence = 0.85
	speculativeMinLen        = 10
)

// Dialer opens a new provider session. Tests substitute a fake; production
// wires telephonystt.Dial.
type Dialer func(ctx context.Context, cfg telephonystt.Config) (Session, error)

// Session is the capability set this worker needs from a live STT
// connection, rather than coupling to the concrete telephonystt.Session
// type.
type Session interface {
	SendAudio(chunk []byte) error
	Messages() <-chan telephonystt.Message
	Health() telephonystt.HealthState
	Err() error
	Close() error
}

var _ Session = (*telephonystt.Session)(nil)

func defaultDialer(ctx context.Context, cfg telephonystt.Config) (Session, error) {
	return telephonystt.Dial(ctx, cfg)
}

// FrameSource supplies the filtered audio stream from Audio Ingress.
type FrameSource interface {
	Recv(ctx context.Context) ([]byte, bool)
}

// Worker drives one call's STT session end-to-end.
type Worker struct {
	dial   Dialer
	cfg    telephonystt.Config
	bus    *eventbus.Bus
	callID string

	// WarmUp is called at most once per utterance when a qualifying
	// high-confidence, sufficiently long interim arrives. It must only
	// pre-allocate resources (e.g. warm a connection pool) and must never
	// issue an actual LLM request: the final may differ from the interim,
	// and a speculative dispatch would double the model calls for the turn.
	WarmUp func(utteranceID, text string)

	interims chan types.Transcript
	finals   chan types.Transcript
	control  chan ControlEvent

	utteranceID   string
	warmedUp      bool
	bestInterim   types.Transcript
	reconnects    int
}

// ControlEventKind mirrors the provider signals the Turn Controller consumes
// directly (distinct from the Event Bus, which is an observability sink the
// Turn Controller's control flow must not depend on).
type ControlEventKind int

const (
	ControlSpeechStarted ControlEventKind = iota
	ControlUtteranceEnd
	ControlUtteranceLost
)

// ControlEvent is a turn-control signal derived from STT provider messages.
type ControlEvent struct {
	Kind        ControlEventKind
	UtteranceID string
}

// New creates a Worker. dial defaults to telephonystt.Dial when nil.
func New(dial Dialer, cfg telephonystt.Config, bus *eventbus.Bus, callID string) *Worker {
	if dial == nil {
		dial = defaultDialer
	}
	return &Worker{
		dial:     dial,
		cfg:      cfg,
		bus:      bus,
		callID:   callID,
		interims: make(chan types.Transcript, 32),
		finals:   make(chan types.Transcript, 8),
		control:  make(chan ControlEvent, 8),
	}
}

// Interims returns the channel of interim (non-authoritative) transcripts.
func (w *Worker) Interims() <-chan types.Transcript { return w.interims }

// Finals returns the channel of authoritative transcripts.
func (w *Worker) Finals() <-chan types.Transcript { return w.finals }

// Control returns the channel of turn-control signals.
func (w *Worker) Control() <-chan ControlEvent { return w.control }

// Run pushes frames from src to the STT session and routes inbound messages
// until ctx is cancelled, the source closes, or reconnection is exhausted
// (in which case it returns a fatal [callerr.Error] for the supervisor to
// escalate).
func (w *Worker) Run(ctx context.Context, src FrameSource) error {
	defer close(w.interims)
	defer close(w.finals)
	defer close(w.control)

	sess, err := w.connect(ctx)
	if err != nil {
		return callerr.New(callerr.STTConnectError, "sttclient", err)
	}
	defer sess.Close()

	for {
		msgErr := w.driveSession(ctx, src, sess)
		if msgErr == nil {
			return nil // ctx cancelled or source exhausted cleanly
		}

		var ce *callerr.Error
		if errors.As(msgErr, &ce) && ce.Kind == callerr.STTAuthError {
			return msgErr // fatal, no reconnect
		}

		sess.Close()
		sess, err = w.reconnectWithBackoff(ctx)
		if err != nil {
			return callerr.New(callerr.STTConnectError, "sttclient", err)
		}
		w.publish(eventbus.Event{Kind: eventbus.STTReconnected, CallID: w.callID})
	}
}

func (w *Worker) connect(ctx context.Context) (Session, error) {
	return w.dial(ctx, w.cfg)
}

// reconnectWithBackoff retries at 100ms, 200ms, 400ms, ... capped at 2s,
// up to 5 attempts. State carryover
// (utterance id, best-interim buffer) is preserved on the Worker itself —
// nothing here resets it.
func (w *Worker) reconnectWithBackoff(ctx context.Context) (Session, error) {
	delay := reconnectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxReconnectTries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		sess, err := w.connect(ctx)
		if err == nil {
			w.reconnects++
			return sess, nil
		}
		lastErr = err
		slog.Warn("stt reconnect attempt failed", "call_id", w.callID, "attempt", attempt, "error", err)

		delay *= 2
		if delay > reconnectCapDelay {
			delay = reconnectCapDelay
		}
	}
	return nil, lastErr
}

// driveSession pumps frames from src to sess and messages from sess to the
// worker's output channels until either side ends or errors. A non-nil
// return means the session needs to be reconnected (or is fatal).
func (w *Worker) driveSession(ctx context.Context, src FrameSource, sess Session) error {
	health := time.NewTicker(healthPollInterval)
	defer health.Stop()

	frameDone := make(chan struct{})
	go func() {
		defer close(frameDone)
		for {
			chunk, ok := src.Recv(ctx)
			if !ok {
				return
			}
			if err := sess.SendAudio(chunk); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-frameDone:
			return nil

		case <-health.C:
			if sess.Health() == telephonystt.Unhealthy {
				return callerr.New(callerr.STTConnectError, "sttclient", errors.New("session unhealthy"))
			}

		case msg, ok := <-sess.Messages():
			if !ok {
				if err := sess.Err(); err != nil {
					return callerr.New(callerr.STTConnectError, "sttclient", err)
				}
				return nil
			}
			if err := w.handleMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg telephonystt.Message) error {
	switch msg.Kind {
	case telephonystt.KindSpeechStarted:
		w.utteranceID = uuid.NewString()
		w.warmedUp = false
		w.bestInterim = types.Transcript{}
		w.sendControl(ctx, ControlEvent{Kind: ControlSpeechStarted, UtteranceID: w.utteranceID})

	case telephonystt.KindResults:
		tr := msg.ToTranscript(w.utteranceID)
		tr.Language = w.cfg.LanguageHint

		if !msg.IsFinal {
			if tr.Confidence > w.bestInterim.Confidence {
				w.bestInterim = tr
			}
			w.maybeWarmUp(tr)
			w.publish(eventbus.Event{Kind: eventbus.TranscriptInterim, CallID: w.callID, UtteranceID: tr.UtteranceID, Text: tr.Text})
			w.send(ctx, w.interims, tr)
			return nil
		}

		if tr.Text == "" {
			return nil // empty final text never opens a turn
		}
		w.publish(eventbus.Event{Kind: eventbus.TranscriptFinal, CallID: w.callID, UtteranceID: tr.UtteranceID, Text: tr.Text})
		w.send(ctx, w.finals, tr)
		if msg.SpeechFinal {
			w.closeUtterance(ctx, tr.UtteranceID)
		}

	case telephonystt.KindUtteranceEnd:
		w.closeUtterance(ctx, w.utteranceID)

	case telephonystt.KindError:
		return classifyProviderError(msg.Detail)

	case telephonystt.KindWarning, telephonystt.KindMetadata:
		// Observability only.
	}
	return nil
}

// classifyProviderError maps a provider error message onto the taxonomy:
// auth and quota failures are fatal (no reconnect can fix a bad key), while
// everything else is a retryable protocol error.
func classifyProviderError(detail string) error {
	lower := strings.ToLower(detail)
	for _, fatal := range []string{"auth", "credential", "api key", "quota", "forbidden", "unauthorized"} {
		if strings.Contains(lower, fatal) {
			return callerr.New(callerr.STTAuthError, "sttclient", errors.New(detail))
		}
	}
	return callerr.New(callerr.STTProtocolError, "sttclient", errors.New(detail))
}

func (w *Worker) closeUtterance(ctx context.Context, utteranceID string) {
	if utteranceID == "" {
		return
	}
	w.sendControl(ctx, ControlEvent{Kind: ControlUtteranceEnd, UtteranceID: utteranceID})
	w.utteranceID = ""
}

// maybeWarmUp fires the pre-allocation-only speculative hook once per
// utterance when confidence and length clear the qualifying thresholds.
func (w *Worker) maybeWarmUp(tr types.Transcript) {
	if w.warmedUp || w.WarmUp == nil {
		return
	}
	if tr.Confidence >= speculativeMinConfidence && len(tr.Text) >= speculativeMinLen {
		w.warmedUp = true
		w.WarmUp(tr.UtteranceID, tr.Text)
	}
}

func (w *Worker) send(ctx context.Context, ch chan<- types.Transcript, tr types.Transcript) {
	select {
	case ch <- tr:
	case <-ctx.Done():
	}
}

func (w *Worker) sendControl(ctx context.Context, ev ControlEvent) {
	select {
	case w.control <- ev:
	case <-ctx.Done():
	}
}

func (w *Worker) publish(ev eventbus.Event) {
	if w.bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	w.bus.Publish(ev)
}
