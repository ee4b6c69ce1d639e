// Package audioingress is the stage worker sitting directly on the inbound
// side of the telephony socket: it runs voice activity detection on every
// frame as it arrives, smooths arrival jitter through an adaptive buffer,
// and forwards only the frames that belong to an utterance (plus a small
// leading-context window) to the STT Client, while emitting voice-activity
// and drop events to the rest of the call.
package audioingress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/pkg/audio"
	"github.com/voicecore/callcore/pkg/provider/vad"
	"github.com/voicecore/callcore/pkg/telephony"
)

const pacingInterval = 20 * time.Millisecond

// FrameSource is the subset of [telephony.Conn] this worker consumes. Tests
// substitute a fake.
type FrameSource interface {
	ReceiveFrame(ctx context.Context) (audio.AudioFrame, error)
}

var _ FrameSource = (*telephony.Conn)(nil)

// Config tunes the worker's VAD and jitter-buffer behaviour. Zero-valued
// fields fall back to the package defaults.
type Config struct {
	VADEngine vad.Engine

	JitterTarget int // ms
	JitterMin    int // ms
	JitterMax    int // ms

	PrerollWindowMs int
}

// Worker runs the receive/classify/pace pipeline for one call. Call Run in
// its own goroutine; read forwarded frames from Frames() until it's closed.
type Worker struct {
	source FrameSource
	bus    *eventbus.Bus
	callID string

	vadSession vad.SessionHandle
	jitter     *audio.JitterBuffer
	preroll    *audio.PrerollBuffer

	out      chan audio.AudioFrame
	activity chan vad.VADEvent

	forwarding atomic.Bool
}

// New creates an ingress worker reading from source for the named call.
func New(source FrameSource, bus *eventbus.Bus, callID string, cfg Config) (*Worker, error) {
	engine := cfg.VADEngine
	if engine == nil {
		engine = audio.NewEnergyZCRDetector()
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:  8000,
		FrameSizeMs: 20,
	})
	if err != nil {
		return nil, err
	}

	var jOpts []audio.JitterBufferOption
	if cfg.JitterTarget > 0 {
		jOpts = append(jOpts, audio.WithJitterTarget(cfg.JitterTarget))
	}
	if cfg.JitterMin > 0 || cfg.JitterMax > 0 {
		min, max := cfg.JitterMin, cfg.JitterMax
		if min == 0 {
			min = audio.DefaultJitterMinMs
		}
		if max == 0 {
			max = audio.DefaultJitterMaxMs
		}
		jOpts = append(jOpts, audio.WithJitterBounds(min, max))
	}

	prerollMs := cfg.PrerollWindowMs
	if prerollMs <= 0 {
		prerollMs = audio.DefaultPrerollMs
	}

	return &Worker{
		source:     source,
		bus:        bus,
		callID:     callID,
		vadSession: sess,
		jitter:     audio.NewJitterBuffer(jOpts...),
		preroll:    audio.NewPrerollBuffer(prerollMs),
		out:        make(chan audio.AudioFrame, 256),
		activity:   make(chan vad.VADEvent, 16),
	}, nil
}

// Frames returns the filtered stream forwarded to the STT Client: only
// frames from VoiceActivityStarted (inclusive, including the drained
// pre-roll window) through VoiceActivityEnded (exclusive).
func (w *Worker) Frames() <-chan audio.AudioFrame { return w.out }

// Activity returns the raw voice-activity-transition stream consumed
// directly by control-flow stages (STT Client utterance tracking, Turn
// Controller state transitions). This is separate from the Event Bus
// publish in receiveLoop: the bus is an observability sink that may drop
// events under load, while this channel is the control-flow primitive and
// must not lose transitions. Buffered; a stalled consumer blocks
// receiveLoop rather than silently losing a transition.
func (w *Worker) Activity() <-chan vad.VADEvent { return w.activity }

// Run drives the receive loop until ctx is cancelled or the source ends the
// stream, then closes Frames(). It is not safe to call Run more than once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.out)
	defer close(w.activity)
	defer w.vadSession.Close()

	pacer := time.NewTicker(pacingInterval)
	defer pacer.Stop()

	errCh := make(chan error, 1)
	go w.receiveLoop(ctx, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pacer.C:
			w.pump()
		}
	}
}

// receiveLoop pulls frames off the source as fast as they arrive, classifies
// each with the VAD session, and pushes them into the jitter buffer tagged
// with the classification so overrun handling can prefer dropping silence.
func (w *Worker) receiveLoop(ctx context.Context, errCh chan<- error) {
	for {
		frame, err := w.source.ReceiveFrame(ctx)
		if err != nil {
			errCh <- err
			return
		}

		ev, verr := w.vadSession.ProcessFrame(frame.Data)
		if verr != nil {
			errCh <- verr
			return
		}

		voiced := ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue

		switch ev.Type {
		case vad.VADSpeechStart:
			w.forwarding.Store(true)
			for _, pre := range w.preroll.Drain() {
				select {
				case w.out <- pre:
				default:
				}
			}
			w.publish(eventbus.Event{Kind: eventbus.VoiceActivityStarted, CallID: w.callID})
			select {
			case w.activity <- ev:
			case <-ctx.Done():
				return
			}
		case vad.VADSpeechEnd:
			w.forwarding.Store(false)
			w.publish(eventbus.Event{Kind: eventbus.VoiceActivityEnded, CallID: w.callID})
			select {
			case w.activity <- ev:
			case <-ctx.Done():
				return
			}
		}

		if !w.forwarding.Load() && ev.Type != vad.VADSpeechStart {
			w.preroll.Push(frame)
		}

		if dropped := w.jitter.Push(frame, voiced); dropped > 0 {
			w.publish(eventbus.Event{Kind: eventbus.IngressDrop, CallID: w.callID, Frames: dropped})
		}
	}
}

// pump runs on the 20ms pacing tick: pop one frame from the jitter buffer
// and forward it downstream if the worker is currently inside an utterance.
func (w *Worker) pump() {
	frame, ok := w.jitter.Pop()
	if !ok {
		w.jitter.MarkUnderrun()
		w.publish(eventbus.Event{Kind: eventbus.OutputUnderrun, CallID: w.callID})
		return
	}
	if !w.forwarding.Load() {
		return
	}
	select {
	case w.out <- frame:
	default:
		// STT consumer is behind; drop rather than block the pacing loop.
		w.publish(eventbus.Event{Kind: eventbus.IngressDrop, CallID: w.callID, Frames: 1})
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
