// Package audioegress is the TTS Client & Audio Egress stage worker: it
// turns the sentence stream the Turn Controller/LLM Dispatcher hand it into
// paced 20ms μ-law frames written to the telephony socket, bounding the
// outbound queue to 500ms and flushing it down to a single in-flight frame
// the instant a barge-in cancel arrives. A call carries a single agent
// voice at a time, so there is one Speak in flight at most and no mixing.
package audioegress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/pkg/audio"
	"github.com/voicecore/callcore/pkg/callerr"
	"github.com/voicecore/callcore/pkg/provider/tts"
	"github.com/voicecore/callcore/pkg/types"
)

const (
	frameInterval   = 20 * time.Millisecond
	frameBytes      = 160
	maxQueuedMs     = 500
	maxQueuedFrames = maxQueuedMs / 20
)

// FrameSink is the outbound half of the telephony socket this worker writes
// to. Tests substitute a fake.
type FrameSink interface {
	SendFrame(ctx context.Context, frame audio.AudioFrame) error
	Clear() error
}

// Result describes how one Speak call ended.
type Result struct {
	Interrupted bool
	BytesSent   int

	// FirstByteAt / LastByteAt bound the frames actually written to the
	// sink. Zero when nothing was ever sent.
	FirstByteAt time.Time
	LastByteAt  time.Time
}

// Worker drives synthesis-and-playback for one call. Speak must not be
// called concurrently with itself — the Turn Controller serializes turns —
// but Cancel may be called from any goroutine at any time.
type Worker struct {
	provider     tts.Provider
	sink         FrameSink
	bus          *eventbus.Bus
	callID       string
	defaultVoice types.VoiceProfile

	outSeq atomic.Uint64
	cancel atomic.Pointer[context.CancelFunc]
}

// New creates an audio egress worker. defaultVoice is used, with a warning
// event, whenever Speak is called with a voice whose ID is empty. A voice
// the provider rejects is not replaced by the default: the provider's error
// is returned from Speak as a TTSError.
func New(provider tts.Provider, sink FrameSink, bus *eventbus.Bus, callID string, defaultVoice types.VoiceProfile) *Worker {
	return &Worker{
		provider:     provider,
		sink:         sink,
		bus:          bus,
		callID:       callID,
		defaultVoice: defaultVoice,
	}
}

// Speak synthesizes each sentence arriving on text, in order, and paces the
// resulting μ-law audio out to the sink at one 160-byte frame per 20ms. It
// returns once text is closed and all buffered audio has drained, or
// immediately (with Result.Interrupted true) once Cancel is called or ctx is
// cancelled — in which case the queued-but-unplayed audio is dropped and the
// sink's playback buffer is cleared so the provider stops within one frame
// period.
func (w *Worker) Speak(ctx context.Context, text <-chan string, voice types.VoiceProfile) (Result, error) {
	if voice.ID == "" {
		w.publish(eventbus.Event{Kind: eventbus.SynthesisFailed, CallID: w.callID, Reason: "empty voice id, using default"})
		voice = w.defaultVoice
	}

	speakCtx, cancelFn := context.WithCancel(ctx)
	w.cancel.Store(&cancelFn)
	defer func() {
		cancelFn()
		w.cancel.Store(nil)
	}()

	audioCh, err := w.provider.SynthesizeStream(speakCtx, text, voice)
	if err != nil {
		return Result{}, callerr.New(callerr.TTSError, "audioegress", err)
	}

	frames := make(chan audio.AudioFrame, maxQueuedFrames)
	framerDone := make(chan struct{})
	go w.framer(speakCtx, audioCh, frames, framerDone)

	result, err := w.pace(speakCtx, frames)
	<-framerDone
	return result, err
}

// Cancel requests the current Speak call stop within one frame period and
// flush the sink. Safe to call with no Speak in flight (no-op) and safe to
// call more than once — the underlying context.CancelFunc is itself
// idempotent, so a second call has no additional effect.
func (w *Worker) Cancel() {
	if p := w.cancel.Load(); p != nil {
		(*p)()
	}
}

// framer slices the provider's raw byte stream into fixed 160-byte frames
// and forwards them to the pacer. The final, possibly short, frame is padded
// with μ-law silence (0xFF) so every outbound frame is a fixed 20ms.
func (w *Worker) framer(ctx context.Context, audioCh <-chan []byte, out chan<- audio.AudioFrame, done chan<- struct{}) {
	defer close(out)
	defer close(done)

	var buf []byte
	firstAudio := true
	started := time.Now()

	flush := func(force bool) bool {
		for len(buf) >= frameBytes || (force && len(buf) > 0) {
			n := frameBytes
			if n > len(buf) {
				n = len(buf)
			}
			chunk := make([]byte, frameBytes)
			copy(chunk, buf[:n])
			for i := n; i < frameBytes; i++ {
				chunk[i] = 0xFF // μ-law silence
			}
			buf = buf[n:]

			frame := audio.AudioFrame{
				Data:       chunk,
				SampleRate: 8000,
				Channels:   1,
				Sequence:   w.outSeq.Add(1),
				Direction:  audio.DirectionOut,
				WallClock:  time.Now(),
			}
			if firstAudio {
				firstAudio = false
				w.publish(eventbus.Event{Kind: eventbus.TTSFirstAudio, CallID: w.callID, LatencyMs: time.Since(started).Milliseconds()})
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case chunk, ok := <-audioCh:
			if !ok {
				flush(true)
				return
			}
			buf = append(buf, chunk...)
			if !flush(false) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pace emits one frame per frameInterval tick, draining frames as they
// arrive. On cancellation it stops immediately, drops whatever is still
// queued, and clears the sink's playback buffer.
func (w *Worker) pace(ctx context.Context, frames <-chan audio.AudioFrame) (Result, error) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	result := Result{}
	var pending *audio.AudioFrame
	in := frames // nil'd out once closed, so a spent channel never wins select again

	for {
		// While a frame is held waiting for its tick, the receive case is
		// disabled entirely. The framer backs up into its bounded channel
		// instead of the pacer overwriting (and losing) frames that arrived
		// between two ticks — synthesis finishes far faster than real time,
		// so every frame of a sentence may be buffered before the first tick.
		recv := in
		if pending != nil {
			recv = nil
		}

		select {
		case <-ctx.Done():
			result.Interrupted = true
			if err := w.sink.Clear(); err != nil {
				return result, callerr.New(callerr.TransportError, "audioegress", err)
			}
			w.publish(eventbus.Event{Kind: eventbus.TurnInterrupted, CallID: w.callID})
			return result, nil

		case f, ok := <-recv:
			if !ok {
				in = nil
				if pending == nil {
					w.publish(eventbus.Event{Kind: eventbus.TTSCompleted, CallID: w.callID})
					return result, nil
				}
				continue
			}
			pending = &f

		case <-ticker.C:
			if pending == nil {
				if in == nil {
					w.publish(eventbus.Event{Kind: eventbus.TTSCompleted, CallID: w.callID})
					return result, nil
				}
				continue // underrun: nothing synthesized yet for this tick, wait
			}
			if err := w.sink.SendFrame(ctx, *pending); err != nil {
				return result, callerr.New(callerr.TransportError, "audioegress", err)
			}
			if result.FirstByteAt.IsZero() {
				result.FirstByteAt = time.Now()
			}
			result.LastByteAt = time.Now()
			result.BytesSent += len(pending.Data)
			pending = nil
		}
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
