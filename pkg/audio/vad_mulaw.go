package audio

import (
	"errors"
	"sync"

	"github.com/voicecore/callcore/pkg/provider/vad"
)

// Default hysteresis and threshold parameters, matching the configuration
// surface's vad.* defaults (20 ms frames: 2 frames = 40 ms, 10 frames = 200 ms).
const (
	DefaultStartFrames     = 2
	DefaultEndFrames       = 10
	DefaultEnergyThreshold = 400.0 // mean absolute linear magnitude, empirically tuned for conversational telephony level
	minZCRRatio            = 0.02
	maxZCRRatio            = 0.35
	centroidFloorRatio     = 0.15 // spectral-centroid proxy must clear this fraction of the frame's peak magnitude
)

// EnergyZCRDetector is a [vad.Engine] that classifies frames as voiced or
// silent using energy, zero-crossing rate, and a spectral-centroid proxy
// computed directly on decoded μ-law magnitudes — no neural model, no
// resampling. It implements the heuristic described for Audio Ingress: a
// frame is voiced iff its energy clears a threshold, its ZCR falls in a
// voiced-speech band, and its spectral-centroid proxy clears a noise floor.
//
// Hysteresis requires StartFrames consecutive voiced frames before declaring
// [vad.VADSpeechStart] and EndFrames consecutive silent frames before
// declaring [vad.VADSpeechEnd]; both counters reset on every mode change.
type EnergyZCRDetector struct {
	energyThreshold float64
	startFrames     int
	endFrames       int
}

// Option configures an [EnergyZCRDetector].
type Option func(*EnergyZCRDetector)

// WithEnergyThreshold overrides the default energy threshold.
func WithEnergyThreshold(t float64) Option {
	return func(d *EnergyZCRDetector) { d.energyThreshold = t }
}

// WithStartFrames overrides the number of consecutive voiced frames required
// to declare speech start.
func WithStartFrames(n int) Option {
	return func(d *EnergyZCRDetector) {
		if n > 0 {
			d.startFrames = n
		}
	}
}

// WithEndFrames overrides the number of consecutive silent frames required to
// declare speech end.
func WithEndFrames(n int) Option {
	return func(d *EnergyZCRDetector) {
		if n > 0 {
			d.endFrames = n
		}
	}
}

// NewEnergyZCRDetector creates a detector with the given options applied over
// the package defaults (energy threshold tuned for conversational telephony
// level, 2 start frames / 10 end frames at 20 ms framing).
func NewEnergyZCRDetector(opts ...Option) *EnergyZCRDetector {
	d := &EnergyZCRDetector{
		energyThreshold: DefaultEnergyThreshold,
		startFrames:     DefaultStartFrames,
		endFrames:       DefaultEndFrames,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Compile-time interface assertion.
var _ vad.Engine = (*EnergyZCRDetector)(nil)

// NewSession creates a new per-stream VAD session. cfg.SpeechThreshold, if
// non-zero, overrides the engine's configured energy threshold for this
// session only; cfg.SampleRate and cfg.FrameSizeMs are ignored, since the
// algorithm itself is frame-size agnostic.
func (d *EnergyZCRDetector) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	threshold := d.energyThreshold
	if cfg.SpeechThreshold > 0 {
		threshold = cfg.SpeechThreshold
	}
	return &vadSession{
		threshold:   threshold,
		startFrames: d.startFrames,
		endFrames:   d.endFrames,
	}, nil
}

var errSessionClosed = errors.New("audio: vad session is closed")

// vadSession is the stateful per-call VAD session returned by
// [EnergyZCRDetector.NewSession]. Its methods take s.mu, so concurrent calls
// are safe; in the pipeline Audio Ingress is its one owner.
type vadSession struct {
	mu sync.Mutex

	threshold   float64
	startFrames int
	endFrames   int

	voiced    bool // current declared mode
	voicedRun int  // consecutive voiced frames seen since last silent frame
	silentRun int  // consecutive silent frames seen since last voiced frame
	closed    bool
}

// Compile-time interface assertion.
var _ vad.SessionHandle = (*vadSession)(nil)

// ProcessFrame classifies a single μ-law frame and applies hysteresis.
func (s *vadSession) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, errSessionClosed
	}

	energy, zcr, centroid, peak := frameStats(frame)
	isVoiced := energy > s.threshold &&
		zcr >= minZCRRatio && zcr <= maxZCRRatio &&
		centroid > centroidFloorRatio*peak

	if isVoiced {
		s.voicedRun++
		s.silentRun = 0
	} else {
		s.silentRun++
		s.voicedRun = 0
	}

	prob := energy / (s.threshold * 2)
	if prob > 1 {
		prob = 1
	}

	switch {
	case !s.voiced && isVoiced && s.voicedRun >= s.startFrames:
		s.voiced = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
	case s.voiced && !isVoiced && s.silentRun >= s.endFrames:
		s.voiced = false
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
	case s.voiced:
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}
}

// Reset clears all hysteresis state without closing the session.
func (s *vadSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiced = false
	s.voicedRun = 0
	s.silentRun = 0
}

// Close marks the session closed. Idempotent.
func (s *vadSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// frameStats computes the three heuristic signals used to classify a frame:
//
//   - energy: mean absolute linear magnitude (proxy from the μ-law-decoded
//     magnitude histogram).
//   - zcr: zero-crossing rate as a fraction of sample-to-sample transitions,
//     distinguishing voiced speech (low-to-moderate ZCR) from fricatives/noise
//     (high ZCR) and DC hum (near-zero ZCR).
//   - centroid: a spectral-centroid proxy derived from the first-difference
//     magnitude of the decoded signal — a cheap substitute for an FFT-based
//     centroid that still rises with high-frequency energy content.
//   - peak: the maximum absolute magnitude seen in the frame, used to scale
//     the centroid floor relative to this frame's own loudness.
func frameStats(frame []byte) (energy, zcr float64, centroid, peak float64) {
	if len(frame) == 0 {
		return 0, 0, 0, 0
	}

	samples := DecodeMuLaw(frame)

	var sumAbs float64
	var sumDiffAbs float64
	var crossings int
	var prevSample int16
	var prevSign int

	for i, s := range samples {
		abs := absInt16(s)
		sumAbs += float64(abs)
		if float64(abs) > peak {
			peak = float64(abs)
		}

		if i > 0 {
			diff := int32(s) - int32(prevSample)
			sumDiffAbs += float64(absInt32(diff))

			sign := signOf(s)
			if sign != 0 && prevSign != 0 && sign != prevSign {
				crossings++
			}
			if sign != 0 {
				prevSign = sign
			}
		} else {
			prevSign = signOf(s)
		}
		prevSample = s
	}

	n := float64(len(samples))
	energy = sumAbs / n
	if n > 1 {
		zcr = float64(crossings) / (n - 1)
		centroid = sumDiffAbs / (n - 1)
	}
	return energy, zcr, centroid, peak
}

func absInt16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func signOf(v int16) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
