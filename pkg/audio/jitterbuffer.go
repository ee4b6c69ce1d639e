package audio

import (
	"sync"
	"time"
)

// Jitter buffer tuning defaults, matching the configuration surface's
// jitter_target_ms (50) and jitter_max_ms (200).
const (
	DefaultJitterTargetMs = 50
	DefaultJitterMinMs    = 20
	DefaultJitterMaxMs    = 200

	jitterFrameMs  = 20 // canonical internal frame duration
	jitterStepMs   = 10 // adaptation step size
	underrunWindow = 1 * time.Second
	overageWindow  = 5 * time.Second
)

// JitterBuffer smooths inbound frame arrival-time variation before frames
// reach the VAD/STT path. It targets a configurable occupancy (default
// 50 ms), adapting upward on repeated underruns and downward when occupancy
// sits above target for a sustained period, clamped to [min, max].
//
// Overruns drop the oldest non-voiced frames first; only once no non-voiced
// frame remains does the buffer fall back to dropping the oldest voiced frame.
// Every drop increments the dropped-frame counter surfaced via Stats, which
// the owning stage worker reports as an IngressDrop event.
//
// JitterBuffer is not safe for unsynchronised concurrent Push/Pop from
// multiple goroutines on each side simultaneously, but Push and Pop may be
// called from two different goroutines (a classic single-producer
// single-consumer queue) — each side's methods are individually safe because
// they all take the same mutex.
type JitterBuffer struct {
	mu sync.Mutex

	targetMs int
	minMs    int
	maxMs    int

	frames []bufferedFrame

	underrunTimestamps []time.Time
	aboveTargetSince   time.Time

	underruns int
	drops     int
}

type bufferedFrame struct {
	frame  AudioFrame
	voiced bool
}

// JitterBufferOption configures a [JitterBuffer].
type JitterBufferOption func(*JitterBuffer)

// WithJitterTarget overrides the default 50 ms target occupancy.
func WithJitterTarget(ms int) JitterBufferOption {
	return func(b *JitterBuffer) { b.targetMs = ms }
}

// WithJitterBounds overrides the default [20ms, 200ms] clamp range.
func WithJitterBounds(minMs, maxMs int) JitterBufferOption {
	return func(b *JitterBuffer) {
		b.minMs = minMs
		b.maxMs = maxMs
	}
}

// NewJitterBuffer creates a buffer with the package defaults, overridden by
// any supplied options.
func NewJitterBuffer(opts ...JitterBufferOption) *JitterBuffer {
	b := &JitterBuffer{
		targetMs: DefaultJitterTargetMs,
		minMs:    DefaultJitterMinMs,
		maxMs:    DefaultJitterMaxMs,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push enqueues a newly-received frame, tagging it voiced/non-voiced so later
// overrun handling knows which frames are safe to drop first. Push admits the
// new frame first; if the buffer then holds more than maxMs of audio, it drops
// frames according to the overrun policy until it is back within maxMs. Drops
// are counted and returned for the caller to emit as an IngressDrop event.
func (b *JitterBuffer) Push(frame AudioFrame, voiced bool) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, bufferedFrame{frame: frame, voiced: voiced})

	capFrames := b.maxMs / jitterFrameMs
	for len(b.frames) > capFrames {
		b.dropOldestLocked()
		dropped++
	}

	b.trackOccupancyLocked()
	return dropped
}

// dropOldestLocked drops the oldest non-voiced frame if one exists anywhere
// in the buffer; otherwise it drops the oldest frame outright (which must be
// voiced). Must be called with b.mu held.
func (b *JitterBuffer) dropOldestLocked() {
	for i, bf := range b.frames {
		if !bf.voiced {
			b.frames = append(b.frames[:i], b.frames[i+1:]...)
			b.drops++
			return
		}
	}
	if len(b.frames) > 0 {
		b.frames = b.frames[1:]
		b.drops++
	}
}

// Pop dequeues the oldest frame, or returns ok=false when the buffer is
// empty. It does not hold frames back until the target occupancy is reached:
// the target is adapted and reported (TargetMs) but does not gate Pop. An
// underrun is recorded only when the caller calls MarkUnderrun (Pop itself is
// not the underrun detector — the realtime pacing loop is, since it knows the
// wall-clock cadence the buffer is failing to keep up with).
func (b *JitterBuffer) Pop() (AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return AudioFrame{}, false
	}
	f := b.frames[0].frame
	b.frames = b.frames[1:]
	return f, true
}

// Len returns the number of frames currently buffered.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// OccupancyMs returns the current buffered duration in milliseconds.
func (b *JitterBuffer) OccupancyMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) * jitterFrameMs
}

// TargetMs returns the current adaptive target occupancy in milliseconds.
func (b *JitterBuffer) TargetMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetMs
}

// MarkUnderrun records an output underrun (the pacing loop needed a frame but
// the buffer was empty). Two underruns within a 1 s window adapt the target
// upward by 10 ms, clamped to maxMs.
func (b *JitterBuffer) MarkUnderrun() (newTargetMs int, adapted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.underruns++

	// Keep only timestamps within the rolling window.
	cutoff := now.Add(-underrunWindow)
	kept := b.underrunTimestamps[:0]
	for _, t := range b.underrunTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.underrunTimestamps = append(kept, now)

	if len(b.underrunTimestamps) >= 2 {
		if b.targetMs+jitterStepMs <= b.maxMs {
			b.targetMs += jitterStepMs
		} else {
			b.targetMs = b.maxMs
		}
		b.underrunTimestamps = nil
		b.aboveTargetSince = time.Time{}
		return b.targetMs, true
	}
	return b.targetMs, false
}

// trackOccupancyLocked adapts the target downward when occupancy has
// remained above target for 5 s continuously. Must be called with b.mu held.
func (b *JitterBuffer) trackOccupancyLocked() {
	occupancyMs := len(b.frames) * jitterFrameMs
	now := time.Now()

	if occupancyMs <= b.targetMs {
		b.aboveTargetSince = time.Time{}
		return
	}

	if b.aboveTargetSince.IsZero() {
		b.aboveTargetSince = now
		return
	}

	if now.Sub(b.aboveTargetSince) >= overageWindow {
		if b.targetMs-jitterStepMs >= b.minMs {
			b.targetMs -= jitterStepMs
		} else {
			b.targetMs = b.minMs
		}
		b.aboveTargetSince = now
	}
}

// Stats reports cumulative counters for observability.
type JitterStats struct {
	Underruns     int
	DroppedFrames int
	TargetMs      int
}

// Stats returns a snapshot of cumulative counters.
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return JitterStats{
		Underruns:     b.underruns,
		DroppedFrames: b.drops,
		TargetMs:      b.targetMs,
	}
}
