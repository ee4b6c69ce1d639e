// Package telephony implements the persistent duplex framed socket between
// the call core and a telephony provider bridge: JSON control messages
// (connected/start/media/dtmf/stop inbound; media/clear/mark outbound) with
// base64-encoded μ-law payloads, carried over a WebSocket connection.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voicecore/callcore/pkg/audio"
)

const (
	inboundFrameBuffer  = 256
	outboundWriteBuffer = 256
	dtmfBuffer          = 16

	// ReadIdleTimeout is the maximum time to wait for any inbound frame or
	// keep-alive before the socket is considered dead.
	ReadIdleTimeout = 10 * time.Second

	// writeRetries is the number of additional attempts made for a transient
	// outbound write failure, within writeRetryWindow in total.
	writeRetries     = 2
	writeRetryWindow = 100 * time.Millisecond

	muLawSampleRate = 8000
	muLawChannels   = 1
)

// StartInfo carries the metadata delivered by the provider's "start" message.
type StartInfo struct {
	CallID     string
	StreamID   string
	Encoding   string
	SampleRate int
	From       string
	To         string
}

// DTMFEvent is a digit reported by the provider mid-call.
type DTMFEvent struct {
	Digit     string
	Timestamp time.Duration
}

// ErrClosed is returned by SendFrame, Clear and Mark once the connection has
// been closed, either locally or by the remote end. ReceiveFrame does not
// return it; it reports the error that ended the read loop, or EndOfStream.
var ErrClosed = errors.New("telephony: connection closed")

// EndOfStream sentinel error. ReceiveFrame returns (zero, EndOfStream) after
// the provider sends a graceful "stop" message — the call ended normally,
// not a transport failure.
var EndOfStream = errors.New("telephony: end of stream")

// Conn is a live duplex connection to a telephony provider bridge. It
// decodes inbound frames into [audio.AudioFrame] values (passed through as
// raw μ-law, never transcoded) and encodes outbound frames back to the
// provider's wire format.
//
// Conn is safe for concurrent use: ReceiveFrame, SendFrame, Clear, Mark, and
// Close may all be called from different goroutines.
type Conn struct {
	ws *websocket.Conn

	frames chan audio.AudioFrame
	dtmf   chan DTMFEvent
	outbox chan outboundJob

	start     atomic.Pointer[StartInfo]
	startOnce chan struct{}

	lastErr atomic.Pointer[error]

	outSeq atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

type outboundJob struct {
	payload []byte // not set by any sender; media and control messages alike are encoded in raw
	raw     []byte
	done    chan error
}

// Accept wraps an already-established WebSocket connection (either dialed
// out to or accepted from a telephony provider) and begins processing
// inbound/outbound traffic. The returned Conn is usable immediately;
// WaitForStart blocks until the provider's handshake ("connected" + "start")
// has completed.
func Accept(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:        ws,
		frames:    make(chan audio.AudioFrame, inboundFrameBuffer),
		dtmf:      make(chan DTMFEvent, dtmfBuffer),
		outbox:    make(chan outboundJob, outboundWriteBuffer),
		startOnce: make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c
}

// WaitForStart blocks until the provider's "start" message has been
// received, or ctx is done, or the connection closes first.
func (c *Conn) WaitForStart(ctx context.Context) (StartInfo, error) {
	select {
	case <-c.startOnce:
		if si := c.start.Load(); si != nil {
			return *si, nil
		}
		return StartInfo{}, c.fatalErr()
	case <-c.done:
		return StartInfo{}, c.fatalErr()
	case <-ctx.Done():
		return StartInfo{}, ctx.Err()
	}
}

// ReceiveFrame returns the next inbound audio frame. It blocks until a frame
// is available, the stream ends gracefully (EndOfStream), or the connection
// fails (an error prefixed "telephony: transport error" that wraps the
// underlying read error). Safe to call in a tight loop — this is
// the lazy infinite sequence the transport contract describes.
func (c *Conn) ReceiveFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return audio.AudioFrame{}, c.terminalErr()
		}
		return f, nil
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// DTMF returns the channel of digit events reported by the provider.
func (c *Conn) DTMF() <-chan DTMFEvent { return c.dtmf }

// Done returns a channel that closes once the connection has torn down,
// either locally via Close or because the remote end disconnected. Useful
// for an HTTP handler holding the underlying connection open without
// itself consuming frames.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendFrame encodes and writes an outbound audio frame. It blocks only if
// the outbound buffer is full; it never silently drops a frame. A transient
// write error is retried up to writeRetries times within writeRetryWindow;
// if the socket remains unwritable the connection is torn down and the
// returned error is a "telephony: transport error" wrapping the last write
// error.
func (c *Conn) SendFrame(ctx context.Context, frame audio.AudioFrame) error {
	msg := outboundMediaMessage{Event: "media"}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(frame.Data)
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("telephony: marshal media frame: %w", err)
	}
	return c.enqueueOutbound(ctx, raw)
}

// Clear instructs the provider to flush its outbound playback buffer —
// issued at barge-in so stale agent audio doesn't keep playing.
func (c *Conn) Clear() error {
	raw, _ := json.Marshal(outboundControlMessage{Event: "clear"})
	return c.enqueueOutbound(context.Background(), raw)
}

// Mark sends a pacing mark the provider echoes back, used for round-trip
// measurement.
func (c *Conn) Mark(name string) error {
	msg := outboundMarkMessage{Event: "mark"}
	msg.Mark.Name = name
	raw, _ := json.Marshal(msg)
	return c.enqueueOutbound(context.Background(), raw)
}

func (c *Conn) enqueueOutbound(ctx context.Context, raw []byte) error {
	job := outboundJob{raw: raw, done: make(chan error, 1)}
	select {
	case c.outbox <- job:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close tears down the connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "session ended")
		c.wg.Wait()
	})
	return c.closeErr
}

func (c *Conn) fatalErr() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return ErrClosed
}

func (c *Conn) terminalErr() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return EndOfStream
}

func (c *Conn) setErr(err error) {
	c.lastErr.CompareAndSwap(nil, &err)
}

// readLoop reads frames from the provider, decodes the control envelope,
// and dispatches to the frames/dtmf channels or the start-handshake latch.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	startSignaled := false

	for {
		ctx, cancel := context.WithTimeout(context.Background(), ReadIdleTimeout)
		_, data, err := c.ws.Read(ctx)
		cancel()
		if err != nil {
			wrapped := fmt.Errorf("telephony: transport error: %w", err)
			c.setErr(wrapped)
			if !startSignaled {
				startSignaled = true
				close(c.startOnce)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed frame from the provider; skip rather than kill the call
		}

		switch env.Event {
		case "connected":
			// Handshake acknowledgement only; call id (if present) is not
			// the primary identifier, nothing further to extract.
		case "start":
			var sm startMessage
			if err := json.Unmarshal(data, &sm); err == nil {
				si := StartInfo{
					CallID:     sm.Start.CallID,
					StreamID:   sm.Start.StreamSID,
					Encoding:   sm.Start.MediaFormat.Encoding,
					SampleRate: sm.Start.MediaFormat.SampleRate,
					From:       sm.Start.From,
					To:         sm.Start.To,
				}
				c.start.Store(&si)
			}
			if !startSignaled {
				startSignaled = true
				close(c.startOnce)
			}
		case "media":
			var mm mediaMessage
			if err := json.Unmarshal(data, &mm); err != nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(mm.Media.Payload)
			if err != nil {
				continue
			}
			frame := audio.AudioFrame{
				Data:       payload,
				SampleRate: muLawSampleRate,
				Channels:   muLawChannels,
				Sequence:   parseChunkSequence(mm.Media.Chunk),
				Direction:  audio.DirectionIn,
				WallClock:  time.Now(),
			}
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			}
		case "dtmf":
			var dm dtmfMessage
			if err := json.Unmarshal(data, &dm); err != nil {
				continue
			}
			ev := DTMFEvent{Digit: dm.DTMF.Digit, Timestamp: parseMillis(dm.DTMF.Timestamp)}
			select {
			case c.dtmf <- ev:
			default:
				// DTMF is logged-only downstream; never block the read loop for it.
			}
		case "stop":
			c.setErr(EndOfStream)
			return
		}
	}
}

// writeLoop serializes all outbound writes onto the single WebSocket
// connection, since coder/websocket does not allow concurrent writers.
func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case job := <-c.outbox:
			job.done <- c.writeWithRetry(job.raw)
		case <-c.done:
			// Drain any queued jobs so SendFrame callers don't hang.
			for {
				select {
				case job := <-c.outbox:
					job.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeWithRetry(raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeRetryWindow)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		err := c.ws.Write(ctx, websocket.MessageText, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < writeRetries {
			select {
			case <-time.After(writeRetryWindow / (writeRetries + 1)):
			case <-ctx.Done():
			}
		}
	}
	wrapped := fmt.Errorf("telephony: transport error: permanently unwritable: %w", lastErr)
	c.setErr(wrapped)
	go c.Close()
	return wrapped
}

func parseChunkSequence(chunk string) uint64 {
	var n uint64
	for _, r := range chunk {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + uint64(r-'0')
	}
	return n
}

func parseMillis(ts string) time.Duration {
	var n int64
	for _, r := range ts {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return time.Duration(n) * time.Millisecond
}
