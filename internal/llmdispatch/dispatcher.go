// Package llmdispatch streams a turn's completion request to an LLM provider
// and forwards sentence-sized chunks to TTS as soon as they are complete,
// rather than waiting for the full response. A soft/hard first-token timeout
// pair distinguishes a slow-but-working model (warn and keep waiting) from a
// dead one (abort the turn).
package llmdispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicecore/callcore/internal/eventbus"
	"github.com/voicecore/callcore/pkg/callerr"
	"github.com/voicecore/callcore/pkg/provider/llm"
)

const (
	// DefaultSoftTimeout is how long Dispatch waits for the first token
	// before emitting LLMSlowWarn. The turn is not aborted.
	DefaultSoftTimeout = 1500 * time.Millisecond

	// DefaultHardTimeout is how long Dispatch waits for the first token
	// before aborting the turn with a callerr.LLMTimeout error.
	DefaultHardTimeout = 8000 * time.Millisecond
)

// Result summarizes a completed or aborted dispatch.
type Result struct {
	// Text is the full text produced, including any trailing fragment
	// flushed when the stream ended without a final punctuation boundary.
	Text string

	// SentenceCount is how many sentences (including the final fragment)
	// were written to the sentences channel. Zero means nothing was ever
	// produced.
	SentenceCount int

	// TokensIn / TokensOut are the provider-reported token counts when the
	// stream's final chunk carried usage, and a ~4-chars-per-token estimate
	// otherwise (the same approximation the providers' CountTokens use).
	TokensIn  int
	TokensOut int

	// FirstTokenAt / LastTokenAt bound the model's streaming response.
	// Zero when no token ever arrived.
	FirstTokenAt time.Time
	LastTokenAt  time.Time
}

// Dispatcher streams one turn at a time to an llm.Provider. A single
// Dispatcher is reused across a call's turns; it holds no per-turn state
// between calls to Dispatch.
type Dispatcher struct {
	bus    *eventbus.Bus
	callID string

	softTimeout time.Duration
	hardTimeout time.Duration
}

// New creates a Dispatcher that publishes timing and outcome events to bus
// under callID.
func New(bus *eventbus.Bus, callID string) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		callID:      callID,
		softTimeout: DefaultSoftTimeout,
		hardTimeout: DefaultHardTimeout,
	}
}

// WithTimeouts overrides the default soft/hard first-token timeouts. Intended
// for tests; production callers use the defaults.
func (d *Dispatcher) WithTimeouts(soft, hard time.Duration) *Dispatcher {
	d.softTimeout = soft
	d.hardTimeout = hard
	return d
}

// Dispatch streams req through provider, writing complete sentences to
// sentences as they become available. sentences is never closed by Dispatch;
// the caller owns its lifecycle since it is typically shared with a TTS
// consumer that also needs to observe completion through Dispatch's return.
//
// onFirstToken, if non-nil, is invoked synchronously the moment the first
// chunk of the response arrives — before the corresponding sentence (if any
// is already complete) is written to sentences. Callers use this to flip
// their own state machine from "thinking" to "speaking" without needing a
// side channel.
//
// Dispatch returns callerr.LLMTimeout if no token arrives within the hard
// timeout, and otherwise returns whatever error the provider's stream
// reported (wrapped as callerr.LLMNetworkError) or ctx.Err() if ctx was
// cancelled (e.g. by a barge-in).
func (d *Dispatcher) Dispatch(ctx context.Context, provider llm.Provider, req llm.CompletionRequest, sentences chan<- string, onFirstToken func()) (Result, error) {
	start := time.Now()
	ch, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		return Result{}, callerr.New(callerr.LLMNetworkError, "llmdispatch", fmt.Errorf("start stream: %w", err))
	}

	soft := time.NewTimer(d.softTimeout)
	hard := time.NewTimer(d.hardTimeout)
	defer soft.Stop()
	defer hard.Stop()

	var buf sentenceBuf
	var result Result
	firstTokenSeen := false
	softFired := false

	emit := func(s string) bool {
		result.SentenceCount++
		select {
		case sentences <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case <-soft.C:
			if !firstTokenSeen && !softFired {
				softFired = true
				d.publish(eventbus.Event{Kind: eventbus.LLMSlowWarn, CallID: d.callID, LatencyMs: time.Since(start).Milliseconds()})
			}

		case <-hard.C:
			if !firstTokenSeen {
				go drain(ch)
				return result, callerr.New(callerr.LLMTimeout, "llmdispatch", fmt.Errorf("no token within %s", d.hardTimeout))
			}

		case chunk, ok := <-ch:
			if !ok {
				if rest := buf.flush(); rest != "" {
					if !emit(rest) {
						return result, ctx.Err()
					}
				}
				finalizeUsage(req, &result)
				d.publish(eventbus.Event{Kind: eventbus.LLMCompleted, CallID: d.callID, TokensIn: result.TokensIn, TokensOut: result.TokensOut})
				return result, nil
			}

			if !firstTokenSeen {
				firstTokenSeen = true
				result.FirstTokenAt = time.Now()
				if onFirstToken != nil {
					onFirstToken()
				}
				d.publish(eventbus.Event{Kind: eventbus.LLMFirstToken, CallID: d.callID, LatencyMs: time.Since(start).Milliseconds()})
			}
			result.LastTokenAt = time.Now()

			if chunk.FinishReason == "error" {
				go drain(ch)
				return result, callerr.New(callerr.LLMNetworkError, "llmdispatch", errors.New("mid-stream error chunk"))
			}

			if chunk.Usage != nil {
				result.TokensIn = chunk.Usage.PromptTokens
				result.TokensOut = chunk.Usage.CompletionTokens
			}

			result.Text += chunk.Text
			for _, s := range buf.push(chunk.Text) {
				if !emit(s) {
					return result, ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				if rest := buf.flush(); rest != "" {
					if !emit(rest) {
						return result, ctx.Err()
					}
				}
				finalizeUsage(req, &result)
				d.publish(eventbus.Event{Kind: eventbus.LLMCompleted, CallID: d.callID, TokensIn: result.TokensIn, TokensOut: result.TokensOut})
				return result, nil
			}
		}
	}
}

func (d *Dispatcher) publish(ev eventbus.Event) {
	if d.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	d.bus.Publish(ev)
}

// finalizeUsage fills in estimated token counts when the stream completed
// without the provider reporting usage, using the same ~4-chars-per-token
// approximation the providers' CountTokens implementations apply. Counts
// already reported by the provider are left untouched.
func finalizeUsage(req llm.CompletionRequest, result *Result) {
	if result.TokensOut == 0 && result.Text != "" {
		result.TokensOut = (len(result.Text) + 3) / 4
	}
	if result.TokensIn == 0 {
		n := (len(req.SystemPrompt) + 3) / 4
		for _, m := range req.Messages {
			n += (len(m.Content)+3)/4 + 4
		}
		result.TokensIn = n
	}
}

// drain discards remaining chunks so the provider's internal goroutine
// doesn't block after Dispatch returns early.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
