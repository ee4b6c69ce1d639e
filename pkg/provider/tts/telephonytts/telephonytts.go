// Package telephonytts implements tts.Provider against an HTTP synthesis
// contract: one POST per sentence, μ-law/8kHz/mono query
// parameters, a raw audio byte-stream response body streamed back as it
// arrives. This mirrors a REST TTS endpoint (Cartesia/PlayHT-shaped)
// rather than the WebSocket session elevenlabs.Provider speaks — the two
// still satisfy the same tts.Provider interface.
package telephonytts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voicecore/callcore/pkg/provider/tts"
	"github.com/voicecore/callcore/pkg/types"
)

const (
	defaultBaseURL    = "https://api.telephony-tts.example.com/v1/synthesize"
	defaultModel      = "telephony-std"
	defaultSampleRate = 8000
	readChunkBytes    = 160 // one 20ms μ-law frame at 8kHz

	// perSentenceTimeout bounds one sentence's synthesis end to end: a
	// provider that stalls past this loses the sentence, not the turn.
	perSentenceTimeout = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the synthesis endpoint. Intended for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel sets the default model id sent as the `model` query parameter
// when the requested voice profile does not specify one via Metadata["model"].
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient overrides the HTTP client (tests inject one with a fake
// transport).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider over the synthesize-by-sentence HTTP
// contract.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("telephonytts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ tts.Provider = (*Provider)(nil)

type synthesizeRequest struct {
	Text string `json:"text"`
}

type synthesisError struct {
	Error string `json:"error"`
}

// SynthesizeStream issues one HTTP POST per sentence received from text, in
// order, and forwards each response body's raw μ-law bytes to the returned
// channel in readChunkBytes-sized pieces as they're read off the wire. A
// sentence that fails is retried once and then dropped; the drop is not
// logged, no event is emitted for it, and nothing on the audio channel marks
// it. It does not abort the remaining sentences; ctx cancellation stops
// everything immediately.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("telephonytts: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 64)

	go func() {
		defer close(audioCh)
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					return
				}
				if sentence == "" {
					continue
				}
				sent, err := p.synthesizeOne(ctx, sentence, voice, audioCh)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					// One immediate retry, but only when nothing was
					// emitted yet — replaying a partially-streamed sentence
					// would duplicate audio. After a second failure the
					// sentence is dropped without any report to the caller.
					if sent == 0 {
						if _, err := p.synthesizeOne(ctx, sentence, voice, audioCh); err != nil && ctx.Err() != nil {
							return
						}
					}
					continue
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

func (p *Provider) synthesizeOne(ctx context.Context, sentence string, voice types.VoiceProfile, out chan<- []byte) (sent int, err error) {
	ctx, cancel := context.WithTimeout(ctx, perSentenceTimeout)
	defer cancel()

	reqURL, err := p.buildURL(voice)
	if err != nil {
		return 0, fmt.Errorf("telephonytts: build URL: %w", err)
	}

	body, err := json.Marshal(synthesizeRequest{Text: sentence})
	if err != nil {
		return 0, fmt.Errorf("telephonytts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("telephonytts: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telephonytts: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("telephonytts: %s", describeError(resp))
	}

	buf := make([]byte, readChunkBytes)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
				sent += n
			case <-ctx.Done():
				return sent, ctx.Err()
			}
		}
		if rerr == io.EOF {
			return sent, nil
		}
		if rerr != nil {
			return sent, fmt.Errorf("telephonytts: read response: %w", rerr)
		}
	}
}

func describeError(resp *http.Response) string {
	var se synthesisError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&se); err == nil && se.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, se.Error)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}

func (p *Provider) buildURL(voice types.VoiceProfile) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()

	model := p.model
	if voice.Metadata != nil {
		if m, ok := voice.Metadata["model"]; ok && m != "" {
			model = m
		}
	}
	q.Set("model", model)
	q.Set("voice_id", voice.ID)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", fmt.Sprintf("%d", defaultSampleRate))
	q.Set("container", "none")

	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		q.Set("speed", fmt.Sprintf("%.2f", voice.SpeedFactor))
	}
	if voice.PitchShift != 0 {
		q.Set("pitch", fmt.Sprintf("%.2f", voice.PitchShift))
	}
	if voice.Metadata != nil {
		if emotion, ok := voice.Metadata["emotion"]; ok && emotion != "" {
			q.Set("emotion", emotion)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ListVoices is not provided by the telephony TTS endpoint's documented
// surface; callers configure voice ids via
// agent profile / default_voice_id instead of discovery.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return nil, errors.New("telephonytts: voice listing is not supported by this provider")
}

// CloneVoice is not supported by this provider.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	return nil, errors.New("telephonytts: voice cloning is not supported by this provider")
}
