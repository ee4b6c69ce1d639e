// Package telephonystt implements a persistent duplex WebSocket session against a Deepgram-shaped streaming
// recognizer, configured for fixed mulaw/8000/1-channel telephony audio,
// provider-side endpointing, and keyword/redaction options. It is the
// transport layer consumed by [internal/sttclient.Worker]; this package owns
// only the wire format, keep-alive, and health bookkeeping; reconnection
// policy and utterance tracking live in the stage worker.
package telephonystt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicecore/callcore/pkg/types"
)

const (
	// KeepAliveInterval is how often a KeepAlive message (type and timestamp,
	// no audio) is sent; it is sent on every tick whether or not audio is
	// flowing.
	KeepAliveInterval = 5 * time.Second

	// HealthyWindow / DegradedWindow bound the health state machine: healthy
	// under 15s since the last inbound message, degraded 15-30s, unhealthy
	// beyond that (which the owning worker treats as a reconnect trigger).
	HealthyWindow  = 15 * time.Second
	DegradedWindow = 30 * time.Second

	defaultEndpointingMs   = 150
	defaultUtteranceEndMs  = 400
	defaultLanguageHint    = "en-US"
	mulawSampleRate        = 8000
	mulawChannels          = 1
	defaultEndpoint        = "wss://api.deepgram.com/v1/listen"
)

// HealthState classifies how recently the session has heard from the
// provider. Computed on demand from the last-inbound timestamp rather than
// maintained by a background timer, so callers decide their own poll cadence.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// RedactClass names a sensitive-data class the provider should redact from
// returned text, per the redact config option.
type RedactClass string

const (
	RedactSSN     RedactClass = "ssn"
	RedactPCI     RedactClass = "pci"
	RedactNumbers RedactClass = "numbers"
)

// Config carries the recognized session options. Encoding, SampleRate, and
// Channels are fixed by this package (mulaw/8000/1) and not exposed —
// telephony audio is the only input this client accepts.
type Config struct {
	APIKey string

	InterimResults bool
	Utterances     bool
	VADEvents      bool
	EndpointingMs  int
	UtteranceEndMs int

	SmartFormat bool
	Numerals    bool
	FillerWords bool

	DetectLanguage bool
	LanguageHint   string

	Redact []RedactClass

	// Endpoint overrides the wire endpoint. Empty uses the package default.
	Endpoint string
}

func (c Config) withDefaults() Config {
	if c.EndpointingMs <= 0 {
		c.EndpointingMs = defaultEndpointingMs
	}
	if c.UtteranceEndMs <= 0 {
		c.UtteranceEndMs = defaultUtteranceEndMs
	}
	if c.LanguageHint == "" {
		c.LanguageHint = defaultLanguageHint
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	return c
}

// MessageKind discriminates the inbound message vocabulary.
type MessageKind int

const (
	KindResults MessageKind = iota
	KindUtteranceEnd
	KindSpeechStarted
	KindMetadata
	KindWarning
	KindError
)

// Message is the union of every inbound message shape the provider can send.
// Only the fields matching Kind are populated.
type Message struct {
	Kind MessageKind

	// KindResults
	Transcript  string
	Confidence  float64
	IsFinal     bool
	SpeechFinal bool
	StartMs     float64
	DurationMs  float64

	// KindUtteranceEnd
	UtteranceID string

	// KindSpeechStarted
	TimestampMs float64

	// KindMetadata
	Language  string
	ModelInfo string

	// KindWarning / KindError
	Detail string
}

// Dial opens a streaming recognition session. The context governs only the
// initial handshake; once established the session outlives ctx (the caller
// drives its lifetime via Close).
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errors.New("telephonystt: APIKey must not be empty")
	}

	wsURL, err := buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("telephonystt: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("telephonystt: dial: %w", err)
	}

	s := &Session{
		conn:     conn,
		messages: make(chan Message, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	now := timeNow()
	s.lastInbound.Store(&now)

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.keepAliveLoop()

	return s, nil
}

func buildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(mulawSampleRate))
	q.Set("channels", strconv.Itoa(mulawChannels))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("utterances", strconv.FormatBool(cfg.Utterances))
	q.Set("vad_events", strconv.FormatBool(cfg.VADEvents))
	q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("numerals", strconv.FormatBool(cfg.Numerals))
	q.Set("filler_words", strconv.FormatBool(cfg.FillerWords))
	if cfg.DetectLanguage {
		q.Set("detect_language", "true")
	} else {
		q.Set("language", cfg.LanguageHint)
	}
	for _, r := range cfg.Redact {
		q.Add("redact", string(r))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// timeNow exists so tests can't accidentally rely on wall-clock granularity
// tricks; kept as a thin wrapper for a single call site to swap in tests.
func timeNow() time.Time { return time.Now() }

// Session is one live streaming recognition connection. All methods are
// safe for concurrent use.
type Session struct {
	conn *websocket.Conn

	messages chan Message
	audio    chan []byte

	lastInbound atomic.Pointer[time.Time]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	readErr atomic.Pointer[error]
}

// SendAudio queues a raw mulaw chunk for transmission.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("telephonystt: session closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("telephonystt: session closed")
	}
}

// Messages returns the channel of inbound provider messages. Closed when
// the session ends (gracefully or due to a read error — check Err after the
// channel closes to distinguish the two).
func (s *Session) Messages() <-chan Message { return s.messages }

// Err returns the error that terminated the read loop, or nil for a clean
// close.
func (s *Session) Err() error {
	if p := s.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Health classifies the session based on time since the last inbound
// message (of any kind, including keep-alive acknowledgements).
func (s *Session) Health() HealthState {
	last := s.lastInbound.Load()
	if last == nil {
		return Healthy
	}
	since := time.Since(*last)
	switch {
	case since < HealthyWindow:
		return Healthy
	case since < DegradedWindow:
		return Degraded
	default:
		return Unhealthy
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return err
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), DegradedWindow+5*time.Second)
		_, data, err := s.conn.Read(ctx)
		cancel()
		if err != nil {
			wrapped := fmt.Errorf("telephonystt: read: %w", err)
			s.readErr.Store(&wrapped)
			return
		}
		now := timeNow()
		s.lastInbound.Store(&now)

		msg, ok := parseMessage(data)
		if !ok {
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) keepAliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload, _ := json.Marshal(keepAliveMessage{Type: "KeepAlive", Timestamp: timeNow().UnixMilli()})
			_ = s.conn.Write(context.Background(), websocket.MessageText, payload)
		case <-s.done:
			return
		}
	}
}

// ---- wire message shapes ----

type keepAliveMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type rawEnvelope struct {
	Type string `json:"type"`
}

type resultsMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type utteranceEndMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
}

type speechStartedMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type metadataMessage struct {
	Type      string `json:"type"`
	Language  string `json:"language"`
	ModelInfo string `json:"model_info"`
}

type warningOrErrorMessage struct {
	Type    string `json:"type"`
	Warning string `json:"warning"`
	Error   string `json:"error"`
}

func parseMessage(data []byte) (Message, bool) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, false
	}
	switch env.Type {
	case "Results":
		var rm resultsMessage
		if err := json.Unmarshal(data, &rm); err != nil {
			return Message{}, false
		}
		if len(rm.Channel.Alternatives) == 0 {
			return Message{}, false
		}
		alt := rm.Channel.Alternatives[0]
		return Message{
			Kind:        KindResults,
			Transcript:  alt.Transcript,
			Confidence:  alt.Confidence,
			IsFinal:     rm.IsFinal,
			SpeechFinal: rm.SpeechFinal,
			StartMs:     rm.Start * 1000,
			DurationMs:  rm.Duration * 1000,
		}, true
	case "UtteranceEnd":
		var um utteranceEndMessage
		if err := json.Unmarshal(data, &um); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindUtteranceEnd, UtteranceID: um.UtteranceID}, true
	case "SpeechStarted":
		var sm speechStartedMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindSpeechStarted, TimestampMs: sm.Timestamp * 1000}, true
	case "Metadata":
		var mm metadataMessage
		if err := json.Unmarshal(data, &mm); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindMetadata, Language: mm.Language, ModelInfo: mm.ModelInfo}, true
	case "Warning":
		var wm warningOrErrorMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindWarning, Detail: wm.Warning}, true
	case "Error":
		var em warningOrErrorMessage
		if err := json.Unmarshal(data, &em); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindError, Detail: em.Error}, true
	default:
		return Message{}, false
	}
}

// ToTranscript converts a KindResults message into the shared
// [types.Transcript] shape, tagging it with the session's current
// utteranceID (assigned by the owning worker from SpeechStarted/UtteranceEnd
// boundaries, since the wire format itself only echoes an ID on
// UtteranceEnd).
func (m Message) ToTranscript(utteranceID string) types.Transcript {
	return types.Transcript{
		Text:        m.Transcript,
		IsFinal:     m.IsFinal,
		SpeechFinal: m.SpeechFinal,
		Confidence:  m.Confidence,
		Timestamp:   time.Duration(m.StartMs * float64(time.Millisecond)),
		Duration:    time.Duration(m.DurationMs * float64(time.Millisecond)),
		UtteranceID: utteranceID,
	}
}
