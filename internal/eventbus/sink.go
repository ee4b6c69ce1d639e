package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicecore/callcore/internal/observe"
)

// NDJSONSink writes each event as a newline-delimited JSON record to w
// (typically a log file, a pipe to a queue shipper, or a DB ingest process):
// marshal, append a newline, one synchronized write per record.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNDJSONSink wraps w (typically an append-mode file or a pipe to an
// external aggregator) as a [Sink].
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

// Publish implements Sink. Marshal errors are swallowed (should not happen
// for this struct — no cyclic or unsupported field types) and write errors
// are likewise swallowed: per the event-sink contract the sink must never
// block or fail the caller, so there is nowhere productive to surface them
// from here.
func (s *NDJSONSink) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(data)
}

// MetricsSink records bus events into OpenTelemetry instruments, then
// forwards every event unconditionally to next (typically an [NDJSONSink]),
// so events are both aggregated and persisted.
type MetricsSink struct {
	next Sink
	m    *observe.Metrics
}

// NewMetricsSink creates a Sink that records aggregate metrics for event
// kinds with an observable counterpart.
func NewMetricsSink(m *observe.Metrics, next Sink) *MetricsSink {
	return &MetricsSink{next: next, m: m}
}

// Publish implements Sink.
func (s *MetricsSink) Publish(ev Event) {
	ctx := context.Background()
	switch ev.Kind {
	case CallStarted:
		s.m.ActiveCalls.Add(ctx, 1)
	case CallEnded:
		s.m.ActiveCalls.Add(ctx, -1)
	case IngressDrop:
		s.m.IngressFramesDropped.Add(ctx, int64(ev.Frames))
	case TurnClosed:
		s.m.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("interrupted", ev.Interrupted)))
	}
	if s.next != nil {
		s.next.Publish(ev)
	}
}

// RecordDropped adds n to the EventsDropped instrument. The supervisor calls
// it once per call at teardown with that call's [Bus] drop count; n is added
// as given, so a caller reporting more than once passes only the drops since
// its previous report.
func (s *MetricsSink) RecordDropped(ctx context.Context, n uint64) {
	if n == 0 {
		return
	}
	s.m.EventsDropped.Add(ctx, int64(n))
}
