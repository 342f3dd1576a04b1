package beacon

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed sub-operation inside a Trace. Spans are created with
// Trace.StartSpan and linked to a parent only through ParentSpanID.
type Span struct {
	now func() time.Time

	id           string
	spanType     string
	name         string
	model        string
	provider     string
	input        any
	metadata     map[string]any
	parentSpanID string
	startedAt    int64

	mu           sync.Mutex
	status       SpanStatus
	latencyMs    *int64
	inputTokens  *int
	outputTokens *int
	cost         *float64
	errMsg       string
	output       any
	ttftMs       *int64
}

// Metric sets one measured field on a Span. Token counts, cost and
// time-to-first-token are usage metrics and are the only ones SetUsage
// applies; error and output are set by Finish alone.
type Metric struct {
	usage bool
	apply func(*Span)
}

// WithInputTokens records the prompt token count.
func WithInputTokens(n int) Metric {
	return Metric{usage: true, apply: func(s *Span) { s.inputTokens = &n }}
}

// WithOutputTokens records the completion token count.
func WithOutputTokens(n int) Metric {
	return Metric{usage: true, apply: func(s *Span) { s.outputTokens = &n }}
}

// WithCost records the monetary cost of the operation.
func WithCost(cost float64) Metric {
	return Metric{usage: true, apply: func(s *Span) { s.cost = &cost }}
}

// WithTimeToFirstToken records the latency until the first streamed token.
func WithTimeToFirstToken(d time.Duration) Metric {
	return Metric{usage: true, apply: func(s *Span) {
		ms := d.Milliseconds()
		s.ttftMs = &ms
	}}
}

// WithError records an error message.
func WithError(msg string) Metric {
	return Metric{apply: func(s *Span) { s.errMsg = msg }}
}

// WithOutput records the operation's output payload.
func WithOutput(output any) Metric {
	return Metric{apply: func(s *Span) { s.output = output }}
}

func newSpan(now func() time.Time, spanType string, opts *SpanOptions) *Span {
	if opts == nil {
		opts = &SpanOptions{}
	}
	name := opts.Name
	if name == "" {
		name = spanType
	}
	return &Span{
		now:          now,
		id:           uuid.NewString(),
		spanType:     spanType,
		name:         name,
		model:        opts.Model,
		provider:     opts.Provider,
		input:        opts.Input,
		metadata:     opts.Metadata,
		parentSpanID: opts.ParentSpanID,
		startedAt:    now().UnixMilli(),
	}
}

// ID returns the span's UUID string.
func (s *Span) ID() string { return s.id }

// Status returns the finish status, or "" if the span is unfinished.
func (s *Span) Status() SpanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Finish sets the status and any metrics. Latency is measured on the first
// call only; later calls overwrite the other fields.
func (s *Span) Finish(status SpanStatus, metrics ...Metric) {
	if status == "" {
		status = SpanOK
	}
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latencyMs == nil {
		latency := max(now-s.startedAt, 0)
		s.latencyMs = &latency
	}
	s.status = status
	for _, m := range metrics {
		if m.apply != nil {
			m.apply(s)
		}
	}
}

// SetUsage merges usage metrics into the span without touching status or
// latency. Fields not passed keep their previous value, so it can be called
// repeatedly while a response streams. WithError and WithOutput are ignored.
func (s *Span) SetUsage(metrics ...Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metrics {
		if m.usage && m.apply != nil {
			m.apply(s)
		}
	}
}

// ToMap returns the span's wire form. Unset fields are omitted, never null.
func (s *Span) ToMap() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.status
	if status == "" {
		status = SpanOK
	}
	m := map[string]any{
		"id":         s.id,
		"span_type":  s.spanType,
		"name":       s.name,
		"started_at": s.startedAt,
		"status":     string(status),
	}
	if s.model != "" {
		m["model"] = s.model
	}
	if s.provider != "" {
		m["provider"] = s.provider
	}
	if !isNil(s.input) {
		m["input"] = s.input
	}
	if !isNil(s.output) {
		m["output"] = s.output
	}
	if len(s.metadata) > 0 {
		m["metadata"] = s.metadata
	}
	if s.parentSpanID != "" {
		m["parent_span_id"] = s.parentSpanID
	}
	if s.latencyMs != nil {
		m["latency_ms"] = *s.latencyMs
	}
	if s.inputTokens != nil {
		m["input_tokens"] = *s.inputTokens
	}
	if s.outputTokens != nil {
		m["output_tokens"] = *s.outputTokens
	}
	if s.cost != nil {
		m["cost"] = *s.cost
	}
	if s.errMsg != "" {
		m["error"] = s.errMsg
	}
	if s.ttftMs != nil {
		m["time_to_first_token_ms"] = *s.ttftMs
	}
	return m
}

// isNil reports whether v is nil or an interface holding a nil pointer, map,
// slice, func or channel. Such values would marshal to JSON null.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}
