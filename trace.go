package beacon

import (
	"sync"

	"github.com/google/uuid"
)

// Trace is one logical unit of work with an ordered list of child spans.
// A Trace is meant to be driven by one goroutine at a time; its methods are
// nonetheless safe to call concurrently.
type Trace struct {
	client *Client // used only to enqueue the trace on Finish

	id            string
	name          string
	sessionID     string
	userID        string
	input         any
	metadata      map[string]any
	promptName    string
	promptVersion int
	environment   string
	release       string
	startedAt     int64

	mu       sync.Mutex
	status   TraceStatus
	output   any
	endedAt  int64
	finished bool
	spans    []*Span
}

func newTrace(c *Client, name string, opts *TraceOptions) *Trace {
	if opts == nil {
		opts = &TraceOptions{}
	}
	return &Trace{
		client:        c,
		id:            uuid.NewString(),
		name:          name,
		sessionID:     opts.SessionID,
		userID:        opts.UserID,
		input:         opts.Input,
		metadata:      opts.Metadata,
		promptName:    opts.PromptName,
		promptVersion: opts.PromptVersion,
		environment:   c.cfg.Environment,
		release:       c.cfg.Release,
		startedAt:     c.now().UnixMilli(),
		status:        TraceRunning,
	}
}

// ID returns the trace's UUID string.
func (t *Trace) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Trace) Status() TraceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Spans returns the spans in creation order.
func (t *Trace) Spans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Span(nil), t.spans...)
}

// StartSpan opens a span of the given type and appends it to the trace.
func (t *Trace) StartSpan(spanType string, opts *SpanOptions) *Span {
	s := newSpan(t.client.now, spanType, opts)
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return s
}

// Finish records the end time, status and output, then hands the trace to
// the client for delivery. Only the first call has any effect.
func (t *Trace) Finish(status TraceStatus, output any) {
	if status == "" {
		status = TraceCompleted
	}
	endedAt := t.client.now().UnixMilli()

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.status = status
	if !isNil(output) {
		t.output = output
	}
	t.endedAt = endedAt
	t.mu.Unlock()

	t.client.enqueueTrace(t.ToMap())
}

// WithGeneration runs fn with a new "generation" span. If fn returns
// normally and left the span unfinished, the span finishes as ok. If fn
// returns an error or panics, the span finishes as error with that message
// and the error or panic propagates unchanged.
func (t *Trace) WithGeneration(opts *SpanOptions, fn func(*Span) error) error {
	span := t.StartSpan(SpanTypeGeneration, opts)

	defer func() {
		if r := recover(); r != nil {
			t.client.safely(func() { span.Finish(SpanError, WithError(panicMessage(r))) })
			panic(r)
		}
	}()

	if err := fn(span); err != nil {
		t.client.safely(func() { span.Finish(SpanError, WithError(err.Error())) })
		return err
	}
	if span.Status() == "" {
		span.Finish(SpanOK)
	}
	return nil
}

// ToMap returns the trace's wire form including its spans. Unset fields are
// omitted, never null.
func (t *Trace) ToMap() map[string]any {
	t.mu.Lock()
	spans := append([]*Span(nil), t.spans...)
	m := map[string]any{
		"id":         t.id,
		"name":       t.name,
		"status":     string(t.status),
		"started_at": t.startedAt,
	}
	if t.endedAt != 0 {
		m["ended_at"] = t.endedAt
	}
	if !isNil(t.output) {
		m["output"] = t.output
	}
	t.mu.Unlock()

	if t.sessionID != "" {
		m["session_id"] = t.sessionID
	}
	if t.userID != "" {
		m["user_id"] = t.userID
	}
	if !isNil(t.input) {
		m["input"] = t.input
	}
	if len(t.metadata) > 0 {
		m["metadata"] = t.metadata
	}
	if t.promptName != "" {
		m["prompt_name"] = t.promptName
	}
	if t.promptVersion != 0 {
		m["prompt_version"] = t.promptVersion
	}
	if t.environment != "" {
		m["environment"] = t.environment
	}
	if t.release != "" {
		m["release"] = t.release
	}

	out := make([]map[string]any, len(spans))
	for i, s := range spans {
		out[i] = s.ToMap()
	}
	m["spans"] = out
	return m
}
