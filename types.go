package beacon

// TraceStatus is the lifecycle state of a Trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceCompleted TraceStatus = "completed"
	TraceError     TraceStatus = "error"
)

// SpanStatus is the outcome recorded when a Span finishes. The zero value
// means the span has not been finished.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// SpanTypeGeneration is the span type used by Trace.WithGeneration.
const SpanTypeGeneration = "generation"

// DefaultSource is the source tag stamped on events when none is given.
const DefaultSource = "go"

// CaptureOptions carries the optional fields of a captured error event.
// Empty fields are left out of the event.
type CaptureOptions struct {
	Source    string // Defaults to the client's source tag.
	Stack     string
	Procedure string // Route or procedure label.
	Screen    string
	Metadata  map[string]any

	// Extra is merged into the event after the fixed fields. A key already
	// present in the event is left untouched.
	Extra map[string]any
}

// TraceOptions carries the optional attributes fixed when a Trace starts.
type TraceOptions struct {
	SessionID     string
	UserID        string
	Input         any
	Metadata      map[string]any
	PromptName    string
	PromptVersion int
}

// SpanOptions carries the optional attributes fixed when a Span starts.
type SpanOptions struct {
	Name         string // Defaults to the span type.
	Model        string
	Provider     string
	Input        any
	Metadata     map[string]any
	ParentSpanID string
}
