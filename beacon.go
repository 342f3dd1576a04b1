// Package beacon is a telemetry client that records error events and
// LLM-style execution traces and ships them to a collector over HTTP.
//
// Data is buffered in memory and delivered asynchronously on a timer or when
// a buffer fills. Every request body is signed with HMAC-SHA256 using the
// project key. Delivery is best effort: failures are logged and dropped, and
// nothing here ever returns a delivery error to the caller.
//
//	client, err := beacon.New(beacon.Config{
//	    Endpoint:   "https://collector.example.com",
//	    ProjectKey: os.Getenv("BEACON_PROJECT_KEY"),
//	})
//	if err != nil { ... }
//	defer client.Close()
//
//	err = client.WithTrace("answer", nil, func(tr *beacon.Trace) error {
//	    return tr.WithGeneration(&beacon.SpanOptions{Model: "gpt-4o"}, func(s *beacon.Span) error {
//	        s.SetUsage(beacon.WithInputTokens(120), beacon.WithOutputTokens(40))
//	        return nil
//	    })
//	})
package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/beacon/internal/config"
	"github.com/ashita-ai/beacon/internal/dispatch"
)

// Collector paths, relative to Config.Endpoint.
const (
	PathIngest      = dispatch.PathIngest
	PathIngestBatch = dispatch.PathIngestBatch
	PathTracesBatch = dispatch.PathTracesBatch
)

// Config holds the construction-time settings of a Client. Zero values take
// the documented defaults.
type Config struct {
	// Endpoint is the collector base URL. A trailing slash is stripped.
	Endpoint string

	// ProjectKey identifies the project and is the signing secret.
	ProjectKey string

	// Environment defaults to "production".
	Environment string

	Release string

	// FlushInterval defaults to 5 seconds.
	FlushInterval time.Duration

	// MaxBufferSize defaults to 100 and applies to each buffer separately.
	MaxBufferSize int

	// ConnectTimeout and ReadTimeout default to 5 and 10 seconds.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client is the entry point for capturing events and building traces.
// All methods are safe for concurrent use.
type Client struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	source     string
	closed     atomic.Bool
}

// New validates cfg, starts the background flush loop and returns a Client.
// Call Close when done; buffered data is otherwise lost.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg = cfg.withDefaults()
	if err := cfg.internal().Validate(); err != nil {
		return nil, fmt.Errorf("beacon: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := o.now
	if now == nil {
		now = time.Now
	}
	source := o.source
	if source == "" {
		source = DefaultSource
	}

	var poster dispatch.Poster = o.poster
	if o.poster == nil {
		poster = dispatch.NewTransport(dispatch.TransportConfig{
			Endpoint:       cfg.Endpoint,
			ProjectKey:     cfg.ProjectKey,
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			HTTPClient:     o.httpClient,
		})
	}

	d := dispatch.New(poster, logger, dispatch.Config{
		MaxBufferSize: cfg.MaxBufferSize,
		FlushInterval: cfg.FlushInterval,
	})
	d.Start(context.Background())

	return &Client{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		now:        now,
		source:     source,
	}, nil
}

// NewFromEnv builds a Client from a .env file (if present), BEACON_CONFIG
// and BEACON_* environment variables.
func NewFromEnv(opts ...Option) (*Client, error) {
	_ = godotenv.Load()

	ic, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("beacon: %w", err)
	}
	return New(Config{
		Endpoint:       ic.Endpoint,
		ProjectKey:     ic.ProjectKey,
		Environment:    ic.Environment,
		Release:        ic.Release,
		FlushInterval:  ic.FlushInterval,
		MaxBufferSize:  ic.MaxBufferSize,
		ConnectTimeout: ic.ConnectTimeout,
		ReadTimeout:    ic.ReadTimeout,
	}, opts...)
}

func (c Config) withDefaults() Config {
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Environment == "" {
		c.Environment = config.DefaultEnvironment
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = config.DefaultFlushInterval
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = config.DefaultMaxBufferSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = config.DefaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = config.DefaultReadTimeout
	}
	return c
}

func (c Config) internal() config.Config {
	ic := config.Defaults()
	ic.Endpoint = c.Endpoint
	ic.ProjectKey = c.ProjectKey
	ic.Environment = c.Environment
	ic.Release = c.Release
	ic.FlushInterval = c.FlushInterval
	ic.MaxBufferSize = c.MaxBufferSize
	ic.ConnectTimeout = c.ConnectTimeout
	ic.ReadTimeout = c.ReadTimeout
	return ic
}

// Capture records an error event. It never blocks on the network and is a
// no-op once the client is closed.
func (c *Client) Capture(errorType, message string, opts *CaptureOptions) {
	if c.closed.Load() {
		return
	}
	c.dispatcher.RecordEvent(c.newEvent(errorType, message, opts))
}

// CaptureException records err as an event. The error type is the dynamic
// type name of err. Unless opts sets Stack, the stack comes from err (when it
// was created by github.com/pkg/errors) or from the caller.
func (c *Client) CaptureException(err error, opts *CaptureOptions) {
	if err == nil {
		return
	}
	var o CaptureOptions
	if opts != nil {
		o = *opts
	}
	if o.Stack == "" {
		o.Stack = stackOf(err, 1)
	}
	c.Capture(errorTypeName(err), err.Error(), &o)
}

// WithErrorCapture runs fn. An error returned by fn is captured and returned
// unchanged; a panic is captured and re-raised.
func (c *Client) WithErrorCapture(opts *CaptureOptions, fn func() error) error {
	defer func() {
		if r := recover(); r != nil {
			c.safely(func() { c.CaptureException(&PanicError{Value: r}, opts) })
			panic(r)
		}
	}()

	err := fn()
	if err != nil {
		c.safely(func() { c.CaptureException(err, opts) })
	}
	return err
}

// StartTrace opens a trace in the "running" state.
func (c *Client) StartTrace(name string, opts *TraceOptions) *Trace {
	return newTrace(c, name, opts)
}

// WithTrace runs fn with a new trace. On normal return a still-running trace
// finishes as "completed". If fn returns an error or panics, the trace
// finishes as "error" with the message as output and the error or panic
// propagates unchanged.
func (c *Client) WithTrace(name string, opts *TraceOptions, fn func(*Trace) error) error {
	tr := c.StartTrace(name, opts)

	defer func() {
		if r := recover(); r != nil {
			c.safely(func() { tr.Finish(TraceError, panicMessage(r)) })
			panic(r)
		}
	}()

	if err := fn(tr); err != nil {
		c.safely(func() { tr.Finish(TraceError, err.Error()) })
		return err
	}
	if tr.Status() == TraceRunning {
		tr.Finish(TraceCompleted, nil)
	}
	return nil
}

// Flush schedules delivery of everything buffered. It does not wait.
func (c *Client) Flush() {
	c.dispatcher.Flush()
}

// Close stops accepting data, schedules a final flush and stops the
// background timer. Sends already launched finish on their own; call Drain
// to wait for them before the process exits.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.dispatcher.Close()
}

// Drain waits for in-flight sends to finish or for ctx to end.
func (c *Client) Drain(ctx context.Context) error {
	return c.dispatcher.Drain(ctx)
}

func (c *Client) enqueueTrace(tr map[string]any) {
	c.dispatcher.EnqueueTrace(tr)
}

// safely runs a telemetry call made while handling the caller's error, so a
// failure inside it cannot replace that error.
func (c *Client) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("beacon: telemetry call panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
