package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/beacon/internal/signing"
)

type posted struct {
	path    string
	payload any
}

// fakePoster records every delivery.
type fakePoster struct {
	mu    sync.Mutex
	calls []posted
}

func (p *fakePoster) Post(_ context.Context, path string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, posted{path: path, payload: payload})
	return nil
}

func (p *fakePoster) snapshot() []posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]posted(nil), p.calls...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) (*Client, *fakePoster) {
	t.Helper()
	p := &fakePoster{}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://collector.test"
	}
	if cfg.ProjectKey == "" {
		cfg.ProjectKey = "pk_test"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	opts = append([]Option{WithTransport(p), WithLogger(quietLogger())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, p
}

func waitIdle(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ProjectKey: "pk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEACON_ENDPOINT")

	_, err = New(Config{Endpoint: "http://collector.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEACON_PROJECT_KEY")

	_, err = New(Config{Endpoint: "collector", ProjectKey: "pk"})
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	c, _ := newTestClient(t, Config{Endpoint: "https://collector.test///"})

	assert.Equal(t, "https://collector.test", c.cfg.Endpoint)
	assert.Equal(t, "production", c.cfg.Environment)
	assert.Equal(t, 100, c.cfg.MaxBufferSize)
	assert.Equal(t, 10*time.Second, c.cfg.ReadTimeout)
	assert.Equal(t, 5*time.Second, c.cfg.ConnectTimeout)
}

func TestCapture_SizeTriggeredBatch(t *testing.T) {
	c, p := newTestClient(t, Config{MaxBufferSize: 2})

	c.Capture("E1", "m1", nil)
	assert.Empty(t, p.snapshot())
	c.Capture("E2", "m2", nil)
	waitIdle(t, c)

	calls := p.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, PathIngestBatch, calls[0].path)
	events := calls[0].payload.(map[string]any)["events"].([]map[string]any)
	require.Len(t, events, 2)
	assert.Equal(t, "E1", events[0]["error_type"])
	assert.Equal(t, "m1", events[0]["message"])
	assert.Equal(t, "E2", events[1]["error_type"])
}

func TestCapture_SingleEventFlush(t *testing.T) {
	c, p := newTestClient(t, Config{})

	c.Capture("E1", "only", nil)
	c.Flush()
	waitIdle(t, c)

	calls := p.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, PathIngest, calls[0].path)
	ev := calls[0].payload.(map[string]any)
	assert.Equal(t, "only", ev["message"])
}

func TestCapture_NoopAfterClose(t *testing.T) {
	c, p := newTestClient(t, Config{MaxBufferSize: 1})
	c.Close()
	c.Capture("E", "late", nil)
	waitIdle(t, c)
	assert.Empty(t, p.snapshot())
}

func TestClose_FlushesPending(t *testing.T) {
	c, p := newTestClient(t, Config{})
	c.Capture("E", "pending", nil)
	c.StartTrace("t", nil).Finish(TraceCompleted, nil)

	c.Close()
	waitIdle(t, c)
	assert.Len(t, p.snapshot(), 2)

	c.Close()
}

func TestCaptureException_DerivesFields(t *testing.T) {
	c, p := newTestClient(t, Config{})

	_, statErr := (&fakeFS{}).Open("missing")
	c.CaptureException(statErr, &CaptureOptions{Screen: "settings"})
	c.Flush()
	waitIdle(t, c)

	ev := p.snapshot()[0].payload.(map[string]any)
	assert.Equal(t, "beacon.notFoundError", ev["error_type"])
	assert.Equal(t, "missing: not found", ev["message"])
	assert.Equal(t, "settings", ev["screen"])
	assert.Contains(t, ev["stack"], "TestCaptureException_DerivesFields")
}

type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return e.name + ": not found" }

type fakeFS struct{}

func (fakeFS) Open(name string) (any, error) { return nil, &notFoundError{name: name} }

func TestCaptureException_NilIsIgnored(t *testing.T) {
	c, p := newTestClient(t, Config{MaxBufferSize: 1})
	c.CaptureException(nil, nil)
	waitIdle(t, c)
	assert.Empty(t, p.snapshot())
}

func TestWithErrorCapture_ReturnsSameError(t *testing.T) {
	c, p := newTestClient(t, Config{})
	sentinel := errors.New("db down")

	err := c.WithErrorCapture(&CaptureOptions{Procedure: "orders.create"}, func() error {
		return sentinel
	})
	assert.Same(t, sentinel, err)

	c.Flush()
	waitIdle(t, c)
	ev := p.snapshot()[0].payload.(map[string]any)
	assert.Equal(t, "db down", ev["message"])
	assert.Equal(t, "orders.create", ev["procedure"])
}

func TestWithErrorCapture_SuccessCapturesNothing(t *testing.T) {
	c, p := newTestClient(t, Config{})
	require.NoError(t, c.WithErrorCapture(nil, func() error { return nil }))
	c.Flush()
	waitIdle(t, c)
	assert.Empty(t, p.snapshot())
}

func TestWithErrorCapture_RepanicsUnchanged(t *testing.T) {
	c, p := newTestClient(t, Config{})
	boom := errors.New("boom")

	assert.PanicsWithValue(t, boom, func() {
		_ = c.WithErrorCapture(nil, func() error { panic(boom) })
	})

	c.Flush()
	waitIdle(t, c)
	ev := p.snapshot()[0].payload.(map[string]any)
	assert.Equal(t, "boom", ev["message"])
	assert.Equal(t, "errors.errorString", ev["error_type"])
}

func TestWithTrace_CompletesOnSuccess(t *testing.T) {
	c, p := newTestClient(t, Config{})

	err := c.WithTrace("ok", nil, func(tr *Trace) error {
		tr.StartSpan("custom", nil).Finish(SpanOK)
		return nil
	})
	require.NoError(t, err)
	c.Flush()
	waitIdle(t, c)

	calls := p.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, PathTracesBatch, calls[0].path)
	traces := calls[0].payload.(map[string]any)["traces"].([]map[string]any)
	require.Len(t, traces, 1)
	assert.Equal(t, "completed", traces[0]["status"])
}

func TestWithTrace_ErrorPropagatesAndMarksTrace(t *testing.T) {
	c, p := newTestClient(t, Config{})
	sentinel := errors.New("model refused")

	var captured *Trace
	err := c.WithTrace("fails", nil, func(tr *Trace) error {
		captured = tr
		return sentinel
	})
	assert.Same(t, sentinel, err)

	m := captured.ToMap()
	assert.Equal(t, "error", m["status"])
	assert.Equal(t, "model refused", m["output"])

	c.Flush()
	waitIdle(t, c)
	require.Len(t, p.snapshot(), 1)
}

func TestWithTrace_PanicPropagates(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	var captured *Trace
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = c.WithTrace("panics", nil, func(tr *Trace) error {
			captured = tr
			panic("kaboom")
		})
	})
	assert.Equal(t, TraceError, captured.Status())
	assert.Equal(t, "kaboom", captured.ToMap()["output"])
}

func TestWithTrace_KeepsCallerStatus(t *testing.T) {
	c, _ := newTestClient(t, Config{})

	var captured *Trace
	require.NoError(t, c.WithTrace("custom", nil, func(tr *Trace) error {
		captured = tr
		tr.Finish(TraceError, "handled")
		return nil
	}))
	assert.Equal(t, TraceError, captured.Status())
	assert.Equal(t, "handled", captured.ToMap()["output"])
}

// explodingClock panics once armed, standing in for any failure inside the
// telemetry calls made on an error path.
func explodingClock(armed *atomic.Bool) func() time.Time {
	return func() time.Time {
		if armed.Load() {
			panic("clock broke")
		}
		return time.Now()
	}
}

func TestErrorPath_TelemetryFailureDoesNotMaskError(t *testing.T) {
	var armed atomic.Bool
	c, _ := newTestClient(t, Config{}, WithNowFunc(explodingClock(&armed)))
	sentinel := errors.New("original")

	tr := c.StartTrace("t", nil)
	armed.Store(true)

	err := c.WithErrorCapture(nil, func() error { return sentinel })
	assert.Same(t, sentinel, err)

	armed.Store(false)
	err = tr.WithGeneration(nil, func(*Span) error {
		armed.Store(true)
		return sentinel
	})
	assert.Same(t, sentinel, err)
}

func TestWithTrace_FinishFailureDoesNotMaskError(t *testing.T) {
	var armed atomic.Bool
	c, _ := newTestClient(t, Config{}, WithNowFunc(explodingClock(&armed)))
	sentinel := errors.New("original")

	err := c.WithTrace("t", nil, func(*Trace) error {
		armed.Store(true)
		return sentinel
	})
	assert.Same(t, sentinel, err)
}

func TestEndToEnd_SignedBatchOverHTTP(t *testing.T) {
	type req struct {
		path string
		sig  string
		key  string
		body []byte
	}
	got := make(chan req, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- req{path: r.URL.Path, sig: r.Header.Get("X-Signature"), key: r.Header.Get("X-Project-Key"), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := New(Config{
		Endpoint:      srv.URL + "/",
		ProjectKey:    "pk_live",
		MaxBufferSize: 2,
		FlushInterval: time.Hour,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer c.Close()

	c.Capture("E1", "m1", nil)
	c.Capture("E2", "m2", nil)

	select {
	case r := <-got:
		assert.Equal(t, "/v1/ingest/batch", r.path)
		assert.Equal(t, "pk_live", r.key)
		assert.True(t, signing.Verify("pk_live", r.body, r.sig))

		var body struct {
			Events []map[string]any `json:"events"`
		}
		require.NoError(t, json.Unmarshal(r.body, &body))
		require.Len(t, body.Events, 2)
		assert.Equal(t, "E1", body.Events[0]["error_type"])
		assert.Equal(t, "m2", body.Events[1]["message"])
		assert.Equal(t, "production", body.Events[0]["environment"])
		assert.Equal(t, "go", body.Events[0]["source"])
	case <-time.After(3 * time.Second):
		t.Fatal("collector received nothing")
	}
}
