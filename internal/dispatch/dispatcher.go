// Package dispatch buffers events and finished traces in memory and ships
// them to the collector with size- and time-triggered, fire-and-forget flushes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/beacon/internal/telemetry"
)

// Config holds the flush policy.
type Config struct {
	MaxBufferSize int           // Flush when either buffer reaches this length.
	FlushInterval time.Duration // Background flush period.
}

// Dispatcher owns the event and trace buffers. A single mutex guards both;
// it is only held to append or swap, never across network I/O.
type Dispatcher struct {
	poster   Poster
	logger   *slog.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	events []Record
	traces []Record
	closed bool

	// tickFlush is what the timer loop runs each period.
	tickFlush func()

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}

	flightMu sync.Mutex
	inflight int
	idle     chan struct{}

	requests metric.Int64Counter
	failures metric.Int64Counter
	gauges   metric.Registration
}

// New creates a Dispatcher. Call Start to run the background flush loop.
func New(poster Poster, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		poster:   poster,
		logger:   logger,
		maxSize:  cfg.MaxBufferSize,
		interval: cfg.FlushInterval,
		done:     make(chan struct{}),
	}
	d.tickFlush = d.Flush
	d.registerMetrics()
	return d
}

// Start begins the background flush loop. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("dispatch: Start called more than once")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	go d.flushLoop(loopCtx)
}

// RecordEvent buffers an event. Reaching the size limit flushes both buffers
// before returning; delivery itself stays asynchronous. No-op once closed.
func (d *Dispatcher) RecordEvent(ev Record) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.events = append(d.events, ev)
	full := len(d.events) >= d.maxSize
	d.mu.Unlock()

	if full {
		d.Flush()
	}
}

// EnqueueTrace buffers a finished trace, with the same size trigger as
// RecordEvent applied to the trace buffer. No-op once closed.
func (d *Dispatcher) EnqueueTrace(tr Record) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.traces = append(d.traces, tr)
	full := len(d.traces) >= d.maxSize
	d.mu.Unlock()

	if full {
		d.Flush()
	}
}

// Flush detaches both buffers and launches their delivery. It never blocks
// on the network.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	events, traces := d.events, d.traces
	d.events, d.traces = nil, nil
	d.mu.Unlock()

	if len(events) > 0 {
		d.launch(func(ctx context.Context) { d.deliverEvents(ctx, events) })
	}
	if len(traces) > 0 {
		d.launch(func(ctx context.Context) { d.deliverTraces(ctx, traces) })
	}
}

// Close stops accepting data, schedules a final flush and stops the
// background loop. Sends already launched keep running; use Drain to wait
// for them. The closed flag is set under the buffer lock, so no append can
// land after the final flush.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.Flush()
	if d.started.Load() {
		d.cancelLoop()
		<-d.done
	}
	if d.gauges != nil {
		_ = d.gauges.Unregister()
	}
}

// Drain waits until no send is in flight or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.flightMu.Lock()
	if d.inflight == 0 {
		d.flightMu.Unlock()
		return nil
	}
	idle := d.idle
	d.flightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the current number of buffered events and traces.
func (d *Dispatcher) Len() (events, traces int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events), len(d.traces)
}

func (d *Dispatcher) flushLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick runs one timer-driven flush. A panic here is logged and the loop
// carries on with the next tick.
func (d *Dispatcher) tick() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: flush panicked", "panic", fmt.Sprint(r))
		}
	}()
	d.tickFlush()
}

// launch runs fn on its own goroutine, detached from the caller.
func (d *Dispatcher) launch(fn func(ctx context.Context)) {
	d.flightMu.Lock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	d.flightMu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatch: send panicked", "panic", fmt.Sprint(r))
			}
			d.flightMu.Lock()
			d.inflight--
			if d.inflight == 0 {
				close(d.idle)
			}
			d.flightMu.Unlock()
		}()
		fn(context.Background())
	}()
}

func (d *Dispatcher) deliverEvents(ctx context.Context, batch []Record) {
	path, payload := eventRequest(batch)
	_ = d.post(ctx, path, payload, len(batch))
}

// deliverTraces sends each chunk on its own goroutine. Chunk failures are
// independent of each other.
func (d *Dispatcher) deliverTraces(ctx context.Context, batch []Record) {
	var g errgroup.Group
	for _, traces := range chunk(batch, MaxTracesPerRequest) {
		g.Go(func() error {
			return d.post(ctx, PathTracesBatch, tracesPayload(traces), len(traces))
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Debug("dispatch: trace flush incomplete", "traces", len(batch), "error", err)
	}
}

// post performs one send and records its outcome. The error is returned for
// bookkeeping only; nothing is retried or re-queued.
func (d *Dispatcher) post(ctx context.Context, path string, payload any, n int) error {
	attrs := metric.WithAttributes(attribute.String("path", path))
	d.requests.Add(ctx, 1, attrs)

	start := time.Now()
	err := d.poster.Post(ctx, path, payload)
	if err != nil {
		d.failures.Add(ctx, 1, attrs)
		d.logger.Warn("dispatch: delivery failed, dropping batch",
			"error", err, "path", path, "batch_size", n)
		return err
	}
	d.logger.Debug("dispatch: batch delivered",
		"path", path,
		"batch_size", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// registerMetrics wires the buffer depth gauges and request counters to the
// global meter provider.
func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter()

	d.requests, _ = meter.Int64Counter("beacon.requests",
		metric.WithDescription("Collector requests attempted"))
	d.failures, _ = meter.Int64Counter("beacon.requests.failed",
		metric.WithDescription("Collector requests that failed and were dropped"))

	eventDepth, _ := meter.Int64ObservableGauge("beacon.buffer.events",
		metric.WithDescription("Events waiting for the next flush"))
	traceDepth, _ := meter.Int64ObservableGauge("beacon.buffer.traces",
		metric.WithDescription("Finished traces waiting for the next flush"))

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		events, traces := d.Len()
		o.ObserveInt64(eventDepth, int64(events))
		o.ObserveInt64(traceDepth, int64(traces))
		return nil
	}, eventDepth, traceDepth)
	if err == nil {
		d.gauges = reg
	}
}
