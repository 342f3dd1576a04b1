package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/beacon/internal/signing"
)

// Collector paths, relative to the configured endpoint.
const (
	PathIngest      = "/v1/ingest"
	PathIngestBatch = "/v1/ingest/batch"
	PathTracesBatch = "/v1/traces/batch"
)

// Header names sent with every collector request.
const (
	HeaderProjectKey = "X-Project-Key"
	HeaderSignature  = signing.Header
)

// maxDrainBytes bounds how much of a response body is read before the
// connection is returned to the pool. The body is never interpreted.
const maxDrainBytes = 64 << 10

// Poster delivers one payload to one collector path.
type Poster interface {
	Post(ctx context.Context, path string, payload any) error
}

// StatusError is returned for a collector response outside 2xx.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch: POST %s: unexpected status %d", e.Path, e.StatusCode)
}

// TransportConfig configures the HTTP transport.
type TransportConfig struct {
	Endpoint       string // Already stripped of its trailing slash.
	ProjectKey     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// HTTPClient replaces the default client. Timeouts above are then the
	// caller's responsibility.
	HTTPClient *http.Client
}

// Transport is the HTTP Poster. It serializes each payload once, signs those
// bytes and sends the same bytes. It never retries.
type Transport struct {
	endpoint   string
	projectKey string
	client     *http.Client
}

// NewTransport builds a Transport with bounded connect and read timeouts.
func NewTransport(cfg TransportConfig) *Transport {
	client := cfg.HTTPClient
	if client == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		base := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		}
		client = &http.Client{
			Transport: otelhttp.NewTransport(base, otelhttp.WithSpanNameFormatter(spanName)),
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		}
	}
	return &Transport{
		endpoint:   cfg.Endpoint,
		projectKey: cfg.ProjectKey,
		client:     client,
	}
}

// Post serializes payload to JSON, signs the bytes and POSTs them to path.
func (t *Transport) Post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signing.Sign(t.projectKey, body))
	req.Header.Set(HeaderProjectKey, t.projectKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	return nil
}

// spanName names the client span otelhttp opens for each collector POST.
func spanName(_ string, r *http.Request) string {
	return "beacon.post " + r.URL.Path
}
