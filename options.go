package beacon

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds the extension points after applying defaults.
type resolvedOptions struct {
	logger     *slog.Logger
	httpClient *http.Client
	poster     Poster
	now        func() time.Time
	source     string
}

// WithLogger sets the structured logger used for delivery diagnostics.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithHTTPClient replaces the HTTP client used to reach the collector.
// The caller's client must carry its own timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithTransport replaces the signed HTTP transport entirely.
func WithTransport(p Poster) Option {
	return func(o *resolvedOptions) { o.poster = p }
}

// WithNowFunc sets the clock used for timestamps and latency.
func WithNowFunc(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}

// WithSource sets the default event source tag (DefaultSource otherwise).
func WithSource(source string) Option {
	return func(o *resolvedOptions) { o.source = source }
}
