package beacon

import (
	"context"
	"net/http"
)

// Poster delivers one JSON payload to one collector path. The default
// implementation signs and POSTs over HTTP; WithTransport swaps it out.
// Implementations are called from background goroutines and their errors
// are logged and dropped.
type Poster interface {
	Post(ctx context.Context, path string, payload any) error
}

// Middleware wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler
