package beacon

import (
	"net/http"
)

// Middleware returns an HTTP middleware that captures panics escaping the
// wrapped handler, tagged with the route and request details, and then
// re-panics so the server's own recovery still runs. It buffers nothing.
func (c *Client) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec != http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					c.safely(func() {
						c.CaptureException(&PanicError{Value: rec}, requestCaptureOptions(r))
					})
				}
				panic(rec)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CaptureRequestError records err with the same request context the
// middleware attaches to panics. Use it for handler errors that are turned
// into responses instead of panics.
func (c *Client) CaptureRequestError(r *http.Request, err error) {
	c.CaptureException(err, requestCaptureOptions(r))
}

func requestCaptureOptions(r *http.Request) *CaptureOptions {
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	return &CaptureOptions{
		Procedure: route,
		Metadata: map[string]any{
			"method":       r.Method,
			"query_string": r.URL.RawQuery,
			"remote_addr":  r.RemoteAddr,
		},
	}
}
