package beacon

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// PanicError wraps a recovered panic value so it can be captured as an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return panicMessage(e.Value)
}

// panicMessage renders a recovered value the way it would print.
func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}

// newEvent assembles an event map. Optional fields appear only when set,
// and extra keys never replace a field already present.
func (c *Client) newEvent(errorType, message string, opts *CaptureOptions) map[string]any {
	if opts == nil {
		opts = &CaptureOptions{}
	}
	source := opts.Source
	if source == "" {
		source = c.source
	}

	ev := map[string]any{
		"timestamp":   c.now().UnixMilli(),
		"source":      source,
		"environment": c.cfg.Environment,
		"error_type":  errorType,
		"message":     message,
	}
	if c.cfg.Release != "" {
		ev["release"] = c.cfg.Release
	}
	if opts.Stack != "" {
		ev["stack"] = opts.Stack
	}
	if opts.Procedure != "" {
		ev["procedure"] = opts.Procedure
	}
	if opts.Screen != "" {
		ev["screen"] = opts.Screen
	}
	if len(opts.Metadata) > 0 {
		ev["metadata"] = opts.Metadata
	}
	for k, v := range opts.Extra {
		if _, taken := ev[k]; !taken {
			ev[k] = v
		}
	}
	return ev
}

// errorTypeName names an error by its dynamic type, e.g. "fs.PathError".
func errorTypeName(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		if inner, ok := pe.Value.(error); ok {
			return errorTypeName(inner)
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// stackOf returns the stack recorded in err by github.com/pkg/errors, or
// the current goroutine's stack with skip frames dropped.
func stackOf(err error, skip int) string {
	var st stackTracer
	if errors.As(err, &st) {
		trace := st.StackTrace()
		pcs := make([]uintptr, len(trace))
		for i, f := range trace {
			pcs[i] = uintptr(f)
		}
		return formatStack(pcs)
	}

	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	return formatStack(pcs[:n])
}

// formatStack renders one frame per line as "file:line in function".
func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var lines []string
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			lines = append(lines, fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(lines, "\n")
}
