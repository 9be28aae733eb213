// Package debug holds the process-wide trace switches. Trace lines are
// free-form and sit beside the structured log; they go to stderr so that
// tools writing data to stdout stay parseable.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Options are the trace switches, usually taken from flags and settings.
type Options struct {
	Enabled bool // General trace lines (hello, config changes)
	Frames  bool // One line per processed frame; very verbose at 50 fps
}

var (
	enabled atomic.Bool
	frames  atomic.Bool

	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// Configure sets the switches. Frame tracing implies general tracing.
func Configure(o Options) {
	frames.Store(o.Frames)
	enabled.Store(o.Enabled || o.Frames)
}

// SetOutput redirects trace lines and returns a func that restores the
// previous writer.
func SetOutput(w io.Writer) (restore func()) {
	mu.Lock()
	prev := out
	out = w
	mu.Unlock()
	return func() {
		mu.Lock()
		out = prev
		mu.Unlock()
	}
}

// Enabled reports whether general tracing is on.
func Enabled() bool {
	return enabled.Load()
}

// FramesEnabled reports whether per-frame tracing is on.
func FramesEnabled() bool {
	return frames.Load()
}

// Log writes a trace line when tracing is on.
func Log(format string, args ...interface{}) {
	if enabled.Load() {
		write(format, args)
	}
}

// Frame writes a per-frame trace line when frame tracing is on.
func Frame(format string, args ...interface{}) {
	if frames.Load() {
		write(format, args)
	}
}

// write keeps lines from concurrent streams whole.
func write(format string, args []interface{}) {
	mu.Lock()
	fmt.Fprintf(out, format, args...)
	mu.Unlock()
}
