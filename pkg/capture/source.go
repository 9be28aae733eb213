// Package capture produces frames for the scene filter: from synthetic
// scenarios here and from OpenCV cameras in capture/cvcam.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture: source closed")

// Source yields frames in timestamp order. Read blocks until a frame is
// available and returns io.EOF when a finite source is exhausted.
type Source interface {
	Read(ctx context.Context) (frame.Frame, error)
	Close() error
}

// Stats counts what a Pump saw.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Blank   uint64 `json:"blank"`   // Skipped by SkipBlank
	Refused uint64 `json:"refused"` // Sink returned false
}

// Pump reads from src and hands frames to sink until ctx is done or the
// source ends or fails. Blank frames (dead or warming-up camera) are
// skipped when skipBlank is set. io.EOF ends the pump without error.
func Pump(ctx context.Context, src Source, skipBlank bool, sink func(frame.Frame) bool) (Stats, error) {
	var stats Stats
	logger := slog.Default().With("component", "capture")

	for {
		f, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, err
		}

		if skipBlank && frame.IsBlank(f) {
			stats.Blank++
			if stats.Blank == 1 {
				logger.Warn("blank frames from source, skipping", "ts", f.Timestamp)
			}
			continue
		}
		stats.Frames++
		if !sink(f) {
			stats.Refused++
		}
	}
}

// Clock hands out strictly increasing millisecond timestamps relative to
// its creation.
type Clock struct {
	start time.Time
	last  int64
	now   func() time.Time
}

// NewClock starts a clock at zero.
func NewClock() *Clock {
	return &Clock{start: time.Now(), last: -1, now: time.Now}
}

// Stamp returns the next timestamp. Two reads within the same millisecond
// get consecutive values.
func (c *Clock) Stamp() int64 {
	ts := c.now().Sub(c.start).Milliseconds()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
