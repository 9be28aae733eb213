// Package frame holds camera frames and the fixed-window buffer the scene
// filter compares against.
package frame

import (
	"errors"
	"fmt"
)

// Sentinel errors for frame handling.
var (
	// ErrInvalidFrame is returned when a frame's geometry and pixel data disagree.
	ErrInvalidFrame = errors.New("frame: invalid frame")

	// ErrOutOfOrderFrame is returned when a frame is not newer than the buffer's newest entry.
	ErrOutOfOrderFrame = errors.New("frame: out of order frame")
)

// Frame is an immutable capture. Pixels are interleaved and row-major.
type Frame struct {
	Width     int    // Pixels per row
	Height    int    // Rows
	Channels  int    // Bytes per pixel (1 = gray, 3 = RGB/BGR)
	Pix       []byte // len == Width*Height*Channels
	Timestamp int64  // Monotonic milliseconds
}

// New validates geometry and returns a Frame. The pixel slice is owned by
// the frame from here on; callers must not modify it.
func New(width, height, channels int, pix []byte, timestamp int64) (Frame, error) {
	f := Frame{
		Width:     width,
		Height:    height,
		Channels:  channels,
		Pix:       pix,
		Timestamp: timestamp,
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks that the geometry is positive and matches the pixel data.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrInvalidFrame, f.Width, f.Height, f.Channels)
	}
	if len(f.Pix) != f.Width*f.Height*f.Channels {
		return fmt.Errorf("%w: have %d bytes, want %d",
			ErrInvalidFrame, len(f.Pix), f.Width*f.Height*f.Channels)
	}
	return nil
}

// SameShape reports whether two frames have identical width, height and channel count.
func (f Frame) SameShape(other Frame) bool {
	return f.Width == other.Width && f.Height == other.Height && f.Channels == other.Channels
}

// Shape returns a short "WxHxC" description used in errors and logs.
func (f Frame) Shape() string {
	return fmt.Sprintf("%dx%dx%d", f.Width, f.Height, f.Channels)
}

// At returns the byte for pixel (x, y) and channel c. No bounds checking.
func (f Frame) At(x, y, c int) byte {
	return f.Pix[(y*f.Width+x)*f.Channels+c]
}
