// Package cvcam reads grayscale frames from an OpenCV video device, file or
// stream URL.
package cvcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-scenefilter/pkg/capture"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
)

// ErrReadFailed is returned when the device stops producing frames.
var ErrReadFailed = errors.New("cvcam: read failed")

// Config selects and shapes the capture.
type Config struct {
	// Device is a camera index ("0") or a file path / stream URL.
	Device string
	// Width and Height resize every frame. Zero keeps the native size.
	Width  int
	Height int
	// FPS requested from the device; 0 leaves the driver default.
	FPS float64
	// MaxReadFailures ends the capture after this many consecutive empty reads.
	MaxReadFailures int
}

// DefaultConfig returns settings for the first local camera at the
// filter's native 64x64 resolution.
func DefaultConfig() Config {
	return Config{
		Device:          "0",
		Width:           64,
		Height:          64,
		FPS:             50,
		MaxReadFailures: 30,
	}
}

// Camera is a capture.Source backed by gocv.
type Camera struct {
	cfg    Config
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	raw    gocv.Mat
	gray   gocv.Mat
	sized  gocv.Mat
	clock  *capture.Clock
	logger *slog.Logger
}

// Open opens the device described by cfg.
func Open(cfg Config) (*Camera, error) {
	return OpenWithLogger(slog.Default(), cfg)
}

// OpenWithLogger opens the device with a custom logger.
func OpenWithLogger(logger *slog.Logger, cfg Config) (*Camera, error) {
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 30
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.VideoCaptureFile(cfg.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("cvcam: open %q: %w", cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("cvcam: device %q not opened", cfg.Device)
	}

	// Keep only the newest frame in the driver queue.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}

	logger = logger.With("component", "cvcam", "device", cfg.Device)
	logger.Info("camera opened",
		"native_width", vc.Get(gocv.VideoCaptureFrameWidth),
		"native_height", vc.Get(gocv.VideoCaptureFrameHeight),
		"fps", vc.Get(gocv.VideoCaptureFPS),
	)

	return &Camera{
		cfg:    cfg,
		vc:     vc,
		raw:    gocv.NewMat(),
		gray:   gocv.NewMat(),
		sized:  gocv.NewMat(),
		clock:  capture.NewClock(),
		logger: logger,
	}, nil
}

// Read grabs the next frame and converts it to 8-bit luma.
func (c *Camera) Read(ctx context.Context) (frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return frame.Frame{}, capture.ErrClosed
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		if ok := c.vc.Read(&c.raw); ok && !c.raw.Empty() {
			break
		}
		failures++
		if failures >= c.cfg.MaxReadFailures {
			return frame.Frame{}, fmt.Errorf("%w after %d attempts", ErrReadFailed, failures)
		}
	}
	ts := c.clock.Stamp()

	src := c.raw
	if src.Channels() > 1 {
		gocv.CvtColor(c.raw, &c.gray, gocv.ColorBGRToGray)
		src = c.gray
	}
	if c.cfg.Width > 0 && c.cfg.Height > 0 && (src.Cols() != c.cfg.Width || src.Rows() != c.cfg.Height) {
		gocv.Resize(src, &c.sized, image.Pt(c.cfg.Width, c.cfg.Height), 0, 0, gocv.InterpolationArea)
		src = c.sized
	}

	// ToBytes copies, so the Mats can be reused for the next read.
	return frame.New(src.Cols(), src.Rows(), 1, src.ToBytes(), ts)
}

// Close releases the device and its buffers.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.raw.Close()
	c.gray.Close()
	c.sized.Close()
	c.vc = nil
	c.logger.Info("camera closed")
	return err
}

var _ capture.Source = (*Camera)(nil)
