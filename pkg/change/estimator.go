// Package change computes block difference maps between the newest frame in
// a buffer and the oldest frame still inside its window.
package change

import (
	"errors"
	"fmt"
	"image"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
)

// Sentinel errors for change estimation.
var (
	// ErrBufferUnderflow is returned when fewer than two frames are buffered.
	// Expected during warm-up.
	ErrBufferUnderflow = errors.New("change: buffer underflow")

	// ErrDimensionMismatch is returned when the compared frames differ in shape.
	ErrDimensionMismatch = errors.New("change: dimension mismatch")
)

// DimensionError describes a shape mismatch between two compared frames.
type DimensionError struct {
	Newest string // Shape of the newest frame
	Oldest string // Shape of the reference frame
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	return fmt.Sprintf("change: dimension mismatch: newest %s, reference %s", e.Newest, e.Oldest)
}

// Unwrap returns ErrDimensionMismatch.
func (e *DimensionError) Unwrap() error {
	return ErrDimensionMismatch
}

// Default estimator parameters.
const (
	DefaultBlockSize = 8
	DefaultThreshold = 25.0 // Mean absolute difference on the 0-255 scale
)

// Estimator partitions frames into square blocks and marks a block changed
// when its mean absolute difference exceeds Threshold.
type Estimator struct {
	BlockSize int
	Threshold float64
}

// NewEstimator creates an estimator, falling back to defaults for zero values.
func NewEstimator(blockSize int, threshold float64) *Estimator {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Estimator{BlockSize: blockSize, Threshold: threshold}
}

// Map is the per-frame difference grid. It is transient: it is rebuilt for
// every frame and never retained.
type Map struct {
	Cols, Rows    int
	BlockSize     int
	Width, Height int

	Diff    []float64 // Mean absolute difference per block, row-major
	Changed []bool    // Diff > threshold

	ChangedBlocks int
	ChangePercent float64 // 100 * ChangedBlocks / (Cols*Rows)
	MeanMagnitude float64 // Mean of Diff over all blocks

	Newest frame.Frame
	Oldest frame.Frame
}

// Estimate compares the buffer's newest frame against its oldest frame.
func (e *Estimator) Estimate(buf *frame.Buffer) (*Map, error) {
	if buf.Len() < 2 {
		return nil, ErrBufferUnderflow
	}
	newest, _ := buf.Newest()
	oldest, _ := buf.Oldest()
	return e.Compare(newest, oldest)
}

// Compare builds a difference map between two frames of identical shape.
func (e *Estimator) Compare(newest, oldest frame.Frame) (*Map, error) {
	if !newest.SameShape(oldest) {
		return nil, &DimensionError{Newest: newest.Shape(), Oldest: oldest.Shape()}
	}

	bs := e.BlockSize
	cols := (newest.Width + bs - 1) / bs
	rows := (newest.Height + bs - 1) / bs

	m := &Map{
		Cols:      cols,
		Rows:      rows,
		BlockSize: bs,
		Width:     newest.Width,
		Height:    newest.Height,
		Diff:      make([]float64, cols*rows),
		Changed:   make([]bool, cols*rows),
		Newest:    newest,
		Oldest:    oldest,
	}

	// Accumulate absolute differences per block in one pass over the pixels.
	sums := make([]uint64, cols*rows)
	ch := newest.Channels
	for y := 0; y < newest.Height; y++ {
		rowBase := (y / bs) * cols
		off := y * newest.Width * ch
		for x := 0; x < newest.Width; x++ {
			idx := rowBase + x/bs
			for c := 0; c < ch; c++ {
				a := int(newest.Pix[off])
				b := int(oldest.Pix[off])
				if a > b {
					sums[idx] += uint64(a - b)
				} else {
					sums[idx] += uint64(b - a)
				}
				off++
			}
		}
	}

	var total float64
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			i := row*cols + col
			samples := m.BlockPixels(col, row) * ch
			d := float64(sums[i]) / float64(samples)
			m.Diff[i] = d
			total += d
			if d > e.Threshold {
				m.Changed[i] = true
				m.ChangedBlocks++
			}
		}
	}

	n := float64(cols * rows)
	m.ChangePercent = 100 * float64(m.ChangedBlocks) / n
	m.MeanMagnitude = total / n
	return m, nil
}

// Index returns the slice index of block (col, row).
func (m *Map) Index(col, row int) int {
	return row*m.Cols + col
}

// IsChanged reports whether block (col, row) exceeded the threshold.
func (m *Map) IsChanged(col, row int) bool {
	return m.Changed[m.Index(col, row)]
}

// BlockRect returns the pixel rectangle covered by block (col, row),
// clipped to the frame.
func (m *Map) BlockRect(col, row int) image.Rectangle {
	x0, y0 := col*m.BlockSize, row*m.BlockSize
	x1 := min(x0+m.BlockSize, m.Width)
	y1 := min(y0+m.BlockSize, m.Height)
	return image.Rect(x0, y0, x1, y1)
}

// BlockPixels returns the number of pixels in block (col, row).
func (m *Map) BlockPixels(col, row int) int {
	r := m.BlockRect(col, row)
	return r.Dx() * r.Dy()
}
