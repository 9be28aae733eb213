package change

import (
	"errors"
	"testing"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
)

const floatTolerance = 1e-9

func grayFrame(w, h int, v byte, ts int64) frame.Frame {
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = v
	}
	f, _ := frame.New(w, h, 1, pix, ts)
	return f
}

// withSquare returns a copy of f with a size x size square at (x0, y0) set to v.
func withSquare(f frame.Frame, x0, y0, size int, v byte, ts int64) frame.Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			pix[y*f.Width+x] = v
		}
	}
	out, _ := frame.New(f.Width, f.Height, f.Channels, pix, ts)
	return out
}

func TestEstimate_Underflow(t *testing.T) {
	e := NewEstimator(8, 25)
	buf := frame.NewBuffer(100, 20, 1)

	if _, err := e.Estimate(buf); !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("empty buffer: error = %v, want ErrBufferUnderflow", err)
	}
	buf.Push(grayFrame(16, 16, 0, 0))
	if _, err := e.Estimate(buf); !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("one frame: error = %v, want ErrBufferUnderflow", err)
	}
}

func TestEstimate_IdenticalFrames(t *testing.T) {
	e := NewEstimator(8, 25)
	buf := frame.NewBuffer(100, 20, 1)
	buf.Push(grayFrame(64, 64, 90, 0))
	buf.Push(grayFrame(64, 64, 90, 20))

	m, err := e.Estimate(buf)
	if err != nil {
		t.Fatalf("Estimate error: %v", err)
	}
	if m.Cols != 8 || m.Rows != 8 {
		t.Errorf("grid = %dx%d, want 8x8", m.Cols, m.Rows)
	}
	if m.ChangePercent != 0 || m.ChangedBlocks != 0 {
		t.Errorf("identical frames: change = %v%% (%d blocks), want 0", m.ChangePercent, m.ChangedBlocks)
	}
}

func TestEstimate_SquareChange(t *testing.T) {
	e := NewEstimator(8, 25)
	base := grayFrame(64, 64, 0, 0)
	buf := frame.NewBuffer(100, 20, 1)
	buf.Push(base)
	// 10x10 square at (20,20) touches blocks (2,2), (3,2), (2,3), (3,3).
	buf.Push(withSquare(base, 20, 20, 10, 255, 20))

	m, err := e.Estimate(buf)
	if err != nil {
		t.Fatalf("Estimate error: %v", err)
	}
	if m.ChangedBlocks != 4 {
		t.Fatalf("ChangedBlocks = %d, want 4", m.ChangedBlocks)
	}
	if diff := m.ChangePercent - 6.25; diff > floatTolerance || diff < -floatTolerance {
		t.Errorf("ChangePercent = %v, want 6.25", m.ChangePercent)
	}
	for _, b := range [][2]int{{2, 2}, {3, 2}, {2, 3}, {3, 3}} {
		if !m.IsChanged(b[0], b[1]) {
			t.Errorf("block %v should be changed", b)
		}
	}
	// Block (3,3) overlaps 6x6 pixels of the square.
	want := 255.0 * 36 / 64
	if got := m.Diff[m.Index(3, 3)]; got-want > floatTolerance || want-got > floatTolerance {
		t.Errorf("Diff(3,3) = %v, want %v", got, want)
	}
}

func TestEstimate_ComparesAgainstOldest(t *testing.T) {
	e := NewEstimator(8, 25)
	buf := frame.NewBuffer(100, 20, 1)
	buf.Push(grayFrame(16, 16, 0, 0))
	buf.Push(grayFrame(16, 16, 200, 20))
	buf.Push(grayFrame(16, 16, 0, 40))

	m, err := e.Estimate(buf)
	if err != nil {
		t.Fatalf("Estimate error: %v", err)
	}
	if m.ChangePercent != 0 {
		t.Errorf("newest equals oldest, ChangePercent = %v, want 0", m.ChangePercent)
	}
	if m.Oldest.Timestamp != 0 || m.Newest.Timestamp != 40 {
		t.Errorf("compared %d vs %d, want 40 vs 0", m.Newest.Timestamp, m.Oldest.Timestamp)
	}
}

func TestEstimate_PartialEdgeBlocks(t *testing.T) {
	e := NewEstimator(8, 25)
	buf := frame.NewBuffer(100, 20, 1)
	buf.Push(grayFrame(20, 10, 0, 0))
	buf.Push(grayFrame(20, 10, 100, 20))

	m, err := e.Estimate(buf)
	if err != nil {
		t.Fatalf("Estimate error: %v", err)
	}
	if m.Cols != 3 || m.Rows != 2 {
		t.Errorf("grid = %dx%d, want 3x2", m.Cols, m.Rows)
	}
	if m.BlockPixels(2, 1) != 4*2 {
		t.Errorf("corner block pixels = %d, want 8", m.BlockPixels(2, 1))
	}
	if m.ChangePercent != 100 {
		t.Errorf("ChangePercent = %v, want 100", m.ChangePercent)
	}
}

func TestEstimate_DimensionMismatch(t *testing.T) {
	e := NewEstimator(8, 25)
	buf := frame.NewBuffer(100, 20, 1)
	buf.Push(grayFrame(64, 64, 0, 0))
	buf.Push(grayFrame(32, 32, 0, 20))

	_, err := e.Estimate(buf)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("error should be *DimensionError, got %T", err)
	}
	if dimErr.Newest != "32x32x1" || dimErr.Oldest != "64x64x1" {
		t.Errorf("DimensionError = %+v", dimErr)
	}
}
