package baseline

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calibrated(t *testing.T, values []float64, clusters []int) *Baseline {
	t.Helper()
	require.Equal(t, len(values), len(clusters))
	b := New(DefaultConfig())
	for i := range values {
		b.Calibrate(values[i], clusters[i])
	}
	b.Finish()
	require.True(t, b.Ready())
	return b
}

func TestBaseline_FinishComputesMoments(t *testing.T) {
	t.Parallel()

	b := calibrated(t, []float64{2, 4, 4, 4, 5, 5, 7, 9}, []int{0, 0, 0, 0, 0, 0, 0, 0})

	assert.InDelta(t, 5.0, b.Mean(ChangePercent), 1e-9)
	assert.InDelta(t, math.Sqrt(32.0/7.0), b.StdDev(ChangePercent), 1e-9)
	assert.Equal(t, 0.0, b.StdDev(ClusterCount))
	assert.Equal(t, 0, b.Samples(), "calibration samples are released")
}

func TestBaseline_WithinAndExceeds(t *testing.T) {
	t.Parallel()

	b := calibrated(t, []float64{2, 4, 4, 4, 5, 5, 7, 9}, []int{0, 0, 0, 0, 0, 0, 0, 0})

	assert.True(t, b.IsWithinBaseline(11, ChangePercent))
	assert.False(t, b.IsWithinBaseline(12, ChangePercent))
	assert.True(t, b.Exceeds(12, ChangePercent))
	assert.False(t, b.Exceeds(-2, ChangePercent), "Exceeds is one-sided")
	assert.False(t, b.IsWithinBaseline(-2, ChangePercent))
}

func TestBaseline_StdFloor(t *testing.T) {
	t.Parallel()

	// A perfectly static calibration has zero variance; the floor keeps a
	// single extra cluster from counting as anomalous.
	b := calibrated(t, []float64{0, 0, 0}, []int{0, 0, 0})

	assert.True(t, b.IsWithinBaseline(1, ClusterCount))
	assert.False(t, b.IsWithinBaseline(2, ClusterCount))
	assert.True(t, b.IsWithinBaseline(3, ChangePercent))
	assert.True(t, b.Exceeds(3.5, ChangePercent))
}

func TestBaseline_ObserveEWMA(t *testing.T) {
	t.Parallel()

	b := calibrated(t, []float64{5, 5, 5}, []int{1, 1, 1})
	b.Observe(10, 1)

	assert.InDelta(t, 5.1, b.Mean(ChangePercent), 1e-9)
	// var = (1-a) * (0 + diff*incr) = 0.98 * 5 * 0.1
	assert.InDelta(t, math.Sqrt(0.98*0.5), b.StdDev(ChangePercent), 1e-9)
	assert.InDelta(t, 1.0, b.Mean(ClusterCount), 1e-9)

	for i := 0; i < 1000; i++ {
		b.Observe(20, 1)
	}
	assert.InDelta(t, 20.0, b.Mean(ChangePercent), 0.01, "mean converges to a new steady level")
}

func TestBaseline_HalfLife(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HalfLifeMs = 1000
	b := New(cfg)
	b.Calibrate(0, 0)
	b.Finish()

	assert.Equal(t, 0.0, b.Alpha(0))
	assert.InDelta(t, 0.5, b.Alpha(1000), 1e-12)

	// One half-life moves the mean halfway to the new level.
	b.ObserveFor(1000, 1, 10, 2)
	assert.InDelta(t, 5.0, b.Mean(ChangePercent), 1e-9)
	assert.InDelta(t, 1.0, b.Mean(ClusterCount), 1e-9)
	assert.Equal(t, 1, b.Snapshot().Observed)
}

func TestBaseline_HalfLifeIgnoresFrameRate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HalfLifeMs = 2000
	fast, slow := New(cfg), New(cfg)
	for _, b := range []*Baseline{fast, slow} {
		b.Calibrate(0, 0)
		b.Finish()
	}

	// Four seconds of the same step input, at 100 fps and at 5 fps.
	for i := 0; i < 400; i++ {
		fast.ObserveFor(10, 1, 40, 0)
	}
	for i := 0; i < 20; i++ {
		slow.ObserveFor(200, 1, 40, 0)
	}

	assert.InDelta(t, 30.0, fast.Mean(ChangePercent), 1e-6, "two half-lives close three quarters of the gap")
	assert.InDelta(t, fast.Mean(ChangePercent), slow.Mean(ChangePercent), 1e-6)
}

func TestBaseline_ObserveForWeight(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HalfLifeMs = 1000
	b := New(cfg)
	b.Calibrate(0, 0)
	b.Finish()

	b.ObserveFor(1000, 0.5, 10, 0)
	assert.InDelta(t, 2.5, b.Mean(ChangePercent), 1e-9)

	// Without a half-life every frame weighs Alpha.
	cfg.HalfLifeMs = 0
	perFrame := New(cfg)
	perFrame.Calibrate(0, 0)
	perFrame.Finish()
	assert.Equal(t, cfg.Alpha, perFrame.Alpha(5000))
	perFrame.ObserveFor(5000, 1, 10, 0)
	assert.InDelta(t, 10*cfg.Alpha, perFrame.Mean(ChangePercent), 1e-9)
}

func TestBaseline_SingleSample(t *testing.T) {
	t.Parallel()

	b := calibrated(t, []float64{3}, []int{2})
	assert.Equal(t, 3.0, b.Mean(ChangePercent))
	assert.Equal(t, 2.0, b.Mean(ClusterCount))
	assert.Equal(t, 0.0, b.StdDev(ChangePercent))
}

func TestBaseline_Reset(t *testing.T) {
	t.Parallel()

	b := calibrated(t, []float64{1, 2, 3}, []int{0, 1, 0})
	b.Remember(image.Rect(0, 0, 16, 16), 10)
	require.Equal(t, 1, b.KnownPatterns())

	b.Reset()
	assert.False(t, b.Ready())
	assert.Equal(t, 0.0, b.Mean(ChangePercent))
	assert.Equal(t, 0, b.KnownPatterns())
	assert.Equal(t, Snapshot{}, b.Snapshot())
}

func TestPatterns_MatchAndRemember(t *testing.T) {
	t.Parallel()

	b := New(DefaultConfig())
	r := image.Rect(8, 8, 24, 24)
	assert.False(t, b.Match(r))

	b.Remember(r, 0)
	assert.True(t, b.Match(r))
	assert.True(t, b.Match(image.Rect(8, 8, 24, 20)), "IoU 0.75 matches")
	assert.False(t, b.Match(image.Rect(16, 16, 32, 32)), "IoU 1/7 does not match")

	// Remembering an overlapping region refreshes rather than duplicates.
	b.Remember(image.Rect(8, 8, 24, 22), 20)
	assert.Equal(t, 1, b.KnownPatterns())
}

func TestPatterns_EvictsLeastRecentlySeen(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxPatterns = 2
	b := New(cfg)

	a := image.Rect(0, 0, 8, 8)
	c := image.Rect(100, 0, 108, 8)
	d := image.Rect(200, 0, 208, 8)

	b.Remember(a, 0)
	b.Remember(c, 10)
	b.Remember(a, 20) // refresh a
	b.Remember(d, 30) // evicts c

	assert.Equal(t, 2, b.KnownPatterns())
	assert.True(t, b.Match(a))
	assert.False(t, b.Match(c))
	assert.True(t, b.Match(d))
}

func TestIoU(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, IoU(image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10)))
	assert.Equal(t, 0.0, IoU(image.Rect(0, 0, 10, 10), image.Rect(10, 10, 20, 20)))
	assert.InDelta(t, 25.0/175.0, IoU(image.Rect(0, 0, 10, 10), image.Rect(5, 5, 15, 15)), 1e-9)
}
