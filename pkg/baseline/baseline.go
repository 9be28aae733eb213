// Package baseline learns what "normal" change looks like for a scene: the
// mean and variance of the aggregate change percentage and of the number of
// clusters per frame, plus a bounded memory of regions where known movement
// happens.
package baseline

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metric selects one of the tracked statistics.
type Metric int

const (
	// ChangePercent is the aggregate percentage of changed blocks.
	ChangePercent Metric = iota
	// ClusterCount is the number of clusters per frame (cluster churn).
	ClusterCount
)

// String returns the metric name.
func (m Metric) String() string {
	switch m {
	case ChangePercent:
		return "change_percent"
	case ClusterCount:
		return "cluster_count"
	default:
		return "unknown"
	}
}

const numMetrics = 2

// maxCalibrationSamples bounds calibration memory regardless of its duration.
const maxCalibrationSamples = 4096

// Config holds baseline tuning.
type Config struct {
	Sigma        float64 // k: how many standard deviations count as "within"
	Alpha        float64 // EWMA weight of each new observation (0-1)
	HalfLifeMs   int64   // When > 0, ObserveFor weighs by elapsed time instead of Alpha
	ChangeFloor  float64 // Minimum std dev for ChangePercent
	ClusterFloor float64 // Minimum std dev for ClusterCount

	MaxPatterns int     // Known-pattern capacity
	PatternIoU  float64 // Minimum overlap for a region to match a pattern
}

// DefaultConfig returns the recommended baseline tuning.
func DefaultConfig() Config {
	return Config{
		Sigma:        3,
		Alpha:        0.02,
		HalfLifeMs:   30000,
		ChangeFloor:  1.0,
		ClusterFloor: 0.5,
		MaxPatterns:  32,
		PatternIoU:   0.5,
	}
}

type moments struct {
	mean     float64
	variance float64
}

// Baseline holds learned scene statistics. It is not safe for concurrent use;
// the scene state machine owns it.
type Baseline struct {
	cfg Config

	calib    [numMetrics][]float64
	stats    [numMetrics]moments
	ready    bool
	observed int

	patterns *patternSet
}

// New creates an empty baseline.
func New(cfg Config) *Baseline {
	if cfg.Sigma <= 0 {
		cfg.Sigma = 3
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.02
	}
	if cfg.HalfLifeMs < 0 {
		cfg.HalfLifeMs = 0
	}
	return &Baseline{
		cfg:      cfg,
		patterns: newPatternSet(cfg.MaxPatterns, cfg.PatternIoU),
	}
}

// Calibrate records one unweighted calibration sample.
func (b *Baseline) Calibrate(changePct float64, clusterCount int) {
	if len(b.calib[ChangePercent]) >= maxCalibrationSamples {
		return
	}
	b.calib[ChangePercent] = append(b.calib[ChangePercent], changePct)
	b.calib[ClusterCount] = append(b.calib[ClusterCount], float64(clusterCount))
}

// Samples returns the number of calibration samples collected so far.
func (b *Baseline) Samples() int {
	return len(b.calib[ChangePercent])
}

// Finish turns calibration samples into the initial mean/variance estimate
// and releases the sample memory.
func (b *Baseline) Finish() {
	for m := range b.calib {
		xs := b.calib[m]
		switch len(xs) {
		case 0:
			b.stats[m] = moments{}
		case 1:
			b.stats[m] = moments{mean: xs[0]}
		default:
			mean, variance := stat.MeanVariance(xs, nil)
			b.stats[m] = moments{mean: mean, variance: variance}
		}
		b.calib[m] = nil
	}
	b.ready = true
}

// Ready reports whether calibration has finished.
func (b *Baseline) Ready() bool {
	return b.ready
}

// Observe folds one post-calibration frame into the exponentially weighted
// statistics with weight Alpha.
func (b *Baseline) Observe(changePct float64, clusterCount int) {
	b.fold(b.cfg.Alpha, changePct, clusterCount)
}

// ObserveFor folds in a frame that stands for elapsedMs of scene time. With a
// half-life configured, the observation weight is the fraction of the old
// statistics that decays over elapsedMs, so how fast the baseline forgets
// does not depend on frame rate. weight scales the result; 1 is a normal
// frame.
func (b *Baseline) ObserveFor(elapsedMs int64, weight, changePct float64, clusterCount int) {
	b.fold(b.Alpha(elapsedMs)*weight, changePct, clusterCount)
}

// Alpha returns the observation weight for a frame covering elapsedMs.
func (b *Baseline) Alpha(elapsedMs int64) float64 {
	if b.cfg.HalfLifeMs <= 0 {
		return b.cfg.Alpha
	}
	if elapsedMs <= 0 {
		return 0
	}
	return -math.Expm1(-math.Ln2 * float64(elapsedMs) / float64(b.cfg.HalfLifeMs))
}

func (b *Baseline) fold(alpha, changePct float64, clusterCount int) {
	alpha = math.Min(math.Max(alpha, 0), 1)
	b.observe(ChangePercent, changePct, alpha)
	b.observe(ClusterCount, float64(clusterCount), alpha)
	b.observed++
}

func (b *Baseline) observe(m Metric, x, alpha float64) {
	s := &b.stats[m]
	diff := x - s.mean
	incr := alpha * diff
	s.mean += incr
	s.variance = (1 - alpha) * (s.variance + diff*incr)
}

// Mean returns the current mean of a metric.
func (b *Baseline) Mean(m Metric) float64 {
	return b.stats[m].mean
}

// StdDev returns the current standard deviation of a metric, before flooring.
func (b *Baseline) StdDev(m Metric) float64 {
	return math.Sqrt(b.stats[m].variance)
}

// tolerance is k standard deviations, never below the metric's floor.
func (b *Baseline) tolerance(m Metric) float64 {
	floor := b.cfg.ChangeFloor
	if m == ClusterCount {
		floor = b.cfg.ClusterFloor
	}
	return b.cfg.Sigma * math.Max(b.StdDev(m), floor)
}

// IsWithinBaseline reports whether value lies within k standard deviations
// of the metric's mean.
func (b *Baseline) IsWithinBaseline(value float64, m Metric) bool {
	return math.Abs(value-b.stats[m].mean) <= b.tolerance(m)
}

// Exceeds reports whether value is more than k standard deviations above the
// metric's mean.
func (b *Baseline) Exceeds(value float64, m Metric) bool {
	return value > b.stats[m].mean+b.tolerance(m)
}

// Snapshot is a copy of the learned statistics for observers.
type Snapshot struct {
	Ready         bool    `json:"ready"`
	Samples       int     `json:"samples"`
	Observed      int     `json:"observed"`
	ChangeMean    float64 `json:"change_mean"`
	ChangeStdDev  float64 `json:"change_std_dev"`
	ClusterMean   float64 `json:"cluster_mean"`
	ClusterStdDev float64 `json:"cluster_std_dev"`
	KnownPatterns int     `json:"known_patterns"`
}

// Snapshot returns the current statistics.
func (b *Baseline) Snapshot() Snapshot {
	return Snapshot{
		Ready:         b.ready,
		Samples:       b.Samples(),
		Observed:      b.observed,
		ChangeMean:    b.Mean(ChangePercent),
		ChangeStdDev:  b.StdDev(ChangePercent),
		ClusterMean:   b.Mean(ClusterCount),
		ClusterStdDev: b.StdDev(ClusterCount),
		KnownPatterns: b.patterns.len(),
	}
}

// Reset forgets everything learned, including known patterns.
func (b *Baseline) Reset() {
	b.calib = [numMetrics][]float64{}
	b.stats = [numMetrics]moments{}
	b.ready = false
	b.observed = 0
	b.patterns.clear()
}
