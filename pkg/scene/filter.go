package scene

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-scenefilter/pkg/change"
	"github.com/teslashibe/go-scenefilter/pkg/cluster"
	"github.com/teslashibe/go-scenefilter/pkg/debug"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/tracking"
)

// Filter is the owning context for one camera stream: frame buffer,
// estimator, grouper, tracker and state machine. Process is serialized;
// Snapshot, Stats and Config may be called from any goroutine.
type Filter struct {
	mu sync.Mutex

	cfg     Config
	buf     *frame.Buffer
	est     *change.Estimator
	grouper *cluster.Grouper
	tracker *tracking.Tracker
	machine *Machine

	stats Stats
	snap  atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  []chan Decision

	logger *slog.Logger
}

// NewFilter creates a filter with the given configuration.
func NewFilter(cfg Config) (*Filter, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	f := &Filter{
		logger: slog.Default().With("component", "scene.filter"),
	}
	f.build(cfg)
	return f, nil
}

// NewFilterWithLogger creates a filter with a custom logger.
func NewFilterWithLogger(logger *slog.Logger, cfg Config) (*Filter, error) {
	f, err := NewFilter(cfg)
	if err != nil {
		return nil, err
	}
	f.logger = logger.With("component", "scene.filter")
	return f, nil
}

// build replaces every component. Callers hold mu or own f exclusively.
func (f *Filter) build(cfg Config) {
	f.cfg = cfg
	f.buf = frame.NewBuffer(cfg.BufferDurationMs, cfg.FrameIntervalMs, cfg.BufferSlack)
	f.est = change.NewEstimator(cfg.BlockSize, cfg.PerBlockThreshold)
	f.grouper = cluster.NewGrouper(cfg.MinClusterPixels, cfg.connectivity())
	f.machine = NewMachine(cfg)
	f.tracker = tracking.New(cfg.trackingConfig(), f.machine.Patterns())
	f.store(Decision{SceneState: Calibrating}, 0)
}

// Process runs one frame through the pipeline and returns its decision.
//
// Errors never leave the filter unusable. ErrInvalidFrame and
// ErrOutOfOrderFrame skip the frame. ErrDimensionMismatch skips the frame
// and resets all learned state; the next frame starts a new calibration.
// A buffer underflow is not an error: the decision reports no change.
func (f *Filter) Process(fr frame.Frame) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := fr.Validate(); err != nil {
		f.stats.InvalidFrames++
		return Decision{}, err
	}

	if err := f.buf.Push(fr); err != nil {
		f.stats.OutOfOrderFrames++
		return Decision{}, err
	}

	in := Input{Now: fr.Timestamp}
	clusters := 0

	m, err := f.est.Estimate(f.buf)
	switch {
	case err == nil:
		groups := f.grouper.Group(m)
		clusters = len(groups)
		obs := f.machine.Observation(m.ChangePercent, clusters)
		f.tracker.Update(groups, fr.Timestamp, obs)

		in.Compared = true
		in.ChangePercent = m.ChangePercent
		in.Clusters = clusters
		in.Objects = f.tracker.Len()
		in.NovelObjects = f.tracker.NovelCount()

	case errors.Is(err, change.ErrBufferUnderflow):
		f.stats.BufferUnderflows++

	case errors.Is(err, change.ErrDimensionMismatch):
		f.stats.DimensionMismatch++
		f.logger.Warn("frame shape changed, relearning scene", "error", err)
		f.reset()
		return Decision{}, err

	default:
		return Decision{}, fmt.Errorf("scene: estimate: %w", err)
	}

	prev := f.machine.State()
	state, trigger := f.machine.Step(in)
	if state != prev {
		f.stats.Transitions++
		f.logger.Info("scene state changed",
			"from", prev.String(),
			"to", state.String(),
			"ts", fr.Timestamp,
			"change_pct", in.ChangePercent,
			"objects", in.Objects,
			"novel", in.NovelObjects,
		)
	}

	d := Decision{
		Timestamp:          fr.Timestamp,
		SceneState:         state,
		ShouldTrigger:      trigger,
		ChangePercentage:   in.ChangePercent,
		TrackedObjectCount: in.Objects,
		BufferOccupancy:    f.buf.Len(),
	}

	f.stats.FramesProcessed++
	f.countState(state)
	if trigger {
		f.stats.Triggers++
	}
	debug.Frame("🎞️  %d %s change=%.2f%% clusters=%d objects=%d novel=%d trigger=%v\n",
		d.Timestamp, d.SceneState, d.ChangePercentage, clusters, in.Objects, in.NovelObjects, trigger)

	f.store(d, clusters)
	f.notify(d)
	return d, nil
}

// ProcessEncoded decodes a base64 image (PNG, JPEG or GIF) to luma and
// processes it.
func (f *Filter) ProcessEncoded(data string, timestamp int64) (Decision, error) {
	fr, err := frame.DecodeBase64(data, timestamp)
	if err != nil {
		f.mu.Lock()
		f.stats.InvalidFrames++
		f.mu.Unlock()
		return Decision{}, err
	}
	return f.Process(fr)
}

func (f *Filter) countState(s State) {
	switch s {
	case Calibrating:
		f.stats.Calibrating++
	case Stable:
		f.stats.Stable++
	case Volatile:
		f.stats.Volatile++
	case Disturbed:
		f.stats.Disturbed++
	}
}

// store publishes the read-only snapshot for observers.
func (f *Filter) store(d Decision, clusters int) {
	s := &Snapshot{
		Decision:       d,
		NovelObjects:   f.tracker.NovelCount(),
		Clusters:       clusters,
		BufferCapacity: f.buf.Cap(),
		Baseline:       f.machine.Baseline(),
	}
	if ts, ok := f.machine.LastTrigger(); ok {
		s.LastTrigger = ts
	}
	f.snap.Store(s)
}

func (f *Filter) notify(d Decision) {
	f.subMu.Lock()
	for _, ch := range f.subs {
		offer(ch, d)
	}
	f.subMu.Unlock()
}

// offer delivers d to a one-slot mailbox, replacing an unread decision.
func offer(ch chan Decision, d Decision) {
	select {
	case ch <- d:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- d:
	default:
	}
}

// Subscribe returns a one-slot mailbox that always holds the latest
// decision. Slow readers miss intermediate decisions; Process never waits.
func (f *Filter) Subscribe() <-chan Decision {
	ch := make(chan Decision, 1)
	f.subMu.Lock()
	f.subs = append(f.subs, ch)
	f.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to a mailbox returned by Subscribe.
func (f *Filter) Unsubscribe(ch <-chan Decision) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for i, c := range f.subs {
		if c == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// Snapshot returns the latest published view. Never blocks on Process.
func (f *Filter) Snapshot() Snapshot {
	return *f.snap.Load()
}

// Stats returns a copy of the processing counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Config returns the active configuration.
func (f *Filter) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Configure validates and applies a new configuration. All learned state is
// discarded and calibration restarts.
func (f *Filter) Configure(cfg Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.build(cfg)
	f.stats.Resets++
	f.logger.Info("configuration applied", "cooldown_ms", cfg.CooldownMs,
		"change_threshold", cfg.ChangeThreshold, "calibration_ms", cfg.CalibrationDurationMs)
	return nil
}

// ApplyParams patches the active configuration from a map of snake_case
// keys (see ApplyParams) and applies it.
func (f *Filter) ApplyParams(params map[string]interface{}) error {
	cfg, err := ApplyParams(f.Config(), params)
	if err != nil {
		return err
	}
	return f.Configure(cfg)
}

// Reset discards frames, tracked objects and the baseline, and restarts
// calibration with the current configuration.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
}

func (f *Filter) reset() {
	f.buf.Clear()
	f.tracker.Clear()
	f.machine.Reset()
	f.stats.Resets++
	f.store(Decision{SceneState: Calibrating}, 0)
}
