package scene

import (
	"github.com/teslashibe/go-scenefilter/pkg/baseline"
	"github.com/teslashibe/go-scenefilter/pkg/tracking"
)

// maxLearnFrames caps how many frame intervals one frame can stand for.
const maxLearnFrames = 5

// Input is what the machine sees of one frame.
type Input struct {
	Now           int64
	Compared      bool // False while the buffer holds fewer than two frames
	ChangePercent float64
	Clusters      int
	Objects       int
	NovelObjects  int
}

// Machine is the scene state machine. It owns the temporal baseline and the
// cooldown timers. It is not safe for concurrent use.
type Machine struct {
	cfg  Config
	base *baseline.Baseline

	state      State
	started    bool
	calibStart int64
	lastNow    int64

	quiet      bool
	quietSince int64

	lastTrigger map[State]int64
}

// NewMachine creates a machine in CALIBRATING.
func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg:         cfg,
		base:        baseline.New(cfg.baselineConfig()),
		lastTrigger: make(map[State]int64),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Patterns is the narrow write path the tracker uses to record known
// movement in the baseline.
func (m *Machine) Patterns() tracking.Patterns {
	return m.base
}

// Baseline returns a copy of the learned statistics.
func (m *Machine) Baseline() baseline.Snapshot {
	return m.base.Snapshot()
}

// LastTrigger returns the timestamp of the most recent trigger, if any.
func (m *Machine) LastTrigger() (int64, bool) {
	ts, ok := m.lastTrigger[Disturbed]
	return ts, ok
}

// Observation tells the tracker how this frame compares to the baseline.
func (m *Machine) Observation(changePct float64, clusters int) tracking.Observation {
	if m.state == Calibrating {
		return tracking.Observation{Calibrating: true}
	}
	return tracking.Observation{
		WithinBaseline: m.base.IsWithinBaseline(changePct, baseline.ChangePercent) &&
			m.base.IsWithinBaseline(float64(clusters), baseline.ClusterCount),
	}
}

// Step advances the machine by one frame and reports whether a trigger is
// emitted.
func (m *Machine) Step(in Input) (State, bool) {
	if !m.started {
		m.started = true
		m.calibStart = in.Now
		m.lastNow = in.Now
	}
	elapsed := in.Now - m.lastNow
	m.lastNow = in.Now

	if m.state == Calibrating {
		if in.Compared {
			m.base.Calibrate(in.ChangePercent, in.Clusters)
		}
		if in.Now-m.calibStart >= m.cfg.CalibrationDurationMs &&
			m.base.Samples() >= m.cfg.MinCalibrationSamples {
			m.base.Finish()
			m.enter(Stable)
		}
		return m.state, false
	}

	if !in.Compared {
		return m.state, false
	}

	anomalous := m.base.Exceeds(in.ChangePercent, baseline.ChangePercent)
	disturbed := in.NovelObjects > 0 || anomalous

	switch m.state {
	case Stable:
		if disturbed {
			m.enter(Disturbed)
		} else if in.ChangePercent > m.cfg.ChangeThreshold {
			m.enter(Volatile)
		}

	case Volatile:
		if disturbed {
			m.enter(Disturbed)
			break
		}
		if in.Objects > 0 || in.ChangePercent >= m.cfg.ChangeThreshold {
			m.quiet = false
			break
		}
		if !m.quiet {
			m.quiet = true
			m.quietSince = in.Now
		}
		if in.Now-m.quietSince >= m.cfg.StableDebounceMs {
			m.enter(Stable)
		}

	case Disturbed:
		if !disturbed {
			m.enter(Volatile)
		}
	}

	m.learn(elapsed, in)

	if m.state != Disturbed {
		return m.state, false
	}
	return m.state, m.fire(in.Now)
}

// learn folds the frame into the baseline. Disturbances are learned at a
// reduced weight: a change that never goes away becomes normal, just slower.
// A gap in the stream counts as at most a few frame intervals.
func (m *Machine) learn(elapsed int64, in Input) {
	elapsed = min(max(elapsed, 0), maxLearnFrames*m.cfg.FrameIntervalMs)
	weight := 1.0
	if m.state == Disturbed {
		weight = m.cfg.BaselineDisturbedWeight
	}
	m.base.ObserveFor(elapsed, weight, in.ChangePercent, in.Clusters)
}

func (m *Machine) enter(s State) {
	m.state = s
	m.quiet = false
}

// fire applies the cooldown and records the trigger.
func (m *Machine) fire(now int64) bool {
	if last, ok := m.lastTrigger[m.state]; ok && now-last < m.cfg.CooldownMs {
		return false
	}
	m.lastTrigger[m.state] = now
	return true
}

// Reset returns to CALIBRATING and forgets the baseline and cooldowns.
func (m *Machine) Reset() {
	m.state = Calibrating
	m.started = false
	m.calibStart = 0
	m.lastNow = 0
	m.quiet = false
	m.quietSince = 0
	m.base.Reset()
	clear(m.lastTrigger)
}
