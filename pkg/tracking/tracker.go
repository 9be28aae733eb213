// Package tracking correlates per-frame clusters into tracked objects with
// identity, persistence and novelty.
package tracking

import (
	"image"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/teslashibe/go-scenefilter/pkg/cluster"
)

// Config holds tracker tuning.
type Config struct {
	MatchRadius     float64 // Max centroid distance (px) for a cluster to continue an object
	ObjectTimeoutMs int64   // Remove objects unseen for longer than this
	NoveltyGraceMs  int64   // Persistence needed before an object can become known
	FrameIntervalMs int64   // Expected spacing between frames
	HistorySize     int     // Centroid history kept per object
}

// DefaultConfig returns the recommended tracker tuning.
func DefaultConfig() Config {
	return Config{
		MatchRadius:     24,
		ObjectTimeoutMs: 100,
		NoveltyGraceMs:  500,
		FrameIntervalMs: 20,
		HistorySize:     16,
	}
}

// Observation carries the scene context the tracker needs for its novelty
// judgement on this frame.
type Observation struct {
	Calibrating    bool // Everything seen now is background
	WithinBaseline bool // This frame's change matches learned statistics
}

// Patterns is the narrow window into the baseline's known-movement memory.
type Patterns interface {
	Match(r image.Rectangle) bool
	Remember(r image.Rectangle, now int64)
}

// TrackedObject is a cluster correlated across frames.
type TrackedObject struct {
	ID  string // Opaque identity
	Seq uint64 // Creation order

	Centroid cluster.Point
	History  []cluster.Point // Most recent centroids, oldest first
	BBox     image.Rectangle
	Pixels   int

	FirstSeen         int64
	LastSeen          int64
	ConsecutiveFrames int  // Frames seen in a row; reset when missed
	Novel             bool // Not yet explained by known movement
}

// CentroidStdDev returns the spread of the centroid history in pixels.
func (o *TrackedObject) CentroidStdDev() float64 {
	n := len(o.History)
	if n < 2 {
		return 0
	}
	var mx, my float64
	for _, p := range o.History {
		mx += p.X
		my += p.Y
	}
	mx /= float64(n)
	my /= float64(n)

	var ss float64
	for _, p := range o.History {
		ss += (p.X-mx)*(p.X-mx) + (p.Y-my)*(p.Y-my)
	}
	return math.Sqrt(ss / float64(n))
}

func (o *TrackedObject) clone() TrackedObject {
	c := *o
	c.History = append([]cluster.Point(nil), o.History...)
	return c
}

// Tracker is an arena of tracked objects indexed by id. It is not safe for
// concurrent use.
type Tracker struct {
	cfg      Config
	patterns Patterns
	objects  map[string]*TrackedObject
	seq      uint64
	newID    func() string
}

// New creates a tracker. patterns may be nil, in which case nothing is ever
// recognised as known movement by footprint.
func New(cfg Config, patterns Patterns) *Tracker {
	if cfg.MatchRadius <= 0 {
		cfg.MatchRadius = 24
	}
	if cfg.FrameIntervalMs <= 0 {
		cfg.FrameIntervalMs = 20
	}
	if cfg.ObjectTimeoutMs <= 0 {
		cfg.ObjectTimeoutMs = 5 * cfg.FrameIntervalMs
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 16
	}
	return &Tracker{
		cfg:      cfg,
		patterns: patterns,
		objects:  make(map[string]*TrackedObject),
		newID:    uuid.NewString,
	}
}

type candidate struct {
	cluster int
	obj     *TrackedObject
	dist    float64
	pixels  int
}

// Update correlates this frame's clusters with the tracked objects and
// returns a copy of every live object ordered by creation.
func (t *Tracker) Update(clusters []cluster.Cluster, now int64, obs Observation) []TrackedObject {
	live := t.ordered()

	// Every (cluster, object) pair within range, closest first. Equal
	// distances prefer the larger cluster, then the earlier cluster, then
	// the older object.
	var cands []candidate
	for ci, c := range clusters {
		for _, o := range live {
			if d := c.Centroid.Dist(o.Centroid); d <= t.cfg.MatchRadius {
				cands = append(cands, candidate{cluster: ci, obj: o, dist: d, pixels: c.Pixels})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.pixels != b.pixels {
			return a.pixels > b.pixels
		}
		if a.cluster != b.cluster {
			return a.cluster < b.cluster
		}
		return a.obj.Seq < b.obj.Seq
	})

	clusterUsed := make([]bool, len(clusters))
	objUsed := make(map[string]bool, len(live))
	for _, cand := range cands {
		if clusterUsed[cand.cluster] || objUsed[cand.obj.ID] {
			continue
		}
		clusterUsed[cand.cluster] = true
		objUsed[cand.obj.ID] = true
		t.merge(cand.obj, clusters[cand.cluster], now)
	}

	for _, o := range live {
		if !objUsed[o.ID] {
			o.ConsecutiveFrames = 0
		}
	}

	for ci, c := range clusters {
		if !clusterUsed[ci] {
			t.spawn(c, now, obs)
		}
	}

	if obs.Calibrating && t.patterns != nil {
		for _, c := range clusters {
			t.patterns.Remember(c.BBox, now)
		}
	}

	for id, o := range t.objects {
		if now-o.LastSeen > t.cfg.ObjectTimeoutMs {
			delete(t.objects, id)
		}
	}

	for _, o := range t.objects {
		if o.Novel && t.becameKnown(o, obs) {
			o.Novel = false
			if t.patterns != nil {
				t.patterns.Remember(o.BBox, now)
			}
		}
	}

	return t.Objects()
}

func (t *Tracker) merge(o *TrackedObject, c cluster.Cluster, now int64) {
	o.Centroid = c.Centroid
	o.BBox = c.BBox
	o.Pixels = c.Pixels
	o.LastSeen = now
	o.ConsecutiveFrames++
	o.History = append(o.History, c.Centroid)
	if len(o.History) > t.cfg.HistorySize {
		o.History = o.History[len(o.History)-t.cfg.HistorySize:]
	}
}

func (t *Tracker) spawn(c cluster.Cluster, now int64, obs Observation) {
	novel := true
	switch {
	case obs.Calibrating:
		novel = false
	case obs.WithinBaseline && t.patterns != nil && t.patterns.Match(c.BBox):
		novel = false
	}

	t.seq++
	o := &TrackedObject{
		ID:                t.newID(),
		Seq:               t.seq,
		Centroid:          c.Centroid,
		History:           []cluster.Point{c.Centroid},
		BBox:              c.BBox,
		Pixels:            c.Pixels,
		FirstSeen:         now,
		LastSeen:          now,
		ConsecutiveFrames: 1,
		Novel:             novel,
	}
	t.objects[o.ID] = o
}

// becameKnown reports whether a novel object has persisted long enough, and
// stayed put enough, within baseline behaviour.
func (t *Tracker) becameKnown(o *TrackedObject, obs Observation) bool {
	if int64(o.ConsecutiveFrames)*t.cfg.FrameIntervalMs <= t.cfg.NoveltyGraceMs {
		return false
	}
	if o.CentroidStdDev() > t.cfg.MatchRadius {
		return false
	}
	return obs.WithinBaseline
}

func (t *Tracker) ordered() []*TrackedObject {
	out := make([]*TrackedObject, 0, len(t.objects))
	for _, o := range t.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Objects returns a copy of every live object ordered by creation.
func (t *Tracker) Objects() []TrackedObject {
	live := t.ordered()
	out := make([]TrackedObject, len(live))
	for i, o := range live {
		out[i] = o.clone()
	}
	return out
}

// Len returns the number of live objects.
func (t *Tracker) Len() int {
	return len(t.objects)
}

// NovelCount returns the number of live objects still flagged novel.
func (t *Tracker) NovelCount() int {
	n := 0
	for _, o := range t.objects {
		if o.Novel {
			n++
		}
	}
	return n
}

// Clear removes all tracked objects.
func (t *Tracker) Clear() {
	t.objects = make(map[string]*TrackedObject)
}
