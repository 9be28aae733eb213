package scene

import "github.com/teslashibe/go-scenefilter/pkg/baseline"

// Decision is the record emitted for every processed frame. Its JSON form is
// the contract downstream consumers depend on.
type Decision struct {
	Timestamp          int64   `json:"timestamp"`
	SceneState         State   `json:"scene_state"`
	ShouldTrigger      bool    `json:"should_trigger"`
	ChangePercentage   float64 `json:"change_percentage"`
	TrackedObjectCount int     `json:"tracked_object_count"`
	BufferOccupancy    int     `json:"buffer_occupancy"`
}

// Snapshot is a read-only view of a filter published for observers.
type Snapshot struct {
	Decision
	NovelObjects   int               `json:"novel_objects"`
	Clusters       int               `json:"clusters"`
	BufferCapacity int               `json:"buffer_capacity"`
	LastTrigger    int64             `json:"last_trigger"` // 0 = never
	Baseline       baseline.Snapshot `json:"baseline"`
}

// Stats counts processing outcomes since the filter was created.
type Stats struct {
	FramesProcessed   uint64 `json:"frames_processed"`
	Triggers          uint64 `json:"triggers"`
	OutOfOrderFrames  uint64 `json:"out_of_order_frames"`
	DimensionMismatch uint64 `json:"dimension_mismatches"`
	InvalidFrames     uint64 `json:"invalid_frames"`
	BufferUnderflows  uint64 `json:"buffer_underflows"`
	Resets            uint64 `json:"resets"`
	Transitions       uint64 `json:"transitions"`

	// Frames spent in each state
	Calibrating uint64 `json:"calibrating"`
	Stable      uint64 `json:"stable"`
	Volatile    uint64 `json:"volatile"`
	Disturbed   uint64 `json:"disturbed"`
}

// TriggerRate returns triggers per processed frame.
func (s Stats) TriggerRate() float64 {
	if s.FramesProcessed == 0 {
		return 0
	}
	return float64(s.Triggers) / float64(s.FramesProcessed)
}
