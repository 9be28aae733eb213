package pipeline

import (
	"sync"
	"time"
)

// latencyWindow is how many recent samples Average covers.
const latencyWindow = 100

// MetricsSnapshot is a copy of the pipeline counters.
type MetricsSnapshot struct {
	FramesSubmitted uint64 `json:"frames_submitted"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"` // Replaced in the mailbox before processing
	FramesFailed    uint64 `json:"frames_failed"`  // Rejected by the filter

	Triggers           uint64 `json:"triggers"`
	Deliveries         uint64 `json:"deliveries"`
	DeliveryFailures   uint64 `json:"delivery_failures"`
	DeliveriesSkipped  uint64 `json:"deliveries_skipped"`
	LastDeliveryMillis int64  `json:"last_delivery_ms"`

	// Per-frame processing time
	LastProcess time.Duration `json:"last_process_ns"`
	AvgProcess  time.Duration `json:"avg_process_ns"`
	MaxProcess  time.Duration `json:"max_process_ns"`
}

// Metrics tracks throughput and latency of one pipeline.
// It is goroutine-safe.
type Metrics struct {
	mu      sync.Mutex
	current MetricsSnapshot
	recent  []time.Duration // Ring of recent processing times
	next    int
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		recent: make([]time.Duration, 0, latencyWindow),
	}
}

func (m *Metrics) frameSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FramesSubmitted++
}

func (m *Metrics) frameDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FramesDropped++
}

func (m *Metrics) frameFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FramesFailed++
}

func (m *Metrics) frameProcessed(took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.FramesProcessed++
	m.current.LastProcess = took
	if took > m.current.MaxProcess {
		m.current.MaxProcess = took
	}
	if len(m.recent) < latencyWindow {
		m.recent = append(m.recent, took)
	} else {
		m.recent[m.next] = took
		m.next = (m.next + 1) % latencyWindow
	}
}

func (m *Metrics) triggered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Triggers++
}

func (m *Metrics) deliverySkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.DeliveriesSkipped++
}

func (m *Metrics) delivered(took time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.current.DeliveryFailures++
	} else {
		m.current.Deliveries++
	}
	m.current.LastDeliveryMillis = took.Milliseconds()
}

// Snapshot returns the current counters with the average processing time
// over recent frames.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if len(m.recent) > 0 {
		var total time.Duration
		for _, d := range m.recent {
			total += d
		}
		s.AvgProcess = total / time.Duration(len(m.recent))
	}
	return s
}
