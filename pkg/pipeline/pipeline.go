// Package pipeline runs a scene filter for one camera stream: frames are
// submitted without blocking, processed strictly in order on one goroutine,
// and triggers are handed to a sink without waiting for it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("pipeline: closed")

// Config holds pipeline settings.
type Config struct {
	// DeliveryTimeout bounds each trigger delivery.
	DeliveryTimeout time.Duration
	// MaxInFlight bounds concurrent deliveries; further triggers are
	// dropped and counted rather than queued.
	MaxInFlight int
	// WarnInterval throttles repeated warnings (out-of-order frames, drops).
	WarnInterval time.Duration
}

// DefaultConfig returns the recommended pipeline settings.
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 10 * time.Second,
		MaxInFlight:     4,
		WarnInterval:    5 * time.Second,
	}
}

// Pipeline owns the processing goroutine for one stream.
type Pipeline struct {
	id     string
	filter *scene.Filter
	sink   TriggerSink
	cfg    Config

	// Single-slot mailbox: a new frame replaces an unprocessed one.
	mu      sync.Mutex
	cond    *sync.Cond
	pending *frame.Frame
	closed  bool

	inFlight   atomic.Int32
	deliveries sync.WaitGroup

	metrics *Metrics
	warn    *rate.Limiter
	logger  *slog.Logger

	onDecision func(scene.Decision)
}

// New creates a pipeline for the stream id. sink may be nil.
func New(id string, filter *scene.Filter, sink TriggerSink, cfg Config) *Pipeline {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = 5 * time.Second
	}
	p := &Pipeline{
		id:      id,
		filter:  filter,
		sink:    sink,
		cfg:     cfg,
		metrics: NewMetrics(),
		warn:    rate.NewLimiter(rate.Every(cfg.WarnInterval), 1),
		logger:  slog.Default().With("component", "pipeline", "stream", id),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetLogger replaces the pipeline logger.
func (p *Pipeline) SetLogger(logger *slog.Logger) {
	p.logger = logger.With("component", "pipeline", "stream", p.id)
}

// OnDecision sets a callback invoked on the processing goroutine after every
// decision. It must not block.
func (p *Pipeline) OnDecision(fn func(scene.Decision)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDecision = fn
}

// ID returns the stream id.
func (p *Pipeline) ID() string {
	return p.id
}

// Filter returns the underlying filter.
func (p *Pipeline) Filter() *scene.Filter {
	return p.filter
}

// Submit hands a frame to the pipeline without blocking. It returns false
// when the frame replaced one that was never processed, or when the
// pipeline is closed.
func (p *Pipeline) Submit(f frame.Frame) bool {
	p.metrics.frameSubmitted()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	replaced := p.pending != nil
	p.pending = &f
	p.cond.Signal()
	p.mu.Unlock()

	if replaced {
		p.metrics.frameDropped()
		if p.warn.Allow() {
			p.logger.Warn("processing behind capture, dropping frames",
				"dropped_total", p.metrics.Snapshot().FramesDropped)
		}
	}
	return !replaced
}

// next blocks until a frame is available or the pipeline closes.
func (p *Pipeline) next() (frame.Frame, func(scene.Decision), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending == nil && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return frame.Frame{}, nil, false
	}
	f := *p.pending
	p.pending = nil
	return f, p.onDecision, true
}

// Run processes frames until ctx is cancelled or Close is called. It then
// waits for in-flight trigger deliveries.
func (p *Pipeline) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.Close)
	defer stop()
	defer p.deliveries.Wait()

	for {
		f, onDecision, ok := p.next()
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClosed
		}
		p.step(ctx, f, onDecision)
	}
}

func (p *Pipeline) step(ctx context.Context, f frame.Frame, onDecision func(scene.Decision)) {
	start := time.Now()
	d, err := p.filter.Process(f)
	p.metrics.frameProcessed(time.Since(start))

	if err != nil {
		p.metrics.frameFailed()
		if p.warn.Allow() {
			p.logger.Warn("frame skipped", "ts", f.Timestamp, "error", err)
		}
		return
	}

	if onDecision != nil {
		onDecision(d)
	}
	if d.ShouldTrigger {
		p.metrics.triggered()
		p.dispatch(ctx, TriggerEvent{StreamID: p.id, Decision: d, Frame: f})
	}
}

// dispatch delivers a trigger on its own goroutine.
func (p *Pipeline) dispatch(ctx context.Context, ev TriggerEvent) {
	if p.sink == nil {
		return
	}
	if int(p.inFlight.Load()) >= p.cfg.MaxInFlight {
		p.metrics.deliverySkipped()
		p.logger.Warn("trigger dropped, sink busy", "ts", ev.Decision.Timestamp, "in_flight", p.inFlight.Load())
		return
	}

	p.inFlight.Add(1)
	p.deliveries.Add(1)
	go func() {
		defer p.deliveries.Done()
		defer p.inFlight.Add(-1)

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DeliveryTimeout)
		defer cancel()

		start := time.Now()
		err := p.sink.HandleTrigger(dctx, ev)
		p.metrics.delivered(time.Since(start), err)
		if err != nil {
			p.logger.Warn("trigger delivery failed", "ts", ev.Decision.Timestamp, "error", err)
			return
		}
		p.logger.Debug("trigger delivered", "ts", ev.Decision.Timestamp, "took", time.Since(start))
	}()
}

// Close stops Run. Pending frames are discarded.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Metrics returns a snapshot of the pipeline counters and latencies.
func (p *Pipeline) Metrics() MetricsSnapshot {
	return p.metrics.Snapshot()
}
