package pipeline

import (
	"context"
	"log/slog"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// TriggerEvent is handed to the sink for every emitted trigger.
type TriggerEvent struct {
	StreamID string
	Decision scene.Decision
	Frame    frame.Frame // The frame that caused the trigger
}

// TriggerSink consumes triggers. Implementations may be slow; the pipeline
// never waits for them and cancels each call after its delivery timeout.
type TriggerSink interface {
	HandleTrigger(ctx context.Context, ev TriggerEvent) error
}

// SinkFunc adapts a function to TriggerSink.
type SinkFunc func(ctx context.Context, ev TriggerEvent) error

// HandleTrigger calls f.
func (f SinkFunc) HandleTrigger(ctx context.Context, ev TriggerEvent) error {
	return f(ctx, ev)
}

// LogSink logs triggers and does nothing else.
type LogSink struct {
	Logger *slog.Logger
}

// HandleTrigger logs the event.
func (s LogSink) HandleTrigger(_ context.Context, ev TriggerEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scene trigger",
		"stream", ev.StreamID,
		"ts", ev.Decision.Timestamp,
		"change_pct", ev.Decision.ChangePercentage,
		"objects", ev.Decision.TrackedObjectCount,
	)
	return nil
}

// MultiSink delivers to every sink in order and returns the first error.
type MultiSink []TriggerSink

// HandleTrigger delivers ev to each sink.
func (m MultiSink) HandleTrigger(ctx context.Context, ev TriggerEvent) error {
	var first error
	for _, s := range m {
		if err := s.HandleTrigger(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
