// Package web serves the scenefilter HTTP API and the live decision feeds.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/hub"
	"github.com/teslashibe/go-scenefilter/pkg/ingest"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

const (
	// recentTriggers is how many trigger records the API keeps.
	recentTriggers = 100

	// snapshotQuality is the JPEG quality of trigger snapshots.
	snapshotQuality = 80
)

// StreamSource is what the API needs from the ingest server.
type StreamSource interface {
	Streams() []ingest.StreamInfo
	Status(id string) (ingest.StreamStatus, error)
	Configure(id string, params map[string]interface{}) error
	Reset(id string) error
	GetStats() ingest.Stats
	Watch(id string) (<-chan scene.Decision, func(), error)
}

// Config holds web server settings.
type Config struct {
	Addr    string
	Version string
	Debug   bool // Request logging
}

// TriggerRecord is a trigger as shown by the API.
type TriggerRecord struct {
	StreamID string         `json:"stream_id"`
	Received time.Time      `json:"received"`
	Decision scene.Decision `json:"decision"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Snapshot bool           `json:"snapshot"` // A binary JPEG follows on /ws/triggers
}

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	cfg     Config
	streams StreamSource
	started time.Time

	// Hubs for websocket broadcast
	decisionHub *hub.Hub
	triggerHub  *hub.Hub

	triggersMu sync.RWMutex
	triggers   []TriggerRecord

	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, streams StreamSource) *Server {
	return NewServerWithLogger(slog.Default(), cfg, streams)
}

// NewServerWithLogger creates the API server logging to l.
func NewServerWithLogger(l *slog.Logger, cfg Config, streams StreamSource) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:         cfg,
		streams:     streams,
		started:     time.Now(),
		decisionHub: hub.NewWithLogger(l, "decisions"),
		triggerHub:  hub.NewWithLogger(l, "triggers"),
		triggers:    make([]TriggerRecord, 0, recentTriggers),
		logger:      l.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "scenefilter",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api")
	api.Get("/streams", s.handleListStreams)
	api.Get("/streams/:id", s.handleGetStream)
	api.Put("/streams/:id/config", s.handleConfigure)
	api.Post("/streams/:id/config", s.handleConfigure)
	api.Post("/streams/:id/reset", s.handleReset)
	api.Get("/presets", s.handleListPresets)
	api.Get("/presets/:name", s.handleGetPreset)
	api.Get("/triggers", s.handleListTriggers)

	app.Use("/ws/decisions", upgradeOnly)
	app.Use("/ws/triggers", upgradeOnly)
	app.Use("/ws/state", upgradeOnly)
	app.Get("/ws/decisions", websocket.New(s.handleDecisionsWS))
	app.Get("/ws/decisions/:id", websocket.New(s.handleDecisionsWS))
	app.Get("/ws/triggers", websocket.New(s.handleTriggersWS))
	app.Get("/ws/state/:id", websocket.New(s.handleStateWS))

	s.app = app
	return s
}

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// App returns the fiber app so other packages can mount routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and serves until the listener fails or Shutdown is
// called. The hubs stop with ctx.
func (s *Server) Start(ctx context.Context) error {
	go s.decisionHub.Run(ctx)
	go s.triggerHub.Run(ctx)

	s.logger.Info("listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// PublishDecision sends a decision to /ws/decisions subscribers.
func (s *Server) PublishDecision(streamID string, d scene.Decision) {
	if err := s.decisionHub.PublishDecision(streamID, d); err != nil {
		s.logger.Warn("publish decision failed", "stream", streamID, "error", err)
	}
}

// HandleTrigger records a trigger and sends it to /ws/triggers subscribers,
// followed by a JPEG of the triggering frame as a binary message. It makes
// the server usable as a pipeline.TriggerSink.
func (s *Server) HandleTrigger(_ context.Context, ev pipeline.TriggerEvent) error {
	rec := TriggerRecord{
		StreamID: ev.StreamID,
		Received: time.Now(),
		Decision: ev.Decision,
		Width:    ev.Frame.Width,
		Height:   ev.Frame.Height,
	}

	var snapshot []byte
	if len(ev.Frame.Pix) > 0 {
		data, err := frame.EncodeJPEG(ev.Frame, snapshotQuality)
		if err != nil {
			return fmt.Errorf("web: encode snapshot: %w", err)
		}
		snapshot = data
		rec.Snapshot = true
	}

	s.triggersMu.Lock()
	if len(s.triggers) == recentTriggers {
		copy(s.triggers, s.triggers[1:])
		s.triggers = s.triggers[:recentTriggers-1]
	}
	s.triggers = append(s.triggers, rec)
	s.triggersMu.Unlock()

	if err := s.triggerHub.BroadcastJSON(ev.StreamID, rec); err != nil {
		return err
	}
	if snapshot != nil {
		s.triggerHub.BroadcastBinary(ev.StreamID, snapshot)
	}
	return nil
}

// Triggers returns the recent trigger records, oldest first.
func (s *Server) Triggers() []TriggerRecord {
	s.triggersMu.RLock()
	defer s.triggersMu.RUnlock()
	return append([]TriggerRecord(nil), s.triggers...)
}

// PublishAnalysis sends a downstream analysis result to /ws/triggers
// subscribers, next to the trigger that caused it.
func (s *Server) PublishAnalysis(streamID string, result interface{}) {
	if err := s.triggerHub.BroadcastJSON(streamID, result); err != nil {
		s.logger.Warn("publish analysis failed", "stream", streamID, "error", err)
	}
}
