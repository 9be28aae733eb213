package web

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-scenefilter/pkg/hub"
	"github.com/teslashibe/go-scenefilter/pkg/ingest"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// errorHandler maps package errors to HTTP status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, ingest.ErrUnknownStream):
		code = fiber.StatusNotFound
	case errors.Is(err, scene.ErrInvalidConfig):
		code = fiber.StatusBadRequest
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"streams": s.streams.GetStats().StreamCount,
	})
}

// handleMetrics renders counters in the Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var b strings.Builder
	stats := s.streams.GetStats()

	gauge := func(name, help string, v interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %v\n", name, help, name, name, v)
	}
	gauge("scenefilter_streams", "Attached camera streams", stats.StreamCount)
	counter("scenefilter_frames_received", "Frames received over websocket", stats.FramesReceived)
	counter("scenefilter_frames_rejected", "Frames that failed to decode", stats.FramesRejected)
	gauge("scenefilter_dashboard_clients", "Connected decision feed clients", s.decisionHub.ClientCount()+s.triggerHub.ClientCount())

	fmt.Fprintf(&b, "# HELP scenefilter_stream_triggers Triggers emitted per stream\n# TYPE scenefilter_stream_triggers counter\n")
	for _, info := range s.streams.Streams() {
		st, err := s.streams.Status(info.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "scenefilter_stream_triggers{stream=%q} %d\n", info.ID, st.Stats.Triggers)
	}
	fmt.Fprintf(&b, "# HELP scenefilter_stream_frames_dropped Frames replaced before processing\n# TYPE scenefilter_stream_frames_dropped counter\n")
	for _, info := range s.streams.Streams() {
		st, err := s.streams.Status(info.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "scenefilter_stream_frames_dropped{stream=%q} %d\n", info.ID, st.Pipeline.FramesDropped)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

// handleListStreams returns attached streams
func (s *Server) handleListStreams(c *fiber.Ctx) error {
	streams := s.streams.Streams()
	return c.JSON(fiber.Map{
		"streams": streams,
		"count":   len(streams),
	})
}

// handleGetStream returns one stream's full status
func (s *Server) handleGetStream(c *fiber.Ctx) error {
	st, err := s.streams.Status(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// handleConfigure patches a stream's parameters. The body is a map of
// snake_case config keys, optionally with "preset".
func (s *Server) handleConfigure(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	id := c.Params("id")
	if err := s.streams.Configure(id, params); err != nil {
		return err
	}
	st, err := s.streams.Status(id)
	if err != nil {
		return err
	}
	s.logger.Info("stream reconfigured", "stream", id, "keys", len(params))
	return c.JSON(fiber.Map{
		"status": "updated",
		"config": st.Config,
	})
}

// handleReset makes a stream relearn its scene
func (s *Server) handleReset(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.streams.Reset(id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "reset", "stream_id": id})
}

// handleListPresets returns every preset
func (s *Server) handleListPresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"names":   scene.PresetNames(),
		"presets": scene.Presets(),
	})
}

// handleGetPreset returns one preset
func (s *Server) handleGetPreset(c *fiber.Ctx) error {
	p := scene.GetPreset(c.Params("name"))
	if p == nil {
		return fiber.NewError(fiber.StatusNotFound, "unknown preset: "+c.Params("name"))
	}
	return c.JSON(p)
}

// handleListTriggers returns recent triggers, newest last
func (s *Server) handleListTriggers(c *fiber.Ctx) error {
	triggers := s.Triggers()
	if stream := c.Query("stream"); stream != "" {
		filtered := triggers[:0]
		for _, t := range triggers {
			if t.StreamID == stream {
				filtered = append(filtered, t)
			}
		}
		triggers = filtered
	}
	return c.JSON(fiber.Map{
		"triggers": triggers,
		"count":    len(triggers),
	})
}

// handleDecisionsWS streams decisions; /ws/decisions/:id limits the feed to
// one stream.
func (s *Server) handleDecisionsWS(c *websocket.Conn) {
	hub.NewClient(s.decisionHub, c, c.Params("id")).Run()
}

// handleTriggersWS streams trigger records.
func (s *Server) handleTriggersWS(c *websocket.Conn) {
	hub.NewClient(s.triggerHub, c, c.Query("stream")).Run()
}

// stateWriteWait bounds a single write on the state feed.
const stateWriteWait = 10 * time.Second

// StateUpdate is sent on /ws/state/:id whenever the stream's scene state
// changes.
type StateUpdate struct {
	StreamID  string      `json:"stream_id"`
	State     scene.State `json:"scene_state"`
	Timestamp int64       `json:"timestamp"`
	Objects   int         `json:"tracked_object_count"`
}

// handleStateWS follows one stream's scene state. A slow client skips
// intermediate decisions instead of building a backlog.
func (s *Server) handleStateWS(c *websocket.Conn) {
	id := c.Params("id")
	updates, stop, err := s.streams.Watch(id)
	if err != nil {
		c.SetWriteDeadline(time.Now().Add(stateWriteWait))
		c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}
	defer stop()

	// The client only sends close frames; reading detects it.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		c.Close()
		<-closed
	}()

	last := scene.State(-1)
	for {
		select {
		case <-closed:
			return
		case d := <-updates:
			if d.SceneState == last {
				continue
			}
			last = d.SceneState
			c.SetWriteDeadline(time.Now().Add(stateWriteWait))
			err := c.WriteJSON(StateUpdate{
				StreamID:  id,
				State:     d.SceneState,
				Timestamp: d.Timestamp,
				Objects:   d.TrackedObjectCount,
			})
			if err != nil {
				s.logger.Debug("state feed ended", "stream", id, "error", err)
				return
			}
		}
	}
}
