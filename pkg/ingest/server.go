// Package ingest accepts camera streams over WebSocket and runs one scene
// filter pipeline per stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-scenefilter/pkg/debug"
	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/pipeline"
	"github.com/teslashibe/go-scenefilter/pkg/protocol"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// Sentinel errors for stream management.
var (
	ErrUnknownStream = errors.New("ingest: unknown stream")
	ErrStreamExists  = errors.New("ingest: stream already attached")
	ErrServerFull    = errors.New("ingest: too many streams")
	ErrQueueFull     = errors.New("ingest: outbound queue full")
	ErrStreamClosed  = errors.New("ingest: stream closed")
)

const (
	// writeWait bounds a single write to a camera.
	writeWait = 10 * time.Second

	// outboundQueue is how many replies may wait for a slow camera.
	outboundQueue = 64
)

// wsWriter is the part of a camera connection the stream writer uses.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// Config holds ingest settings.
type Config struct {
	Scene      scene.Config    // Starting filter config for new streams
	Pipeline   pipeline.Config // Delivery settings for new streams
	MaxStreams int
	// WarnInterval throttles warnings about rejected frames.
	WarnInterval time.Duration
}

// DefaultConfig returns the recommended ingest settings.
func DefaultConfig() Config {
	return Config{
		Scene:        scene.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		MaxStreams:   16,
		WarnInterval: 5 * time.Second,
	}
}

// Stream is one attached camera.
type Stream struct {
	ID        string
	Name      string
	Connected time.Time

	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
	done     chan struct{}

	// Only the writer goroutine touches conn.
	conn       wsWriter // nil for local streams
	out        chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	dropped    atomic.Uint64

	mu       sync.Mutex
	lastSeen time.Time
	frames   uint64
}

// Send queues a message for the stream's connection and never blocks. When
// the camera is not keeping up the message is dropped and ErrQueueFull is
// returned. Local streams discard messages.
func (s *Stream) Send(msg *protocol.Message) error {
	if s.out == nil {
		return nil
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	select {
	case <-s.quit:
		return ErrStreamClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns how many messages were dropped because the queue was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// writePump is the only writer of the connection.
func (s *Stream) writePump(logger *slog.Logger) {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("camera write failed", "error", err)
				<-s.quit
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Stream) remote() bool {
	return s.out != nil
}

// Submit hands a frame to the stream's pipeline without blocking.
func (s *Stream) Submit(f frame.Frame) bool {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.frames++
	s.mu.Unlock()
	return s.pipeline.Submit(f)
}

// Filter returns the stream's scene filter.
func (s *Stream) Filter() *scene.Filter {
	return s.pipeline.Filter()
}

// Pipeline returns the stream's pipeline.
func (s *Stream) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// StreamInfo describes an attached stream.
type StreamInfo struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Remote    bool        `json:"remote"`
	Connected time.Time   `json:"connected"`
	LastSeen  time.Time   `json:"last_seen"`
	Frames    uint64      `json:"frames"`
	Dropped   uint64      `json:"messages_dropped"`
	State     scene.State `json:"scene_state"`
}

func (s *Stream) info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamInfo{
		ID:        s.ID,
		Name:      s.Name,
		Remote:    s.remote(),
		Connected: s.Connected,
		LastSeen:  s.lastSeen,
		Frames:    s.frames,
		Dropped:   s.dropped.Load(),
		State:     s.pipeline.Filter().Snapshot().SceneState,
	}
}

// StreamStatus is the full view of one stream.
type StreamStatus struct {
	StreamInfo
	Snapshot scene.Snapshot           `json:"snapshot"`
	Stats    scene.Stats              `json:"stats"`
	Pipeline pipeline.MetricsSnapshot `json:"pipeline"`
	Config   scene.Config             `json:"config"`
}

// Stats contains server statistics
type Stats struct {
	StreamCount      int    `json:"stream_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesRejected   uint64 `json:"frames_rejected"`
}

// Server manages camera streams.
type Server struct {
	cfg  Config
	sink pipeline.TriggerSink

	mu         sync.RWMutex
	streams    map[string]*Stream
	onDecision func(streamID string, d scene.Decision)

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	messagesDropped  atomic.Uint64
	framesReceived   atomic.Uint64
	framesRejected   atomic.Uint64

	warn   *rate.Limiter
	logger *slog.Logger
	newID  func() string
}

// NewServer creates a server. sink receives triggers from every stream and
// may be nil.
func NewServer(cfg Config, sink pipeline.TriggerSink) *Server {
	return NewServerWithLogger(slog.Default(), cfg, sink)
}

// NewServerWithLogger creates a server that logs to logger.
func NewServerWithLogger(logger *slog.Logger, cfg Config, sink pipeline.TriggerSink) *Server {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 16
	}
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		sink:    sink,
		streams: make(map[string]*Stream),
		warn:    rate.NewLimiter(rate.Every(cfg.WarnInterval), 1),
		logger:  logger.With("component", "ingest"),
		newID:   uuid.NewString,
	}
}

// OnDecision sets a callback for every decision of every stream. It runs on
// the stream's processing goroutine and must not block.
func (s *Server) OnDecision(callback func(streamID string, d scene.Decision)) {
	s.mu.Lock()
	s.onDecision = callback
	s.mu.Unlock()
}

// Attach creates a stream and starts its pipeline. An empty id gets a
// generated one. The stream runs until Detach, Close or ctx is done.
func (s *Server) Attach(ctx context.Context, id, name string) (*Stream, error) {
	return s.attach(ctx, id, name, nil)
}

func (s *Server) attach(ctx context.Context, id, name string, conn wsWriter) (*Stream, error) {
	if id == "" {
		id = s.newID()
	}

	s.mu.Lock()
	if _, ok := s.streams[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, id)
	}
	if len(s.streams) >= s.cfg.MaxStreams {
		s.mu.Unlock()
		return nil, ErrServerFull
	}

	logger := s.logger.With("stream", id)
	filter, err := scene.NewFilterWithLogger(logger, s.cfg.Scene)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p := pipeline.New(id, filter, s.sink, s.cfg.Pipeline)
	p.SetLogger(s.logger)

	now := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	st := &Stream{
		ID:        id,
		Name:      name,
		Connected: now,
		pipeline:  p,
		cancel:    cancel,
		done:      make(chan struct{}),
		lastSeen:  now,
	}
	if conn != nil {
		st.conn = conn
		st.out = make(chan []byte, outboundQueue)
		st.quit = make(chan struct{})
		st.writerDone = make(chan struct{})
	}
	p.OnDecision(func(d scene.Decision) { s.decided(st, d) })
	s.streams[id] = st
	count := len(s.streams)
	s.mu.Unlock()

	go func() {
		defer close(st.done)
		p.Run(runCtx)
	}()
	if st.remote() {
		go st.writePump(logger)
	}

	logger.Info("stream attached", "name", name, "remote", conn != nil, "streams", count)
	return st, nil
}

// decided forwards a decision to the callback and echoes triggers back to
// the camera.
func (s *Server) decided(st *Stream, d scene.Decision) {
	s.mu.RLock()
	cb := s.onDecision
	s.mu.RUnlock()
	if cb != nil {
		cb(st.ID, d)
	}
	if d.ShouldTrigger {
		msg, err := protocol.NewDecisionMessage(st.ID, d)
		s.reply(st, msg, err)
	}
}

// Detach stops a stream and waits for its pending trigger deliveries.
func (s *Server) Detach(id string) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	count := len(s.streams)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}

	st.cancel()
	<-st.done
	if st.remote() {
		close(st.quit)
		<-st.writerDone
	}
	s.logger.Info("stream detached", "stream", id, "streams", count, "dropped", st.Dropped())
	return nil
}

// Close detaches every stream.
func (s *Server) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Detach(id)
	}
}

// Stream returns a stream by id.
func (s *Server) Stream(id string) (*Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// Streams returns info about every stream, ordered by id.
func (s *Server) Streams() []StreamInfo {
	s.mu.RLock()
	list := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		list = append(list, st)
	}
	s.mu.RUnlock()

	infos := make([]StreamInfo, 0, len(list))
	for _, st := range list {
		infos = append(infos, st.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Status returns the full status of one stream.
func (s *Server) Status(id string) (StreamStatus, error) {
	st, ok := s.Stream(id)
	if !ok {
		return StreamStatus{}, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	f := st.Filter()
	return StreamStatus{
		StreamInfo: st.info(),
		Snapshot:   f.Snapshot(),
		Stats:      f.Stats(),
		Pipeline:   st.pipeline.Metrics(),
		Config:     f.Config(),
	}, nil
}

// Watch returns a mailbox that always holds the stream's latest decision,
// and a func that stops delivery. Slow readers see the latest decision only.
func (s *Server) Watch(id string) (<-chan scene.Decision, func(), error) {
	st, ok := s.Stream(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	f := st.Filter()
	ch := f.Subscribe()
	return ch, func() { f.Unsubscribe(ch) }, nil
}

// Configure patches one stream's filter parameters. The scene is relearned.
func (s *Server) Configure(id string, params map[string]interface{}) error {
	st, ok := s.Stream(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return st.Filter().ApplyParams(params)
}

// Reset makes one stream relearn its scene.
func (s *Server) Reset(id string) error {
	st, ok := s.Stream(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	st.Filter().Reset()
	return nil
}

// StreamCount returns the number of attached streams.
func (s *Server) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		StreamCount:      s.StreamCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesDropped:  s.messagesDropped.Load(),
		FramesReceived:   s.framesReceived.Load(),
		FramesRejected:   s.framesRejected.Load(),
	}
}

// RegisterRoutes registers the camera WebSocket endpoints on app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/camera", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/camera", websocket.New(s.handleCamera))
	app.Get("/ws/camera/:id", websocket.New(s.handleCamera))
}

// handleCamera serves one camera connection.
func (s *Server) handleCamera(c *websocket.Conn) {
	st, err := s.attach(context.Background(), c.Params("id"), c.Query("name"), c)
	if err != nil {
		code := protocol.CodeBadMessage
		if errors.Is(err, ErrServerFull) {
			code = protocol.CodeFull
		}
		if msg, merr := protocol.NewErrorMessage(code, err); merr == nil {
			if data, derr := msg.Bytes(); derr == nil {
				c.WriteMessage(websocket.TextMessage, data)
			}
		}
		s.logger.Warn("camera rejected", "error", err)
		return
	}
	defer s.Detach(st.ID)

	welcome, err := protocol.NewWelcomeMessage(st.ID, st.Name)
	s.reply(st, welcome, err)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("camera read ended", "stream", st.ID, "error", err)
			return
		}
		s.messagesReceived.Add(1)
		s.handleMessage(st, data)
	}
}

// handleMessage processes one message from a camera.
func (s *Server) handleMessage(st *Stream, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.sendError(st, protocol.CodeBadMessage, err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		s.framesReceived.Add(1)
		fd, err := msg.GetFrameData()
		if err != nil {
			s.rejectFrame(st, err)
			return
		}
		f, err := fd.Frame()
		if err != nil {
			s.rejectFrame(st, err)
			return
		}
		st.Submit(f)

	case protocol.TypeHello:
		hello, err := msg.GetHelloData()
		if err != nil {
			s.sendError(st, protocol.CodeBadMessage, err)
			return
		}
		st.mu.Lock()
		if hello.Name != "" {
			st.Name = hello.Name
		}
		st.mu.Unlock()

		params := hello.Params
		if hello.Preset != "" {
			if params == nil {
				params = map[string]interface{}{}
			}
			params["preset"] = hello.Preset
		}
		if len(params) > 0 {
			debug.Log("📷 %s hello %q params=%v\n", st.ID, hello.Name, params)
			if err := st.Filter().ApplyParams(params); err != nil {
				s.sendError(st, protocol.CodeBadConfig, err)
				return
			}
		}
		welcome, err := protocol.NewWelcomeMessage(st.ID, hello.Name)
		s.reply(st, welcome, err)

	case protocol.TypeConfig:
		cfg, err := msg.GetConfigData()
		if err == nil {
			debug.Log("📷 %s config %v\n", st.ID, cfg.Params)
			err = st.Filter().ApplyParams(cfg.Params)
		}
		if err != nil {
			s.sendError(st, protocol.CodeBadConfig, err)
			return
		}
		s.sendStatus(st)

	case protocol.TypeReset:
		st.Filter().Reset()
		s.sendStatus(st)

	case protocol.TypeStatus:
		s.sendStatus(st)

	case protocol.TypePing:
		ping, _ := msg.GetPingData()
		id := ""
		if ping != nil {
			id = ping.ID
		}
		pong, err := protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli())
		s.reply(st, pong, err)

	default:
		s.sendError(st, protocol.CodeBadMessage, fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

func (s *Server) rejectFrame(st *Stream, err error) {
	s.framesRejected.Add(1)
	if s.warn.Allow() {
		s.logger.Warn("frame rejected", "stream", st.ID, "rejected_total", s.framesRejected.Load(), "error", err)
	}
	s.sendError(st, protocol.CodeBadFrame, err)
}

func (s *Server) sendError(st *Stream, code string, cause error) {
	msg, err := protocol.NewErrorMessage(code, cause)
	s.reply(st, msg, err)
}

func (s *Server) sendStatus(st *Stream) {
	f := st.Filter()
	msg, err := protocol.NewStatusMessage(st.ID, f.Snapshot(), f.Stats())
	s.reply(st, msg, err)
}

// reply queues msg, counting drops and logging failures.
func (s *Server) reply(st *Stream, msg *protocol.Message, err error) {
	if err == nil {
		err = st.Send(msg)
	}
	switch {
	case err == nil:
		s.messagesSent.Add(1)
	case errors.Is(err, ErrQueueFull):
		s.messagesDropped.Add(1)
		if s.warn.Allow() {
			s.logger.Warn("camera not reading, reply dropped", "stream", st.ID, "dropped_total", st.Dropped())
		}
	default:
		s.logger.Debug("reply failed", "stream", st.ID, "error", err)
	}
}
