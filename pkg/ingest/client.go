package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/protocol"
)

// ErrNotConnected is returned when sending on a closed client.
var ErrNotConnected = errors.New("ingest: not connected")

// ClientConfig configures a camera client.
type ClientConfig struct {
	ServerURL string // e.g. ws://localhost:8090
	StreamID  string // Empty lets the server assign one
	Name      string
	Preset    string
	Params    map[string]interface{}
	Format    string // protocol.FormatGray or protocol.FormatJPEG
}

// Client pushes frames to a scenefilter server and receives its replies.
type Client struct {
	cfg  ClientConfig
	conn *websocket.Conn

	writeMu sync.Mutex
	frameID atomic.Uint64

	mu        sync.RWMutex
	streamID  string
	onMessage func(*protocol.Message)

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Dial connects to the server, sends a hello and waits for the welcome.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Format == "" {
		cfg.Format = protocol.FormatGray
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("ingest: bad server url: %w", err)
	}
	u.Path = "/ws/camera"
	if cfg.StreamID != "" {
		u.Path += "/" + url.PathEscape(cfg.StreamID)
	}
	if cfg.Name != "" {
		u.RawQuery = url.Values{"name": {cfg.Name}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "ingest.client"),
	}

	// The server greets on connect and again once the hello is applied.
	err = c.awaitWelcome(ctx)
	if err == nil {
		var hello *protocol.Message
		hello, err = protocol.NewHelloMessage(cfg.Name, cfg.Preset, cfg.Params)
		if err == nil {
			err = c.send(hello)
		}
	}
	if err == nil {
		err = c.awaitWelcome(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) awaitWelcome(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ingest: waiting for welcome: %w", err)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeWelcome:
			w, err := msg.GetWelcomeData()
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.streamID = w.StreamID
			c.mu.Unlock()
			return nil
		case protocol.TypeError:
			e, err := msg.GetErrorData()
			if err != nil {
				return fmt.Errorf("ingest: server refused stream: %w", err)
			}
			return fmt.Errorf("ingest: server refused stream: %s: %s", e.Code, e.Message)
		}
	}
}

// StreamID returns the id the server assigned.
func (c *Client) StreamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamID
}

// OnMessage sets a callback for every message from the server (decisions
// for triggers, status, errors, pongs).
func (c *Client) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SendFrame pushes one frame.
func (c *Client) SendFrame(f frame.Frame) error {
	msg, err := protocol.NewFrameMessage(f, c.cfg.Format, c.frameID.Add(1))
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Configure asks the server to patch this stream's parameters.
func (c *Client) Configure(params map[string]interface{}) error {
	msg, err := protocol.NewConfigMessage(params)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Reset asks the server to relearn the scene.
func (c *Client) Reset() error {
	msg, err := protocol.NewMessage(protocol.TypeReset, nil)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Ping sends a ping; the pong arrives through OnMessage.
func (c *Client) Ping(id string) error {
	msg, err := protocol.NewPingMessage(id)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("read ended", "error", err)
			}
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("bad message from server", "error", err)
			continue
		}
		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown()
	return err
}
