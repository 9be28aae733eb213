// Package protocol defines the WebSocket messages exchanged between camera
// clients, the scenefilter server and dashboards.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-scenefilter/pkg/baseline"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Camera → Server messages
	TypeHello  MessageType = "hello"  // Stream registration
	TypeFrame  MessageType = "frame"  // Video frame
	TypeConfig MessageType = "config" // Parameter patch for this stream
	TypeReset  MessageType = "reset"  // Relearn the scene

	// Server → Client messages
	TypeWelcome  MessageType = "welcome"  // Assigned stream id
	TypeDecision MessageType = "decision" // Per-frame decision
	TypeTrigger  MessageType = "trigger"  // Decision with should_trigger set
	TypeStatus   MessageType = "status"   // Filter snapshot
	TypeError    MessageType = "error"    // Request failed

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Frame encodings accepted in FrameData.Format.
const (
	FormatGray = "gray" // Raw 8-bit luma, Width*Height bytes
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Camera → Server
// =============================================================================

// HelloData registers a stream. Preset and Params are optional and applied
// before the first frame.
type HelloData struct {
	Name   string                 `json:"name"`
	Preset string                 `json:"preset,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// FrameData contains one camera frame.
type FrameData struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels,omitempty"` // Only for FormatGray; defaults to 1
	Format    string `json:"format"`             // "gray", "jpeg", "png"
	Data      string `json:"data"`               // base64 encoded
	Timestamp int64  `json:"timestamp"`          // Capture time, monotonic ms
	FrameID   uint64 `json:"frame_id,omitempty"`
}

// ConfigData patches the stream's filter parameters. Keys are the
// snake_case names of scene.Config, plus "preset".
type ConfigData struct {
	Params map[string]interface{} `json:"params"`
}

// =============================================================================
// Server → Client
// =============================================================================

// WelcomeData answers a hello.
type WelcomeData struct {
	StreamID string `json:"stream_id"`
	Name     string `json:"name,omitempty"`
}

// DecisionData is one filter decision for a stream.
type DecisionData struct {
	StreamID string `json:"stream_id"`
	scene.Decision
}

// StatusData carries a filter snapshot and counters.
type StatusData struct {
	StreamID    string            `json:"stream_id"`
	State       scene.State       `json:"scene_state"`
	Stats       scene.Stats       `json:"stats"`
	Baseline    baseline.Snapshot `json:"baseline"`
	LastTrigger int64             `json:"last_trigger,omitempty"`
}

// ErrorData reports a failed request.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeBadMessage = "bad_message"
	CodeBadFrame   = "bad_frame"
	CodeBadConfig  = "bad_config"
	CodeNoStream   = "no_stream"
	CodeFull       = "server_full"
)

// =============================================================================
// Bidirectional
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
