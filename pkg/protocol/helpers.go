package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/teslashibe/go-scenefilter/pkg/frame"
	"github.com/teslashibe/go-scenefilter/pkg/scene"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewHelloMessage creates a stream registration message.
func NewHelloMessage(name, preset string, params map[string]interface{}) (*Message, error) {
	return NewMessage(TypeHello, HelloData{Name: name, Preset: preset, Params: params})
}

// NewFrameMessage creates a frame message. FormatGray sends the raw pixels;
// FormatJPEG encodes them at quality 90.
func NewFrameMessage(f frame.Frame, format string, frameID uint64) (*Message, error) {
	var payload []byte
	switch format {
	case FormatGray:
		payload = f.Pix
	case FormatJPEG:
		var err error
		payload, err = frame.EncodeJPEG(f, 90)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
	data := FrameData{
		Width:     f.Width,
		Height:    f.Height,
		Format:    format,
		Data:      base64.StdEncoding.EncodeToString(payload),
		Timestamp: f.Timestamp,
		FrameID:   frameID,
	}
	if format == FormatGray {
		data.Channels = f.Channels
	}
	return NewMessage(TypeFrame, data)
}

// NewConfigMessage creates a parameter patch message.
func NewConfigMessage(params map[string]interface{}) (*Message, error) {
	return NewMessage(TypeConfig, ConfigData{Params: params})
}

// NewWelcomeMessage creates a welcome message.
func NewWelcomeMessage(streamID, name string) (*Message, error) {
	return NewMessage(TypeWelcome, WelcomeData{StreamID: streamID, Name: name})
}

// NewDecisionMessage wraps a decision. Triggering decisions use TypeTrigger.
func NewDecisionMessage(streamID string, d scene.Decision) (*Message, error) {
	t := TypeDecision
	if d.ShouldTrigger {
		t = TypeTrigger
	}
	return NewMessage(t, DecisionData{StreamID: streamID, Decision: d})
}

// NewStatusMessage creates a status message from a filter snapshot.
func NewStatusMessage(streamID string, snap scene.Snapshot, stats scene.Stats) (*Message, error) {
	return NewMessage(TypeStatus, StatusData{
		StreamID:    streamID,
		State:       snap.SceneState,
		Stats:       stats,
		Baseline:    snap.Baseline,
		LastTrigger: snap.LastTrigger,
	})
}

// NewErrorMessage creates an error message.
func NewErrorMessage(code string, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Code: code, Message: err.Error()})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetHelloData extracts hello data from a message
func (m *Message) GetHelloData() (*HelloData, error) {
	var data HelloData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Frame decodes the payload into a frame. Encoded images are converted to
// single-channel luma.
func (f *FrameData) Frame() (frame.Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: base64: %v", frame.ErrInvalidFrame, err)
	}
	switch f.Format {
	case FormatGray, "":
		channels := f.Channels
		if channels == 0 {
			channels = 1
		}
		return frame.New(f.Width, f.Height, channels, raw, f.Timestamp)
	case FormatJPEG, FormatPNG:
		fr, err := frame.DecodeImage(raw, f.Timestamp)
		if err != nil {
			return frame.Frame{}, err
		}
		if f.Width != 0 && (fr.Width != f.Width || fr.Height != f.Height) {
			return frame.Frame{}, fmt.Errorf("%w: declared %dx%d, decoded %s", frame.ErrInvalidFrame, f.Width, f.Height, fr.Shape())
		}
		return fr, nil
	default:
		return frame.Frame{}, fmt.Errorf("%w: unsupported format %q", frame.ErrInvalidFrame, f.Format)
	}
}

// GetConfigData extracts a parameter patch from a message
func (m *Message) GetConfigData() (*ConfigData, error) {
	var data ConfigData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetWelcomeData extracts welcome data from a message
func (m *Message) GetWelcomeData() (*WelcomeData, error) {
	var data WelcomeData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetDecisionData extracts a decision from a decision or trigger message
func (m *Message) GetDecisionData() (*DecisionData, error) {
	var data DecisionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStatusData extracts status data from a message
func (m *Message) GetStatusData() (*StatusData, error) {
	var data StatusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts error data from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
