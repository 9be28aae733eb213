// Package hub fans decisions out to dashboard websocket clients. Slow
// clients are dropped rather than allowed to stall the filters.
package hub

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data (e.g., JPEG snapshots)
	BinaryMessage
)

// Message represents a message to be broadcast to clients
type Message struct {
	Type   MessageType
	Stream string // Source stream id; empty goes to every client
	Data   []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(stream string, data []byte) Message {
	return Message{Type: JSONMessage, Stream: stream, Data: data}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(stream string, data []byte) Message {
	return Message{Type: BinaryMessage, Stream: stream, Data: data}
}
