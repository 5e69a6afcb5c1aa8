package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer of the tunnel.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the tunnel connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the relay address.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Host is the backend host tunneled to.
	Host string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Bridge layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // HTTP layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/session state
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates data received from the relay.
	DirectionIn Direction = 0
	// DirectionOut indicates data sent to the relay.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer of the tunnel captured the event.
type Layer uint8

const (
	// LayerBridge is the relay channel (raw ciphertext frames).
	LayerBridge Layer = 0
	// LayerTLS is the embedded TLS session.
	LayerTLS Layer = 1
	// LayerHTTP is the request/response codec.
	LayerHTTP Layer = 2
	// LayerSession is the login session lifecycle.
	LayerSession Layer = 3
	// LayerCache is the response cache.
	LayerCache Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerBridge:
		return "BRIDGE"
	case LayerTLS:
		return "TLS"
	case LayerHTTP:
		return "HTTP"
	case LayerSession:
		return "SESSION"
	case LayerCache:
		return "CACHE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a frame or an HTTP request/response.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw relay frame at the bridge layer.
type FrameEvent struct {
	// Size is the frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxFrameCapture is the number of frame bytes kept in a FrameEvent.
const MaxFrameCapture = 256

// NewFrameEvent builds a FrameEvent, keeping at most MaxFrameCapture bytes.
func NewFrameEvent(data []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(data)}
	n := len(data)
	if n > MaxFrameCapture {
		n = MaxFrameCapture
		fe.Truncated = true
	}
	fe.Data = append([]byte(nil), data[:n]...)
	return fe
}

// MessageEvent captures an HTTP request or response carried by the tunnel.
// Request parameters are never recorded, only the service and method names.
type MessageEvent struct {
	// Type distinguishes request/response.
	Type MessageType `cbor:"1,keyasint"`

	// Sequence numbers requests within one connection.
	Sequence uint32 `cbor:"2,keyasint"`

	// Method is the HTTP method (requests only).
	Method string `cbor:"3,keyasint,omitempty"`

	// Path is the request path (requests only).
	Path string `cbor:"4,keyasint,omitempty"`

	// Service and Operation name the backend endpoint.
	Service   string `cbor:"5,keyasint,omitempty"`
	Operation string `cbor:"6,keyasint,omitempty"`

	// StatusCode is the HTTP status code (responses only).
	StatusCode int `cbor:"7,keyasint,omitempty"`

	// BodySize is the body length in bytes.
	BodySize int `cbor:"8,keyasint,omitempty"`

	// Duration from dispatch to response, in nanoseconds.
	Duration *time.Duration `cbor:"9,keyasint,omitempty"`
}

// MessageType distinguishes request/response.
type MessageType uint8

const (
	// MessageTypeRequest indicates a request.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse indicates a response.
	MessageTypeResponse MessageType = 1
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection and session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a tunnel connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntitySession indicates a login session state change.
	StateEntitySession StateEntity = 1
	// StateEntityBridge indicates a relay channel state change.
	StateEntityBridge StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityBridge:
		return "BRIDGE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the backend status code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
