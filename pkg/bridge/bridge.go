package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/metrics"
)

// State is the lifecycle state of a bridge.
type State int32

const (
	// StateIdle indicates Open has not been called.
	StateIdle State = iota

	// StateOpening indicates the relay is being dialed.
	StateOpening

	// StateOpen indicates frames can be sent.
	StateOpen

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Bridge errors.
var (
	ErrNotOpen       = errors.New("bridge: not open")
	ErrClosed        = errors.New("bridge: closed")
	ErrAlreadyOpened = errors.New("bridge: already opened")
)

// TransportError reports a failure of the relay channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures a WebSocketBridge.
type Config struct {
	// HandshakeTimeout bounds the WebSocket upgrade (default: 10s).
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write (0 = no timeout).
	WriteTimeout time.Duration

	// Header is sent with the upgrade request.
	Header http.Header

	// Dialer overrides the WebSocket dialer (optional).
	Dialer *websocket.Dialer

	// ConnectionID tags trace events (optional).
	ConnectionID string

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives frame and state trace events (optional).
	ProtocolLogger log.Logger
}

// DefaultHandshakeTimeout is the default WebSocket upgrade timeout.
const DefaultHandshakeTimeout = 10 * time.Second

// closeGrace bounds the close frame write during Close.
const closeGrace = time.Second

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WebSocketBridge is a relay channel backed by a gorilla WebSocket connection.
type WebSocketBridge struct {
	config Config

	state  atomic.Int32
	failed atomic.Bool

	mu      sync.RWMutex
	conn    *websocket.Conn
	address string

	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)

	writeMu sync.Mutex
}

// New creates a bridge that is not yet connected.
func New(config Config) *WebSocketBridge {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	b := &WebSocketBridge{config: config}
	b.state.Store(int32(StateIdle))
	return b
}

// OnOpen sets the callback fired once the relay channel is established.
func (b *WebSocketBridge) OnOpen(fn func()) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// OnMessage sets the callback receiving every inbound frame.
func (b *WebSocketBridge) OnMessage(fn func([]byte)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

// OnClose sets the callback fired exactly once when the bridge closes.
func (b *WebSocketBridge) OnClose(fn func()) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

// OnError sets the callback fired on a transport failure.
func (b *WebSocketBridge) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// State returns the current bridge state.
func (b *WebSocketBridge) State() State {
	return State(b.state.Load())
}

// Open dials the relay at address (ws:// or wss://) and starts delivering
// inbound frames. It blocks until the upgrade completes or fails.
func (b *WebSocketBridge) Open(ctx context.Context, address string) error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return ErrAlreadyOpened
	}
	b.traceState(StateIdle, StateOpening, "")

	dialer := b.config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: b.config.HandshakeTimeout,
		}
	}

	conn, _, err := dialer.DialContext(ctx, address, b.config.Header)
	if err != nil {
		terr := &TransportError{Op: "open", Err: err}
		b.fail(terr)
		return terr
	}

	b.mu.Lock()
	b.conn = conn
	b.address = address
	b.mu.Unlock()

	if !b.state.CompareAndSwap(int32(StateOpening), int32(StateOpen)) {
		// Closed while dialing.
		conn.Close()
		return ErrClosed
	}
	b.traceState(StateOpening, StateOpen, "")
	b.debugLog("relay channel open", "address", address)

	b.mu.RLock()
	onOpen := b.onOpen
	b.mu.RUnlock()
	if onOpen != nil {
		onOpen()
	}

	go b.readLoop(conn)
	return nil
}

// Send writes data to the relay as one binary frame.
func (b *WebSocketBridge) Send(data []byte) error {
	switch b.State() {
	case StateOpen:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotOpen
	}

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	b.writeMu.Lock()
	if b.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
	}
	err := conn.WriteMessage(websocket.BinaryMessage, data)
	b.writeMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		b.fail(terr)
		return terr
	}

	metrics.RelayFrames.WithLabelValues("out").Inc()
	b.traceFrame(log.DirectionOut, data)
	return nil
}

// Close closes the relay channel. It is safe to call more than once; the
// OnClose callback fires only on the first call.
func (b *WebSocketBridge) Close() error {
	b.shutdown("")
	return nil
}

// readLoop delivers inbound frames until the channel ends.
func (b *WebSocketBridge) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if b.State() == StateClosed {
				return // Expected during close
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.shutdown("relay closed")
				return
			}
			b.fail(&TransportError{Op: "read", Err: err})
			return
		}

		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		metrics.RelayFrames.WithLabelValues("in").Inc()
		b.traceFrame(log.DirectionIn, data)

		b.mu.RLock()
		onMessage := b.onMessage
		b.mu.RUnlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// fail reports err once and closes the bridge.
func (b *WebSocketBridge) fail(err error) {
	if b.State() == StateClosed || !b.failed.CompareAndSwap(false, true) {
		return
	}
	b.debugLog("relay channel failed", "error", err)
	log.Emit(b.config.ProtocolLogger, log.Event{
		ConnectionID: b.config.ConnectionID,
		Layer:        log.LayerBridge,
		Category:     log.CategoryError,
		RemoteAddr:   b.addr(),
		Error:        &log.ErrorEventData{Layer: log.LayerBridge, Message: err.Error()},
	})

	b.mu.RLock()
	onError := b.onError
	b.mu.RUnlock()
	if onError != nil {
		onError(err)
	}
	b.shutdown(err.Error())
}

// shutdown moves to StateClosed, closes the socket and fires OnClose once.
// Only the first caller proceeds, so the callback may call Close again.
func (b *WebSocketBridge) shutdown(reason string) {
	old := State(b.state.Swap(int32(StateClosed)))
	if old == StateClosed {
		return
	}

	b.mu.RLock()
	conn := b.conn
	onClose := b.onClose
	b.mu.RUnlock()

	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		b.writeMu.Unlock()
		conn.Close()
	}

	b.traceState(old, StateClosed, reason)
	if onClose != nil {
		onClose()
	}
}

func (b *WebSocketBridge) addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.address
}

func (b *WebSocketBridge) traceFrame(dir log.Direction, data []byte) {
	if b.config.ProtocolLogger == nil {
		return
	}
	log.Emit(b.config.ProtocolLogger, log.Event{
		ConnectionID: b.config.ConnectionID,
		Direction:    dir,
		Layer:        log.LayerBridge,
		Category:     log.CategoryMessage,
		Frame:        log.NewFrameEvent(data),
	})
}

func (b *WebSocketBridge) traceState(from, to State, reason string) {
	log.Emit(b.config.ProtocolLogger, log.Event{
		ConnectionID: b.config.ConnectionID,
		Layer:        log.LayerBridge,
		Category:     log.CategoryState,
		RemoteAddr:   b.addr(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityBridge,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

// debugLog logs a debug message if logging is enabled.
func (b *WebSocketBridge) debugLog(msg string, args ...any) {
	if b.config.Logger != nil {
		b.config.Logger.Debug(msg, args...)
	}
}
