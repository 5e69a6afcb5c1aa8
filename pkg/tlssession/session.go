package tlssession

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateIdle indicates Start has not been called.
	StateIdle State = iota

	// StateHandshaking indicates the TLS handshake is running.
	StateHandshaking

	// StateEstablished indicates plaintext can be exchanged.
	StateEstablished

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session errors.
var (
	ErrAlreadyStarted = errors.New("tls: already started")
	ErrNotEstablished = errors.New("tls: handshake not complete")
	ErrClosed         = errors.New("tls: closed")
)

// DefaultReadBufferSize holds one maximum-size TLS record.
const DefaultReadBufferSize = 16 * 1024

// Config configures a Session.
type Config struct {
	// TLSConfig is the client configuration, usually Verifier.TLSConfig().
	TLSConfig *tls.Config

	// Engine creates the TLS engine (default: StandardEngine).
	Engine EngineFunc

	// RemoteAddr names the relay in net.Conn addresses (optional).
	RemoteAddr string

	// ReadBufferSize is the plaintext read chunk (default: 16 KiB).
	ReadBufferSize int

	// ConnectionID tags trace events (optional).
	ConnectionID string

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives state and error events (optional).
	ProtocolLogger log.Logger
}

// Session is a TLS client session over a Transport.
type Session struct {
	config    Config
	transport Transport
	conn      *transportConn
	engine    Engine

	state   atomic.Int32
	failed  atomic.Bool
	writeMu sync.Mutex

	mu                  sync.RWMutex
	onHandshakeComplete func()
	onPlaintext         func([]byte)
	onClosed            func()
	onError             func(error)
}

// New creates a session over t and wires the transport callbacks.
// The handshake starts with Start.
func New(t Transport, config Config) *Session {
	if config.Engine == nil {
		config.Engine = StandardEngine
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	if config.TLSConfig == nil {
		config.TLSConfig = &tls.Config{}
	}

	s := &Session{
		config:    config,
		transport: t,
		conn:      newTransportConn(t, config.RemoteAddr),
	}
	s.engine = config.Engine(s.conn, config.TLSConfig)
	s.state.Store(int32(StateIdle))

	t.OnMessage(func(data []byte) {
		// Fails only once the conn is closed.
		_ = s.conn.feed(data)
	})
	t.OnClose(func() {
		s.conn.closeRead(io.EOF)
		s.shutdown("transport closed")
	})
	t.OnError(func(err error) {
		s.conn.closeRead(err)
		s.fail(err)
	})
	return s
}

// OnHandshakeComplete sets the callback fired once the handshake succeeds.
func (s *Session) OnHandshakeComplete(fn func()) {
	s.mu.Lock()
	s.onHandshakeComplete = fn
	s.mu.Unlock()
}

// OnPlaintext sets the callback receiving decrypted application data.
// Chunks follow TLS record boundaries, not message boundaries.
func (s *Session) OnPlaintext(fn func([]byte)) {
	s.mu.Lock()
	s.onPlaintext = fn
	s.mu.Unlock()
}

// OnClosed sets the callback fired exactly once when the session ends.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

// OnError sets the callback fired when the session fails. A rejected peer
// certificate is reported as *VerificationError.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start runs the handshake and then the plaintext read loop in a
// goroutine. The transport must already be open. ctx bounds the handshake.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateHandshaking)) {
		return ErrAlreadyStarted
	}
	s.traceState(StateIdle, StateHandshaking, "")
	go s.run(ctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	if err := s.engine.HandshakeContext(ctx); err != nil {
		if s.State() == StateClosed {
			return
		}
		var verr *VerificationError
		if errors.As(err, &verr) {
			err = verr
		}
		s.fail(err)
		return
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		return
	}
	s.traceState(StateHandshaking, StateEstablished, "")
	s.debugLog("tls handshake complete", "conn_id", s.config.ConnectionID)

	s.mu.RLock()
	onHandshakeComplete := s.onHandshakeComplete
	s.mu.RUnlock()
	if onHandshakeComplete != nil {
		onHandshakeComplete()
	}

	s.readLoop()
}

func (s *Session) readLoop() {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := s.engine.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.RLock()
			onPlaintext := s.onPlaintext
			s.mu.RUnlock()
			if onPlaintext != nil {
				onPlaintext(data)
			}
		}
		if err != nil {
			if s.State() == StateClosed {
				return
			}
			if errors.Is(err, io.EOF) {
				s.shutdown("peer closed")
				return
			}
			s.fail(err)
			return
		}
	}
}

// Write encrypts and sends plaintext.
func (s *Session) Write(plaintext []byte) error {
	switch s.State() {
	case StateEstablished:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotEstablished
	}

	s.writeMu.Lock()
	_, err := s.engine.Write(plaintext)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Close ends the session, sending close_notify if the handshake completed,
// and closes the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown("")
	return nil
}

// fail reports err once and closes the session.
func (s *Session) fail(err error) {
	if s.State() == StateClosed || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.debugLog("tls session failed", "conn_id", s.config.ConnectionID, "error", err)
	log.Emit(s.config.ProtocolLogger, log.Event{
		ConnectionID: s.config.ConnectionID,
		Layer:        log.LayerTLS,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTLS,
			Message: err.Error(),
			Context: s.State().String(),
		},
	})

	s.mu.RLock()
	onError := s.onError
	s.mu.RUnlock()
	if onError != nil {
		onError(err)
	}
	s.shutdown(err.Error())
}

// shutdown closes the engine and transport. Only the first caller
// proceeds, so transport callbacks fired by the close return immediately.
func (s *Session) shutdown(reason string) {
	old := State(s.state.Swap(int32(StateClosed)))
	if old == StateClosed {
		return
	}
	if old == StateEstablished {
		s.writeMu.Lock()
		_ = s.engine.Close()
		s.writeMu.Unlock()
	}
	s.conn.Close()
	_ = s.transport.Close()

	s.traceState(old, StateClosed, reason)

	s.mu.RLock()
	onClosed := s.onClosed
	s.mu.RUnlock()
	if onClosed != nil {
		onClosed()
	}
}

func (s *Session) traceState(from, to State, reason string) {
	log.Emit(s.config.ProtocolLogger, log.Event{
		ConnectionID: s.config.ConnectionID,
		Layer:        log.LayerTLS,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: "TLS_" + from.String(),
			NewState: "TLS_" + to.String(),
			Reason:   reason,
		},
	})
}

// debugLog logs a debug message if logging is enabled.
func (s *Session) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}
