package tunnel

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/bridge"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/codec"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/metrics"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/tlssession"
)

// DefaultIdleTimeout is the default dead-man timer.
const DefaultIdleTimeout = 5 * time.Second

// Connection errors.
var (
	ErrConnectionClosed = errors.New("tunnel: connection closed")
	ErrTimeout          = errors.New("tunnel: idle timeout")
	ErrNoHost           = errors.New("tunnel: no host configured")
	ErrNoRelay          = errors.New("tunnel: no relay configured")
)

// Session is the TLS session a Conn runs over.
// *tlssession.Session satisfies it.
type Session interface {
	Start(ctx context.Context) error
	Write(plaintext []byte) error
	Close() error
	OnHandshakeComplete(fn func())
	OnPlaintext(fn func([]byte))
	OnClosed(fn func())
	OnError(fn func(error))
}

var _ Session = (*tlssession.Session)(nil)

// Config configures a Conn.
type Config struct {
	// Host is the backend host, used for the Host header of requests that
	// do not set one.
	Host string

	// RelayURL is the ws:// or wss:// address of the relay (Dial only).
	RelayURL string

	// ExpectedHost is the required leaf certificate Common Name
	// (default: Host).
	ExpectedHost string

	// IdleTimeout tears the connection down after this long without
	// activity (default: 5s).
	IdleTimeout time.Duration

	// Roots are the trusted CAs (nil: system pool).
	Roots *x509.CertPool

	// Engine overrides the TLS engine (optional).
	Engine tlssession.EngineFunc

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives trace events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration with the default idle timeout.
func DefaultConfig() Config {
	return Config{IdleTimeout: DefaultIdleTimeout}
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ExpectedHost == "" {
		c.ExpectedHost = c.Host
	}
	return c
}

// pending is a queued request.
type pending struct {
	seq     uint32
	req     *codec.Request
	data    []byte
	parser  *codec.Parser
	done    chan result
	started time.Time
}

type result struct {
	resp *codec.Response
	err  error
}

// Conn is a tunneled connection that serializes requests.
type Conn struct {
	id      string
	config  Config
	session Session
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	queue    []*pending
	inFlight bool
	timer    *time.Timer
	timerGen uint64
	seq      uint32
	closeErr error
	onClosed []func(error)
}

// New creates a Conn over session in StateHandshaking and starts the idle
// timer. It only wires the session's callbacks; the caller starts the
// session.
func New(config Config, session Session) *Conn {
	return newConn(uuid.NewString(), config, session)
}

func newConn(id string, config Config, session Session) *Conn {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      id,
		config:  config,
		session: session,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateHandshaking,
	}

	session.OnHandshakeComplete(c.handleHandshake)
	session.OnPlaintext(c.handlePlaintext)
	session.OnClosed(func() { c.closeWith(nil) })
	session.OnError(c.closeWith)

	c.mu.Lock()
	c.resetTimerLocked()
	c.mu.Unlock()

	metrics.TunnelsOpened.Inc()
	log.Emit(config.ProtocolLogger, log.Event{
		ConnectionID: id,
		Layer:        log.LayerHTTP,
		Category:     log.CategoryState,
		Host:         config.Host,
		RemoteAddr:   config.RelayURL,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			NewState: StateHandshaking.String(),
		},
	})
	return c
}

// Dial creates a Conn to config.Host through the relay at config.RelayURL.
// It returns immediately in StateHandshaking; the relay is opened and the
// handshake runs in the background. Requests sent meanwhile are queued.
func Dial(config Config) (*Conn, error) {
	config = config.withDefaults()
	if config.Host == "" {
		return nil, ErrNoHost
	}
	if config.RelayURL == "" {
		return nil, ErrNoRelay
	}

	id := uuid.NewString()
	br := bridge.New(bridge.Config{
		HandshakeTimeout: config.IdleTimeout,
		ConnectionID:     id,
		Logger:           config.Logger,
		ProtocolLogger:   config.ProtocolLogger,
	})
	verifier := tlssession.NewVerifier(config.Roots, config.ExpectedHost)
	session := tlssession.New(br, tlssession.Config{
		TLSConfig:      verifier.TLSConfig(),
		Engine:         config.Engine,
		RemoteAddr:     config.RelayURL,
		ConnectionID:   id,
		Logger:         config.Logger,
		ProtocolLogger: config.ProtocolLogger,
	})

	c := newConn(id, config, session)
	go func() {
		if err := br.Open(c.ctx, config.RelayURL); err != nil {
			c.closeWith(err)
			return
		}
		if err := session.Start(c.ctx); err != nil {
			c.closeWith(err)
		}
	}()
	return c, nil
}

// ID returns the connection ID used in trace events.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued requests, including the one in
// flight.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// OnClosed registers fn to be called once with the close error. If the
// connection is already closed, fn is called immediately.
func (c *Conn) OnClosed(fn func(error)) {
	c.mu.Lock()
	if c.state == StateClosed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// Send queues req and waits for its response. Requests are answered in
// submission order. If ctx ends first, Send returns ctx.Err(); the request
// itself stays queued and is settled by the connection, so later responses
// still match their requests.
func (c *Conn) Send(ctx context.Context, req *codec.Request) (*codec.Response, error) {
	if req.Host == "" {
		r := *req
		r.Host = c.config.Host
		req = &r
	}
	data, err := codec.Serialize(req)
	if err != nil {
		return nil, err
	}

	p := &pending{
		req:    req,
		data:   data,
		parser: codec.NewParser(),
		done:   make(chan result, 1),
	}

	c.mu.Lock()
	if c.state == StateClosed {
		err := c.closeErr
		c.mu.Unlock()
		if !errors.Is(err, ErrConnectionClosed) {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	c.seq++
	p.seq = c.seq
	c.queue = append(c.queue, p)
	metrics.QueueDepth.Inc()

	var next *pending
	if c.state == StateConnected && !c.inFlight {
		next = c.takeHeadLocked()
	}
	c.mu.Unlock()

	if next != nil {
		c.dispatch(next)
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		c.debugLog("request abandoned by caller", "seq", p.seq)
		return nil, ctx.Err()
	}
}

// Close tears the connection down. Queued requests fail with
// ErrConnectionClosed. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

// takeHeadLocked marks the queue head in flight and resets the idle timer.
func (c *Conn) takeHeadLocked() *pending {
	if len(c.queue) == 0 {
		return nil
	}
	c.inFlight = true
	head := c.queue[0]
	head.started = time.Now()
	c.resetTimerLocked()
	return head
}

// dispatch writes p to the session. The lock is not held.
func (c *Conn) dispatch(p *pending) {
	c.traceRequest(p)
	if err := c.session.Write(p.data); err != nil {
		c.closeWith(err)
	}
}

func (c *Conn) handleHandshake() {
	c.mu.Lock()
	if !CanTransition(c.state, StateConnected) {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	var next *pending
	if !c.inFlight {
		next = c.takeHeadLocked()
	}
	queued := len(c.queue)
	c.mu.Unlock()

	metrics.HandshakeSecs.Observe(time.Since(c.created).Seconds())
	c.traceState(StateHandshaking, StateConnected, "")
	c.debugLog("tunnel connected", "conn_id", c.id, "queued", queued)

	if next != nil {
		c.dispatch(next)
	}
}

func (c *Conn) handlePlaintext(data []byte) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.resetTimerLocked()
	if !c.inFlight || len(c.queue) == 0 {
		c.mu.Unlock()
		c.debugLog("dropping unsolicited plaintext", "conn_id", c.id, "bytes", len(data))
		return
	}

	head := c.queue[0]
	res, err := head.parser.Feed(data)
	if !res.Done && err == nil {
		c.mu.Unlock()
		return
	}

	c.queue = c.queue[1:]
	c.inFlight = false

	// Anything but a bad JSON body means the byte stream can no longer be
	// framed, so the connection cannot carry further requests.
	var perr *codec.ParseError
	fatal := err != nil && !errors.As(err, &perr)

	var next *pending
	if !fatal {
		next = c.takeHeadLocked()
	}
	c.mu.Unlock()

	c.settle(head, res.Response, err)
	if fatal {
		c.closeWith(err)
		return
	}
	if next != nil {
		c.dispatch(next)
	}
}

// resetTimerLocked restarts the idle timer. A timer that already fired for
// an earlier generation finds the generation changed and does nothing.
func (c *Conn) resetTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(c.config.IdleTimeout, func() { c.handleTimeout(gen) })
}

func (c *Conn) handleTimeout(gen uint64) {
	closed := c.closeWhen(ErrTimeout, func() bool { return c.timerGen == gen })
	if closed {
		c.debugLog("tunnel idle timeout", "conn_id", c.id, "timeout", c.config.IdleTimeout)
	}
}

// closeWith moves to StateClosed and fails every queued request. A nil
// cause is a plain close.
func (c *Conn) closeWith(cause error) {
	c.closeWhen(cause, nil)
}

// closeWhen is closeWith guarded by cond, which runs under the lock. It
// reports whether the connection was closed.
func (c *Conn) closeWhen(cause error, cond func() bool) bool {
	c.mu.Lock()
	if c.state == StateClosed || (cond != nil && !cond()) {
		c.mu.Unlock()
		return false
	}
	old := c.state
	c.state = StateClosed

	var err error
	switch {
	case cause == nil:
		err = ErrConnectionClosed
	case errors.Is(cause, ErrTimeout):
		err = ErrTimeout
	default:
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	c.closeErr = err

	queue := c.queue
	c.queue = nil
	c.inFlight = false
	c.timer.Stop()
	callbacks := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()

	for _, p := range queue {
		c.settle(p, nil, err)
	}

	c.cancel()
	_ = c.session.Close()

	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	metrics.TunnelsClosed.WithLabelValues(closeReason(cause)).Inc()
	c.traceState(old, StateClosed, reason)
	if cause != nil {
		log.Emit(c.config.ProtocolLogger, log.Event{
			ConnectionID: c.id,
			Layer:        log.LayerHTTP,
			Category:     log.CategoryError,
			Host:         c.config.Host,
			Error: &log.ErrorEventData{
				Layer:   log.LayerHTTP,
				Message: cause.Error(),
				Context: old.String(),
			},
		})
	}
	c.debugLog("tunnel closed", "conn_id", c.id, "reason", reason, "failed_requests", len(queue))

	for _, fn := range callbacks {
		fn(err)
	}
	return true
}

// settle delivers the outcome of p. Each request is removed from the queue
// under the lock before it is settled, so this runs once per request.
func (c *Conn) settle(p *pending, resp *codec.Response, err error) {
	p.done <- result{resp: resp, err: err}
	metrics.QueueDepth.Dec()
	metrics.Requests.WithLabelValues(outcome(err)).Inc()

	if p.started.IsZero() {
		return
	}
	d := time.Since(p.started)
	metrics.RequestSecs.Observe(d.Seconds())
	c.traceResponse(p, resp, d)
}

func outcome(err error) string {
	var (
		perr *codec.ParseError
		verr *tlssession.VerificationError
		terr *bridge.TransportError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &perr):
		return metrics.OutcomeParseError
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &verr):
		return metrics.OutcomeVerifyError
	case errors.As(err, &terr):
		return metrics.OutcomeTransport
	default:
		return metrics.OutcomeClosed
	}
}

func closeReason(cause error) string {
	if cause == nil {
		return "closed"
	}
	switch outcome(cause) {
	case metrics.OutcomeTimeout:
		return "timeout"
	case metrics.OutcomeVerifyError:
		return "verification"
	case metrics.OutcomeTransport:
		return "transport"
	default:
		return "error"
	}
}

func (c *Conn) traceRequest(p *pending) {
	if c.config.ProtocolLogger == nil {
		return
	}
	log.Emit(c.config.ProtocolLogger, log.Event{
		ConnectionID: c.id,
		Direction:    log.DirectionOut,
		Layer:        log.LayerHTTP,
		Category:     log.CategoryMessage,
		Host:         p.req.Host,
		Message: &log.MessageEvent{
			Type:      log.MessageTypeRequest,
			Sequence:  p.seq,
			Method:    p.req.Method,
			Path:      p.req.Path,
			Service:   p.req.Params.Get("service"),
			Operation: p.req.Params.Get("method"),
			BodySize:  len(p.data),
		},
	})
}

func (c *Conn) traceResponse(p *pending, resp *codec.Response, d time.Duration) {
	if c.config.ProtocolLogger == nil {
		return
	}
	msg := &log.MessageEvent{
		Type:      log.MessageTypeResponse,
		Sequence:  p.seq,
		Service:   p.req.Params.Get("service"),
		Operation: p.req.Params.Get("method"),
		Duration:  &d,
	}
	if resp != nil {
		msg.StatusCode = resp.StatusCode
		msg.BodySize = len(resp.Body)
	}
	log.Emit(c.config.ProtocolLogger, log.Event{
		ConnectionID: c.id,
		Direction:    log.DirectionIn,
		Layer:        log.LayerHTTP,
		Category:     log.CategoryMessage,
		Host:         p.req.Host,
		Message:      msg,
	})
}

func (c *Conn) traceState(from, to State, reason string) {
	log.Emit(c.config.ProtocolLogger, log.Event{
		ConnectionID: c.id,
		Layer:        log.LayerHTTP,
		Category:     log.CategoryState,
		Host:         c.config.Host,
		RemoteAddr:   c.config.RelayURL,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

// debugLog logs a debug message if logging is enabled.
func (c *Conn) debugLog(msg string, args ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, args...)
	}
}
