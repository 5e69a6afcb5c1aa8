// Package relay forwards WebSocket clients to a fixed TCP target.
//
// Each upgraded WebSocket connection gets its own TCP connection to Target.
// Binary and text frames are written to TCP unchanged, and everything read
// from TCP is sent back as binary frames. The relay never looks into the
// byte stream; TLS runs end to end between the client and the target.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/metrics"
)

// Defaults.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultBufferSize  = 16 * 1024
)

// closeGrace bounds the close frame write when the target hangs up.
const closeGrace = time.Second

// Config configures a Server.
type Config struct {
	// Target is the host:port every client is forwarded to.
	Target string

	// DialTimeout bounds the TCP dial (default: 10s).
	DialTimeout time.Duration

	// AllowedOrigins restricts browser clients by Origin header.
	// Empty or "*" allows all; requests without Origin are always allowed.
	AllowedOrigins []string

	// Logger for connection logs (optional).
	Logger *slog.Logger
}

// Server is an http.Handler relaying WebSocket clients to Config.Target.
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	dialer   net.Dialer

	wg sync.WaitGroup
}

// New creates a relay server.
func New(config Config) *Server {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	return &Server{
		config:   config,
		upgrader: makeUpgrader(config.AllowedOrigins),
		dialer:   net.Dialer{Timeout: config.DialTimeout},
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  DefaultBufferSize,
		WriteBufferSize: DefaultBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and relays until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Dial first so an unreachable target is reported as an HTTP error
	// instead of an immediately closed WebSocket.
	target, err := s.dialer.DialContext(r.Context(), "tcp", s.config.Target)
	if err != nil {
		s.logWarn("dial target failed", "target", s.config.Target, "error", err)
		http.Error(w, "relay target unavailable", http.StatusBadGateway)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		target.Close()
		s.logWarn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	metrics.RelaySessions.Inc()
	defer metrics.RelaySessions.Dec()

	s.logInfo("relay session opened", "remote", r.RemoteAddr, "target", s.config.Target)
	up, down := s.pipe(ws, target)
	s.logInfo("relay session closed", "remote", r.RemoteAddr, "bytes_up", up, "bytes_down", down)
}

// pipe copies in both directions until one side ends and then closes both.
func (s *Server) pipe(ws *websocket.Conn, target net.Conn) (up, down int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			target.Close()
			ws.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeBoth()
		down = s.targetToClient(target, ws)
	}()

	up = s.clientToTarget(ws, target)
	closeBoth()
	<-done
	return up, down
}

func (s *Server) clientToTarget(ws *websocket.Conn, target net.Conn) int64 {
	var n int64
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return n
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if _, err := target.Write(data); err != nil {
			return n
		}
		n += int64(len(data))
	}
}

func (s *Server) targetToClient(target net.Conn, ws *websocket.Conn) int64 {
	var n int64
	buf := make([]byte, DefaultBufferSize)
	for {
		m, err := target.Read(buf)
		if m > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:m]); werr != nil {
				return n
			}
			n += int64(m)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "target closed"),
					time.Now().Add(closeGrace))
			}
			return n
		}
	}
}

// Wait blocks until all relay sessions have ended or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Warn(msg, args...)
	}
}
