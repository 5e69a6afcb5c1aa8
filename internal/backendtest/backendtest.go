// Package backendtest runs a fake of the legacy backend web service behind
// TLS, for end-to-end tests of the tunnel and API client.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/neuland-ingolstadt/thi-tunnel/internal/tlstest"
)

// Backend status codes used by the fake.
const (
	StatusWrongCredentials = -7
	StatusNoSession        = -115
	StatusUnknownMethod    = -1
)

// Handler answers an authenticated service call with a payload, or with a
// non-zero code and error payload.
type Handler func(form map[string]string) (code int, payload any)

// Server is a fake backend.
type Server struct {
	*httptest.Server

	// CA signed the server certificate.
	CA *tlstest.CA

	// Host is the certificate common name and the expected Host header.
	Host string

	requests atomic.Int64

	mu       sync.Mutex
	users    map[string]user
	sessions map[string]string
	handlers map[string]Handler
}

type user struct {
	password string
	student  bool
}

// New starts a fake backend for host. It is closed when the test ends.
func New(t testing.TB, host string) *Server {
	t.Helper()
	ca := tlstest.NewCA(t, "Backend Test Root")
	s := &Server{
		CA:       ca,
		Host:     host,
		users:    make(map[string]user),
		sessions: make(map[string]string),
		handlers: make(map[string]Handler),
	}
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.serve))
	s.Server.TLS = tlstest.ServerConfig(ca.Issue(t, tlstest.Leaf{CommonName: host}))
	s.Server.StartTLS()
	t.Cleanup(s.Server.Close)
	return s
}

// Addr returns the host:port of the TLS listener.
func (s *Server) Addr() string {
	return s.Server.Listener.Addr().String()
}

// AddUser registers an account.
func (s *Server) AddUser(username, password string, student bool) {
	s.mu.Lock()
	s.users[username] = user{password: password, student: student}
	s.mu.Unlock()
}

// Handle registers the handler of an authenticated service method.
func (s *Server) Handle(service, method string, h Handler) {
	s.mu.Lock()
	s.handlers[service+"."+method] = h
	s.mu.Unlock()
}

// ExpireSessions invalidates every issued token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	clear(s.sessions)
	s.mu.Unlock()
}

// Sessions returns the number of valid tokens.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Requests returns the number of requests served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if r.Method != http.MethodPost || r.Host != s.Host {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	status, data := s.dispatch(form)
	body, _ := json.Marshal(map[string]any{"status": status, "data": data})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

func (s *Server) dispatch(form map[string]string) (int, any) {
	service, method := form["service"], form["method"]
	if service == "session" {
		return s.sessionCall(method, form)
	}

	s.mu.Lock()
	_, valid := s.sessions[form["session"]]
	h, ok := s.handlers[service+"."+method]
	s.mu.Unlock()

	if !valid {
		return StatusNoSession, "No Session"
	}
	if !ok {
		return StatusUnknownMethod, "Unknown method"
	}
	code, payload := h(form)
	return 0, []any{code, payload}
}

func (s *Server) sessionCall(method string, form map[string]string) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch method {
	case "open":
		u, ok := s.users[form["username"]]
		if !ok || u.password != form["passwd"] {
			return StatusWrongCredentials, "Wrong credentials"
		}
		token := newToken()
		s.sessions[token] = form["username"]
		role := 2
		if u.student {
			role = 3
		}
		return 0, []any{token, form["username"], role, 1}
	case "isalive":
		if _, ok := s.sessions[form["session"]]; ok {
			return 0, "STATUS_OK"
		}
		return 0, "STATUS_NOK"
	case "close":
		delete(s.sessions, form["session"])
		return 0, "STATUS_OK"
	}
	return StatusUnknownMethod, "Unknown method"
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
