package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cert"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/codec"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/tunnel"
)

// Endpoint defaults.
const (
	DefaultHost = "hiplan.thi.de"
	DefaultPath = "/webservice/zits_s_40_test/index.php"

	// StatusOK is the data of a successful isalive or close call.
	StatusOK = "STATUS_OK"
)

// ErrClientClosed is returned by requests after Close.
var ErrClientClosed = errors.New("api: client closed")

// Config configures a Client.
type Config struct {
	// Host is the backend host (default: hiplan.thi.de).
	Host string

	// Path is the endpoint path (default: /webservice/zits_s_40_test/index.php).
	Path string

	// RelayURL is the ws:// or wss:// relay address.
	RelayURL string

	// UserAgent is sent as User-Agent (optional).
	UserAgent string

	// APIKey is sent as X-API-KEY (optional).
	APIKey string

	// Tunnel configures each dialed connection. Host and RelayURL are taken
	// from this Config; nil Roots default to cert.BackendRoots().
	Tunnel tunnel.Config

	// Logger for debug output (optional).
	Logger *slog.Logger
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{
		Host:   DefaultHost,
		Path:   DefaultPath,
		Tunnel: tunnel.DefaultConfig(),
	}
}

// Dialer opens a tunnel connection. tunnel.Dial is the default.
type Dialer func(config tunnel.Config) (*tunnel.Conn, error)

// Client sends backend requests through a lazily dialed tunnel.
type Client struct {
	config Config
	dial   Dialer

	mu     sync.Mutex
	conn   *tunnel.Conn
	closed bool
}

// NewClient creates a client. No connection is made until the first request.
func NewClient(config Config) *Client {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	config.Tunnel.Host = config.Host
	config.Tunnel.RelayURL = config.RelayURL
	if config.Tunnel.Roots == nil {
		config.Tunnel.Roots = cert.BackendRoots()
	}
	if config.Tunnel.Logger == nil {
		config.Tunnel.Logger = config.Logger
	}
	return &Client{config: config, dial: tunnel.Dial}
}

// SetDialer replaces the connection dialer. It must be called before the
// first request.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// Request posts params and decodes the response envelope. It does not
// interpret the envelope status.
func (c *Client) Request(ctx context.Context, params codec.Params) (*Envelope, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	header := make(map[string]string, 2)
	if c.config.UserAgent != "" {
		header["User-Agent"] = c.config.UserAgent
	}
	if c.config.APIKey != "" {
		header["X-API-KEY"] = c.config.APIKey
	}

	resp, err := conn.Send(ctx, &codec.Request{
		Method: "POST",
		Host:   c.config.Host,
		Path:   c.config.Path,
		Header: header,
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := resp.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Session   string
	IsStudent bool
}

// studentRole marks students in the login response.
const studentRole = 3

// Login opens a backend session.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	env, err := c.Request(ctx, codec.Params{
		{Key: "service", Value: "session"},
		{Key: "method", Value: "open"},
		{Key: "format", Value: "json"},
		{Key: "username", Value: username},
		{Key: "passwd", Value: password},
	})
	if err != nil {
		return LoginResult{}, err
	}
	if err := env.Err(); err != nil {
		return LoginResult{}, err
	}

	var data []json.RawMessage
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data) == 0 {
		return LoginResult{}, fmt.Errorf("%w: login data %s", ErrMalformedEnvelope, env.Data)
	}
	var res LoginResult
	if err := json.Unmarshal(data[0], &res.Session); err != nil || res.Session == "" {
		return LoginResult{}, fmt.Errorf("%w: session %s", ErrMalformedEnvelope, data[0])
	}
	if len(data) > 2 {
		var role int
		if json.Unmarshal(data[2], &role) == nil {
			res.IsStudent = role == studentRole
		}
	}
	return res, nil
}

// IsAlive reports whether token is still a valid session.
func (c *Client) IsAlive(ctx context.Context, token string) (bool, error) {
	env, err := c.sessionCall(ctx, "isalive", token)
	if err != nil {
		return false, err
	}
	return isStatusOK(env.Data), nil
}

// Logout closes the backend session.
func (c *Client) Logout(ctx context.Context, token string) error {
	env, err := c.sessionCall(ctx, "close", token)
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}
	if !isStatusOK(env.Data) {
		return &APIError{Status: env.Status, Data: env.Data}
	}
	return nil
}

func (c *Client) sessionCall(ctx context.Context, method, token string) (*Envelope, error) {
	return c.Request(ctx, codec.Params{
		{Key: "service", Value: "session"},
		{Key: "method", Value: method},
		{Key: "format", Value: "json"},
		{Key: "session", Value: token},
	})
}

// Call performs an authenticated request and returns its payload. The
// session parameter is prepended to params.
func (c *Client) Call(ctx context.Context, token string, params codec.Params) (json.RawMessage, error) {
	full := make(codec.Params, 0, len(params)+1)
	full.Add("session", token)
	full = append(full, params...)

	env, err := c.Request(ctx, full)
	if err != nil {
		return nil, err
	}
	return env.Payload()
}

// Close closes the current connection, if any. Later requests fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connection returns the open connection, dialing one if needed.
func (c *Client) connection() (*tunnel.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}

	conn, err := c.dial(c.config.Tunnel)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.conn = conn
	c.mu.Unlock()

	c.debugLog("tunnel dialed", "conn_id", conn.ID(), "relay", c.config.RelayURL)

	// Registered without the lock: OnClosed runs fn at once if the
	// connection already failed.
	conn.OnClosed(func(err error) {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.debugLog("tunnel dropped", "conn_id", conn.ID(), "error", err)
	})
	return conn, nil
}

func isStatusOK(data json.RawMessage) bool {
	var s string
	return json.Unmarshal(data, &s) == nil && s == StatusOK
}

// debugLog logs a debug message if logging is enabled.
func (c *Client) debugLog(msg string, args ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, args...)
	}
}
