// Package session keeps the backend login session of one user.
//
// A Manager stores the session token, its creation time and the student
// flag in an injected persistence.Store, and optionally the credentials in
// a CredentialStore so that expired or rejected tokens can be renewed
// without asking the user again. All authenticated backend calls go through
// CallWithSession:
//
//	err := mgr.CallWithSession(ctx, func(ctx context.Context, token string) error {
//		env, err = client.Call(ctx, token, params)
//		return err
//	})
//	var noSession *session.NoSessionError
//	if errors.As(err, &noSession) {
//		// ask the user to log in
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/api"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cache"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/metrics"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/persistence"
)

// Defaults.
const (
	DefaultTTL          = 3 * time.Hour
	DefaultDomain       = "thi.de"
	DefaultCredentialID = "thi.de"

	// GuestToken is stored as the token of a guest session.
	GuestToken = "guest"
)

// Store keys.
const (
	keyToken     = "session"
	keyCreatedAt = "session_created"
	keyIsStudent = "is_student"
)

// Backend performs the login and logout calls.
type Backend interface {
	Login(ctx context.Context, username, password string) (api.LoginResult, error)
	Logout(ctx context.Context, token string) error
}

// CredentialStore keeps credentials for non-interactive renewal.
// Read returns nil, nil when nothing is stored.
type CredentialStore interface {
	Read(ctx context.Context, id string) (*persistence.Credentials, error)
	Write(ctx context.Context, id string, creds persistence.Credentials) error
	Delete(ctx context.Context, id string) error
}

var (
	_ Backend         = (*api.Client)(nil)
	_ CredentialStore = (*persistence.Vault)(nil)
)

// Config configures a Manager.
type Config struct {
	// TTL is the age after which a token is renewed before use (default: 3h).
	TTL time.Duration

	// GuestOnly rejects every authenticated call with UnavailableSessionError.
	GuestOnly bool

	// Domain is stripped from usernames entered as e-mail addresses
	// (default: thi.de).
	Domain string

	// CredentialID is the id credentials are stored under (default: thi.de).
	CredentialID string

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives session state events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          DefaultTTL,
		Domain:       DefaultDomain,
		CredentialID: DefaultCredentialID,
	}
}

// Manager owns the login session.
type Manager struct {
	backend Backend
	store   persistence.Store
	creds   CredentialStore
	config  Config
	timeNow func() time.Time

	// mu serializes token read-modify-write.
	mu      sync.Mutex
	state   State
	changes []stateChange
	renew   singleflight.Group

	cbMu            sync.RWMutex
	onSessionChange func()
	onStateChange   func(from, to State)
}

// NewManager creates a manager. creds may be nil, in which case credentials
// are never stored and sessions cannot be renewed.
func NewManager(backend Backend, store persistence.Store, creds CredentialStore, config Config) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if config.CredentialID == "" {
		config.CredentialID = DefaultCredentialID
	}
	return &Manager{
		backend: backend,
		store:   store,
		creds:   creds,
		config:  config,
		timeNow: time.Now,
		state:   StateNoSession,
	}
}

// OnSessionChange sets the callback fired after a login, guest login,
// renewal or logout changed the stored token.
func (m *Manager) OnSessionChange(fn func()) {
	m.cbMu.Lock()
	m.onSessionChange = fn
	m.cbMu.Unlock()
}

// OnStateChange sets the callback fired on every state transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.cbMu.Lock()
	m.onStateChange = fn
	m.cbMu.Unlock()
}

// State returns the last known session state. Call Load to derive it from
// the store after a restart.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load derives the state from the stored token.
func (m *Manager) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	token, created, err := m.loadLocked(ctx)
	if err == nil {
		m.setStateLocked(m.classify(token, created), "loaded")
	}
	state := m.state
	m.unlock()
	return state, err
}

// IsStudent reports the student flag of the last login.
func (m *Manager) IsStudent(ctx context.Context) (bool, error) {
	v, err := m.store.Get(ctx, keyIsStudent)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

// Login normalizes username, logs in and stores the new token. With persist
// the credentials are kept for renewal, otherwise stored credentials are
// erased.
func (m *Manager) Login(ctx context.Context, username, password string, persist bool) error {
	username = NormalizeUsername(username, m.config.Domain)

	res, err := m.backend.Login(ctx, username, password)
	if err != nil {
		metrics.SessionEvents.WithLabelValues(metrics.SessionFailure).Inc()
		m.debugLog("login failed", "user", username, "error", err)
		return err
	}

	// Credentials go first so a failed write leaves no session behind.
	if m.creds != nil {
		if persist {
			err = m.creds.Write(ctx, m.config.CredentialID, persistence.Credentials{Username: username, Password: password})
		} else {
			err = m.creds.Delete(ctx, m.config.CredentialID)
		}
		if err != nil {
			_ = m.backend.Logout(ctx, res.Session)
			return fmt.Errorf("store credentials: %w", err)
		}
	}

	m.mu.Lock()
	err = m.saveLocked(ctx, res)
	if err == nil {
		m.setStateLocked(StateActive, "login")
	}
	m.unlock()
	if err != nil {
		return err
	}

	metrics.SessionEvents.WithLabelValues(metrics.SessionLogin).Inc()
	m.debugLog("logged in", "user", username, "student", res.IsStudent, "persist", persist)
	m.notifySessionChange()
	return nil
}

// GuestLogin stores the guest token. Stored credentials are left alone.
func (m *Manager) GuestLogin(ctx context.Context) error {
	m.mu.Lock()
	err := m.store.Set(ctx, keyToken, GuestToken)
	if err == nil {
		m.setStateLocked(StateGuest, "guest login")
	}
	m.unlock()
	if err != nil {
		return err
	}

	metrics.SessionEvents.WithLabelValues(metrics.SessionGuest).Inc()
	m.notifySessionChange()
	return nil
}

// CallWithSession calls fn with a valid token.
//
// Without a token it returns *NoSessionError and for a guest session
// *UnavailableSessionError, in both cases without calling fn. A token older
// than the TTL is renewed first when credentials are stored. If fn fails
// with a session error (see IsSessionError) and credentials are stored, the
// session is renewed and fn is retried exactly once; the retry's error is
// returned as is. Without credentials a session error becomes
// *NoSessionError. Other errors from fn are returned unchanged.
func (m *Manager) CallWithSession(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	m.mu.Lock()
	token, created, err := m.loadLocked(ctx)
	if err == nil {
		m.setStateLocked(m.classify(token, created), "")
	}
	m.unlock()
	if err != nil {
		return err
	}

	if token == "" {
		return &NoSessionError{}
	}
	if token == GuestToken || m.config.GuestOnly {
		return &UnavailableSessionError{}
	}

	creds, err := m.credentials(ctx)
	if err != nil {
		return err
	}

	if creds != nil && m.expired(created) {
		m.debugLog("session expired, renewing", "age", m.timeNow().Sub(created))
		token, err = m.renewSession(ctx, token, *creds)
		if err != nil {
			return &NoSessionError{Err: err}
		}
	}

	err = fn(ctx, token)
	if !IsSessionError(err) {
		return err
	}
	if creds == nil {
		m.debugLog("session rejected, no credentials stored", "error", err)
		return &NoSessionError{Err: err}
	}

	m.debugLog("session rejected, renewing", "error", err)
	token, rerr := m.renewSession(ctx, token, *creds)
	if rerr != nil {
		return &NoSessionError{Err: rerr}
	}
	metrics.SessionEvents.WithLabelValues(metrics.SessionRetry).Inc()
	return fn(ctx, token)
}

// Do calls fn through m.CallWithSession and returns its value.
func Do[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var result T
	err := m.CallWithSession(ctx, func(ctx context.Context, token string) error {
		v, err := fn(ctx, token)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Cached returns the value stored under key in responses, producing it with
// fn through Do on a miss. The session retry runs inside the producer, so a
// rejected token never reaches the cache and only the final outcome is
// recorded.
func Cached[T any](ctx context.Context, m *Manager, responses *cache.Cache[T], key string, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	return responses.Get(ctx, key, func(ctx context.Context) (T, error) {
		return Do(ctx, m, fn)
	})
}

// Logout closes the backend session on a best-effort basis and clears the
// stored token and credentials. Backend failures are ignored; only store
// failures are returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token, _, err := m.loadLocked(ctx)
	m.unlock()
	if err != nil {
		return err
	}

	if token != "" && token != GuestToken {
		if err := m.backend.Logout(ctx, token); err != nil {
			m.debugLog("backend logout failed", "error", err)
		}
	}

	m.mu.Lock()
	errs := []error{
		m.store.Delete(ctx, keyToken),
		m.store.Delete(ctx, keyCreatedAt),
		m.store.Delete(ctx, keyIsStudent),
	}
	m.setStateLocked(StateLoggedOut, "logout")
	m.unlock()

	if m.creds != nil {
		errs = append(errs, m.creds.Delete(ctx, m.config.CredentialID))
	}

	metrics.SessionEvents.WithLabelValues(metrics.SessionLogout).Inc()
	m.notifySessionChange()
	return errors.Join(errs...)
}

// renewSession logs in with creds and stores the new token. Concurrent
// renewals share one backend login. If the stored token already differs
// from stale, another caller renewed it and that token is returned.
func (m *Manager) renewSession(ctx context.Context, stale string, creds persistence.Credentials) (string, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := m.renew.DoChan("renew", func() (any, error) {
		ctx := flightCtx

		m.mu.Lock()
		current, _, err := m.loadLocked(ctx)
		if err != nil {
			m.unlock()
			return "", err
		}
		if current != "" && current != stale && current != GuestToken {
			m.unlock()
			return current, nil
		}
		m.setStateLocked(StateRenewing, "")
		m.unlock()

		res, err := m.backend.Login(ctx, creds.Username, creds.Password)

		m.mu.Lock()
		if err == nil {
			err = m.saveLocked(ctx, res)
		}
		if err != nil {
			m.setStateLocked(StateExpired, "renewal failed")
			m.unlock()
			return "", err
		}
		m.setStateLocked(StateActive, "renewed")
		m.unlock()

		metrics.SessionEvents.WithLabelValues(metrics.SessionRenew).Inc()
		m.notifySessionChange()
		return res.Session, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			metrics.SessionEvents.WithLabelValues(metrics.SessionFailure).Inc()
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) credentials(ctx context.Context) (*persistence.Credentials, error) {
	if m.creds == nil {
		return nil, nil
	}
	creds, err := m.creds.Read(ctx, m.config.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if creds == nil || creds.Username == "" || creds.Password == "" {
		return nil, nil
	}
	return creds, nil
}

// loadLocked returns the stored token and its creation time. A missing
// token is returned as "".
func (m *Manager) loadLocked(ctx context.Context) (string, time.Time, error) {
	token, err := m.store.Get(ctx, keyToken)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load session: %w", err)
	}

	var created time.Time
	raw, err := m.store.Get(ctx, keyCreatedAt)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
	case err != nil:
		return "", time.Time{}, fmt.Errorf("load session: %w", err)
	default:
		// An unreadable timestamp counts as expired.
		created, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return token, created, nil
}

func (m *Manager) saveLocked(ctx context.Context, res api.LoginResult) error {
	if err := m.store.Set(ctx, keyToken, res.Session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := m.store.Set(ctx, keyCreatedAt, m.timeNow().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := m.store.Set(ctx, keyIsStudent, strconv.FormatBool(res.IsStudent)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (m *Manager) expired(created time.Time) bool {
	return m.timeNow().After(created.Add(m.config.TTL))
}

func (m *Manager) classify(token string, created time.Time) State {
	switch {
	case m.state == StateRenewing:
		return StateRenewing
	case token == "":
		if m.state == StateLoggedOut {
			return StateLoggedOut
		}
		return StateNoSession
	case token == GuestToken:
		return StateGuest
	case m.expired(created):
		return StateExpired
	default:
		return StateActive
	}
}

type stateChange struct {
	from, to State
	reason   string
}

// setStateLocked records a transition. It is reported by unlock.
func (m *Manager) setStateLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.debugLog("unexpected session transition", "from", from, "to", to)
	}
	m.state = to
	m.changes = append(m.changes, stateChange{from: from, to: to, reason: reason})
}

// unlock releases mu and then reports the recorded transitions.
func (m *Manager) unlock() {
	changes := m.changes
	m.changes = nil
	m.mu.Unlock()

	m.cbMu.RLock()
	fn := m.onStateChange
	m.cbMu.RUnlock()

	for _, c := range changes {
		log.Emit(m.config.ProtocolLogger, log.Event{
			Layer:    log.LayerSession,
			Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: c.from.String(),
				NewState: c.to.String(),
				Reason:   c.reason,
			},
		})
		if fn != nil {
			fn(c.from, c.to)
		}
	}
}

func (m *Manager) notifySessionChange() {
	m.cbMu.RLock()
	fn := m.onSessionChange
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// debugLog logs a debug message if logging is enabled.
func (m *Manager) debugLog(msg string, args ...any) {
	if m.config.Logger != nil {
		m.config.Logger.Debug(msg, args...)
	}
}

// NormalizeUsername lower-cases username, removes all whitespace and strips
// a trailing "@"+domain.
func NormalizeUsername(username, domain string) string {
	username = strings.Join(strings.Fields(strings.ToLower(username)), "")
	if domain != "" {
		username = strings.TrimSuffix(username, "@"+strings.ToLower(domain))
	}
	return username
}
