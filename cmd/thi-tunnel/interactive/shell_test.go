package interactive

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuland-ingolstadt/thi-tunnel/internal/backendtest"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/api"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cache"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/codec"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/persistence"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/relay"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/session"
)

func newTestShell(t *testing.T) (*Shell, *backendtest.Server, *bytes.Buffer) {
	t.Helper()
	backend := backendtest.New(t, api.DefaultHost)
	backend.AddUser("abc1234", "hunter2", true)
	backend.Handle("thiapp", "rooms", func(form map[string]string) (int, any) {
		return 0, map[string]string{"day": form["day"]}
	})

	rs := httptest.NewServer(relay.New(relay.Config{Target: backend.Addr()}))
	t.Cleanup(rs.Close)

	config := api.DefaultConfig()
	config.RelayURL = "ws" + strings.TrimPrefix(rs.URL, "http")
	config.Tunnel.Roots = backend.CA.Pool()
	client := api.NewClient(config)
	t.Cleanup(func() { client.Close() })

	manager := session.NewManager(client, persistence.NewMemoryStore(), nil, session.DefaultConfig())
	responses := cache.New[json.RawMessage](cache.DefaultConfig())

	var out bytes.Buffer
	return NewWithOutput(client, manager, responses, &out), backend, &out
}

func TestShell_Exec(t *testing.T) {
	sh, backend, out := newTestShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("CallBeforeLogin", func(t *testing.T) {
		err := sh.Exec(ctx, "call thiapp rooms")
		var noSession *session.NoSessionError
		require.ErrorAs(t, err, &noSession)
	})

	t.Run("Login", func(t *testing.T) {
		out.Reset()
		require.NoError(t, sh.Exec(ctx, "login ABC1234@thi.de hunter2"))
		assert.Contains(t, out.String(), "Logged in as abc1234 (student)")
	})

	t.Run("Call", func(t *testing.T) {
		out.Reset()
		require.NoError(t, sh.Exec(ctx, "call thiapp rooms day=2026-10-19"))
		assert.Contains(t, out.String(), `"day": "2026-10-19"`)
	})

	t.Run("Cached", func(t *testing.T) {
		before := backend.Requests()
		require.NoError(t, sh.Exec(ctx, "cached rooms thiapp rooms day=1"))
		require.NoError(t, sh.Exec(ctx, "cached rooms thiapp rooms day=1"))
		assert.Equal(t, before+1, backend.Requests())
	})

	t.Run("Alive", func(t *testing.T) {
		out.Reset()
		require.NoError(t, sh.Exec(ctx, "alive"))
		assert.Contains(t, out.String(), "Session alive: true")
	})

	t.Run("Status", func(t *testing.T) {
		out.Reset()
		require.NoError(t, sh.Exec(ctx, "status"))
		assert.Contains(t, out.String(), "ACTIVE")
		assert.Contains(t, out.String(), "Cached keys:   1")
	})

	t.Run("Logout", func(t *testing.T) {
		require.NoError(t, sh.Exec(ctx, "logout"))
		assert.Equal(t, 0, backend.Sessions())
		assert.Equal(t, session.StateLoggedOut, sh.manager.State())
	})

	t.Run("Guest", func(t *testing.T) {
		require.NoError(t, sh.Exec(ctx, "guest"))
		err := sh.Exec(ctx, "call thiapp rooms")
		var unavailable *session.UnavailableSessionError
		require.ErrorAs(t, err, &unavailable)
	})
}

func TestShell_ExecErrors(t *testing.T) {
	sh := NewWithOutput(nil, nil, nil, &bytes.Buffer{})
	ctx := context.Background()

	assert.NoError(t, sh.Exec(ctx, "   "))
	assert.ErrorIs(t, sh.Exec(ctx, "QUIT"), errQuit)
	assert.ErrorContains(t, sh.Exec(ctx, "frobnicate"), "unknown command: frobnicate")
	assert.ErrorContains(t, sh.Exec(ctx, "login"), "usage: login")
	assert.ErrorContains(t, sh.Exec(ctx, "login abc1234"), "no password given")
	assert.ErrorContains(t, sh.Exec(ctx, "call thiapp"), "usage: call")
	assert.ErrorContains(t, sh.Exec(ctx, "cached key thiapp"), "usage: cached")
}

func TestParseCall(t *testing.T) {
	t.Run("AddsFormat", func(t *testing.T) {
		params, err := parseCall([]string{"thiapp", "stpl", "date=2026-10-19"})
		require.NoError(t, err)
		assert.Equal(t, codec.Params{
			{Key: "service", Value: "thiapp"},
			{Key: "method", Value: "stpl"},
			{Key: "date", Value: "2026-10-19"},
			{Key: "format", Value: "json"},
		}, params)
	})

	t.Run("KeepsFormat", func(t *testing.T) {
		params, err := parseCall([]string{"thiapp", "stpl", "format=xml"})
		require.NoError(t, err)
		assert.Equal(t, "xml", params.Get("format"))
		assert.Len(t, params, 3)
	})

	t.Run("ValueWithEquals", func(t *testing.T) {
		params, err := parseCall([]string{"s", "m", "q=a=b"})
		require.NoError(t, err)
		assert.Equal(t, "a=b", params.Get("q"))
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := parseCall([]string{"s", "m", "novalue"})
		assert.Error(t, err)
		_, err = parseCall([]string{"s", "m", "=x"})
		assert.Error(t, err)
		_, err = parseCall([]string{"s"})
		assert.Error(t, err)
	})
}
