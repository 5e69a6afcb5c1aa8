package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuland-ingolstadt/thi-tunnel/internal/tlstest"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cert"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/persistence"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/session"
)

func parseArgs(t *testing.T, args ...string) *Config {
	t.Helper()
	var cfg Config
	fs := flag.NewFlagSet("thi-tunnel", flag.ContinueOnError)
	registerFlags(fs, &cfg)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, loadConfigFile(fs, &cfg))
	return &cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := parseArgs(t)
		assert.Equal(t, "hiplan.thi.de", cfg.Host)
		assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeConfig(t, `
relay: wss://relay.example.org/tunnel
idle_timeout: 12s
guest_only: true
log_level: debug
`)
		cfg := parseArgs(t, "-config", path)
		assert.Equal(t, "wss://relay.example.org/tunnel", cfg.RelayURL)
		assert.Equal(t, 12*time.Second, cfg.IdleTimeout)
		assert.True(t, cfg.GuestOnly)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "hiplan.thi.de", cfg.Host, "unset keys keep the flag default")
	})

	t.Run("FlagsOverrideFile", func(t *testing.T) {
		path := writeConfig(t, "relay: wss://a.example.org\nidle_timeout: 12s\n")
		cfg := parseArgs(t, "-config", path, "-relay", "ws://localhost:8080", "-idle-timeout", "3s")
		assert.Equal(t, "ws://localhost:8080", cfg.RelayURL)
		assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
		assert.Equal(t, path, cfg.ConfigFile)
	})

	t.Run("MissingFile", func(t *testing.T) {
		var cfg Config
		fs := flag.NewFlagSet("thi-tunnel", flag.ContinueOnError)
		registerFlags(fs, &cfg)
		require.NoError(t, fs.Parse([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}))
		assert.Error(t, loadConfigFile(fs, &cfg))
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		path := writeConfig(t, "idle_timeout: [\n")
		var cfg Config
		fs := flag.NewFlagSet("thi-tunnel", flag.ContinueOnError)
		registerFlags(fs, &cfg)
		require.NoError(t, fs.Parse([]string{"-config", path}))
		assert.ErrorContains(t, loadConfigFile(fs, &cfg), "parse")
	})
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{RelayURL: "wss://relay.example.org", IdleTimeout: time.Second, LogLevel: "info"}
	}

	assert.NoError(t, validateConfig(valid()))

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"NoRelay", func(c *Config) { c.RelayURL = "" }, "no relay"},
		{"HTTPRelay", func(c *Config) { c.RelayURL = "https://relay.example.org" }, "ws:// or wss://"},
		{"ZeroIdle", func(c *Config) { c.IdleTimeout = 0 }, "idle timeout"},
		{"BadLevel", func(c *Config) { c.LogLevel = "chatty" }, "unknown log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.ErrorContains(t, validateConfig(cfg), tt.want)
		})
	}
}

func TestLoadRoots(t *testing.T) {
	t.Run("Embedded", func(t *testing.T) {
		pool, err := loadRoots("")
		require.NoError(t, err)
		assert.True(t, pool.Equal(cert.BackendRoots()))
	})

	t.Run("File", func(t *testing.T) {
		ca := tlstest.NewCA(t, "Test Root")
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, cert.EncodeCertPEM(ca.Cert), 0600))
		pool, err := loadRoots(path)
		require.NoError(t, err)
		assert.True(t, pool.Equal(ca.Pool()))
	})
}

func TestOpenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, closeStore, err := openStore(context.Background(), &Config{StateFile: path})
	require.NoError(t, err)
	defer closeStore()

	fs, ok := store.(*persistence.FileStore)
	require.True(t, ok)
	assert.Equal(t, path, fs.Path())
}

func TestSetupProtocolLog(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug")

	t.Run("Disabled", func(t *testing.T) {
		l, closeFn, err := setupProtocolLog("", logger, "info")
		require.NoError(t, err)
		defer closeFn()
		assert.Nil(t, l)
	})

	t.Run("DebugOnly", func(t *testing.T) {
		l, closeFn, err := setupProtocolLog("", logger, "debug")
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &log.SlogAdapter{}, l)
	})

	t.Run("FileAndDebug", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trace.cbor")
		l, closeFn, err := setupProtocolLog(path, logger, "DEBUG")
		require.NoError(t, err)
		multi, ok := l.(*log.MultiLogger)
		require.True(t, ok)
		assert.Equal(t, 2, multi.Len())

		multi.Log(log.Event{Layer: log.LayerSession, Category: log.CategoryState})
		closeFn()

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
		assert.Contains(t, buf.String(), "layer=SESSION")
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(&session.NoSessionError{}))
	assert.Equal(t, 4, exitCode(&session.UnavailableSessionError{}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestSwitchWriter(t *testing.T) {
	var a, b bytes.Buffer
	w := &switchWriter{}
	w.Set(&a)
	_, _ = w.Write([]byte("one"))
	w.Set(&b)
	_, _ = w.Write([]byte("two"))
	assert.Equal(t, "one", a.String())
	assert.Equal(t, "two", b.String())
}
