// Command thi-tunnel talks to the THI backend through a WebSocket relay.
//
// Requests are carried over a TLS session that runs end to end between
// this client and the backend host; the relay only forwards ciphertext.
//
// Usage:
//
//	thi-tunnel [flags] [command [args...]]
//
// Without a command the interactive shell starts. Commands are the same
// as in the shell: login, guest, call, cached, alive, status, logout.
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-relay string         WebSocket relay URL (ws:// or wss://)
//	-host string          Backend host (default "hiplan.thi.de")
//	-ca-file string       PEM bundle of trusted roots
//	-idle-timeout dur     Tunnel idle timeout (default 5s)
//	-state-file string    Session state file
//	-redis-addr string    Keep session state in Redis instead
//	-secret-file string   Master secret sealing stored credentials
//	-guest-only           Reject all authenticated calls
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write a CBOR protocol trace to this file
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-interactive          Start the interactive shell
//
// Examples:
//
//	# Log in once and keep the credentials
//	thi-tunnel -relay wss://relay.example.org login abc1234 --persist
//
//	# Fetch the timetable
//	thi-tunnel -relay wss://relay.example.org call thiapp stpl date=2026-10-19
//
//	# Interactive shell with a protocol trace for thi-tunnel-log
//	thi-tunnel -config ~/.config/thi-tunnel/config.yaml -protocol-log trace.cbor
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neuland-ingolstadt/thi-tunnel/cmd/thi-tunnel/interactive"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/api"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cache"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/cert"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/persistence"
	"github.com/neuland-ingolstadt/thi-tunnel/pkg/session"
)

func main() {
	flag.Parse()
	if err := loadConfigFile(flag.CommandLine, &config); err != nil {
		fatal("Failed to load configuration: %v", err)
	}
	if err := validateConfig(&config); err != nil {
		fatal("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := flag.Args()
	interactiveMode := config.Interactive || len(args) == 0

	// The shell owns the terminal; log through it once it exists.
	logOut := &switchWriter{}
	logOut.Set(os.Stderr)
	logger := newLogger(logOut, config.LogLevel)

	protocolLogger, closeTrace, err := setupProtocolLog(config.ProtocolLog, logger, config.LogLevel)
	if err != nil {
		fatal("Failed to open protocol log: %v", err)
	}
	defer closeTrace()

	if config.MetricsAddr != "" {
		go serveMetrics(config.MetricsAddr, logger)
	}

	roots, err := loadRoots(config.CAFile)
	if err != nil {
		fatal("Failed to load CA file: %v", err)
	}

	store, closeStore, err := openStore(ctx, &config)
	if err != nil {
		fatal("Failed to open state store: %v", err)
	}
	defer closeStore()

	secret, err := persistence.LoadOrCreateSecret(config.SecretFile)
	if err != nil {
		fatal("Failed to load secret: %v", err)
	}
	vault, err := persistence.NewVault(store, secret)
	if err != nil {
		fatal("Failed to create credential vault: %v", err)
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Host = config.Host
	apiConfig.Path = config.Path
	apiConfig.RelayURL = config.RelayURL
	apiConfig.UserAgent = config.UserAgent
	apiConfig.APIKey = config.APIKey
	apiConfig.Tunnel.IdleTimeout = config.IdleTimeout
	apiConfig.Tunnel.Roots = roots
	apiConfig.Tunnel.ProtocolLogger = protocolLogger
	apiConfig.Logger = logger
	client := api.NewClient(apiConfig)
	defer client.Close()

	sessionConfig := session.DefaultConfig()
	sessionConfig.GuestOnly = config.GuestOnly
	sessionConfig.Logger = logger
	sessionConfig.ProtocolLogger = protocolLogger
	manager := session.NewManager(client, store, vault, sessionConfig)

	cacheConfig := cache.DefaultConfig()
	cacheConfig.TTL = config.CacheTTL
	cacheConfig.Name = "responses"
	cacheConfig.Logger = logger
	responses := cache.New[json.RawMessage](cacheConfig)
	go responses.Run(ctx, cache.DefaultPurgeInterval)

	// Cached responses belong to the previous user.
	manager.OnSessionChange(responses.Flush)

	state, err := manager.Load(ctx)
	if err != nil {
		fatal("Failed to load session: %v", err)
	}
	logger.Debug("session loaded", "state", state)

	if !interactiveMode {
		sh := interactive.NewWithOutput(client, manager, responses, os.Stdout)
		if err := sh.Exec(ctx, strings.Join(args, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			closeTrace()
			os.Exit(exitCode(err))
		}
		return
	}

	sh, err := interactive.New(client, manager, responses)
	if err != nil {
		fatal("Failed to start interactive mode: %v", err)
	}
	logOut.Set(sh.Stdout())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sh.Run(ctx, cancel)
}

// switchWriter forwards to a writer that can be replaced at runtime.
type switchWriter struct {
	w atomic.Pointer[io.Writer]
}

func (s *switchWriter) Set(w io.Writer) { s.w.Store(&w) }

func (s *switchWriter) Write(p []byte) (int, error) {
	return (*s.w.Load()).Write(p)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// setupProtocolLog opens the CBOR trace file. At debug level protocol
// events are also written to logger.
func setupProtocolLog(path string, logger *slog.Logger, level string) (log.Logger, func(), error) {
	var loggers []log.Logger
	closeFn := func() {}

	if path != "" {
		fl, err := log.NewFileLogger(path)
		if err != nil {
			return nil, closeFn, err
		}
		loggers = append(loggers, fl)
		closeFn = func() {
			if err := fl.Close(); err != nil {
				logger.Warn("closing protocol log failed", "error", err)
			}
		}
	}
	if strings.EqualFold(level, "debug") {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}

	switch len(loggers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return loggers[0], closeFn, nil
	default:
		return log.NewMultiLogger(loggers...), closeFn, nil
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// loadRoots returns the pool from path, or nil for the embedded root.
func loadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return cert.BackendRoots(), nil
	}
	return cert.ReadPoolFile(path)
}

// openStore returns the Redis store if an address is configured, the
// state file otherwise.
func openStore(ctx context.Context, cfg *Config) (persistence.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return persistence.NewFileStore(cfg.StateFile), func() {}, nil
	}
	rdb, err := persistence.DialRedis(ctx, cfg.RedisAddr, os.Getenv("THI_TUNNEL_REDIS_PASSWORD"), cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewRedisStore(rdb, "", 0), func() { rdb.Close() }, nil
}

// exitCode maps session errors to distinct exit codes for scripts.
func exitCode(err error) int {
	var noSession *session.NoSessionError
	var unavailable *session.UnavailableSessionError
	switch {
	case errors.As(err, &noSession):
		return 3
	case errors.As(err, &unavailable):
		return 4
	default:
		return 1
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
