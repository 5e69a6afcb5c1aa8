// Command thi-relay forwards WebSocket clients to the backend over TCP.
//
// The relay only moves bytes. TLS is negotiated between thi-tunnel and the
// backend, so the relay never sees plaintext or holds a certificate for
// the backend host.
//
// Usage:
//
//	thi-relay [flags]
//
// Flags:
//
//	-listen string        Listen address (default ":8080")
//	-target string        Backend host:port (default "hiplan.thi.de:443")
//	-path string          WebSocket path (default "/")
//	-origins string       Comma-separated allowed origins (default: all)
//	-dial-timeout dur     Backend dial timeout (default 10s)
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-log-level string     Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Relay for local development
//	thi-relay -listen 127.0.0.1:8080
//
//	# Browser clients from one origin only, with metrics
//	thi-relay -origins https://app.example.org -metrics-addr :9090
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/relay"
)

// Config holds the relay configuration.
type Config struct {
	Listen      string
	Target      string
	Path        string
	Origins     string
	DialTimeout time.Duration
	MetricsAddr string
	LogLevel    string
}

var config Config

func init() {
	flag.StringVar(&config.Listen, "listen", ":8080", "Listen address")
	flag.StringVar(&config.Target, "target", "hiplan.thi.de:443", "Backend host:port")
	flag.StringVar(&config.Path, "path", "/", "WebSocket path")
	flag.StringVar(&config.Origins, "origins", "", "Comma-separated allowed origins (default: all)")
	flag.DurationVar(&config.DialTimeout, "dial-timeout", relay.DefaultDialTimeout, "Backend dial timeout")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	rs := relay.New(relay.Config{
		Target:         config.Target,
		DialTimeout:    config.DialTimeout,
		AllowedOrigins: splitOrigins(config.Origins),
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle(config.Path, rs)
	if config.MetricsAddr == config.Listen {
		mux.Handle("/metrics", promhttp.Handler())
	} else if config.MetricsAddr != "" {
		go serveMetrics(config.MetricsAddr, logger)
	}

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("relay listening", "addr", config.Listen, "path", config.Path, "target", config.Target)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked connections.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := rs.Wait(ctx); err != nil {
		logger.Warn("relay sessions still open", "error", err)
	}
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
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
