// Package log provides structured protocol tracing for the tunnel.
//
// Events are captured at every layer a request passes through: relay frames
// at the bridge, the TLS session, HTTP requests and responses, session
// lifecycle changes and cache decisions. Tracing is separate from
// operational logging (slog); a trace is a machine-readable record of one
// client run.
//
// # Basic Usage
//
//	// Console during development
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary trace file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("client.tlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// Request parameters are never recorded. Passwords and session tokens travel
// as form parameters, so a MessageEvent only names the service and method.
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events with integer keys
// (.tlog extension). The thi-tunnel-log command views them.
package log
