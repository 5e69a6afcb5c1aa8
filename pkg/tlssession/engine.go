package tlssession

import (
	"context"
	"crypto/tls"
	"net"
)

// Transport is the message channel the session runs over.
// *bridge.WebSocketBridge satisfies it.
type Transport interface {
	Send(data []byte) error
	OnMessage(fn func([]byte))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// Engine is a TLS client connection.
type Engine interface {
	HandshakeContext(ctx context.Context) error
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// EngineFunc creates an Engine speaking over conn.
type EngineFunc func(conn net.Conn, config *tls.Config) Engine

// StandardEngine is the crypto/tls client engine.
func StandardEngine(conn net.Conn, config *tls.Config) Engine {
	return tls.Client(conn, config)
}

var _ EngineFunc = StandardEngine
