// Package bridge carries opaque byte frames to and from a relay over a
// WebSocket.
//
// A WebSocketBridge is a single-use duplex channel: Open dials the relay,
// Send writes one binary frame, and every inbound frame (binary or text) is
// handed to the OnMessage callback as raw bytes. Any transport failure fires
// OnError with a *TransportError and leaves the bridge closed for good. The
// bridge never retries; reconnecting is the caller's decision.
package bridge
