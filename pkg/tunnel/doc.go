// Package tunnel runs serialized HTTP request/response exchanges over a TLS
// session carried by a relay.
//
// A Conn owns one TLS session and a FIFO queue of requests. At most one
// request is on the wire at any time: the backend offers no request
// identifiers, so a response is matched to a request purely by order.
// Requests submitted while the handshake is still running wait in the
// queue and are sent in submission order once the session is up.
//
// An idle timer guards the whole connection. It is reset whenever a request
// is dispatched or plaintext arrives; if it fires, the connection is torn
// down and every queued request fails with ErrTimeout. Any other close
// fails them with ErrConnectionClosed, joined with the cause:
//
//	resp, err := conn.Send(ctx, req)
//	var verr *tlssession.VerificationError
//	switch {
//	case errors.As(err, &verr):
//		// relay presented the wrong endpoint
//	case errors.Is(err, tunnel.ErrTimeout):
//		// backend went silent
//	case errors.Is(err, tunnel.ErrConnectionClosed):
//		// dial a new connection
//	}
package tunnel
