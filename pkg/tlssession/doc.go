// Package tlssession runs a TLS client session over a message transport.
//
// The TLS engine never sees a socket. Its ciphertext output is sent as
// transport frames, and inbound frames are fed back to it through an
// in-memory queue, so any relay that carries opaque byte frames (see package
// bridge) can carry a standard TLS connection end to end.
//
// Certificate policy is enforced by Verifier: a peer chain is accepted only
// if it verifies against the configured roots and the leaf certificate's
// Common Name equals the expected host. A relay that substitutes another
// endpoint fails the handshake with a *VerificationError.
package tlssession
