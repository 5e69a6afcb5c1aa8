package tlssession

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuland-ingolstadt/thi-tunnel/internal/tlstest"
)

const testHost = "hiplan.thi.de"

// pipeTransport carries frames over one end of a net.Pipe, splitting
// inbound bytes into small frames to mimic relay chunking.
type pipeTransport struct {
	conn  net.Conn
	chunk int

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	onError   func(error)

	closed atomic.Bool
	sent   atomic.Int64
}

func newPipeTransport(conn net.Conn, chunk int) *pipeTransport {
	return &pipeTransport{conn: conn, chunk: chunk}
}

func (p *pipeTransport) start() {
	go func() {
		buf := make([]byte, p.chunk)
		for {
			n, err := p.conn.Read(buf)
			if n > 0 {
				p.mu.Lock()
				fn := p.onMessage
				p.mu.Unlock()
				if fn != nil {
					fn(append([]byte(nil), buf[:n]...))
				}
			}
			if err != nil {
				p.Close()
				return
			}
		}
	}()
}

func (p *pipeTransport) Send(data []byte) error {
	if p.closed.Load() {
		return errors.New("pipe transport closed")
	}
	p.sent.Add(int64(len(data)))
	_, err := p.conn.Write(data)
	return err
}

func (p *pipeTransport) OnMessage(fn func([]byte)) { p.mu.Lock(); p.onMessage = fn; p.mu.Unlock() }
func (p *pipeTransport) OnClose(fn func())         { p.mu.Lock(); p.onClose = fn; p.mu.Unlock() }
func (p *pipeTransport) OnError(fn func(error))    { p.mu.Lock(); p.onError = fn; p.mu.Unlock() }

func (p *pipeTransport) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.conn.Close()
	p.mu.Lock()
	fn := p.onClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (p *pipeTransport) fail(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	p.Close()
}

var _ Transport = (*pipeTransport)(nil)

// echoServer runs a TLS server on conn that echoes every read.
func echoServer(conn net.Conn, cert tls.Certificate) {
	srv := tls.Server(conn, tlstest.ServerConfig(cert))
	go func() {
		defer srv.Close()
		if err := srv.Handshake(); err != nil {
			return
		}
		io.Copy(srv, srv)
	}()
}

type events struct {
	handshake chan struct{}
	plaintext chan []byte
	closed    chan struct{}
	errs      chan error
	closes    atomic.Int32
}

func watch(s *Session) *events {
	ev := &events{
		handshake: make(chan struct{}, 1),
		plaintext: make(chan []byte, 16),
		closed:    make(chan struct{}),
		errs:      make(chan error, 4),
	}
	s.OnHandshakeComplete(func() { ev.handshake <- struct{}{} })
	s.OnPlaintext(func(b []byte) { ev.plaintext <- b })
	s.OnClosed(func() {
		if ev.closes.Add(1) == 1 {
			close(ev.closed)
		}
	})
	s.OnError(func(err error) { ev.errs <- err })
	return ev
}

func newSession(t *testing.T, cert tls.Certificate, verifier *Verifier) (*Session, *pipeTransport) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })
	echoServer(serverConn, cert)

	tr := newPipeTransport(clientConn, 100)
	s := New(tr, Config{TLSConfig: verifier.TLSConfig(), RemoteAddr: "relay.test"})
	tr.start()
	return s, tr
}

func waitClosed(t *testing.T, ev *events) {
	t.Helper()
	select {
	case <-ev.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not fired")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "HANDSHAKING", StateHandshaking.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(7).String())
}

func TestSession_HandshakeAndEcho(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	cert := ca.Issue(t, tlstest.Leaf{CommonName: testHost})

	s, tr := newSession(t, cert, NewVerifier(ca.Pool(), testHost))
	ev := watch(s)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-ev.handshake:
	case err := <-ev.errs:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	assert.Equal(t, StateEstablished, s.State())

	require.NoError(t, s.Write([]byte("POST / HTTP/1.1\r\n\r\n")))

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len("POST / HTTP/1.1\r\n\r\n") {
		select {
		case b := <-ev.plaintext:
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("echo incomplete: %q", got)
		}
	}
	assert.Equal(t, "POST / HTTP/1.1\r\n\r\n", string(got))
	assert.Greater(t, tr.sent.Load(), int64(0))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	waitClosed(t, ev)
	assert.Equal(t, int32(1), ev.closes.Load())
	assert.True(t, tr.closed.Load())
	assert.ErrorIs(t, s.Write([]byte("x")), ErrClosed)
}

func TestSession_IntermediateChain(t *testing.T) {
	root := tlstest.NewCA(t, "Test Root")
	inter := root.Intermediate(t, "Test Intermediate")
	cert := inter.Issue(t, tlstest.Leaf{CommonName: testHost})

	s, _ := newSession(t, cert, NewVerifier(root.Pool(), testHost))
	ev := watch(s)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-ev.handshake:
	case err := <-ev.errs:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	s.Close()
}

func TestSession_CommonNameMismatch(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	// SAN matches, CN does not: the CN is what counts.
	cert := ca.Issue(t, tlstest.Leaf{CommonName: "evil.example", DNSNames: []string{testHost}})

	s, _ := newSession(t, cert, NewVerifier(ca.Pool(), testHost))
	ev := watch(s)
	require.NoError(t, s.Start(context.Background()))

	var err error
	select {
	case err = <-ev.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not fired")
	}

	var verr *VerificationError
	require.True(t, errors.As(err, &verr), "got %T: %v", err, err)
	assert.Equal(t, testHost, verr.Expected)
	assert.Equal(t, "evil.example", verr.Got)
	assert.NoError(t, verr.Err)

	waitClosed(t, ev)
	assert.Len(t, ev.handshake, 0)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_UntrustedRoot(t *testing.T) {
	trusted := tlstest.NewCA(t, "Trusted Root")
	rogue := tlstest.NewCA(t, "Rogue Root")
	cert := rogue.Issue(t, tlstest.Leaf{CommonName: testHost})

	s, _ := newSession(t, cert, NewVerifier(trusted.Pool(), testHost))
	ev := watch(s)
	require.NoError(t, s.Start(context.Background()))

	var err error
	select {
	case err = <-ev.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not fired")
	}

	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Error(t, verr.Err)
	waitClosed(t, ev)
}

func TestSession_WriteBeforeHandshake(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	cert := ca.Issue(t, tlstest.Leaf{CommonName: testHost})
	s, _ := newSession(t, cert, NewVerifier(ca.Pool(), testHost))
	defer s.Close()

	assert.ErrorIs(t, s.Write([]byte("x")), ErrNotEstablished)
}

func TestSession_StartTwice(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	cert := ca.Issue(t, tlstest.Leaf{CommonName: testHost})
	s, _ := newSession(t, cert, NewVerifier(ca.Pool(), testHost))
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSession_TransportError(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	cert := ca.Issue(t, tlstest.Leaf{CommonName: testHost})
	s, tr := newSession(t, cert, NewVerifier(ca.Pool(), testHost))
	ev := watch(s)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-ev.handshake:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	cause := errors.New("relay went away")
	tr.fail(cause)

	select {
	case err := <-ev.errs:
		assert.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not fired")
	}
	waitClosed(t, ev)
	assert.Equal(t, int32(1), ev.closes.Load())
}

func TestSession_PeerClose(t *testing.T) {
	ca := tlstest.NewCA(t, "Test Root")
	cert := ca.Issue(t, tlstest.Leaf{CommonName: testHost})

	clientConn, serverConn := net.Pipe()
	srv := tls.Server(serverConn, tlstest.ServerConfig(cert))
	go func() {
		if err := srv.Handshake(); err == nil {
			srv.Close()
		}
	}()

	tr := newPipeTransport(clientConn, 100)
	s := New(tr, Config{TLSConfig: NewVerifier(ca.Pool(), testHost).TLSConfig()})
	ev := watch(s)
	tr.start()
	require.NoError(t, s.Start(context.Background()))

	waitClosed(t, ev)
	assert.Len(t, ev.errs, 0)
}
