package tlssession

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ErrNoCertificates is returned when the peer presents no certificate.
var ErrNoCertificates = errors.New("tls: peer presented no certificate")

// VerificationError reports a rejected peer certificate chain. Err is set
// when the chain itself is invalid; otherwise the leaf's Common Name (Got)
// did not match the expected host.
type VerificationError struct {
	Expected string
	Got      string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate verification failed for %s: %v", e.Expected, e.Err)
	}
	return fmt.Sprintf("certificate common name %q does not match expected host %q", e.Got, e.Expected)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Verifier accepts a peer chain only if it is valid against Roots and the
// leaf certificate's Common Name equals ExpectedHost.
type Verifier struct {
	// Roots are the trusted CAs. Nil uses the system pool.
	Roots *x509.CertPool

	// ExpectedHost is compared to the leaf Common Name and sent as SNI.
	ExpectedHost string

	timeNow func() time.Time
}

// NewVerifier creates a verifier for host trusting roots.
func NewVerifier(roots *x509.CertPool, host string) *Verifier {
	return &Verifier{
		Roots:        roots,
		ExpectedHost: host,
		timeNow:      time.Now,
	}
}

// VerifyPeerCertificate implements tls.Config.VerifyPeerCertificate.
// Chain building is done here because the standard verifier checks SANs,
// not the Common Name.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return &VerificationError{Expected: v.ExpectedHost, Err: ErrNoCertificates}
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return &VerificationError{Expected: v.ExpectedHost, Err: fmt.Errorf("parse leaf: %w", err)}
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		intermediates.AddCert(cert)
	}

	now := time.Now
	if v.timeNow != nil {
		now = v.timeNow
	}
	opts := x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		CurrentTime:   now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return &VerificationError{
			Expected: v.ExpectedHost,
			Got:      leaf.Subject.CommonName,
			Err:      err,
		}
	}

	if leaf.Subject.CommonName != v.ExpectedHost {
		return &VerificationError{
			Expected: v.ExpectedHost,
			Got:      leaf.Subject.CommonName,
		}
	}
	return nil
}

// TLSConfig returns a client configuration using this verifier.
// InsecureSkipVerify disables only the built-in hostname check; the chain
// is still verified by VerifyPeerCertificate.
func (v *Verifier) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:            v.ExpectedHost,
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
	}
}
