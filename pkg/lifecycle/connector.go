package lifecycle

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
)

// Outgoing is one network attempt of a request, with credentials from the
// silo already attached.
type Outgoing struct {
	URL    *url.URL
	Method string
	Header http.Header
	// Body is sent with a fixed Content-Length. Nil sends no body.
	Body              []byte
	ClientCertificate *tls.Certificate
	DisableSecureDNS  bool
}

// Connector opens network attempts. It must not follow redirects.
type Connector interface {
	Connect(ctx context.Context, req *Outgoing) (Connection, error)
}

// Connection is an open response whose head has been received. Abort and
// Close may be called more than once and concurrently with Read.
type Connection interface {
	StatusCode() int
	Header() http.Header
	// RemoteAddr is the connected peer. Invalid when unknown.
	RemoteAddr() netip.Addr
	Read(p []byte) (int, error)
	// Abort tears the connection down without draining it.
	Abort()
	// Close ends a fully read response so the connection can be reused.
	Close() error
}

// CertificateRequestedError is returned by Connect when the server asked for
// a client certificate the attempt did not carry.
type CertificateRequestedError struct {
	Host          string
	AcceptableCAs [][]byte
}

func (e *CertificateRequestedError) Error() string {
	return fmt.Sprintf("server %s requested a client certificate", e.Host)
}
