// Package transport opens network attempts for request lifecycles over
// net/http. It never follows redirects and never attaches credentials of its
// own; everything on the wire comes from the lifecycle's Outgoing request.
package transport

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/lifecycle"
)

// Config configures an HTTPConnector.
type Config struct {
	// CAFile replaces the system roots with a PEM bundle.
	CAFile string `yaml:"ca_file"`
	// RootCAs takes precedence over CAFile.
	RootCAs *x509.CertPool `yaml:"-"`
	// MinTLSVersion is "1.2" or "1.3". Defaults to 1.2.
	MinTLSVersion string `yaml:"min_tls_version"`

	DialTimeout         time.Duration `yaml:"dial_timeout"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	// DrainLimit is how much of an unread body Close reads to keep the
	// connection reusable.
	DrainLimit int64 `yaml:"drain_limit"`
	// MaxDecodedSize bounds decoded body size. Zero uses the default.
	MaxDecodedSize int64 `yaml:"max_decoded_size"`
	// MaxCertTransports bounds the client-certificate transports kept. The
	// least recently used one is evicted and its idle connections closed.
	MaxCertTransports int `yaml:"max_cert_transports"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the connector defaults.
func DefaultConfig() Config {
	return Config{
		MinTLSVersion:       "1.2",
		DialTimeout:         10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 8,
		DrainLimit:          64 << 10,
		MaxDecodedSize:      DefaultMaxDecodedSize,
		MaxCertTransports:   32,
	}
}

// HTTPConnector implements lifecycle.Connector. Requests carrying a client
// certificate get a transport per leaf certificate so pooled connections are
// never shared across certificate identities.
type HTTPConnector struct {
	cfg    Config
	tls    *tls.Config
	logger *slog.Logger
	dialer *net.Dialer

	mu     sync.Mutex
	plain  *pooledTransport
	byLeaf map[[sha256.Size]byte]*list.Element
	lru    *list.List
}

type pooledTransport struct {
	leaf [sha256.Size]byte
	base *http.Transport
	rt   http.RoundTripper
}

var _ lifecycle.Connector = (*HTTPConnector)(nil)

// NewHTTPConnector builds a connector from cfg.
func NewHTTPConnector(cfg Config) (*HTTPConnector, error) {
	defaults := DefaultConfig()
	if cfg.MinTLSVersion == "" {
		cfg.MinTLSVersion = defaults.MinTLSVersion
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = defaults.DrainLimit
	}
	if cfg.MaxDecodedSize <= 0 {
		cfg.MaxDecodedSize = defaults.MaxDecodedSize
	}
	if cfg.MaxCertTransports <= 0 {
		cfg.MaxCertTransports = defaults.MaxCertTransports
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPConnector{
		cfg:    cfg,
		tls:    tlsConfig,
		logger: logger.With("component", "transport"),
		dialer: &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		byLeaf: make(map[[sha256.Size]byte]*list.Element),
		lru:    list.New(),
	}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch strings.TrimSpace(cfg.MinTLSVersion) {
	case "", "1.2":
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS version: %s", cfg.MinTLSVersion)
	}

	switch {
	case cfg.RootCAs != nil:
		tlsConfig.RootCAs = cfg.RootCAs
	case cfg.CAFile != "":
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// certRequest records whether the server asked for a client certificate
// while dialing on behalf of one request.
type certRequest struct {
	mu        sync.Mutex
	requested bool
	cas       [][]byte
}

type certRequestKey struct{}

// transportFor returns the transport for cert, keyed by the SHA-256 of its
// leaf so repeated decisions for one identity share a pool.
func (c *HTTPConnector) transportFor(cert *tls.Certificate) http.RoundTripper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cert == nil || len(cert.Certificate) == 0 {
		if c.plain == nil {
			c.plain = c.newTransport(nil)
		}
		return c.plain.rt
	}

	leaf := sha256.Sum256(cert.Certificate[0])
	if el, ok := c.byLeaf[leaf]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*pooledTransport).rt
	}
	pt := c.newTransport(cert)
	pt.leaf = leaf
	c.byLeaf[leaf] = c.lru.PushFront(pt)

	for c.lru.Len() > c.cfg.MaxCertTransports {
		oldest := c.lru.Back()
		evicted := c.lru.Remove(oldest).(*pooledTransport)
		delete(c.byLeaf, evicted.leaf)
		evicted.base.CloseIdleConnections()
		c.logger.Debug("client certificate transport evicted", "transports", c.lru.Len())
	}
	return pt.rt
}

func (c *HTTPConnector) newTransport(cert *tls.Certificate) *pooledTransport {
	base := &http.Transport{
		Proxy:               nil,
		DialContext:         c.dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: c.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     c.cfg.IdleConnTimeout,
		TLSHandshakeTimeout: c.cfg.DialTimeout,
		DisableCompression:  true,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return c.dialTLS(ctx, network, addr, cert)
		},
	}
	rt := otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "fetchgate.connect " + r.Method
		}),
	)
	return &pooledTransport{base: base, rt: rt}
}

func (c *HTTPConnector) dialTLS(ctx context.Context, network, addr string, cert *tls.Certificate) (net.Conn, error) {
	raw, err := c.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := c.tls.Clone()
	cfg.ServerName = host
	cfg.NextProtos = []string{"h2", "http/1.1"}
	asked, _ := ctx.Value(certRequestKey{}).(*certRequest)
	cfg.GetClientCertificate = func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if cert != nil {
			return cert, nil
		}
		if asked != nil {
			asked.mu.Lock()
			asked.requested = true
			asked.cas = info.AcceptableCAs
			asked.mu.Unlock()
		}
		return &tls.Certificate{}, nil
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Connect sends req and returns once the response head has arrived.
func (c *HTTPConnector) Connect(ctx context.Context, req *lifecycle.Outgoing) (lifecycle.Connection, error) {
	if req == nil || req.URL == nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "outgoing request without target")
	}
	reqCtx, cancel := context.WithCancel(ctx)
	asked := &certRequest{}
	conn := &httpConnection{cancel: cancel, drainLimit: c.cfg.DrainLimit}

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil {
				return
			}
			if ap, err := netip.ParseAddrPort(info.Conn.RemoteAddr().String()); err == nil {
				conn.remote = ap.Addr().Unmap()
			}
		},
	}
	reqCtx = context.WithValue(httptrace.WithClientTrace(reqCtx, trace), certRequestKey{}, asked)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL.String(), body)
	if err != nil {
		cancel()
		return nil, domain.NewError(domain.ErrInvalidRequest, "build request: %v", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	if req.DisableSecureDNS {
		c.logger.DebugContext(ctx, "secure DNS disabled for request", "host", req.URL.Hostname())
	}

	resp, err := c.transportFor(req.ClientCertificate).RoundTrip(httpReq)
	if err != nil {
		cancel()
		asked.mu.Lock()
		requested, cas := asked.requested, asked.cas
		asked.mu.Unlock()
		if requested && req.ClientCertificate == nil {
			return nil, &lifecycle.CertificateRequestedError{Host: req.URL.Host, AcceptableCAs: cas}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewError(domain.ErrTransport, "%v", err)
	}

	conn.status = resp.StatusCode
	conn.header = resp.Header.Clone()
	conn.body = wrapDecoding(resp.Body, conn.header, c.cfg.MaxDecodedSize)
	return conn, nil
}

// CloseIdleConnections closes pooled connections of every transport.
func (c *HTTPConnector) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plain != nil {
		c.plain.base.CloseIdleConnections()
	}
	for el := c.lru.Front(); el != nil; el = el.Next() {
		el.Value.(*pooledTransport).base.CloseIdleConnections()
	}
}

type httpConnection struct {
	status     int
	header     http.Header
	remote     netip.Addr
	body       io.ReadCloser
	cancel     context.CancelFunc
	drainLimit int64

	once sync.Once
}

func (h *httpConnection) StatusCode() int        { return h.status }
func (h *httpConnection) Header() http.Header    { return h.header }
func (h *httpConnection) RemoteAddr() netip.Addr { return h.remote }

func (h *httpConnection) Read(p []byte) (int, error) {
	return h.body.Read(p)
}

// Abort drops the connection without draining.
func (h *httpConnection) Abort() {
	h.once.Do(func() {
		h.cancel()
		_ = h.body.Close()
	})
}

// Close drains a bounded remainder so the connection can return to the pool.
func (h *httpConnection) Close() error {
	var err error
	h.once.Do(func() {
		_, _ = io.CopyN(io.Discard, h.body, h.drainLimit)
		err = h.body.Close()
		h.cancel()
	})
	return err
}
