package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/auth"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/gate"
	"github.com/polisai/fetchgate/pkg/isolation"
	"github.com/polisai/fetchgate/pkg/trust"
)

// response scripts one network attempt.
type response struct {
	status int
	header http.Header
	body   string
	// block keeps the body open until the connection is aborted.
	block bool
	err   error
}

type fakeConn struct {
	resp    response
	body    io.Reader
	aborted chan struct{}
	once    sync.Once
	closed  atomic.Bool
	read    atomic.Int64
}

func (c *fakeConn) StatusCode() int        { return c.resp.status }
func (c *fakeConn) Header() http.Header    { return c.resp.header }
func (c *fakeConn) RemoteAddr() netip.Addr { return netip.MustParseAddr("93.184.216.34") }
func (c *fakeConn) Abort()                 { c.once.Do(func() { close(c.aborted) }) }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) wasAborted() bool {
	select {
	case <-c.aborted:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.wasAborted() {
		return 0, errors.New("connection aborted")
	}
	n, err := c.body.Read(p)
	c.read.Add(int64(n))
	if errors.Is(err, io.EOF) && c.resp.block {
		<-c.aborted
		return n, errors.New("connection aborted")
	}
	return n, err
}

type fakeConnector struct {
	mu        sync.Mutex
	responses map[string][]response
	sent      []*Outgoing
	conns     []*fakeConn
}

func newConnector() *fakeConnector {
	return &fakeConnector{responses: make(map[string][]response)}
}

func (f *fakeConnector) on(rawURL string, r response) *fakeConnector {
	if r.header == nil {
		r.header = make(http.Header)
	}
	f.responses[rawURL] = append(f.responses[rawURL], r)
	return f
}

func (f *fakeConnector) Connect(_ context.Context, req *Outgoing) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	queue := f.responses[req.URL.String()]
	if len(queue) == 0 {
		return nil, errors.New("connection refused")
	}
	r := queue[0]
	if len(queue) > 1 {
		f.responses[req.URL.String()] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	c := &fakeConn{resp: r, body: strings.NewReader(r.body), aborted: make(chan struct{})}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) requests() []*Outgoing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Outgoing(nil), f.sent...)
}

func (f *fakeConnector) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type recorded struct {
	kind   string
	head   domain.ResponseHead
	chunk  string
	info   domain.RedirectInfo
	status domain.CompletionStatus
	auth   domain.AuthChallenge
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
	notify chan string

	// Set before Start; run inside the matching callback.
	onRedirect func()
	onAuth     func()
	onComplete func()
}

func newRecorder() *recorder { return &recorder{notify: make(chan string, 64)} }

func (r *recorder) add(ev recorded) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- ev.kind
}

func (r *recorder) OnRedirect(_ domain.Handle, info domain.RedirectInfo, head domain.ResponseHead) {
	r.add(recorded{kind: "redirect", info: info, head: head})
	if r.onRedirect != nil {
		r.onRedirect()
	}
}

func (r *recorder) OnResponseStarted(_ domain.Handle, head domain.ResponseHead) {
	r.add(recorded{kind: "response_started", head: head})
}

func (r *recorder) OnBodyChunk(_ domain.Handle, chunk []byte) {
	r.add(recorded{kind: "body_chunk", chunk: string(chunk)})
}

func (r *recorder) OnAuthRequired(_ domain.Handle, c domain.AuthChallenge) {
	r.add(recorded{kind: "auth_required", auth: c})
	if r.onAuth != nil {
		r.onAuth()
	}
}

func (r *recorder) OnComplete(_ domain.Handle, status domain.CompletionStatus) {
	r.add(recorded{kind: "complete", status: status})
	if r.onComplete != nil {
		r.onComplete()
	}
}

func (r *recorder) waitFor(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.notify:
			if got == kind {
				return
			}
		case <-deadline:
			t.Fatalf("no %s callback", kind)
		}
	}
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) kinds() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.kind)
	}
	return out
}

func (r *recorder) completion(t *testing.T) domain.CompletionStatus {
	t.Helper()
	var found []domain.CompletionStatus
	for _, ev := range r.all() {
		if ev.kind == "complete" {
			found = append(found, ev.status)
		}
	}
	require.Len(t, found, 1, "exactly one terminal callback")
	return found[0]
}

type harness struct {
	registry  *isolation.Registry
	connector *fakeConnector
	rec       *recorder
	fatal     chan error
	deps      Deps
}

func newHarness(t *testing.T, connector *fakeConnector) *harness {
	t.Helper()
	g, err := gate.New(gate.Config{Policy: gate.DefaultPolicy()})
	require.NoError(t, err)
	h := &harness{
		registry:  isolation.NewRegistry(isolation.Config{}),
		connector: connector,
		rec:       newRecorder(),
		fatal:     make(chan error, 1),
	}
	h.deps = Deps{
		Registry:  h.registry,
		Gate:      g,
		Auth:      auth.New(auth.Config{}),
		Connector: connector,
		Callbacks: h.rec,
		OnFatal:   func(err error) { h.fatal <- err },
	}
	return h
}

func (h *harness) accept(t *testing.T, desc domain.RequestDescriptor, deps trust.Deps, observers ...trust.Observer) *trust.RequestContext {
	t.Helper()
	set, err := trust.NewObserverSet(observers...)
	require.NoError(t, err)
	f, err := trust.NewFactory(trust.FactoryParams{
		ID:             "factory-1",
		IsolationKey:   domain.IsolationKey{ProfileID: "profile"},
		Observers:      set,
		FrameScope:     "frame",
		TopFrameOrigin: "https://a.example",
	}, domain.Untrusted, deps)
	require.NoError(t, err)
	rc, err := f.Accept(context.Background(), desc)
	require.NoError(t, err)
	return rc
}

func (h *harness) start(t *testing.T, rc *trust.RequestContext) *Lifecycle {
	t.Helper()
	l, err := New(rc, domain.Handle(rc.ID()), h.deps)
	require.NoError(t, err)
	l.Start()
	return l
}

func waitDone(t *testing.T, l *Lifecycle) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request stuck in %s", l.State())
	}
}

func headers(kv ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestUnsealedContextRejected(t *testing.T) {
	h := newHarness(t, newConnector())
	_, err := New(&trust.RequestContext{}, "h", h.deps)
	assert.ErrorIs(t, err, domain.ErrTrustViolation)
}

func TestResponseStreamedToCompletion(t *testing.T) {
	connector := newConnector().on("https://a.example/page", response{
		status: http.StatusOK,
		header: headers("Content-Type", "text/html"),
		body:   "<html>hello</html>",
	})
	h := newHarness(t, connector)
	rc := h.accept(t, domain.RequestDescriptor{URL: "https://a.example/page", Mode: domain.ModeNavigate}, trust.Deps{})
	l := h.start(t, rc)
	waitDone(t, l)

	assert.Equal(t, []string{"response_started", "body_chunk", "complete"}, h.rec.kinds())
	status := h.rec.completion(t)
	assert.Equal(t, domain.StateCompleted, status.State)
	assert.Equal(t, domain.CodeOK, status.Code)
	assert.Equal(t, int64(len("<html>hello</html>")), status.BytesDelivered)
	assert.Equal(t, domain.StateCompleted, l.State())

	sent := connector.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "navigate", sent[0].Header.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "none", sent[0].Header.Get("Sec-Fetch-Site"))
	assert.True(t, connector.conn(0).closed.Load())
	assert.False(t, connector.conn(0).wasAborted())

	silo, ok := h.registry.Lookup(rc.IsolationKey())
	require.True(t, ok)
	rec, found, err := silo.CachedResponse(context.Background(), rc.Origin(), "/page")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "text/html", rec.ContentType)
}

func TestLargeBodyChunked(t *testing.T) {
	body := make([]byte, 3000)
	for i := range body {
		body[i] = 'a' + byte(i%26)
	}
	connector := newConnector().on("https://a.example/big", response{
		status: http.StatusOK,
		header: headers("Content-Type", "text/plain"),
		body:   string(body),
	})
	h := newHarness(t, connector)
	h.deps.ChunkSize = 512
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://a.example/big", Initiator: "https://a.example"}, trust.Deps{}))
	waitDone(t, l)

	var got []byte
	for _, ev := range h.rec.all() {
		if ev.kind == "body_chunk" {
			assert.LessOrEqual(t, len(ev.chunk), 512)
			got = append(got, ev.chunk...)
		}
	}
	assert.Equal(t, body, got)
	assert.Equal(t, int64(3000), h.rec.completion(t).BytesDelivered)
}

func TestCrossOriginCORPBlockIsSanitized(t *testing.T) {
	connector := newConnector().on("https://victim.example/data", response{
		status: http.StatusOK,
		header: headers(
			"Content-Type", "application/json",
			"Cross-Origin-Resource-Policy", "same-origin",
			"Set-Cookie", "sid=secret",
			"X-Internal", "1",
		),
		body: `{"secret":"` + strings.Repeat("s", 4*gate.SniffLimit) + `"}`,
	})
	h := newHarness(t, connector)
	rc := h.accept(t, domain.RequestDescriptor{
		URL:       "https://victim.example/data",
		Initiator: "https://a.example",
		Mode:      domain.ModeNoCORS,
	}, trust.Deps{})
	l := h.start(t, rc)
	waitDone(t, l)

	assert.Equal(t, []string{"response_started", "complete"}, h.rec.kinds(), "no body chunk for a blocked response")
	started := h.rec.all()[0].head
	assert.True(t, started.Sanitized)
	assert.Empty(t, started.Header.Get("Content-Type"))
	assert.Empty(t, started.Header.Get("Set-Cookie"))
	assert.Empty(t, started.Header.Get("X-Internal"))

	status := h.rec.completion(t)
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.CodeBlocked, status.Code)
	assert.ErrorIs(t, status.Err, domain.ErrBlocked)
	assert.Zero(t, status.BytesDelivered)
	conn := connector.conn(0)
	assert.True(t, conn.wasAborted())
	assert.Equal(t, int64(gate.SniffLimit), conn.read.Load(), "only the sniff window is read before the verdict")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(gate.SniffLimit), conn.read.Load(), "nothing is read after the verdict")

	silo, ok := h.registry.Lookup(rc.IsolationKey())
	require.True(t, ok)
	snap, err := silo.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Credentials, "blocked response must not store cookies")
}

func TestRedirectOverrideToForeignOriginRejected(t *testing.T) {
	connector := newConnector().on("https://a.example/start", response{
		status: http.StatusFound,
		header: headers("Location", "https://b.example/landing"),
	})
	h := newHarness(t, connector)
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://a.example/start", Initiator: "https://a.example"}, trust.Deps{}))
	h.rec.waitFor(t, "redirect")

	redirectEv := h.rec.all()[0]
	assert.Equal(t, "https://b.example/landing", redirectEv.info.NewURL.String())
	assert.Equal(t, domain.StateRedirectPending, l.State())

	err := l.FollowRedirect(&url.URL{Scheme: "https", Host: "evil.example", Path: "/landing"})
	assert.ErrorIs(t, err, domain.ErrRedirectViolation)
	waitDone(t, l)

	status := h.rec.completion(t)
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.CodeRedirectViolation, status.Code)
	assert.Len(t, connector.requests(), 1, "rejected redirect must not reach the network")
}

func TestRedirectFollowedWithStoredCookie(t *testing.T) {
	connector := newConnector().
		on("https://a.example/login", response{
			status: http.StatusSeeOther,
			header: headers("Location", "/home", "Set-Cookie", "sid=42; Path=/"),
		}).
		on("https://a.example/home", response{
			status: http.StatusOK,
			header: headers("Content-Type", "text/html"),
			body:   "welcome",
		})
	h := newHarness(t, connector)
	l := h.start(t, h.accept(t, domain.RequestDescriptor{
		URL:    "https://a.example/login",
		Method: http.MethodPost,
		Mode:   domain.ModeNavigate,
	}, trust.Deps{}))
	h.rec.waitFor(t, "redirect")

	redirectEv := h.rec.all()[0]
	assert.Empty(t, redirectEv.head.Header.Get("Set-Cookie"), "untrusted clients never see Set-Cookie")
	assert.Equal(t, http.MethodGet, redirectEv.info.NewMethod)

	require.NoError(t, l.FollowRedirect(nil))
	waitDone(t, l)

	assert.Equal(t, domain.StateCompleted, h.rec.completion(t).State)
	sent := connector.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, http.MethodGet, sent[1].Method)
	assert.Equal(t, "sid=42", sent[1].Header.Get("Cookie"))
}

func TestFollowFromInsideRedirectCallback(t *testing.T) {
	connector := newConnector().
		on("https://a.example/start", response{
			status: http.StatusFound,
			header: headers("Location", "/next"),
		}).
		on("https://a.example/next", response{
			status: http.StatusOK,
			header: headers("Content-Type", "text/plain"),
			body:   "arrived",
		})
	h := newHarness(t, connector)
	l, err := New(h.accept(t, domain.RequestDescriptor{URL: "https://a.example/start"}, trust.Deps{}), "h-1", h.deps)
	require.NoError(t, err)

	followed := make(chan error, 1)
	h.rec.onRedirect = func() { followed <- l.FollowRedirect(nil) }
	l.Start()
	waitDone(t, l)

	require.NoError(t, <-followed)
	assert.Equal(t, []string{"redirect", "response_started", "body_chunk", "complete"}, h.rec.kinds())
	assert.Equal(t, domain.StateCompleted, h.rec.completion(t).State)
	assert.Len(t, connector.requests(), 2)
}

func TestBadFollowFromInsideCallbackEndsRequest(t *testing.T) {
	connector := newConnector().on("https://a.example/start", response{
		status: http.StatusFound,
		header: headers("Location", "https://b.example/landing"),
	})
	h := newHarness(t, connector)
	l, err := New(h.accept(t, domain.RequestDescriptor{URL: "https://a.example/start"}, trust.Deps{}), "h-2", h.deps)
	require.NoError(t, err)

	h.rec.onRedirect = func() {
		_ = l.FollowRedirect(&url.URL{Scheme: "https", Host: "evil.example", Path: "/"})
	}
	late := make(chan error, 1)
	h.rec.onComplete = func() { late <- l.FollowRedirect(nil) }
	l.Start()
	waitDone(t, l)

	assert.Equal(t, domain.CodeRedirectViolation, h.rec.completion(t).Code)
	assert.ErrorIs(t, <-late, domain.ErrBadSequence, "calls from the terminal callback fail fast")
	assert.Len(t, connector.requests(), 1)
}

func TestSupplyFromInsideAuthCallback(t *testing.T) {
	connector := newConnector().
		on("https://a.example/private", response{
			status: http.StatusUnauthorized,
			header: headers("WWW-Authenticate", `Basic realm="intranet"`),
		}).
		on("https://a.example/private", response{
			status: http.StatusOK,
			header: headers("Content-Type", "text/plain"),
			body:   "ok",
		})
	h := newHarness(t, connector)
	l, err := New(h.accept(t, domain.RequestDescriptor{URL: "https://a.example/private", Initiator: "https://a.example"}, trust.Deps{}), "h-3", h.deps)
	require.NoError(t, err)

	supplied := make(chan error, 1)
	h.rec.onAuth = func() { supplied <- l.SupplyCredentials(domain.Credentials{Username: "u", Password: "p"}) }
	l.Start()
	waitDone(t, l)

	require.NoError(t, <-supplied)
	assert.Equal(t, domain.StateCompleted, h.rec.completion(t).State)
	sent := connector.requests()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[1].Header.Get("Authorization"), "Basic "))
}

func TestRequestBodyReachesConnector(t *testing.T) {
	connector := newConnector().on("https://a.example/submit", response{
		status: http.StatusOK,
		header: headers("Content-Type", "text/plain"),
		body:   "stored",
	})
	h := newHarness(t, connector)
	l := h.start(t, h.accept(t, domain.RequestDescriptor{
		URL:    "https://a.example/submit",
		Method: http.MethodPost,
		Body:   []byte("name=value"),
	}, trust.Deps{}))
	waitDone(t, l)

	sent := connector.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("name=value"), sent[0].Body)
}

func TestFollowOutsideRedirectPendingIsBadSequence(t *testing.T) {
	connector := newConnector().on("https://a.example/stream", response{
		status: http.StatusOK,
		header: headers("Content-Type", "text/plain"),
		body:   strings.Repeat("p", 2*gate.SniffLimit),
		block:  true,
	})
	h := newHarness(t, connector)
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://a.example/stream", Initiator: "https://a.example"}, trust.Deps{}))
	h.rec.waitFor(t, "response_started")

	err := l.FollowRedirect(nil)
	assert.ErrorIs(t, err, domain.ErrBadSequence)
	waitDone(t, l)
	assert.Equal(t, domain.CodeBadSequence, h.rec.completion(t).Code)

	err = l.SupplyCredentials(domain.Credentials{Username: "u"})
	assert.ErrorIs(t, err, domain.ErrBadSequence, "calls after the end are rejected")
}

func TestCancelReleasesLeaseAndAborts(t *testing.T) {
	connector := newConnector().on("https://a.example/beacon", response{
		status: http.StatusOK,
		header: headers("Content-Type", "text/plain"),
		body:   strings.Repeat("x", 2*gate.SniffLimit),
		block:  true,
	})
	quota := governance.NewQuotaTracker(governance.DefaultQuotaLimits(), nil)
	h := newHarness(t, connector)
	rc := h.accept(t, domain.RequestDescriptor{
		URL:          "https://a.example/beacon",
		Initiator:    "https://a.example",
		KeepAlive:    true,
		DeclaredSize: 10,
	}, trust.Deps{Quota: quota})
	require.Equal(t, int64(1), quota.ActiveLeases())

	l := h.start(t, rc)
	h.rec.waitFor(t, "body_chunk")
	l.Cancel()
	waitDone(t, l)

	status := h.rec.completion(t)
	assert.Equal(t, domain.StateCancelled, status.State)
	assert.Equal(t, domain.CodeCancelled, status.Code)
	assert.Zero(t, quota.ActiveLeases())
	assert.True(t, connector.conn(0).wasAborted())

	l.Cancel()
	time.Sleep(10 * time.Millisecond)
	h.rec.completion(t)
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, newConnector())
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://unreachable.example/"}, trust.Deps{}))
	waitDone(t, l)
	status := h.rec.completion(t)
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.CodeTransportError, status.Code)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.deps.Connector = connectorFunc(func(ctx context.Context, _ *Outgoing) (Connection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.deps.Timeouts.Connect = 20 * time.Millisecond
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://slow.example/"}, trust.Deps{}))
	waitDone(t, l)
	status := h.rec.completion(t)
	assert.Equal(t, domain.CodeTransportError, status.Code)
	assert.Contains(t, status.Err.Error(), "timed out")
}

func TestClientSuppliedCredentialsCached(t *testing.T) {
	connector := newConnector().
		on("https://a.example/private", response{
			status: http.StatusUnauthorized,
			header: headers("WWW-Authenticate", `Basic realm="intranet"`),
		}).
		on("https://a.example/private", response{
			status: http.StatusOK,
			header: headers("Content-Type", "text/plain"),
			body:   "ok",
		})
	h := newHarness(t, connector)
	rc := h.accept(t, domain.RequestDescriptor{URL: "https://a.example/private", Initiator: "https://a.example"}, trust.Deps{})
	l := h.start(t, rc)
	h.rec.waitFor(t, "auth_required")

	challenge := h.rec.all()[0].auth
	assert.Equal(t, "basic", challenge.Scheme)
	assert.Equal(t, "intranet", challenge.Realm)
	assert.Equal(t, domain.StateAuthPending, l.State())

	require.NoError(t, l.SupplyCredentials(domain.Credentials{Username: "alice", Password: "pw"}))
	waitDone(t, l)
	assert.Equal(t, domain.StateCompleted, h.rec.completion(t).State)

	sent := connector.requests()
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].Header.Get("Authorization"))
	assert.Equal(t, "Basic YWxpY2U6cHc=", sent[1].Header.Get("Authorization"))

	silo, ok := h.registry.Lookup(rc.IsolationKey())
	require.True(t, ok)
	entry, found, err := silo.CachedAuth(context.Background(), rc.Origin())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", entry.Credentials.Username)
}

type authObserver struct {
	resp trust.AuthResponse
	err  error
}

func (a authObserver) Kind() trust.ObserverKind { return trust.ObserverAuth }

func (a authObserver) OnAuthRequired(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
	return a.resp, a.err
}

func (a authObserver) OnCertificateRequested(context.Context, trust.CertificateRequest) (trust.CertificateResponse, error) {
	return trust.CertificateResponse{NoCertificate: true}, nil
}

func challengeThenOK() *fakeConnector {
	return newConnector().
		on("https://a.example/private", response{
			status: http.StatusUnauthorized,
			header: headers("WWW-Authenticate", `Basic realm="r"`),
		}).
		on("https://a.example/private", response{
			status: http.StatusOK,
			header: headers("Content-Type", "text/plain"),
			body:   "ok",
		})
}

func TestAuthObserverDecisions(t *testing.T) {
	desc := domain.RequestDescriptor{URL: "https://a.example/private", Initiator: "https://a.example"}

	t.Run("credentials", func(t *testing.T) {
		h := newHarness(t, challengeThenOK())
		obs := authObserver{resp: trust.AuthResponse{Credentials: &domain.Credentials{Username: "bob", Password: "x"}}}
		l := h.start(t, h.accept(t, desc, trust.Deps{}, obs))
		waitDone(t, l)
		assert.Equal(t, domain.StateCompleted, h.rec.completion(t).State)
		assert.NotEmpty(t, h.connector.requests()[1].Header.Get("Authorization"))
	})

	t.Run("declined", func(t *testing.T) {
		h := newHarness(t, challengeThenOK())
		l := h.start(t, h.accept(t, desc, trust.Deps{}, authObserver{resp: trust.AuthResponse{Cancel: true}}))
		waitDone(t, l)
		assert.Equal(t, domain.CodeAuthFailed, h.rec.completion(t).Code)
		assert.Len(t, h.connector.requests(), 1, "never proceeds unauthenticated")
	})

	t.Run("unreachable", func(t *testing.T) {
		h := newHarness(t, challengeThenOK())
		l := h.start(t, h.accept(t, desc, trust.Deps{}, authObserver{err: errors.New("disconnected")}))
		waitDone(t, l)
		assert.Equal(t, domain.CodeAuthFailed, h.rec.completion(t).Code)
	})

	t.Run("malformed is fatal", func(t *testing.T) {
		h := newHarness(t, challengeThenOK())
		l := h.start(t, h.accept(t, desc, trust.Deps{}, authObserver{resp: trust.AuthResponse{}}))
		waitDone(t, l)
		assert.Equal(t, domain.CodeProtocolViolation, h.rec.completion(t).Code)
		select {
		case err := <-h.fatal:
			assert.ErrorIs(t, err, domain.ErrProtocolViolation)
		case <-time.After(5 * time.Second):
			t.Fatal("fatal error not forwarded")
		}
	})
}

func TestAuthWaitsBoundedWithoutObserver(t *testing.T) {
	h := newHarness(t, challengeThenOK())
	h.deps.Timeouts.AuthDecision = 20 * time.Millisecond
	l := h.start(t, h.accept(t, domain.RequestDescriptor{URL: "https://a.example/private", Initiator: "https://a.example"}, trust.Deps{}))
	waitDone(t, l)
	assert.Equal(t, domain.CodeAuthFailed, h.rec.completion(t).Code)
}

func TestCredentialsOmitSkipsChallenge(t *testing.T) {
	h := newHarness(t, challengeThenOK())
	l := h.start(t, h.accept(t, domain.RequestDescriptor{
		URL:             "https://a.example/private",
		Initiator:       "https://a.example",
		CredentialsMode: domain.CredentialsOmit,
	}, trust.Deps{}))
	waitDone(t, l)

	assert.NotContains(t, h.rec.kinds(), "auth_required")
	status := h.rec.completion(t)
	assert.Equal(t, domain.StateCompleted, status.State)
	assert.Equal(t, http.StatusUnauthorized, status.StatusCode)
}

type connectorFunc func(ctx context.Context, req *Outgoing) (Connection, error)

func (f connectorFunc) Connect(ctx context.Context, req *Outgoing) (Connection, error) {
	return f(ctx, req)
}
