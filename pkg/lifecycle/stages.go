package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/gate"
	"github.com/polisai/fetchgate/pkg/isolation"
	"github.com/polisai/fetchgate/pkg/redirect"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/trust"
)

func (l *Lifecycle) onStart() {
	if l.State() != domain.StateCreated {
		return
	}
	_, l.span = telemetry.Tracer().Start(l.ctx, "fetchgate.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", l.rc.Method()),
			attribute.String("url.scheme", l.rc.URL().Scheme),
			attribute.String("server.address", l.rc.URL().Hostname()),
			attribute.String("fetchgate.trust_level", l.rc.TrustLevel().String()),
			attribute.String("fetchgate.request_mode", string(l.rc.Mode())),
		),
	)
	if !l.transition(domain.StateAwaitingConnect) {
		return
	}
	l.connect()
}

// connect opens a new attempt for the current context. The silo is resolved
// from the context's isolation key every time, so a redirect that changed
// the key lands in the matching partition.
func (l *Lifecycle) connect() {
	if l.attemptCancel != nil {
		l.attemptCancel()
	}
	l.attempt++
	l.head = domain.ResponseHead{}

	silo, err := l.deps.Registry.Resolve(l.ctx, l.rc.IsolationKey())
	if err != nil {
		if errors.Is(err, isolation.ErrRegistryClosed) {
			err = domain.NewError(domain.ErrServiceTerminated, "isolation registry closed")
		}
		l.finish(domain.StateFailed, err)
		return
	}
	l.silo = silo

	out := l.outgoing()
	ctx, cancel := context.WithCancel(l.ctx)
	l.attemptCancel = cancel

	p, attempt, connector, limit := l.poster(), l.attempt, l.deps.Connector, l.deps.Timeouts.Connect
	go func() {
		var timer *time.Timer
		if limit > 0 {
			timer = time.AfterFunc(limit, cancel)
		}
		conn, err := connector.Connect(ctx, out)
		if timer != nil && !timer.Stop() {
			if conn != nil {
				conn.Abort()
				conn = nil
			}
			err = domain.NewError(domain.ErrTransport, "connect timed out after %s", limit)
		}
		if !p.post(connectedEvent{attempt: attempt, conn: conn, err: err}) && conn != nil {
			conn.Abort()
		}
	}()
}

// outgoing builds the wire request: the context's headers plus cookies and
// credentials from the silo when the credentials mode allows them.
func (l *Lifecycle) outgoing() *Outgoing {
	rc := l.rc
	target := rc.URL()
	origin := rc.Origin()
	header := rc.Header()
	if site := rc.FetchSite(); site != "" {
		header.Set("Sec-Fetch-Site", site)
	}
	if mode := rc.Mode(); mode != "" {
		header.Set("Sec-Fetch-Mode", string(mode))
	}

	if rc.SendsCredentials() {
		cookie, err := l.silo.CookieHeader(l.ctx, origin, target.Path)
		if err != nil {
			l.logger.Warn("cookie lookup failed", "error", err)
		}
		if cookie != "" {
			header.Set("Cookie", cookie)
			l.notifyCookies(origin, cookieNames(cookie), false)
		}
	}

	switch {
	case l.authCreds != nil:
		proxy := l.challenge != nil && l.challenge.IsProxy
		header.Set(authHeaderName(proxy), basicAuthorization(*l.authCreds))
	case rc.SendsCredentials():
		entry, ok, err := l.silo.CachedAuth(l.ctx, origin)
		if err != nil {
			l.logger.Warn("auth cache lookup failed", "error", err)
		}
		if ok && strings.EqualFold(entry.Scheme, "basic") {
			header.Set("Authorization", basicAuthorization(entry.Credentials))
		}
	}

	return &Outgoing{
		URL:               target,
		Method:            rc.Method(),
		Header:            header,
		Body:              rc.Body(),
		ClientCertificate: l.clientCert,
		DisableSecureDNS:  rc.Privileged().DisableSecureDNS,
	}
}

func (l *Lifecycle) onConnected(ev connectedEvent) {
	if ev.attempt != l.attempt || l.State() != domain.StateAwaitingConnect {
		if ev.conn != nil {
			ev.conn.Abort()
		}
		return
	}
	if ev.err != nil {
		var certErr *CertificateRequestedError
		if errors.As(ev.err, &certErr) {
			l.onCertificateRequested(certErr)
			return
		}
		l.finish(domain.StateFailed, transportError(ev.err))
		return
	}

	l.conn = ev.conn
	l.head = domain.ResponseHead{StatusCode: ev.conn.StatusCode(), Header: ev.conn.Header().Clone()}
	if l.head.Header == nil {
		l.head.Header = make(http.Header)
	}
	if l.span != nil {
		l.span.SetAttributes(attribute.Int("http.response.status_code", l.head.StatusCode))
	}
	if !l.transition(domain.StateHeadersPending) {
		return
	}

	status := l.head.StatusCode
	switch {
	case redirect.IsRedirect(status) && l.head.Header.Get("Location") != "":
		l.onRedirectResponse()
	case (status == http.StatusUnauthorized || status == http.StatusProxyAuthRequired) &&
		l.rc.SendsCredentials() && l.authAttempts < MaxAuthAttempts:
		l.onAuthChallenge()
	default:
		l.startSniff()
	}
}

func (l *Lifecycle) onRedirectResponse() {
	l.storeCookies()
	info, err := redirect.Resolve(l.rc, l.head.StatusCode, l.head.Header.Get("Location"))
	if err != nil {
		l.finish(domain.StateFailed, err)
		return
	}
	l.conn.Abort()
	l.conn = nil
	if !l.transition(domain.StateRedirectPending) {
		return
	}
	l.redirect = &info
	head := l.visibleHead()
	l.callback(func() { l.deps.Callbacks.OnRedirect(l.handle, info, head) })
}

func (l *Lifecycle) onAuthChallenge() {
	challenge := parseChallenge(l.head.StatusCode, l.head.Header, l.rc.Origin())
	l.conn.Abort()
	l.conn = nil
	if !l.transition(domain.StateAuthPending) {
		return
	}
	l.challenge = &challenge
	l.authCreds = nil
	l.authAttempts++
	l.callback(func() { l.deps.Callbacks.OnAuthRequired(l.handle, challenge) })

	p, attempt := l.poster(), l.attempt
	if l.deps.Auth != nil && l.rc.Observers().Auth() != nil {
		decisions := l.deps.Auth.RequestCredentials(l.ctx, challenge, l.rc)
		go func() {
			select {
			case d := <-decisions:
				p.post(authDecisionEvent{attempt: attempt, decision: d})
			case <-p.done:
			}
		}()
		return
	}
	if limit := l.deps.Timeouts.AuthDecision; limit > 0 {
		l.authTimer = time.AfterFunc(limit, func() { p.post(authTimeoutEvent{attempt: attempt}) })
	}
}

func (l *Lifecycle) onCertificateRequested(certErr *CertificateRequestedError) {
	if l.certAsked || l.deps.Auth == nil || l.rc.Observers().Auth() == nil {
		l.finish(domain.StateFailed, domain.NewError(domain.ErrTransport, "client certificate required by %s", certErr.Host))
		return
	}
	if !l.transition(domain.StateAuthPending) {
		return
	}
	l.certAsked = true
	decisions := l.deps.Auth.RequestCertificate(l.ctx, trust.CertificateRequest{
		Host:          certErr.Host,
		AcceptableCAs: certErr.AcceptableCAs,
	}, l.rc)
	p, attempt := l.poster(), l.attempt
	go func() {
		select {
		case d := <-decisions:
			p.post(certDecisionEvent{attempt: attempt, decision: d})
		case <-p.done:
		}
	}()
}

func (l *Lifecycle) onAuthDecision(ev authDecisionEvent) {
	if ev.attempt != l.attempt || l.State() != domain.StateAuthPending {
		return
	}
	d := ev.decision
	switch {
	case d.Err != nil:
		l.finish(domain.StateFailed, d.Err)
	case d.Cancelled || d.Credentials == nil:
		l.finish(domain.StateFailed, domain.NewError(domain.ErrAuthFailed, "credentials declined"))
	default:
		l.retryWith(*d.Credentials)
	}
}

func (l *Lifecycle) onCertDecision(ev certDecisionEvent) {
	if ev.attempt != l.attempt || l.State() != domain.StateAuthPending {
		return
	}
	if ev.decision.Err != nil {
		l.finish(domain.StateFailed, ev.decision.Err)
		return
	}
	// A nil certificate retries the handshake without one.
	l.clientCert = ev.decision.Certificate
	if !l.transition(domain.StateAwaitingConnect) {
		return
	}
	l.connect()
}

func (l *Lifecycle) onSupply(creds domain.Credentials, reply chan<- error) {
	if l.State() != domain.StateAuthPending || l.challenge == nil {
		l.reject(reply, domain.NewError(domain.ErrBadSequence, "credentials supplied in state %s", l.State()))
		return
	}
	if creds.Username == "" {
		reply <- domain.NewError(domain.ErrInvalidRequest, "credentials without username")
		return
	}
	reply <- nil
	l.retryWith(creds)
}

func (l *Lifecycle) retryWith(creds domain.Credentials) {
	l.stopAuthTimer()
	l.authCreds = &creds
	if !l.transition(domain.StateAwaitingConnect) {
		return
	}
	l.connect()
}

func (l *Lifecycle) onFollow(override *url.URL, reply chan<- error) {
	if l.State() != domain.StateRedirectPending || l.redirect == nil {
		l.reject(reply, domain.NewError(domain.ErrBadSequence, "follow redirect in state %s", l.State()))
		return
	}
	next, err := l.deps.Redirects.ValidateAndReset(l.ctx, l.rc, *l.redirect, override)
	if err != nil {
		l.reject(reply, err)
		return
	}
	reply <- nil
	if l.span != nil {
		l.span.AddEvent("redirect", trace.WithAttributes(
			attribute.Int("http.response.status_code", l.redirect.StatusCode),
			attribute.Int("fetchgate.redirects", next.Redirects()),
		))
	}
	l.rc = next
	l.redirect = nil
	l.challenge = nil
	l.authCreds = nil
	l.authAttempts = 0
	l.clientCert = nil
	l.certAsked = false
	if !l.transition(domain.StateAwaitingConnect) {
		return
	}
	l.connect()
}

// reject answers a client call with err and fails the request. The answer
// is sent first so the caller sees the cause rather than the terminal state.
func (l *Lifecycle) reject(reply chan<- error, err error) {
	reply <- err
	l.finish(domain.StateFailed, err)
}

func (l *Lifecycle) startSniff() {
	body := bodyReader{conn: l.conn, idle: l.deps.Timeouts.BodyIdle}
	p, attempt := l.poster(), l.attempt
	go func() {
		data, eof, err := sniff(body)
		if !p.post(sniffedEvent{attempt: attempt, data: data, eof: eof, err: err}) {
			body.conn.Abort()
		}
	}()
}

func (l *Lifecycle) onSniffed(ev sniffedEvent) {
	if ev.attempt != l.attempt || l.State() != domain.StateHeadersPending {
		return
	}
	if ev.err != nil {
		l.finish(domain.StateFailed, transportError(ev.err))
		return
	}

	verdict := l.deps.Gate.Evaluate(l.ctx, l.head, ev.data, l.rc, l.conn.RemoteAddr())
	if verdict.Blocked {
		telemetry.RecordSecurityEvent(l.span, true, string(verdict.Check), verdict.Reason)
		safe := gate.SanitizeHead(l.head)
		l.callback(func() { l.deps.Callbacks.OnResponseStarted(l.handle, safe) })
		l.finish(domain.StateFailed, verdict.Err())
		return
	}
	for _, w := range verdict.Warnings {
		telemetry.RecordSecurityEvent(l.span, false, string(w), "")
	}

	l.storeCookies()
	l.storeAuth()
	if !l.transition(domain.StateStreamingBody) {
		return
	}
	head := l.visibleHead()
	l.callback(func() { l.deps.Callbacks.OnResponseStarted(l.handle, head) })
	l.deliver(ev.data)
	if ev.eof {
		l.complete()
		return
	}
	l.startReader()
}

func (l *Lifecycle) startReader() {
	body := bodyReader{conn: l.conn, idle: l.deps.Timeouts.BodyIdle}
	p, attempt, size := l.poster(), l.attempt, l.deps.ChunkSize
	go func() {
		buf := make([]byte, size)
		for {
			n, err := body.read(buf)
			ev := chunkEvent{attempt: attempt}
			if n > 0 {
				ev.data = append([]byte(nil), buf[:n]...)
			}
			switch {
			case errors.Is(err, io.EOF):
				ev.eof = true
			case err != nil:
				ev.err = err
			}
			if !p.post(ev) {
				body.conn.Abort()
				return
			}
			if ev.eof || ev.err != nil {
				return
			}
		}
	}()
}

func (l *Lifecycle) onChunk(ev chunkEvent) {
	if ev.attempt != l.attempt || l.State() != domain.StateStreamingBody {
		return
	}
	l.deliver(ev.data)
	switch {
	case ev.err != nil:
		l.finish(domain.StateFailed, transportError(ev.err))
	case ev.eof:
		l.complete()
	}
}

func (l *Lifecycle) deliver(data []byte) {
	for len(data) > 0 {
		n := min(len(data), l.deps.ChunkSize)
		chunk := data[:n]
		l.callback(func() { l.deps.Callbacks.OnBodyChunk(l.handle, chunk) })
		l.bytes += int64(n)
		data = data[n:]
	}
}

func (l *Lifecycle) complete() {
	if l.rc.Method() == http.MethodGet && l.head.StatusCode == http.StatusOK && !l.rc.Privileged().BypassCacheSilo {
		err := l.silo.RecordCacheEntry(l.ctx, l.rc.Origin(), l.rc.URL().Path, isolation.CacheRecord{
			StatusCode:  l.head.StatusCode,
			ContentType: l.head.Header.Get("Content-Type"),
			Size:        l.bytes,
		})
		if err != nil {
			l.logger.Warn("cache index update failed", "error", err)
		}
	}
	l.finish(domain.StateCompleted, nil)
}

// storeCookies keeps the Set-Cookie values of the current response in the
// silo when the credentials mode allows it.
func (l *Lifecycle) storeCookies() {
	if !l.rc.SendsCredentials() {
		return
	}
	lines := l.head.Header.Values("Set-Cookie")
	if len(lines) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(lines))
	names := make([]string, 0, len(lines))
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, c)
		names = append(names, c.Name)
	}
	origin := l.rc.Origin()
	if err := l.silo.StoreCookies(l.ctx, origin, cookies); err != nil {
		l.logger.Warn("cookie store failed", "error", err)
		return
	}
	l.notifyCookies(origin, names, true)
}

// storeAuth caches credentials once they produced a non-challenge response.
func (l *Lifecycle) storeAuth() {
	if l.authCreds == nil || l.challenge == nil || l.challenge.IsProxy {
		return
	}
	scheme := l.challenge.Scheme
	if scheme == "" {
		scheme = "basic"
	}
	err := l.silo.StoreAuth(l.ctx, l.rc.Origin(), isolation.AuthEntry{
		Scheme:      scheme,
		Realm:       l.challenge.Realm,
		Credentials: *l.authCreds,
	})
	if err != nil {
		l.logger.Warn("auth cache update failed", "error", err)
	}
}

func (l *Lifecycle) stopAuthTimer() {
	if l.authTimer != nil {
		l.authTimer.Stop()
		l.authTimer = nil
	}
}

// visibleHead is the response head as the client may see it.
func (l *Lifecycle) visibleHead() domain.ResponseHead {
	head := domain.ResponseHead{StatusCode: l.head.StatusCode, Header: l.head.Header.Clone()}
	if !l.rc.RawHeaderAccess() {
		head.Header.Del("Set-Cookie")
		head.Header.Del("Set-Cookie2")
	}
	return head
}

func (l *Lifecycle) notifyCookies(origin domain.Origin, names []string, write bool) {
	obs := l.rc.Observers().CookieAccess()
	if obs == nil || len(names) == 0 {
		return
	}
	obs.OnCookiesAccessed(l.ctx, trust.CookieAccessEvent{
		RequestID: l.rc.ID(),
		Origin:    origin,
		Names:     names,
		Write:     write,
	})
}

func cookieNames(header string) []string {
	var names []string
	for _, pair := range strings.Split(header, ";") {
		name, _, _ := strings.Cut(strings.TrimSpace(pair), "=")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func transportError(err error) error {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	return domain.NewError(domain.ErrTransport, "%v", err)
}

// bodyReader reads a connection, aborting it when a single read stalls for
// longer than idle.
type bodyReader struct {
	conn Connection
	idle time.Duration
}

func (r bodyReader) read(p []byte) (int, error) {
	if r.idle <= 0 {
		return r.conn.Read(p)
	}
	timer := time.AfterFunc(r.idle, r.conn.Abort)
	n, err := r.conn.Read(p)
	if !timer.Stop() {
		return n, domain.NewError(domain.ErrTransport, "body idle for %s", r.idle)
	}
	return n, err
}

// sniff reads up to gate.SniffLimit leading body bytes.
func sniff(r bodyReader) ([]byte, bool, error) {
	buf := make([]byte, gate.SniffLimit)
	n := 0
	for n < len(buf) {
		m, err := r.read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return buf[:n], true, nil
		}
		if err != nil {
			return buf[:n], false, err
		}
	}
	return buf, false, nil
}
