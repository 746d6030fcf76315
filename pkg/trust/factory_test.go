package trust

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
)

func newFactory(t require.TestingT, level domain.TrustLevel, quota *governance.QuotaTracker) *Factory {
	f, err := NewFactory(FactoryParams{
		ID:             "f-test",
		IsolationKey:   domain.IsolationKey{ProfileID: "profile"},
		FrameScope:     "frame-1",
		TopFrameOrigin: "https://top.example",
	}, level, Deps{Quota: quota})
	require.NoError(t, err)
	return f
}

func TestUntrustedIsolationOverrideRejected(t *testing.T) {
	quota := governance.NewQuotaTracker(governance.DefaultQuotaLimits(), nil)
	f := newFactory(t, domain.Untrusted, quota)

	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{
		URL:          "https://a.example/x",
		KeepAlive:    true,
		DeclaredSize: 10,
		Privileged: &domain.PrivilegedFields{
			IsolationOverride: &domain.IsolationKey{ProfileID: "other"},
		},
	})
	require.ErrorIs(t, err, domain.ErrTrustViolation)
	assert.Nil(t, rc)
	assert.Equal(t, domain.CodeTrustViolation, domain.CodeOf(err))
	assert.Zero(t, quota.ActiveLeases(), "no lease may be taken for a rejected request")
}

func TestUntrustedTrustedSecurityStateRejected(t *testing.T) {
	_, err := NewFactory(FactoryParams{
		IsolationKey:  domain.IsolationKey{ProfileID: "p"},
		SecurityState: domain.ClientSecurityState{TrustedFieldsPresent: true},
	}, domain.Untrusted, Deps{})
	require.ErrorIs(t, err, domain.ErrTrustViolation)

	f := newFactory(t, domain.Untrusted, nil)
	_, err = f.Accept(context.Background(), domain.RequestDescriptor{
		URL: "https://a.example/",
		Privileged: &domain.PrivilegedFields{
			ClientSecurityState: &domain.ClientSecurityState{TrustedFieldsPresent: true},
		},
	})
	require.ErrorIs(t, err, domain.ErrTrustViolation)
}

func TestTrustedOverrideApplied(t *testing.T) {
	f := newFactory(t, domain.Trusted, nil)
	override := domain.IsolationKey{ProfileID: "other", Nonce: "n1"}

	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{
		URL:            "https://a.example/x",
		TopFrameOrigin: "https://b.example",
		Privileged: &domain.PrivilegedFields{
			IsolationOverride: &override,
			RawHeaderAccess:   true,
			SiteForCookies:    "https://custom.example",
		},
	})
	require.NoError(t, err)
	assert.True(t, rc.Sealed())
	assert.Equal(t, override, rc.IsolationKey())
	assert.True(t, rc.RawHeaderAccess())
	assert.Equal(t, "https://custom.example", rc.SiteForCookies())
	assert.Equal(t, "https://b.example", rc.TopFrameOrigin().String())

	p := rc.Privileged()
	p.IsolationOverride.ProfileID = "mutated"
	assert.Equal(t, "other", rc.Privileged().IsolationOverride.ProfileID, "getters return copies")
}

func TestAcceptValidatesURLAndMethod(t *testing.T) {
	f := newFactory(t, domain.Untrusted, nil)
	ctx := context.Background()

	for _, raw := range []string{"/relative", "file:///etc/passwd", "javascript:alert(1)", "https://"} {
		_, err := f.Accept(ctx, domain.RequestDescriptor{URL: raw})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, raw)
	}

	_, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: "CONNECT"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: "GE T"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Mode: "websocket"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	rc, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/p#frag", Method: "post"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, rc.Method())
	assert.Equal(t, "https://a.example/p", rc.URL().String())
	assert.Equal(t, domain.ModeNoCORS, rc.Mode())
	assert.Equal(t, domain.CredentialsSameOrigin, rc.CredentialsMode())
}

func TestUntrustedForbiddenHeadersStripped(t *testing.T) {
	f := newFactory(t, domain.Untrusted, nil)
	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{
		URL: "https://a.example/",
		Headers: http.Header{
			"Cookie":              {"sid=stolen"},
			"Sec-Fetch-Site":      {"same-origin"},
			"Proxy-Authorization": {"Basic eA=="},
			"X-Custom":            {"1"},
			"Authorization":       {"Bearer t"},
		},
	})
	require.NoError(t, err)
	h := rc.Header()
	assert.Empty(t, h.Get("Cookie"))
	assert.Empty(t, h.Get("Sec-Fetch-Site"))
	assert.Empty(t, h.Get("Proxy-Authorization"))
	assert.Equal(t, "1", h.Get("X-Custom"))
	assert.Equal(t, "Bearer t", h.Get("Authorization"))

	trusted := newFactory(t, domain.Trusted, nil)
	rc, err = trusted.Accept(context.Background(), domain.RequestDescriptor{
		URL:     "https://a.example/",
		Headers: http.Header{"Cookie": {"sid=host"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sid=host", rc.Header().Get("Cookie"))
}

func TestDuplicateHeaderKeysMerged(t *testing.T) {
	f := newFactory(t, domain.Untrusted, nil)
	raw := http.Header{
		"X-Tag":  {"one"},
		"x-tag":  {"two", "three"},
		"COOKIE": {"sid=stolen"},
	}
	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/", Headers: raw})
	require.NoError(t, err)

	h := rc.Header()
	assert.ElementsMatch(t, []string{"one", "two", "three"}, h.Values("X-Tag"))
	assert.Len(t, h, 1)
	assert.Equal(t, []string{"one"}, raw["X-Tag"], "caller headers are not mutated")
}

func TestInitiatorLock(t *testing.T) {
	f, err := NewFactory(FactoryParams{
		IsolationKey:  domain.IsolationKey{ProfileID: "p"},
		InitiatorLock: "https://locked.example",
	}, domain.Untrusted, Deps{})
	require.NoError(t, err)

	_, err = f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://evil.example"})
	require.ErrorIs(t, err, domain.ErrTrustViolation)

	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://locked.example"})
	require.NoError(t, err)
	assert.Equal(t, "cross-site", rc.FetchSite())
}

func TestKeepAliveLeasesUseFactoryScope(t *testing.T) {
	quota := governance.NewQuotaTracker(governance.QuotaLimits{MaxLeasesPerScope: 1}, nil)
	f := newFactory(t, domain.Untrusted, quota)
	ctx := context.Background()

	rc, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", KeepAlive: true, DeclaredSize: 5, FrameScope: "spoofed"})
	require.NoError(t, err)
	require.NotNil(t, rc.Lease())
	assert.Equal(t, "frame-1", rc.FrameScope())

	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", KeepAlive: true, FrameScope: "another"})
	require.ErrorIs(t, err, domain.ErrResourceExhausted)

	rc.Lease().Release()
	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", KeepAlive: true})
	require.NoError(t, err)
}

func TestRateLimitedFactory(t *testing.T) {
	limiter := governance.NewRateLimiter()
	f, err := NewFactory(FactoryParams{
		IsolationKey: domain.IsolationKey{ProfileID: "p"},
		RateLimit:    governance.RateLimit{RequestsPerSecond: 0.001, Burst: 1},
	}, domain.Untrusted, Deps{RateLimiter: limiter})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/"})
	require.NoError(t, err)
	_, err = f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/"})
	require.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestRequestBody(t *testing.T) {
	quota := governance.NewQuotaTracker(governance.QuotaLimits{MaxBytesPerScope: 64}, nil)
	f := newFactory(t, domain.Untrusted, quota)
	ctx := context.Background()
	payload := []byte(`{"event":"unload"}`)

	_, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Body: payload})
	require.ErrorIs(t, err, domain.ErrInvalidRequest, "GET with a body")
	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: "head", Body: payload})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: http.MethodPost, Body: payload, KeepAlive: true, DeclaredSize: 4})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Zero(t, quota.ActiveLeases())

	rc, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: http.MethodPost, Body: payload, KeepAlive: true})
	require.NoError(t, err)
	require.NotNil(t, rc.Lease())
	assert.Equal(t, int64(len(payload)), rc.Lease().Size(), "an undeclared size accounts the body")
	assert.Equal(t, payload, rc.Body())

	body := rc.Body()
	body[0] = 'X'
	assert.Equal(t, payload, rc.Body(), "callers get a copy")

	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Method: http.MethodPost, Body: payload, KeepAlive: true, DeclaredSize: 60})
	require.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestNavigationDerivesTopFrameSite(t *testing.T) {
	f := newFactory(t, domain.Untrusted, nil)
	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://www.news.example.com/a", Mode: domain.ModeNavigate})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", rc.IsolationKey().TopFrameSite)
	assert.Equal(t, "https://example.com", rc.SiteForCookies())
	assert.Equal(t, "none", rc.FetchSite())
}

func TestEveryModeSharesTopFramePartition(t *testing.T) {
	f, err := NewFactory(FactoryParams{
		IsolationKey:   domain.IsolationKey{ProfileID: "profile", Nonce: "n"},
		TopFrameOrigin: "https://www.a.example",
	}, domain.Untrusted, Deps{})
	require.NoError(t, err)
	ctx := context.Background()

	nav, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Mode: domain.ModeNavigate})
	require.NoError(t, err)
	sub, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/api", Mode: domain.ModeCORS})
	require.NoError(t, err)
	third, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://cdn.other.example/x.js"})
	require.NoError(t, err)

	want := domain.IsolationKey{ProfileID: "profile", Nonce: "n", TopFrameSite: "https://a.example"}
	assert.Equal(t, want, nav.IsolationKey())
	assert.Equal(t, want, sub.IsolationKey())
	assert.Equal(t, want, third.IsolationKey())
}

func TestRetarget(t *testing.T) {
	f := newFactory(t, domain.Untrusted, nil)
	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/x", Headers: http.Header{"X-A": {"1"}}})
	require.NoError(t, err)

	next, err := rc.Retarget(RetargetParams{
		URL:          mustURL(t, "https://b.example/y"),
		Method:       http.MethodGet,
		Header:       http.Header{},
		IsolationKey: rc.IsolationKey(),
	})
	require.NoError(t, err)
	assert.NotSame(t, rc, next)
	assert.Equal(t, "https://a.example/x", rc.URL().String(), "original context is unchanged")
	assert.Equal(t, "https://b.example/y", next.URL().String())
	assert.Equal(t, 1, next.Redirects())
	assert.Equal(t, domain.Untrusted, next.TrustLevel())
	assert.Empty(t, next.Header().Get("X-A"))

	_, err = rc.Retarget(RetargetParams{
		URL:          mustURL(t, "https://b.example/y"),
		IsolationKey: domain.IsolationKey{ProfileID: "other"},
	})
	require.ErrorIs(t, err, domain.ErrInvariantViolation)

	var forged RequestContext
	_, err = forged.Retarget(RetargetParams{URL: mustURL(t, "https://b.example/")})
	require.ErrorIs(t, err, domain.ErrTrustViolation)
}

func TestSendsCredentials(t *testing.T) {
	ctx := context.Background()
	documentFactory := func(origin string) *Factory {
		f, err := NewFactory(FactoryParams{
			IsolationKey:   domain.IsolationKey{ProfileID: "profile"},
			TopFrameOrigin: origin,
		}, domain.Untrusted, Deps{})
		require.NoError(t, err)
		return f
	}

	rc, err := documentFactory("https://a.example").Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://a.example", Mode: domain.ModeCORS})
	require.NoError(t, err)
	assert.True(t, rc.SendsCredentials())

	rc, err = documentFactory("https://b.example").Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://b.example", Mode: domain.ModeCORS})
	require.NoError(t, err)
	assert.False(t, rc.SendsCredentials())

	rc, err = documentFactory("https://b.example").Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://b.example", CredentialsMode: domain.CredentialsInclude})
	require.NoError(t, err)
	assert.True(t, rc.SendsCredentials())

	rc, err = newFactory(t, domain.Untrusted, nil).Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", CredentialsMode: domain.CredentialsOmit, Mode: domain.ModeNavigate})
	require.NoError(t, err)
	assert.False(t, rc.SendsCredentials())
}

func TestUntrustedInitiatorResolution(t *testing.T) {
	ctx := context.Background()

	// the lock defaults to the top-frame origin
	f := newFactory(t, domain.Untrusted, nil)
	rc, err := f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/"})
	require.NoError(t, err)
	assert.Equal(t, "https://top.example", rc.Initiator().String())
	assert.Equal(t, "cross-site", rc.FetchSite())

	_, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://a.example"})
	require.ErrorIs(t, err, domain.ErrTrustViolation)

	rc, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://top.example/x", Initiator: "https://top.example"})
	require.NoError(t, err)
	assert.Equal(t, "same-origin", rc.FetchSite())

	// navigations may stay browser-initiated
	rc, err = f.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Mode: domain.ModeNavigate})
	require.NoError(t, err)
	assert.True(t, rc.Initiator().Opaque())
	assert.Equal(t, "none", rc.FetchSite())

	// an unbound factory cannot vouch for any origin
	unbound, err := NewFactory(FactoryParams{IsolationKey: domain.IsolationKey{ProfileID: "p"}}, domain.Untrusted, Deps{})
	require.NoError(t, err)
	rc, err = unbound.Accept(ctx, domain.RequestDescriptor{URL: "https://victim.example/d", Initiator: "https://victim.example"})
	require.NoError(t, err)
	assert.True(t, rc.Initiator().Opaque())
	assert.Equal(t, "cross-site", rc.FetchSite())

	// trusted callers are taken at their word
	trusted := newFactory(t, domain.Trusted, nil)
	rc, err = trusted.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/", Initiator: "https://a.example"})
	require.NoError(t, err)
	assert.Equal(t, "same-origin", rc.FetchSite())
	rc, err = trusted.Accept(ctx, domain.RequestDescriptor{URL: "https://a.example/"})
	require.NoError(t, err)
	assert.Equal(t, "none", rc.FetchSite())
}

type fakeAuth struct{}

func (fakeAuth) Kind() ObserverKind { return ObserverAuth }
func (fakeAuth) OnAuthRequired(context.Context, AuthRequest) (AuthResponse, error) {
	return AuthResponse{Cancel: true}, nil
}
func (fakeAuth) OnCertificateRequested(context.Context, CertificateRequest) (CertificateResponse, error) {
	return CertificateResponse{NoCertificate: true}, nil
}

type bareObserver struct{ kind ObserverKind }

func (b bareObserver) Kind() ObserverKind { return b.kind }

func TestObserverSet(t *testing.T) {
	set, err := NewObserverSet(fakeAuth{})
	require.NoError(t, err)
	assert.NotNil(t, set.Auth())
	assert.Nil(t, set.CookieAccess())

	_, err = NewObserverSet(fakeAuth{}, fakeAuth{})
	assert.Error(t, err)
	_, err = NewObserverSet(bareObserver{kind: ObserverDevTools})
	assert.Error(t, err)
}

func TestDecisionValidation(t *testing.T) {
	creds := &domain.Credentials{Username: "u"}
	assert.NoError(t, AuthResponse{Credentials: creds}.Validate())
	assert.NoError(t, AuthResponse{Cancel: true}.Validate())
	assert.ErrorIs(t, AuthResponse{Cancel: true, Credentials: creds}.Validate(), domain.ErrProtocolViolation)
	assert.ErrorIs(t, AuthResponse{}.Validate(), domain.ErrProtocolViolation)
	assert.ErrorIs(t, AuthResponse{Credentials: &domain.Credentials{}}.Validate(), domain.ErrProtocolViolation)

	cert := &tls.Certificate{Certificate: [][]byte{{1}}}
	assert.NoError(t, CertificateResponse{Certificate: cert}.Validate())
	assert.ErrorIs(t, CertificateResponse{Certificate: cert, NoCertificate: true}.Validate(), domain.ErrProtocolViolation)
	assert.ErrorIs(t, CertificateResponse{}.Validate(), domain.ErrProtocolViolation)
	assert.ErrorIs(t, CertificateResponse{Certificate: &tls.Certificate{}}.Validate(), domain.ErrProtocolViolation)
}

// Any context an untrusted factory returns carries no privileged option, and
// any descriptor with privileged options is refused.
func TestUntrustedContextsNeverPrivilegedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFactory(t, domain.Untrusted, governance.NewQuotaTracker(governance.QuotaLimits{}, nil))

		var privileged *domain.PrivilegedFields
		if rapid.Bool().Draw(t, "has_privileged") {
			privileged = &domain.PrivilegedFields{
				RawHeaderAccess:  rapid.Bool().Draw(t, "raw"),
				DisableSecureDNS: rapid.Bool().Draw(t, "dns"),
				BypassCacheSilo:  rapid.Bool().Draw(t, "cache"),
				SiteForCookies:   rapid.SampledFrom([]string{"", "https://x.example"}).Draw(t, "sfc"),
			}
			if rapid.Bool().Draw(t, "override") {
				privileged.IsolationOverride = &domain.IsolationKey{ProfileID: "other"}
			}
		}
		desc := domain.RequestDescriptor{
			URL:        rapid.SampledFrom([]string{"https://a.example/", "http://b.example:8080/x", "https://c.example/?q=1"}).Draw(t, "url"),
			Method:     rapid.SampledFrom([]string{"", "GET", "POST", "PUT"}).Draw(t, "method"),
			Mode:       rapid.SampledFrom([]domain.RequestMode{"", domain.ModeNavigate, domain.ModeCORS, domain.ModeNoCORS, domain.ModeSameOrigin}).Draw(t, "mode"),
			KeepAlive:  rapid.Bool().Draw(t, "keepalive"),
			Privileged: privileged,
		}

		rc, err := f.Accept(context.Background(), desc)
		if desc.HasPrivilegedFields() {
			if err == nil || rc != nil {
				t.Fatalf("untrusted descriptor with privileged fields was accepted")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
		if !rc.Privileged().Empty() || rc.RawHeaderAccess() {
			t.Fatalf("untrusted context carries privileged fields: %+v", rc.Privileged())
		}
		if rc.TrustLevel() != domain.Untrusted || rc.SecurityState().TrustedFieldsPresent {
			t.Fatalf("untrusted context escalated")
		}
		if rc.IsolationKey().ProfileID != "profile" {
			t.Fatalf("untrusted context left its profile")
		}
	})
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
