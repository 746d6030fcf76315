package redirect

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/site"
	"github.com/polisai/fetchgate/pkg/trust"
)

func accept(t require.TestingT, level domain.TrustLevel, desc domain.RequestDescriptor) *trust.RequestContext {
	f, err := trust.NewFactory(trust.FactoryParams{
		IsolationKey:   domain.IsolationKey{ProfileID: "profile", Nonce: "n"},
		TopFrameOrigin: "https://top.example",
		InitiatorLock:  desc.Initiator,
	}, level, trust.Deps{})
	require.NoError(t, err)
	rc, err := f.Accept(context.Background(), desc)
	require.NoError(t, err)
	return rc
}

func parse(t require.TestingT, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestOverrideOriginMismatchRejected(t *testing.T) {
	h := New(Config{})
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/x"})

	info, err := Resolve(rc, http.StatusFound, "https://b.example/y")
	require.NoError(t, err)

	next, err := h.ValidateAndReset(context.Background(), rc, info, parse(t, "https://c.example/z"))
	require.ErrorIs(t, err, domain.ErrRedirectViolation)
	assert.Nil(t, next)

	for _, override := range []string{"http://b.example/y", "https://b.example:8443/y", "https://sub.b.example/y"} {
		_, err := h.ValidateAndReset(context.Background(), rc, info, parse(t, override))
		assert.ErrorIs(t, err, domain.ErrRedirectViolation, override)
	}

	next, err = h.ValidateAndReset(context.Background(), rc, info, parse(t, "https://b.example:443/other#frag"))
	require.NoError(t, err)
	assert.Equal(t, "https://b.example:443/other", next.URL().String())
}

func TestResolve(t *testing.T) {
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/dir/page", Method: http.MethodPost})

	info, err := Resolve(rc, http.StatusSeeOther, "../next?q=1#top")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/next?q=1", info.NewURL.String())
	assert.Equal(t, http.MethodGet, info.NewMethod)

	info, err = Resolve(rc, http.StatusTemporaryRedirect, "/keep")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, info.NewMethod)

	info, err = Resolve(rc, http.StatusMovedPermanently, "/moved")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, info.NewMethod)

	_, err = Resolve(rc, http.StatusFound, "")
	assert.ErrorIs(t, err, domain.ErrRedirectViolation)

	assert.True(t, IsRedirect(http.StatusPermanentRedirect))
	assert.False(t, IsRedirect(http.StatusNotModified))
}

func TestNonHTTPTargetRejected(t *testing.T) {
	h := New(Config{})
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/"})
	info, err := Resolve(rc, http.StatusFound, "file:///etc/passwd")
	require.NoError(t, err)

	_, err = h.ValidateAndReset(context.Background(), rc, info, nil)
	require.ErrorIs(t, err, domain.ErrRedirectViolation)
}

func TestRedirectLimit(t *testing.T) {
	h := New(Config{MaxRedirects: 2})
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/0"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		info, err := Resolve(rc, http.StatusFound, "/next")
		require.NoError(t, err)
		rc, err = h.ValidateAndReset(ctx, rc, info, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rc.Redirects())

	info, err := Resolve(rc, http.StatusFound, "/next")
	require.NoError(t, err)
	_, err = h.ValidateAndReset(ctx, rc, info, nil)
	require.ErrorIs(t, err, domain.ErrRedirectViolation)
}

func TestHeaderReset(t *testing.T) {
	h := New(Config{})
	ctx := context.Background()
	rc := accept(t, domain.Trusted, domain.RequestDescriptor{
		URL:    "https://a.example/form",
		Method: http.MethodPost,
		Body:   []byte("q=1"),
		Headers: http.Header{
			"Cookie":        {"sid=1"},
			"Authorization": {"Bearer t"},
			"Content-Type":  {"application/json"},
			"X-Trace":       {"abc"},
		},
	})

	info, err := Resolve(rc, http.StatusTemporaryRedirect, "/elsewhere")
	require.NoError(t, err)
	same, err := h.ValidateAndReset(ctx, rc, info, nil)
	require.NoError(t, err)
	assert.Empty(t, same.Header().Get("Cookie"))
	assert.Empty(t, same.Header().Get("Authorization"))
	assert.Equal(t, "application/json", same.Header().Get("Content-Type"))
	assert.Equal(t, "abc", same.Header().Get("X-Trace"))
	assert.Equal(t, http.MethodPost, same.Method())
	assert.Equal(t, []byte("q=1"), same.Body(), "307 replays the body")

	info, err = Resolve(rc, http.StatusSeeOther, "/result")
	require.NoError(t, err)
	get, err := h.ValidateAndReset(ctx, rc, info, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, get.Method())
	assert.Empty(t, get.Header().Get("Content-Type"))
	assert.Nil(t, get.Body(), "303 drops the body")

	info, err = Resolve(rc, http.StatusFound, "/moved")
	require.NoError(t, err)
	moved, err := h.ValidateAndReset(ctx, rc, info, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, moved.Method())
	assert.Nil(t, moved.Body(), "POST rewritten to GET drops the body")

	info, err = Resolve(rc, http.StatusTemporaryRedirect, "https://b.example/form")
	require.NoError(t, err)
	cross, err := h.ValidateAndReset(ctx, rc, info, nil)
	require.NoError(t, err)
	assert.Empty(t, cross.Header())

	assert.Equal(t, []byte("q=1"), cross.Body())

	assert.Equal(t, "sid=1", rc.Header().Get("Cookie"), "the original context is never mutated")
	assert.Equal(t, "https://a.example/form", rc.URL().String())
}

func TestNavigationRederivesTopFrame(t *testing.T) {
	h := New(Config{})
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/", Mode: domain.ModeNavigate})
	require.Equal(t, "https://a.example", rc.IsolationKey().TopFrameSite)

	info, err := Resolve(rc, http.StatusFound, "https://www.b.example.com/landing")
	require.NoError(t, err)
	next, err := h.ValidateAndReset(context.Background(), rc, info, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", next.IsolationKey().TopFrameSite)
	assert.Equal(t, "profile", next.IsolationKey().ProfileID)
	assert.Equal(t, "n", next.IsolationKey().Nonce)
	assert.Equal(t, "https://example.com", next.SiteForCookies())
	assert.Equal(t, "https://www.b.example.com", next.TopFrameOrigin().String())
	assert.Equal(t, site.FetchSiteNone, next.FetchSite())
}

func TestFetchSiteOnlyDowngrades(t *testing.T) {
	h := New(Config{})
	ctx := context.Background()
	rc := accept(t, domain.Untrusted, domain.RequestDescriptor{URL: "https://a.example/1", Initiator: "https://a.example"})
	require.Equal(t, site.FetchSiteSameOrigin, rc.FetchSite())

	info, _ := Resolve(rc, http.StatusFound, "https://evil.example/2")
	cross, err := h.ValidateAndReset(ctx, rc, info, nil)
	require.NoError(t, err)
	assert.Equal(t, site.FetchSiteCrossSite, cross.FetchSite())

	info, _ = Resolve(cross, http.StatusFound, "https://a.example/3")
	back, err := h.ValidateAndReset(ctx, cross, info, nil)
	require.NoError(t, err)
	assert.Equal(t, site.FetchSiteCrossSite, back.FetchSite())
	assert.Equal(t, "https://top.example", back.SiteForCookies())
}

var origins = []string{
	"https://a.example",
	"https://a.example:8443",
	"http://a.example",
	"https://b.example",
	"https://sub.b.example",
	"https://c.example.com",
}

// A redirected context takes its isolation key and credential headers from
// the new target, never verbatim from the previous hop.
func TestRedirectDerivationProperty(t *testing.T) {
	h := New(Config{})
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.SampledFrom(origins).Draw(t, "start")
		mode := rapid.SampledFrom([]domain.RequestMode{domain.ModeNavigate, domain.ModeNoCORS, domain.ModeCORS}).Draw(t, "mode")
		rc := accept(t, domain.Trusted, domain.RequestDescriptor{
			URL:       start + "/p",
			Mode:      mode,
			Initiator: rapid.SampledFrom(origins).Draw(t, "initiator"),
			Headers: http.Header{
				"Cookie":              {"sid=" + rapid.StringMatching(`[a-z0-9]{1,8}`).Draw(t, "sid")},
				"Authorization":       {"Bearer secret"},
				"Proxy-Authorization": {"Basic eA=="},
				"X-Client":            {"1"},
			},
		})

		hops := rapid.IntRange(1, 4).Draw(t, "hops")
		for i := 0; i < hops; i++ {
			dest := rapid.SampledFrom(origins).Draw(t, "dest")
			status := rapid.SampledFrom([]int{301, 302, 303, 307, 308}).Draw(t, "status")
			info, err := Resolve(rc, status, dest+"/hop")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			var override *url.URL
			if rapid.Bool().Draw(t, "override") {
				override, _ = url.Parse(dest + "/override")
			}

			prev := rc
			next, err := h.ValidateAndReset(context.Background(), rc, info, override)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			for _, name := range []string{"Cookie", "Authorization", "Proxy-Authorization", "Cookie2"} {
				if next.Header().Get(name) != "" {
					t.Fatalf("credential header %s survived the redirect", name)
				}
			}
			if prev.Header().Get("Cookie") == "" && i == 0 {
				t.Fatalf("previous context lost its cookie header")
			}

			newOrigin := next.Origin()
			key := next.IsolationKey()
			if key.ProfileID != "profile" || key.Nonce != "n" {
				t.Fatalf("redirect changed the profile: %+v", key)
			}
			if mode == domain.ModeNavigate {
				if key.TopFrameSite != site.Of(newOrigin) {
					t.Fatalf("top frame site %q not derived from %s", key.TopFrameSite, newOrigin)
				}
				if next.SiteForCookies() != site.Of(newOrigin) {
					t.Fatalf("site for cookies %q not derived from %s", next.SiteForCookies(), newOrigin)
				}
			} else if key != prev.IsolationKey() {
				t.Fatalf("subresource redirect changed the isolation key")
			}
			if !prev.Origin().SameOrigin(newOrigin) && next.Header().Get("X-Client") != "" {
				t.Fatalf("client header crossed an origin boundary")
			}
			if next.Redirects() != prev.Redirects()+1 || next.ID() != prev.ID() {
				t.Fatalf("hop accounting broken")
			}
			rc = next
		}
	})
}
