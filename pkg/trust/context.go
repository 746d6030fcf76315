package trust

import (
	"bytes"
	"net/http"
	"net/url"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
)

// RequestContext is the immutable security context of one request. Only a
// Factory creates one, and a redirect produces a new one through Retarget.
type RequestContext struct {
	id        string
	factoryID string
	sealed    bool

	trust      domain.TrustLevel
	key        domain.IsolationKey
	security   domain.ClientSecurityState
	observers  ObserverSet
	privileged domain.PrivilegedFields
	lease      *governance.Lease

	url             *url.URL
	method          string
	header          http.Header
	body            []byte
	mode            domain.RequestMode
	credentialsMode domain.CredentialsMode
	initiator       domain.Origin
	topFrameOrigin  domain.Origin
	siteForCookies  string
	fetchSite       string
	keepAlive       bool
	frameScope      string
	redirects       int
}

// ID identifies the request across redirects.
func (rc *RequestContext) ID() string { return rc.id }

// FactoryID names the factory that accepted the request.
func (rc *RequestContext) FactoryID() string { return rc.factoryID }

// Sealed reports whether the context was produced by a Factory.
func (rc *RequestContext) Sealed() bool { return rc != nil && rc.sealed }

// TrustLevel is fixed for the lifetime of the request.
func (rc *RequestContext) TrustLevel() domain.TrustLevel { return rc.trust }

// IsolationKey selects the silo of the request.
func (rc *RequestContext) IsolationKey() domain.IsolationKey { return rc.key }

// SecurityState is the requester's client security state.
func (rc *RequestContext) SecurityState() domain.ClientSecurityState { return rc.security }

// Observers returns the privileged observers of the request.
func (rc *RequestContext) Observers() ObserverSet { return rc.observers }

// Privileged returns the privileged options. Always empty for untrusted
// contexts.
func (rc *RequestContext) Privileged() domain.PrivilegedFields {
	p := rc.privileged
	if p.IsolationOverride != nil {
		k := *p.IsolationOverride
		p.IsolationOverride = &k
	}
	if p.ClientSecurityState != nil {
		s := *p.ClientSecurityState
		p.ClientSecurityState = &s
	}
	return p
}

// Lease is the keep-alive lease, nil for ordinary requests.
func (rc *RequestContext) Lease() *governance.Lease { return rc.lease }

// URL returns a copy of the target URL.
func (rc *RequestContext) URL() *url.URL {
	u := *rc.url
	if rc.url.User != nil {
		user := *rc.url.User
		u.User = &user
	}
	return &u
}

// Origin is the origin of the target URL.
func (rc *RequestContext) Origin() domain.Origin { return domain.OriginOf(rc.url) }

// Method is the request method.
func (rc *RequestContext) Method() string { return rc.method }

// Header returns a copy of the request headers.
func (rc *RequestContext) Header() http.Header { return rc.header.Clone() }

// Body returns a copy of the request body, nil when there is none.
func (rc *RequestContext) Body() []byte { return bytes.Clone(rc.body) }

// Mode is the fetch request mode.
func (rc *RequestContext) Mode() domain.RequestMode { return rc.mode }

// CredentialsMode is the fetch credentials mode.
func (rc *RequestContext) CredentialsMode() domain.CredentialsMode { return rc.credentialsMode }

// Initiator is the origin of the requesting document. Zero for
// browser-initiated requests and for untrusted callers the factory cannot
// vouch for.
func (rc *RequestContext) Initiator() domain.Origin { return rc.initiator }

// TopFrameOrigin is the origin of the top-level document.
func (rc *RequestContext) TopFrameOrigin() domain.Origin { return rc.topFrameOrigin }

// SiteForCookies is the first-party site used for cookie decisions.
func (rc *RequestContext) SiteForCookies() string { return rc.siteForCookies }

// FetchSite is the Sec-Fetch-Site relation accumulated over redirects.
func (rc *RequestContext) FetchSite() string { return rc.fetchSite }

// KeepAlive reports whether the request is quota accounted.
func (rc *RequestContext) KeepAlive() bool { return rc.keepAlive }

// FrameScope is the top-level frame scope used for quota accounting.
func (rc *RequestContext) FrameScope() string { return rc.frameScope }

// Redirects is the number of redirects followed to reach this context.
func (rc *RequestContext) Redirects() int { return rc.redirects }

// SendsCredentials reports whether cookies and cached auth may be attached
// to a request for the current target.
func (rc *RequestContext) SendsCredentials() bool {
	switch rc.credentialsMode {
	case domain.CredentialsOmit:
		return false
	case domain.CredentialsSameOrigin:
		if rc.mode == domain.ModeNavigate {
			return true
		}
		return rc.initiator.SameOrigin(rc.Origin())
	default:
		return true
	}
}

// RawHeaderAccess reports whether observers may see unfiltered headers.
func (rc *RequestContext) RawHeaderAccess() bool {
	return rc.trust == domain.Trusted && rc.privileged.RawHeaderAccess
}

// RetargetParams describes the request after a redirect. Every field is
// recomputed by the caller for the new target.
type RetargetParams struct {
	URL            *url.URL
	Method         string
	Header         http.Header
	Body           []byte
	IsolationKey   domain.IsolationKey
	SiteForCookies string
	FetchSite      string
	// TopFrameOrigin replaces the top frame for navigations. Zero keeps it.
	TopFrameOrigin domain.Origin
}

// Retarget returns a new sealed context for a redirect hop. Trust level,
// observers, security state and lease carry over; the target-derived fields
// come from p. An isolation override is dropped for the new target.
func (rc *RequestContext) Retarget(p RetargetParams) (*RequestContext, error) {
	if !rc.Sealed() {
		return nil, domain.NewError(domain.ErrTrustViolation, "retarget of an unsealed request context")
	}
	if p.URL == nil {
		return nil, domain.NewError(domain.ErrRedirectViolation, "redirect without target")
	}
	if !p.IsolationKey.Valid() || p.IsolationKey.ProfileID != rc.key.ProfileID || p.IsolationKey.Nonce != rc.key.Nonce {
		return nil, domain.NewError(domain.ErrInvariantViolation, "redirect changed the isolation profile")
	}

	next := *rc
	u := *p.URL
	next.url = &u
	next.method = p.Method
	next.header = p.Header.Clone()
	if next.header == nil {
		next.header = make(http.Header)
	}
	next.body = bytes.Clone(p.Body)
	next.key = p.IsolationKey
	next.siteForCookies = p.SiteForCookies
	next.fetchSite = p.FetchSite
	if p.TopFrameOrigin != (domain.Origin{}) {
		next.topFrameOrigin = p.TopFrameOrigin
	}
	next.privileged = rc.privileged
	next.privileged.IsolationOverride = nil
	next.privileged.SiteForCookies = ""
	next.redirects = rc.redirects + 1
	return &next, nil
}
