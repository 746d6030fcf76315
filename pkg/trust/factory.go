// Package trust is the trust boundary of the request pipeline. A Factory is
// bound to one client at a fixed trust level; it validates every submitted
// request descriptor and is the only constructor of RequestContext values.
package trust

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/site"
	"github.com/polisai/fetchgate/pkg/telemetry"
)

// FactoryParams are fixed by the privileged host when it creates a factory.
type FactoryParams struct {
	// ID names the factory in logs and rate limiting. Generated when empty.
	ID           string
	IsolationKey domain.IsolationKey
	// SecurityState is attached to every request of the factory.
	SecurityState domain.ClientSecurityState
	Observers     ObserverSet
	// FrameScope is the quota scope of untrusted keep-alive requests.
	FrameScope string
	// TopFrameOrigin is the top-level document origin for untrusted callers.
	TopFrameOrigin string
	// InitiatorLock is the only initiator an untrusted caller may claim.
	// Defaults to TopFrameOrigin. An untrusted factory with neither issues
	// requests from an opaque initiator.
	InitiatorLock string
	RateLimit     governance.RateLimit
}

// Deps are the shared collaborators of every factory.
type Deps struct {
	Quota       *governance.QuotaTracker
	RateLimiter *governance.RateLimiter
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Factory accepts request descriptors from one client.
type Factory struct {
	id             string
	trust          domain.TrustLevel
	key            domain.IsolationKey
	security       domain.ClientSecurityState
	observers      ObserverSet
	frameScope     string
	topFrameOrigin domain.Origin
	initiatorLock  *domain.Origin

	quota   *governance.QuotaTracker
	limiter *governance.RateLimiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewFactory creates a factory at a fixed trust level. The trust level cannot
// change afterwards.
func NewFactory(params FactoryParams, level domain.TrustLevel, deps Deps) (*Factory, error) {
	if !params.IsolationKey.Valid() {
		return nil, domain.NewError(domain.ErrInvalidRequest, "factory isolation key without profile")
	}
	if params.SecurityState.TrustedFieldsPresent && level != domain.Trusted {
		return nil, domain.NewError(domain.ErrTrustViolation, "trusted security state for an untrusted factory")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	f := &Factory{
		id:         id,
		trust:      level,
		key:        params.IsolationKey,
		security:   params.SecurityState,
		observers:  params.Observers,
		frameScope: params.FrameScope,
		quota:      deps.Quota,
		limiter:    deps.RateLimiter,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "trust", "factory", id, "trust_level", level.String()),
	}
	if f.frameScope == "" {
		f.frameScope = id
	}
	if params.TopFrameOrigin != "" {
		o, err := domain.ParseOrigin(params.TopFrameOrigin)
		if err != nil {
			return nil, err
		}
		f.topFrameOrigin = o
	}
	if params.InitiatorLock != "" {
		o, err := domain.ParseOrigin(params.InitiatorLock)
		if err != nil {
			return nil, err
		}
		f.initiatorLock = &o
	} else if level != domain.Trusted && !f.topFrameOrigin.Opaque() {
		o := f.topFrameOrigin
		f.initiatorLock = &o
	}
	if f.limiter != nil {
		f.limiter.Register(id, params.RateLimit)
	}
	return f, nil
}

// ID names the factory.
func (f *Factory) ID() string { return f.id }

// TrustLevel is the fixed trust level of the factory.
func (f *Factory) TrustLevel() domain.TrustLevel { return f.trust }

// IsolationKey is the default isolation key of the factory's requests.
func (f *Factory) IsolationKey() domain.IsolationKey { return f.key }

// Close releases the factory's rate-limit bucket.
func (f *Factory) Close() {
	if f.limiter != nil {
		f.limiter.Forget(f.id)
	}
}

// Accept validates desc and builds its RequestContext. Nothing is created or
// leased when it returns an error.
func (f *Factory) Accept(ctx context.Context, desc domain.RequestDescriptor) (*RequestContext, error) {
	trusted := f.trust == domain.Trusted

	if desc.HasPrivilegedFields() && !trusted {
		return nil, f.violation(ctx, "privileged fields from untrusted client", "fields", privilegedFieldNames(desc.Privileged))
	}

	security := f.security
	if trusted && desc.Privileged != nil && desc.Privileged.ClientSecurityState != nil {
		security = *desc.Privileged.ClientSecurityState
	}
	if security.TrustedFieldsPresent && !trusted {
		return nil, f.violation(ctx, "trusted security state from untrusted client")
	}

	target, err := url.Parse(desc.URL)
	if err != nil {
		return nil, domain.NewError(domain.ErrInvalidRequest, "malformed url")
	}
	scheme := strings.ToLower(target.Scheme)
	if !target.IsAbs() || (scheme != "http" && scheme != "https") || target.Host == "" {
		return nil, domain.NewError(domain.ErrInvalidRequest, "url must be absolute http(s)")
	}
	target.Fragment = ""
	target.RawFragment = ""

	method := desc.Method
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return nil, domain.NewError(domain.ErrInvalidRequest, "method %q not allowed", method)
	}
	method = strings.ToUpper(method)
	if len(desc.Body) > 0 && (method == http.MethodGet || method == http.MethodHead) {
		return nil, domain.NewError(domain.ErrInvalidRequest, "%s request with a body", method)
	}

	mode := desc.Mode
	if mode == "" {
		mode = domain.ModeNoCORS
	}
	switch mode {
	case domain.ModeNavigate, domain.ModeSameOrigin, domain.ModeNoCORS, domain.ModeCORS:
	default:
		return nil, domain.NewError(domain.ErrInvalidRequest, "unknown request mode %q", mode)
	}
	credentialsMode := desc.CredentialsMode
	if credentialsMode == "" {
		credentialsMode = domain.CredentialsSameOrigin
	}
	switch credentialsMode {
	case domain.CredentialsOmit, domain.CredentialsSameOrigin, domain.CredentialsInclude:
	default:
		return nil, domain.NewError(domain.ErrInvalidRequest, "unknown credentials mode %q", credentialsMode)
	}

	initiator, err := f.initiator(ctx, desc, mode)
	if err != nil {
		return nil, err
	}

	topFrame := f.topFrameOrigin
	if trusted && desc.TopFrameOrigin != "" {
		topFrame, err = domain.ParseOrigin(desc.TopFrameOrigin)
		if err != nil {
			return nil, err
		}
	}

	header, dropped := sanitizeRequestHeaders(desc.Headers, trusted)
	if len(dropped) > 0 {
		f.logger.DebugContext(ctx, "dropped forbidden request headers", "headers", dropped)
	}

	key := f.key
	var privileged domain.PrivilegedFields
	if trusted && desc.Privileged != nil {
		privileged = *desc.Privileged
		if privileged.IsolationOverride != nil {
			if !privileged.IsolationOverride.Valid() {
				return nil, domain.NewError(domain.ErrInvalidRequest, "isolation override without profile")
			}
			key = *privileged.IsolationOverride
		}
	}
	// Every mode partitions by the top-level site: navigations by their
	// target, subresources by the top-frame origin. A trusted override keeps
	// its own partition for subresources.
	targetOrigin := domain.OriginOf(target)
	switch {
	case mode == domain.ModeNavigate:
		key = key.WithTopFrameSite(site.Of(targetOrigin))
		topFrame = targetOrigin
	case privileged.IsolationOverride != nil:
	case !topFrame.Opaque():
		key = key.WithTopFrameSite(site.Of(topFrame))
	}

	siteForCookies := site.Of(topFrame)
	if mode == domain.ModeNavigate {
		siteForCookies = site.Of(targetOrigin)
	}
	if trusted && privileged.SiteForCookies != "" {
		siteForCookies = privileged.SiteForCookies
	}

	if f.limiter != nil {
		if err := f.limiter.Allow(f.id); err != nil {
			f.logger.WarnContext(ctx, "request rate exceeded")
			return nil, err
		}
	}

	scope := f.frameScope
	if trusted && desc.FrameScope != "" {
		scope = desc.FrameScope
	}
	var lease *governance.Lease
	if desc.KeepAlive {
		if f.quota == nil {
			return nil, domain.NewError(domain.ErrResourceExhausted, "keep-alive requests are not accepted")
		}
		size := desc.DeclaredSize
		if size == 0 {
			size = int64(len(desc.Body))
		}
		if int64(len(desc.Body)) > size {
			return nil, domain.NewError(domain.ErrInvalidRequest, "body of %d bytes exceeds declared size %d", len(desc.Body), size)
		}
		lease, err = f.quota.TryLease(scope, size)
		if err != nil {
			f.metrics.RecordQuotaDenied()
			return nil, err
		}
		f.metrics.SetActiveLeases(f.quota.ActiveLeases())
	}

	if !trusted {
		privileged = domain.PrivilegedFields{}
	}
	rc := &RequestContext{
		id:              uuid.NewString(),
		factoryID:       f.id,
		sealed:          true,
		trust:           f.trust,
		key:             key,
		security:        security,
		observers:       f.observers,
		privileged:      privileged,
		lease:           lease,
		url:             target,
		method:          method,
		header:          header,
		body:            bytes.Clone(desc.Body),
		mode:            mode,
		credentialsMode: credentialsMode,
		initiator:       initiator,
		topFrameOrigin:  topFrame,
		siteForCookies:  siteForCookies,
		fetchSite:       fetchSite(trusted, mode, initiator, targetOrigin),
		keepAlive:       desc.KeepAlive,
		frameScope:      scope,
	}
	f.logger.DebugContext(ctx, "request accepted",
		"request_id", rc.id,
		"mode", string(mode),
		"keep_alive", desc.KeepAlive,
	)
	return rc, nil
}

// initiator resolves the requesting origin. Untrusted callers cannot vouch
// for an origin: a declared initiator must match the lock, an omitted one
// takes the lock, and without a lock the initiator is opaque. Untrusted
// navigations may omit it.
func (f *Factory) initiator(ctx context.Context, desc domain.RequestDescriptor, mode domain.RequestMode) (domain.Origin, error) {
	var declared domain.Origin
	if desc.Initiator != "" {
		o, err := domain.ParseOrigin(desc.Initiator)
		if err != nil {
			return domain.Origin{}, err
		}
		declared = o
	}
	if f.trust == domain.Trusted {
		return declared, nil
	}
	if f.initiatorLock == nil {
		if desc.Initiator != "" {
			f.logger.DebugContext(ctx, "declared initiator ignored without a lock", "initiator", declared.String())
		}
		return domain.Origin{}, nil
	}
	if desc.Initiator == "" {
		if mode == domain.ModeNavigate {
			return domain.Origin{}, nil
		}
		return *f.initiatorLock, nil
	}
	if !declared.SameOrigin(*f.initiatorLock) {
		return domain.Origin{}, f.violation(ctx, "initiator outside the factory lock", "initiator", declared.String())
	}
	return declared, nil
}

// fetchSite is the initial Sec-Fetch-Site relation. Only trusted callers and
// untrusted navigations without an initiator are browser-initiated.
func fetchSite(trusted bool, mode domain.RequestMode, initiator, target domain.Origin) string {
	if initiator.Opaque() && !trusted && mode != domain.ModeNavigate {
		return site.FetchSiteCrossSite
	}
	return site.FetchSite(initiator, target)
}

func (f *Factory) violation(ctx context.Context, reason string, args ...any) error {
	logging.SecurityEvent(ctx, f.logger, "trust violation", append([]any{"reason", reason}, args...)...)
	f.metrics.RecordTrustViolation()
	return domain.NewError(domain.ErrTrustViolation, "%s", reason).WithDetail("factory", f.id)
}

func privilegedFieldNames(p *domain.PrivilegedFields) []string {
	if p == nil {
		return nil
	}
	var names []string
	if p.IsolationOverride != nil {
		names = append(names, "isolation_override")
	}
	if p.RawHeaderAccess {
		names = append(names, "raw_header_access")
	}
	if p.DisableSecureDNS {
		names = append(names, "disable_secure_dns")
	}
	if p.SiteForCookies != "" {
		names = append(names, "site_for_cookies")
	}
	if p.BypassCacheSilo {
		names = append(names, "bypass_cache_silo")
	}
	if p.ClientSecurityState != nil {
		names = append(names, "client_security_state")
	}
	return names
}
