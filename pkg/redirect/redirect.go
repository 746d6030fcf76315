// Package redirect validates client redirect decisions and derives the
// security context of the next hop. It never touches silos or quota; the
// retargeted request re-checks those through its own lifecycle.
package redirect

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/site"
	"github.com/polisai/fetchgate/pkg/trust"
)

// DefaultMaxRedirects bounds a redirect chain.
const DefaultMaxRedirects = 20

// Headers removed on every hop. They are re-derived from the silo for the new
// target.
var credentialHeaders = []string{
	"Authorization",
	"Cookie",
	"Cookie2",
	"Proxy-Authorization",
}

// Headers describing a request body, removed when the method is rewritten.
var bodyHeaders = []string{
	"Content-Encoding",
	"Content-Language",
	"Content-Length",
	"Content-Location",
	"Content-Type",
}

// Config configures a Handler.
type Config struct {
	MaxRedirects int
	Logger       *slog.Logger
}

// Handler validates redirects.
type Handler struct {
	maxRedirects int
	logger       *slog.Logger
}

// New creates a handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MaxRedirects
	if limit <= 0 {
		limit = DefaultMaxRedirects
	}
	return &Handler{maxRedirects: limit, logger: logger.With("component", "redirect")}
}

// MaxRedirects is the configured chain limit.
func (h *Handler) MaxRedirects() int { return h.maxRedirects }

// IsRedirect reports whether status is a redirect that carries a Location.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Resolve builds the redirect description for a 3xx response to rc.
func Resolve(rc *trust.RequestContext, status int, location string) (domain.RedirectInfo, error) {
	if location == "" {
		return domain.RedirectInfo{}, domain.NewError(domain.ErrRedirectViolation, "redirect without location")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return domain.RedirectInfo{}, domain.NewError(domain.ErrRedirectViolation, "malformed location")
	}
	target := rc.URL().ResolveReference(ref)
	target.Fragment = ""
	target.RawFragment = ""
	return domain.RedirectInfo{
		StatusCode: status,
		NewURL:     target,
		NewMethod:  rewriteMethod(rc.Method(), status),
	}, nil
}

func rewriteMethod(method string, status int) string {
	switch {
	case status == http.StatusSeeOther && method != http.MethodHead:
		return http.MethodGet
	case (status == http.StatusMovedPermanently || status == http.StatusFound) && method == http.MethodPost:
		return http.MethodGet
	default:
		return method
	}
}

// ValidateAndReset checks the client's decision on a redirect and returns
// the context of the next hop. override, when set, must have exactly the
// redirect target's origin. The returned context is a new value; rc is left
// untouched.
func (h *Handler) ValidateAndReset(ctx context.Context, rc *trust.RequestContext, info domain.RedirectInfo, override *url.URL) (*trust.RequestContext, error) {
	if rc.Redirects() >= h.maxRedirects {
		return nil, domain.NewError(domain.ErrRedirectViolation, "more than %d redirects", h.maxRedirects)
	}
	if info.NewURL == nil {
		return nil, domain.NewError(domain.ErrRedirectViolation, "redirect without target")
	}
	target := *info.NewURL
	targetOrigin := domain.OriginOf(&target)
	if targetOrigin.Opaque() {
		return nil, domain.NewError(domain.ErrRedirectViolation, "redirect to non-http(s) url")
	}

	if override != nil {
		overrideOrigin := domain.OriginOf(override)
		if !overrideOrigin.SameOrigin(targetOrigin) {
			logging.SecurityEvent(ctx, h.logger, "redirect override rejected",
				"request_id", rc.ID(),
				"target_origin", targetOrigin.String(),
				"override_origin", overrideOrigin.String(),
			)
			return nil, domain.NewError(domain.ErrRedirectViolation, "override origin %s differs from redirect origin %s",
				overrideOrigin, targetOrigin).WithDetail("request_id", rc.ID())
		}
		target = *override
		target.Fragment = ""
		target.RawFragment = ""
	}

	method := info.NewMethod
	if method == "" {
		method = rc.Method()
	}
	previous := rc.Origin()

	header := rc.Header()
	crossOrigin := !previous.SameOrigin(targetOrigin)
	if crossOrigin {
		header = make(http.Header)
	}
	for _, name := range credentialHeaders {
		header.Del(name)
	}
	body := rc.Body()
	if !strings.EqualFold(method, rc.Method()) {
		body = nil
		for _, name := range bodyHeaders {
			header.Del(name)
		}
	}

	key := rc.IsolationKey()
	siteForCookies := ""
	var topFrame domain.Origin
	if rc.Mode() == domain.ModeNavigate {
		key = key.WithTopFrameSite(site.Of(targetOrigin))
		siteForCookies = site.Of(targetOrigin)
		topFrame = targetOrigin
	} else if top := rc.TopFrameOrigin(); !top.Opaque() {
		siteForCookies = site.Of(top)
	}
	fetchSite := site.Downgrade(rc.FetchSite(), site.FetchSite(rc.Initiator(), targetOrigin))

	next, err := rc.Retarget(trust.RetargetParams{
		URL:            &target,
		Method:         method,
		Header:         header,
		Body:           body,
		IsolationKey:   key,
		SiteForCookies: siteForCookies,
		FetchSite:      fetchSite,
		TopFrameOrigin: topFrame,
	})
	if err != nil {
		return nil, err
	}
	h.logger.DebugContext(ctx, "redirect accepted",
		"request_id", rc.ID(),
		"hop", next.Redirects(),
		"cross_origin", crossOrigin,
		"fetch_site", fetchSite,
	)
	return next, nil
}
