package gate

import (
	"net/http"
	"strings"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/site"
	"github.com/polisai/fetchgate/pkg/trust"
)

// HeaderCORP is the Cross-Origin-Resource-Policy response header.
const HeaderCORP = "Cross-Origin-Resource-Policy"

// CORP policy values.
const (
	CORPSameOrigin  = "same-origin"
	CORPSameSite    = "same-site"
	CORPCrossOrigin = "cross-origin"
)

func corpValue(h http.Header) string {
	return strings.TrimSpace(h.Get(HeaderCORP))
}

// checkCORP enforces the resource's declared embedding policy against the
// request initiator. Navigations and browser-initiated requests are exempt.
// An untrusted request without an initiator is opaque and matches neither
// same-origin nor same-site. Unparseable values impose no restriction.
func checkCORP(head domain.ResponseHead, rc *trust.RequestContext) (bool, string) {
	if rc.Mode() == domain.ModeNavigate {
		return false, ""
	}
	initiator := rc.Initiator()
	if initiator.Opaque() && rc.TrustLevel() == domain.Trusted {
		return false, ""
	}
	target := rc.Origin()

	switch policy := corpValue(head.Header); policy {
	case CORPSameOrigin:
		if !initiator.SameOrigin(target) {
			return true, "same-origin resource requested by " + initiator.String()
		}
	case CORPSameSite:
		// Sites are schemeful, so an http resource is never same-site with an
		// https initiator.
		if !site.Same(initiator, target) {
			return true, "same-site resource requested by " + initiator.String()
		}
	}
	return false, ""
}
