// Package site computes registrable-domain sites and fetch-metadata relations
// between origins.
package site

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/polisai/fetchgate/pkg/domain"
)

// Of returns the site of an origin: scheme plus registrable domain
// (eTLD+1). IP literals and hosts without a registrable domain are their own
// site. Opaque origins have no site.
func Of(o domain.Origin) string {
	if o.Opaque() {
		return ""
	}
	return o.Scheme + "://" + registrable(o.Host)
}

func registrable(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// Same reports whether two origins share a site.
func Same(a, b domain.Origin) bool {
	if a.Opaque() || b.Opaque() {
		return false
	}
	return Of(a) == Of(b)
}

// Fetch-metadata values of Sec-Fetch-Site.
const (
	FetchSiteNone       = "none"
	FetchSiteSameOrigin = "same-origin"
	FetchSiteSameSite   = "same-site"
	FetchSiteCrossSite  = "cross-site"
)

// FetchSite returns the Sec-Fetch-Site value for a request from initiator to
// target. A missing initiator is a user-initiated navigation.
func FetchSite(initiator, target domain.Origin) string {
	switch {
	case initiator == (domain.Origin{}):
		return FetchSiteNone
	case initiator.SameOrigin(target):
		return FetchSiteSameOrigin
	case Same(initiator, target):
		return FetchSiteSameSite
	default:
		return FetchSiteCrossSite
	}
}

// Downgrade combines the relation of a redirect hop with the relation so far.
// The result is never more trusted than either input.
func Downgrade(previous, hop string) string {
	rank := map[string]int{
		FetchSiteSameOrigin: 0,
		FetchSiteSameSite:   1,
		FetchSiteCrossSite:  2,
		FetchSiteNone:       -1,
	}
	if previous == FetchSiteNone {
		return hop
	}
	if rank[hop] > rank[previous] {
		return hop
	}
	return previous
}
