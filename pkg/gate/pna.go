package gate

import (
	"net/netip"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/trust"
)

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ClassifyAddress maps a remote address onto its address space. Loopback and
// unspecified addresses are local; RFC 1918, unique-local, link-local and
// carrier-grade NAT addresses are private. An invalid address is unknown.
func ClassifyAddress(addr netip.Addr) domain.AddressSpace {
	if !addr.IsValid() {
		return domain.AddressSpaceUnknown
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsUnspecified():
		return domain.AddressSpaceLocal
	case addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		sharedAddressSpace.Contains(addr):
		return domain.AddressSpacePrivate
	default:
		return domain.AddressSpacePublic
	}
}

// checkPNA blocks a response whose remote endpoint is more private than the
// requester, unless the requester holds a private-network grant.
func checkPNA(rc *trust.RequestContext, remote netip.Addr) (bool, string) {
	target := ClassifyAddress(remote)
	if target == domain.AddressSpaceUnknown {
		return false, ""
	}
	state := rc.SecurityState()
	requester := state.IPAddressSpace
	if requester == domain.AddressSpaceUnknown {
		requester = domain.AddressSpacePublic
	}
	if target >= requester || state.PrivateNetworkGrant {
		return false, ""
	}
	return true, requester.String() + " requester reached " + target.String() + " address " + remote.String()
}
