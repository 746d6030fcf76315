package domain

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// TrustLevel is the privilege level of a calling client. The zero value is
// Untrusted so that an unset level fails closed.
type TrustLevel int

const (
	// Untrusted clients (renderers, remote IPC peers) may not set privileged fields.
	Untrusted TrustLevel = iota
	// Trusted clients are the privileged host itself.
	Trusted
)

func (t TrustLevel) String() string {
	if t == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// ParseTrustLevel parses "trusted"/"untrusted". Anything else is untrusted.
func ParseTrustLevel(s string) TrustLevel {
	if strings.EqualFold(strings.TrimSpace(s), "trusted") {
		return Trusted
	}
	return Untrusted
}

// IsolationKey identifies a profile partition. Two requests with different keys
// never observe each other's credential, cache or auth state.
type IsolationKey struct {
	ProfileID    string `json:"profile_id" yaml:"profile_id"`
	Nonce        string `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	TopFrameSite string `json:"top_frame_site,omitempty" yaml:"top_frame_site,omitempty"`
}

// Valid reports whether the key names a profile.
func (k IsolationKey) Valid() bool {
	return strings.TrimSpace(k.ProfileID) != ""
}

// String is the stable partition encoding used to key silos and storage rows.
func (k IsolationKey) String() string {
	var b strings.Builder
	b.WriteString(strconv.Quote(k.ProfileID))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(k.Nonce))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(k.TopFrameSite))
	return b.String()
}

// WithTopFrameSite derives a key for a new top-level site.
func (k IsolationKey) WithTopFrameSite(site string) IsolationKey {
	return IsolationKey{ProfileID: k.ProfileID, Nonce: k.Nonce, TopFrameSite: site}
}

// Origin is the scheme/host/port tuple used for same-origin decisions.
type Origin struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// OriginOf extracts the origin of an absolute URL. Non-http(s) URLs yield an
// opaque (zero) origin.
func OriginOf(u *url.URL) Origin {
	if u == nil {
		return Origin{}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{}
	}
	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Origin{}
		}
		port = n
	} else if scheme == "https" {
		port = 443
	} else {
		port = 80
	}
	return Origin{Scheme: scheme, Host: host, Port: port}
}

// ParseOrigin parses a serialized origin such as "https://a.example:8443".
func ParseOrigin(s string) (Origin, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Origin{}, err
	}
	o := OriginOf(u)
	if o.Opaque() {
		return Origin{}, NewError(ErrInvalidRequest, "origin %q is not a tuple origin", s)
	}
	return o, nil
}

// Opaque reports whether the origin carries no tuple.
func (o Origin) Opaque() bool {
	return o.Scheme == "" || o.Host == ""
}

// SameOrigin is exact equality of scheme, host and port. Opaque origins are
// never same-origin with anything, including themselves.
func (o Origin) SameOrigin(other Origin) bool {
	if o.Opaque() || other.Opaque() {
		return false
	}
	return o == other
}

func (o Origin) String() string {
	if o.Opaque() {
		return "null"
	}
	if (o.Scheme == "https" && o.Port == 443) || (o.Scheme == "http" && o.Port == 80) {
		return o.Scheme + "://" + hostForURL(o.Host)
	}
	return o.Scheme + "://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func hostForURL(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// AddressSpace classifies network endpoints for private-network-access checks.
// Lower values are more private.
type AddressSpace int

const (
	AddressSpaceUnknown AddressSpace = iota
	AddressSpaceLocal
	AddressSpacePrivate
	AddressSpacePublic
)

func (s AddressSpace) String() string {
	switch s {
	case AddressSpaceLocal:
		return "local"
	case AddressSpacePrivate:
		return "private"
	case AddressSpacePublic:
		return "public"
	default:
		return "unknown"
	}
}

// ClientSecurityState is the security posture of the requesting client.
type ClientSecurityState struct {
	// IPAddressSpace of the requesting document. Unknown is treated as public.
	IPAddressSpace AddressSpace `json:"ip_address_space"`
	// PrivateNetworkGrant is an explicit permission to reach more private spaces.
	PrivateNetworkGrant bool `json:"private_network_grant"`
	// IsSecureContext mirrors the requesting document's secure-context bit.
	IsSecureContext bool `json:"is_secure_context"`
	// TrustedFieldsPresent is set when the state was minted by the privileged
	// host. Only trusted callers may present such a state.
	TrustedFieldsPresent bool `json:"trusted_fields_present"`
}

// RequestMode mirrors the fetch request mode.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// CredentialsMode mirrors the fetch credentials mode.
type CredentialsMode string

const (
	CredentialsOmit       CredentialsMode = "omit"
	CredentialsSameOrigin CredentialsMode = "same-origin"
	CredentialsInclude    CredentialsMode = "include"
)

// PrivilegedFields are request options only the privileged host may set.
type PrivilegedFields struct {
	IsolationOverride   *IsolationKey        `json:"isolation_override,omitempty"`
	RawHeaderAccess     bool                 `json:"raw_header_access,omitempty"`
	DisableSecureDNS    bool                 `json:"disable_secure_dns,omitempty"`
	SiteForCookies      string               `json:"site_for_cookies,omitempty"`
	BypassCacheSilo     bool                 `json:"bypass_cache_silo,omitempty"`
	ClientSecurityState *ClientSecurityState `json:"client_security_state,omitempty"`
}

// Empty reports whether no privileged option is set.
func (p PrivilegedFields) Empty() bool {
	return p.IsolationOverride == nil &&
		!p.RawHeaderAccess &&
		!p.DisableSecureDNS &&
		p.SiteForCookies == "" &&
		!p.BypassCacheSilo &&
		p.ClientSecurityState == nil
}

// RequestDescriptor is what a client submits.
type RequestDescriptor struct {
	URL             string          `json:"url"`
	Method          string          `json:"method,omitempty"`
	Headers         http.Header     `json:"headers,omitempty"`
	Body            []byte          `json:"body,omitempty"`
	Mode            RequestMode     `json:"mode,omitempty"`
	CredentialsMode CredentialsMode `json:"credentials_mode,omitempty"`
	// Initiator is the serialized origin of the requesting document.
	Initiator string `json:"initiator,omitempty"`
	// TopFrameOrigin is the serialized origin of the top-level document.
	TopFrameOrigin string `json:"top_frame_origin,omitempty"`
	// KeepAlive requests outlive their page and are quota accounted.
	KeepAlive bool `json:"keep_alive,omitempty"`
	// DeclaredSize is the body size accounted against keep-alive ceilings.
	// Zero accounts len(Body); a body larger than a non-zero declared size is
	// rejected.
	DeclaredSize int64 `json:"declared_size,omitempty"`
	// FrameScope names the top-level browsing context for quota accounting.
	FrameScope string `json:"frame_scope,omitempty"`
	// Privileged is nil for ordinary requests.
	Privileged *PrivilegedFields `json:"privileged,omitempty"`
}

// HasPrivilegedFields reports whether any privileged option is set.
func (d RequestDescriptor) HasPrivilegedFields() bool {
	return d.Privileged != nil && !d.Privileged.Empty()
}

// Credentials are supplied in response to an auth challenge.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthChallenge describes a 401/407 response.
type AuthChallenge struct {
	IsProxy   bool     `json:"is_proxy"`
	Origin    Origin   `json:"origin"`
	Scheme    string   `json:"scheme"`
	Realm     string   `json:"realm"`
	Challenge []string `json:"challenge"`
}
