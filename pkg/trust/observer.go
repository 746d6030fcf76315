package trust

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/polisai/fetchgate/pkg/domain"
)

// ObserverKind enumerates the privileged observer capabilities.
type ObserverKind int

const (
	ObserverCookieAccess ObserverKind = iota + 1
	ObserverDevTools
	ObserverAuth
)

func (k ObserverKind) String() string {
	switch k {
	case ObserverCookieAccess:
		return "cookie_access"
	case ObserverDevTools:
		return "devtools"
	case ObserverAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Observer is a privileged collaborator attached to requests of one factory.
type Observer interface {
	Kind() ObserverKind
}

// CookieAccessEvent reports cookies read or written for a request.
type CookieAccessEvent struct {
	RequestID string
	Origin    domain.Origin
	Names     []string
	Write     bool
}

// CookieAccessObserver is told about every cookie read and write.
type CookieAccessObserver interface {
	Observer
	OnCookiesAccessed(ctx context.Context, ev CookieAccessEvent)
}

// DevToolsEvent is a lifecycle transition as seen by a debugging observer.
type DevToolsEvent struct {
	RequestID string
	State     domain.State
	URL       string
	Status    int
	// Header is the raw response header. Set only for contexts granted raw
	// header access.
	Header http.Header
	At     time.Time
}

// DevToolsObserver receives lifecycle transitions.
type DevToolsObserver interface {
	Observer
	OnRequestEvent(ctx context.Context, ev DevToolsEvent)
}

// AuthRequest asks the privileged host for credentials.
type AuthRequest struct {
	RequestID    string
	URL          string
	IsolationKey domain.IsolationKey
	Challenge    domain.AuthChallenge
}

// AuthResponse is the host's answer. Exactly one of Cancel and Credentials
// must be set.
type AuthResponse struct {
	Cancel      bool
	Credentials *domain.Credentials
}

// Validate rejects responses that are not exactly one decision.
func (r AuthResponse) Validate() error {
	switch {
	case r.Cancel && r.Credentials != nil:
		return fmt.Errorf("%w: auth response both cancels and supplies credentials", domain.ErrProtocolViolation)
	case !r.Cancel && r.Credentials == nil:
		return fmt.Errorf("%w: auth response carries no decision", domain.ErrProtocolViolation)
	case r.Credentials != nil && r.Credentials.Username == "":
		return fmt.Errorf("%w: auth response with empty username", domain.ErrProtocolViolation)
	}
	return nil
}

// CertificateRequest asks the privileged host for a client certificate.
type CertificateRequest struct {
	RequestID    string
	Host         string
	IsolationKey domain.IsolationKey
	// AcceptableCAs are the distinguished names sent by the server.
	AcceptableCAs [][]byte
}

// CertificateResponse is the host's answer. Exactly one of Certificate and
// NoCertificate must be set.
type CertificateResponse struct {
	Certificate   *tls.Certificate
	NoCertificate bool
}

// Validate rejects responses that are not exactly one decision.
func (r CertificateResponse) Validate() error {
	switch {
	case r.Certificate != nil && r.NoCertificate:
		return fmt.Errorf("%w: certificate response both declines and selects", domain.ErrProtocolViolation)
	case r.Certificate == nil && !r.NoCertificate:
		return fmt.Errorf("%w: certificate response carries no decision", domain.ErrProtocolViolation)
	case r.Certificate != nil && len(r.Certificate.Certificate) == 0:
		return fmt.Errorf("%w: certificate response without certificate chain", domain.ErrProtocolViolation)
	}
	return nil
}

// AuthObserver answers credential and certificate requests. Errors mean the
// observer is unreachable.
type AuthObserver interface {
	Observer
	OnAuthRequired(ctx context.Context, req AuthRequest) (AuthResponse, error)
	OnCertificateRequested(ctx context.Context, req CertificateRequest) (CertificateResponse, error)
}

// ObserverSet is the immutable set of observers of a factory. The zero value
// has none.
type ObserverSet struct {
	cookies  CookieAccessObserver
	devtools DevToolsObserver
	auth     AuthObserver
}

// NewObserverSet validates and groups observers. Each kind may appear once and
// must implement its capability interface.
func NewObserverSet(observers ...Observer) (ObserverSet, error) {
	var set ObserverSet
	seen := make(map[ObserverKind]bool, len(observers))
	for _, o := range observers {
		if o == nil {
			continue
		}
		kind := o.Kind()
		if seen[kind] {
			return ObserverSet{}, fmt.Errorf("duplicate %s observer", kind)
		}
		seen[kind] = true

		var ok bool
		switch kind {
		case ObserverCookieAccess:
			set.cookies, ok = o.(CookieAccessObserver)
		case ObserverDevTools:
			set.devtools, ok = o.(DevToolsObserver)
		case ObserverAuth:
			set.auth, ok = o.(AuthObserver)
		}
		if !ok {
			return ObserverSet{}, fmt.Errorf("observer of kind %s does not implement its capability", kind)
		}
	}
	return set, nil
}

// CookieAccess returns the cookie observer or nil.
func (s ObserverSet) CookieAccess() CookieAccessObserver { return s.cookies }

// DevTools returns the debugging observer or nil.
func (s ObserverSet) DevTools() DevToolsObserver { return s.devtools }

// Auth returns the auth observer or nil.
func (s ObserverSet) Auth() AuthObserver { return s.auth }
