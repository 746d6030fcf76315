package lifecycle

import (
	"net/url"

	"github.com/polisai/fetchgate/pkg/auth"
	"github.com/polisai/fetchgate/pkg/domain"
)

// event is processed by the lifecycle loop.
type event interface{}

type startEvent struct{}

type cancelEvent struct{}

type connectedEvent struct {
	attempt uint64
	conn    Connection
	err     error
}

type sniffedEvent struct {
	attempt uint64
	data    []byte
	eof     bool
	err     error
}

type chunkEvent struct {
	attempt uint64
	data    []byte
	eof     bool
	err     error
}

type followEvent struct {
	override *url.URL
	reply    chan error
}

type supplyEvent struct {
	creds domain.Credentials
	reply chan error
}

type authDecisionEvent struct {
	attempt  uint64
	decision auth.Decision
}

type certDecisionEvent struct {
	attempt  uint64
	decision auth.CertDecision
}

type authTimeoutEvent struct {
	attempt uint64
}

// poster is the only handle helper goroutines hold on a lifecycle. Once the
// lifecycle has finished, post reports false and the event is dropped.
type poster struct {
	mailbox chan<- event
	done    <-chan struct{}
}

func (p poster) post(ev event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.mailbox <- ev:
		return true
	case <-p.done:
		return false
	}
}
