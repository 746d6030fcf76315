package domain

import (
	"net/http"
	"net/url"
)

// State is the RequestLifecycle state.
type State string

const (
	StateCreated         State = "created"
	StateAwaitingConnect State = "awaiting_connect"
	StateHeadersPending  State = "headers_pending"
	StateRedirectPending State = "redirect_pending"
	StateAuthPending     State = "auth_pending"
	StateStreamingBody   State = "streaming_body"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions lists the non-universal edges. Failed and Cancelled are reachable
// from every non-terminal state (transport error, client disconnect).
var transitions = map[State][]State{
	StateCreated:         {StateAwaitingConnect},
	StateAwaitingConnect: {StateHeadersPending, StateAuthPending},
	StateHeadersPending:  {StateRedirectPending, StateAuthPending, StateStreamingBody},
	StateRedirectPending: {StateAwaitingConnect},
	StateAuthPending:     {StateAwaitingConnect},
	StateStreamingBody:   {StateCompleted},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResponseHead is the status line and headers of a response.
type ResponseHead struct {
	StatusCode int
	Header     http.Header
	// Sanitized is set when the head was stripped by the response gate.
	Sanitized bool
}

// RedirectInfo describes a 3xx response the client must decide on.
type RedirectInfo struct {
	StatusCode int
	NewURL     *url.URL
	NewMethod  string
}

// CompletionStatus is delivered exactly once per request through OnComplete.
type CompletionStatus struct {
	State          State
	Code           string
	Err            error
	StatusCode     int
	BytesDelivered int64
}

// Handle identifies a submitted request towards its client.
type Handle string

// ClientCallbacks is the outbound surface towards the requesting client. All
// calls for one handle are made sequentially from that request's lifecycle.
type ClientCallbacks interface {
	OnRedirect(h Handle, info RedirectInfo, head ResponseHead)
	OnResponseStarted(h Handle, head ResponseHead)
	OnBodyChunk(h Handle, chunk []byte)
	OnAuthRequired(h Handle, challenge AuthChallenge)
	OnComplete(h Handle, status CompletionStatus)
}
