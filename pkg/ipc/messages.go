package ipc

import (
	"net/http"

	"github.com/polisai/fetchgate/pkg/domain"
)

// Client message types.
const (
	TypeSubmit            = "submit"
	TypeFollowRedirect    = "follow_redirect"
	TypeSupplyCredentials = "supply_credentials"
	TypeCancel            = "cancel"
)

// Server message types.
const (
	TypeSubmitted       = "submitted"
	TypeAck             = "ack"
	TypeRejected        = "rejected"
	TypeRedirect        = "redirect"
	TypeResponseStarted = "response_started"
	TypeBodyChunk       = "body_chunk"
	TypeAuthRequired    = "auth_required"
	TypeComplete        = "complete"
)

// ClientMessage is one frame sent by a client. ID correlates the server's
// submitted, ack or rejected reply.
type ClientMessage struct {
	Type        string                    `json:"type"`
	ID          string                    `json:"id,omitempty"`
	Handle      domain.Handle             `json:"handle,omitempty"`
	Request     *domain.RequestDescriptor `json:"request,omitempty"`
	URL         string                    `json:"url,omitempty"`
	Credentials *domain.Credentials       `json:"credentials,omitempty"`
}

// ServerMessage is one frame sent to a client.
type ServerMessage struct {
	Type      string                `json:"type"`
	ID        string                `json:"id,omitempty"`
	Handle    domain.Handle         `json:"handle,omitempty"`
	Head      *Head                 `json:"head,omitempty"`
	Redirect  *Redirect             `json:"redirect,omitempty"`
	Chunk     []byte                `json:"chunk,omitempty"`
	Challenge *domain.AuthChallenge `json:"challenge,omitempty"`
	Status    *Status               `json:"status,omitempty"`
	Error     *Error                `json:"error,omitempty"`
}

// Head is the visible part of a response head.
type Head struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Sanitized  bool        `json:"sanitized,omitempty"`
}

// Redirect is a pending redirect awaiting follow_redirect or cancel.
type Redirect struct {
	StatusCode int    `json:"status_code"`
	URL        string `json:"url"`
	Method     string `json:"method"`
}

// Status is the terminal outcome of a request.
type Status struct {
	State          domain.State `json:"state"`
	Code           string       `json:"code"`
	Message        string       `json:"message,omitempty"`
	StatusCode     int          `json:"status_code,omitempty"`
	BytesDelivered int64        `json:"bytes_delivered"`
}

// Error explains a rejected client message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func headOf(h domain.ResponseHead) *Head {
	return &Head{StatusCode: h.StatusCode, Header: h.Header, Sanitized: h.Sanitized}
}

func statusOf(s domain.CompletionStatus) *Status {
	out := &Status{
		State:          s.State,
		Code:           s.Code,
		StatusCode:     s.StatusCode,
		BytesDelivered: s.BytesDelivered,
	}
	if s.Err != nil {
		out.Message = s.Err.Error()
	}
	return out
}

func errorOf(err error) *Error {
	return &Error{Code: domain.CodeOf(err), Message: err.Error()}
}
