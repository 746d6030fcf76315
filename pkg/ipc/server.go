// Package ipc exposes the network service to out-of-process clients over
// WebSocket. Every connection is one client: it gets its own factory, whose
// trust level and isolation key come from the listener configuration.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/network"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/trust"
)

const (
	// DefaultReadLimit bounds one client frame.
	DefaultReadLimit = 1 << 20
	// DefaultSendQueue is the number of outbound frames buffered per client.
	DefaultSendQueue = 64

	writeTimeout = 10 * time.Second
)

var errMalformed = errors.New("malformed client message")

// Config configures a Server.
type Config struct {
	// Trust is the level of every client of this listener.
	Trust domain.TrustLevel
	// Profile is the isolation profile of the listener's clients.
	Profile string
	// AllowKeyOverride lets trusted clients pick profile and nonce with the
	// query parameters of the same name.
	AllowKeyOverride bool
	TopFrameOrigin   string
	FrameScope       string
	InitiatorLock    string
	RateLimit        governance.RateLimit
	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string
	ReadLimit      int64
	SendQueue      int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Server is an http.Handler that upgrades to WebSocket.
type Server struct {
	svc    *network.Service
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a listener handler bound to svc.
func NewServer(svc *network.Service, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("ipc: service is required")
	}
	if cfg.Profile == "" {
		return nil, fmt.Errorf("ipc: profile is required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With("component", "ipc", "trust", cfg.Trust.String()),
	}, nil
}

func (s *Server) isolationKey(r *http.Request) domain.IsolationKey {
	key := domain.IsolationKey{ProfileID: s.cfg.Profile}
	if s.cfg.AllowKeyOverride && s.cfg.Trust == domain.Trusted {
		q := r.URL.Query()
		if p := q.Get("profile"); p != "" {
			key.ProfileID = p
		}
		key.Nonce = q.Get("nonce")
	}
	return key
}

// ServeHTTP runs one client connection until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	factory, err := s.svc.NewFactory(trust.FactoryParams{
		IsolationKey:   s.isolationKey(r),
		FrameScope:     s.cfg.FrameScope,
		TopFrameOrigin: s.cfg.TopFrameOrigin,
		InitiatorLock:  s.cfg.InitiatorLock,
		RateLimit:      s.cfg.RateLimit,
	}, s.cfg.Trust)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrServiceTerminated) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer s.svc.ReleaseFactory(factory)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	s.cfg.Metrics.IPCConnectionOpened()
	defer s.cfg.Metrics.IPCConnectionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{
		srv:     s,
		conn:    conn,
		factory: factory,
		out:     make(chan ServerMessage, s.cfg.SendQueue),
		handles: make(map[domain.Handle]struct{}),
		ctx:     ctx,
		logger:  s.logger.With("client", factory.ID()),
	}
	sess.logger.Info("client connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.writeLoop()
		cancel()
	}()

	code, reason := sess.readLoop()
	cancel()
	wg.Wait()
	sess.cancelAll()
	_ = conn.Close(code, reason)
	sess.logger.Info("client disconnected", "status", code.String(), "reason", reason)
}

// session is one connected client. Callbacks from lifecycles enqueue
// frames; writeLoop is the only writer of the connection.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	factory *trust.Factory
	out     chan ServerMessage
	ctx     context.Context
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[domain.Handle]struct{}
	// order makes the submitted frame precede every event of its handle.
	order sync.Mutex
}

var _ domain.ClientCallbacks = (*session)(nil)

func (c *session) readLoop() (websocket.StatusCode, string) {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return websocket.StatusNormalClosure, ""
			}
			if c.ctx.Err() != nil {
				return c.shutdownStatus()
			}
			c.logger.Debug("client read failed", "error", err)
			return websocket.StatusGoingAway, ""
		}
		if typ != websocket.MessageText {
			return c.malformed(fmt.Errorf("%w: binary frame", errMalformed))
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return c.malformed(fmt.Errorf("%w: %v", errMalformed, err))
		}
		if err := c.handle(msg); err != nil {
			if errors.Is(err, errMalformed) {
				return c.malformed(err)
			}
			c.send(ServerMessage{Type: TypeRejected, ID: msg.ID, Handle: msg.Handle, Error: errorOf(err)})
		}
	}
}

func (c *session) shutdownStatus() (websocket.StatusCode, string) {
	select {
	case <-c.srv.svc.Terminated():
		return websocket.StatusInternalError, "request processing terminated"
	default:
		return websocket.StatusGoingAway, "shutting down"
	}
}

func (c *session) malformed(err error) (websocket.StatusCode, string) {
	c.logger.Warn("closing client after malformed message", "error", err)
	return websocket.StatusUnsupportedData, "malformed message"
}

func (c *session) handle(msg ClientMessage) error {
	switch msg.Type {
	case TypeSubmit:
		if msg.Request == nil {
			return fmt.Errorf("%w: submit without request", errMalformed)
		}
		c.order.Lock()
		defer c.order.Unlock()
		h, err := c.srv.svc.Submit(c.ctx, c.factory, *msg.Request, c)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.handles[h] = struct{}{}
		c.mu.Unlock()
		c.send(ServerMessage{Type: TypeSubmitted, ID: msg.ID, Handle: h})
		return nil
	case TypeFollowRedirect:
		if err := c.owns(msg.Handle); err != nil {
			return err
		}
		var override *url.URL
		if msg.URL != "" {
			u, err := url.Parse(msg.URL)
			if err != nil {
				return domain.NewError(domain.ErrInvalidRequest, "redirect override: %v", err)
			}
			override = u
		}
		if err := c.srv.svc.FollowRedirect(msg.Handle, override); err != nil {
			return err
		}
	case TypeSupplyCredentials:
		if msg.Credentials == nil {
			return fmt.Errorf("%w: supply_credentials without credentials", errMalformed)
		}
		if err := c.owns(msg.Handle); err != nil {
			return err
		}
		if err := c.srv.svc.SupplyCredentials(msg.Handle, *msg.Credentials); err != nil {
			return err
		}
	case TypeCancel:
		if err := c.owns(msg.Handle); err != nil {
			return err
		}
		if err := c.srv.svc.Cancel(msg.Handle); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errMalformed, msg.Type)
	}
	c.send(ServerMessage{Type: TypeAck, ID: msg.ID, Handle: msg.Handle})
	return nil
}

// owns rejects handles of other clients the same way as unknown ones.
func (c *session) owns(h domain.Handle) error {
	c.mu.Lock()
	_, ok := c.handles[h]
	c.mu.Unlock()
	if !ok {
		return domain.NewError(domain.ErrBadSequence, "unknown request handle")
	}
	return nil
}

func (c *session) cancelAll() {
	c.mu.Lock()
	handles := make([]domain.Handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		_ = c.srv.svc.Cancel(h)
	}
}

// send blocks until the frame is queued or the session ends, so a slow
// client slows its own requests down.
func (c *session) send(msg ServerMessage) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

// emit queues a lifecycle event.
func (c *session) emit(msg ServerMessage) {
	c.order.Lock()
	defer c.order.Unlock()
	c.send(msg)
}

func (c *session) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(ctx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("client write failed", "error", err)
				return
			}
		case <-c.srv.svc.Terminated():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *session) OnRedirect(h domain.Handle, info domain.RedirectInfo, head domain.ResponseHead) {
	c.emit(ServerMessage{
		Type:   TypeRedirect,
		Handle: h,
		Head:   headOf(head),
		Redirect: &Redirect{
			StatusCode: info.StatusCode,
			URL:        info.NewURL.String(),
			Method:     info.NewMethod,
		},
	})
}

func (c *session) OnResponseStarted(h domain.Handle, head domain.ResponseHead) {
	c.emit(ServerMessage{Type: TypeResponseStarted, Handle: h, Head: headOf(head)})
}

func (c *session) OnBodyChunk(h domain.Handle, chunk []byte) {
	c.emit(ServerMessage{Type: TypeBodyChunk, Handle: h, Chunk: append([]byte(nil), chunk...)})
}

func (c *session) OnAuthRequired(h domain.Handle, challenge domain.AuthChallenge) {
	c.emit(ServerMessage{Type: TypeAuthRequired, Handle: h, Challenge: &challenge})
}

func (c *session) OnComplete(h domain.Handle, status domain.CompletionStatus) {
	c.order.Lock()
	defer c.order.Unlock()
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
	c.send(ServerMessage{Type: TypeComplete, Handle: h, Status: statusOf(status)})
}
