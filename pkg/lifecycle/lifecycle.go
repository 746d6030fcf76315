// Package lifecycle drives one request from connect to completion. Every
// transition runs on a single goroutine that drains the request's mailbox;
// network reads and observer decisions run in helper goroutines that can only
// post events back and are dropped once the request has ended.
package lifecycle

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/auth"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/gate"
	"github.com/polisai/fetchgate/pkg/isolation"
	"github.com/polisai/fetchgate/pkg/redirect"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/trust"
)

const (
	// DefaultChunkSize is the largest body chunk delivered in one callback.
	DefaultChunkSize = 32 * 1024
	// MaxAuthAttempts bounds the credential retries of one request.
	MaxAuthAttempts = 3

	mailboxSize = 8
)

// Deps are the collaborators of a lifecycle. Registry, Gate, Redirects,
// Connector and Callbacks are required.
type Deps struct {
	Registry  *isolation.Registry
	Gate      *gate.Gate
	Redirects *redirect.Handler
	// Auth consults the request's auth observer. Without it, or without an
	// observer, challenges wait for SupplyCredentials.
	Auth      *auth.Delegate
	Connector Connector
	Callbacks domain.ClientCallbacks
	Timeouts  governance.StageTimeouts
	ChunkSize int
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	// OnFatal receives errors that must terminate the whole service.
	OnFatal func(error)
	// OnDone runs after the terminal callback.
	OnDone func(domain.Handle)
}

// Lifecycle is one request in flight.
type Lifecycle struct {
	handle  domain.Handle
	deps    Deps
	logger  *slog.Logger
	mailbox chan event
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	state   atomic.Value
	started sync.Once
	// inCallback is set while a client callback runs on the loop.
	inCallback atomic.Bool

	// Owned by the loop goroutine.
	rc            *trust.RequestContext
	silo          *isolation.Silo
	attempt       uint64
	attemptCancel context.CancelFunc
	conn          Connection
	head          domain.ResponseHead
	redirect      *domain.RedirectInfo
	challenge     *domain.AuthChallenge
	authCreds     *domain.Credentials
	authAttempts  int
	clientCert    *tls.Certificate
	certAsked     bool
	authTimer     *time.Timer
	bytes         int64
	began         time.Time
	span          trace.Span
}

// New binds a sealed request context to a lifecycle in state Created. The
// loop goroutine starts immediately; Start begins the network work.
func New(rc *trust.RequestContext, handle domain.Handle, deps Deps) (*Lifecycle, error) {
	if !rc.Sealed() {
		return nil, domain.NewError(domain.ErrTrustViolation, "request context not issued by a factory")
	}
	if deps.Registry == nil || deps.Gate == nil || deps.Connector == nil || deps.Callbacks == nil {
		return nil, domain.NewError(domain.ErrInvariantViolation, "lifecycle dependencies missing")
	}
	if deps.ChunkSize <= 0 {
		deps.ChunkSize = DefaultChunkSize
	}
	if deps.Redirects == nil {
		deps.Redirects = redirect.New(redirect.Config{Logger: deps.Logger})
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lifecycle{
		handle:  handle,
		deps:    deps,
		logger:  logger.With("component", "lifecycle", "request_id", rc.ID()),
		mailbox: make(chan event, mailboxSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		rc:      rc,
		began:   time.Now(),
	}
	l.state.Store(domain.StateCreated)
	deps.Metrics.LifecycleStarted()
	go l.run()
	return l, nil
}

// Handle identifies the request towards its client.
func (l *Lifecycle) Handle() domain.Handle { return l.handle }

// State is the current lifecycle state.
func (l *Lifecycle) State() domain.State { return l.state.Load().(domain.State) }

// Done is closed after the terminal callback has been delivered.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Start begins the first network attempt. Later calls do nothing.
func (l *Lifecycle) Start() {
	l.started.Do(func() { l.poster().post(startEvent{}) })
}

// Cancel ends the request unless it already reached a terminal state.
func (l *Lifecycle) Cancel() {
	l.poster().post(cancelEvent{})
}

// FollowRedirect accepts the pending redirect, optionally replacing the
// target by override, which must share the target's origin. A call outside
// RedirectPending fails the request with ErrBadSequence. Called from inside a
// client callback it is queued and returns nil; a failure then ends the
// request through OnComplete.
func (l *Lifecycle) FollowRedirect(override *url.URL) error {
	reply := make(chan error, 1)
	return l.request(followEvent{override: override, reply: reply}, reply)
}

// SupplyCredentials answers the pending auth challenge. A call outside
// AuthPending fails the request with ErrBadSequence.
func (l *Lifecycle) SupplyCredentials(creds domain.Credentials) error {
	reply := make(chan error, 1)
	return l.request(supplyEvent{creds: creds, reply: reply}, reply)
}

func (l *Lifecycle) request(ev event, reply chan error) error {
	if l.State().Terminal() {
		return domain.NewError(domain.ErrBadSequence, "request already finished")
	}
	if l.inCallback.Load() {
		p := l.poster()
		go p.post(ev)
		return nil
	}
	if !l.poster().post(ev) {
		return domain.NewError(domain.ErrBadSequence, "request already finished")
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		select {
		case err := <-reply:
			return err
		default:
			return domain.NewError(domain.ErrBadSequence, "request already finished")
		}
	}
}

// callback runs fn as a client callback. Calls back into the lifecycle from
// fn are queued rather than waiting on the loop that is running fn.
func (l *Lifecycle) callback(fn func()) {
	l.inCallback.Store(true)
	defer l.inCallback.Store(false)
	fn()
}

func (l *Lifecycle) poster() poster {
	return poster{mailbox: l.mailbox, done: l.done}
}

func (l *Lifecycle) run() {
	for {
		select {
		case ev := <-l.mailbox:
			l.dispatch(ev)
			if l.State().Terminal() {
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *Lifecycle) dispatch(ev event) {
	switch ev := ev.(type) {
	case startEvent:
		l.onStart()
	case cancelEvent:
		l.finish(domain.StateCancelled, nil)
	case connectedEvent:
		l.onConnected(ev)
	case sniffedEvent:
		l.onSniffed(ev)
	case chunkEvent:
		l.onChunk(ev)
	case followEvent:
		l.onFollow(ev.override, ev.reply)
	case supplyEvent:
		l.onSupply(ev.creds, ev.reply)
	case authDecisionEvent:
		l.onAuthDecision(ev)
	case certDecisionEvent:
		l.onCertDecision(ev)
	case authTimeoutEvent:
		if ev.attempt == l.attempt && l.State() == domain.StateAuthPending {
			l.finish(domain.StateFailed, domain.NewError(domain.ErrAuthFailed, "no auth decision in time"))
		}
	}
}

// transition moves to next. An illegal edge is an internal invariant
// violation.
func (l *Lifecycle) transition(next domain.State) bool {
	current := l.State()
	if !domain.CanTransition(current, next) {
		l.finish(domain.StateFailed, domain.NewError(domain.ErrInvariantViolation, "illegal transition %s -> %s", current, next))
		return false
	}
	l.state.Store(next)
	if l.head.Header != nil {
		l.notifyDevTools(next, l.head.StatusCode, &l.head)
	} else {
		l.notifyDevTools(next, 0, nil)
	}
	return true
}

// finish commits a terminal state exactly once.
func (l *Lifecycle) finish(state domain.State, err error) {
	current := l.State()
	if current.Terminal() {
		return
	}
	if state == domain.StateCompleted && !domain.CanTransition(current, state) {
		state = domain.StateFailed
		err = domain.NewError(domain.ErrInvariantViolation, "completion from %s", current)
	}
	l.state.Store(state)

	if l.conn != nil {
		if state == domain.StateCompleted {
			_ = l.conn.Close()
		} else {
			l.conn.Abort()
		}
		l.conn = nil
	}
	if l.attemptCancel != nil {
		l.attemptCancel()
	}
	l.stopAuthTimer()
	l.cancel()
	l.rc.Lease().Release()

	code := domain.CodeOK
	switch {
	case err != nil:
		code = domain.CodeOf(err)
	case state == domain.StateCancelled:
		code = domain.CodeCancelled
	}
	status := domain.CompletionStatus{
		State:          state,
		Code:           code,
		Err:            err,
		StatusCode:     l.head.StatusCode,
		BytesDelivered: l.bytes,
	}
	l.notifyDevTools(state, l.head.StatusCode, nil)
	l.callback(func() { l.deps.Callbacks.OnComplete(l.handle, status) })
	close(l.done)

	l.record(status)
	if err != nil && domain.IsFatal(err) && l.deps.OnFatal != nil {
		go l.deps.OnFatal(err)
	}
	if l.deps.OnDone != nil {
		l.deps.OnDone(l.handle)
	}
}

func (l *Lifecycle) record(status domain.CompletionStatus) {
	elapsed := time.Since(l.began)
	level := slog.LevelDebug
	if status.State == domain.StateFailed {
		level = slog.LevelInfo
	}
	l.logger.Log(context.Background(), level, "request finished",
		"state", string(status.State),
		"code", status.Code,
		"status", status.StatusCode,
		"bytes", status.BytesDelivered,
		"redirects", l.rc.Redirects(),
		"duration", elapsed,
	)
	telemetry.RecordLifecycleMetrics(context.Background(), telemetry.LifecycleMetrics{
		State:     string(status.State),
		Code:      status.Code,
		Mode:      string(l.rc.Mode()),
		Trust:     l.rc.TrustLevel().String(),
		Duration:  elapsed,
		Redirects: l.rc.Redirects(),
	})
	l.deps.Metrics.RecordRequest(string(status.State), status.Code, elapsed)
	l.deps.Metrics.LifecycleFinished()

	if l.span != nil {
		l.span.SetAttributes(
			attribute.String("request.state", string(status.State)),
			attribute.String("request.code", status.Code),
			attribute.Int64("response.bytes", status.BytesDelivered),
		)
		if status.State == domain.StateFailed {
			l.span.SetStatus(codes.Error, status.Code)
		}
		l.span.End()
	}
}

func (l *Lifecycle) notifyDevTools(state domain.State, status int, head *domain.ResponseHead) {
	obs := l.rc.Observers().DevTools()
	if obs == nil {
		return
	}
	ev := trust.DevToolsEvent{
		RequestID: l.rc.ID(),
		State:     state,
		URL:       l.rc.URL().String(),
		Status:    status,
		At:        time.Now(),
	}
	if head != nil && l.rc.RawHeaderAccess() {
		ev.Header = head.Header.Clone()
	}
	obs.OnRequestEvent(l.ctx, ev)
}
