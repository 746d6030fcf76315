// Package network is the process-scoped root of the request pipeline. A
// Service owns the shared resources (isolation registry, quota tracker,
// response gate, auth delegate, connector) and hands them explicitly to every
// factory and lifecycle it creates. Nothing is reachable through globals.
package network

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/auth"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/gate"
	"github.com/polisai/fetchgate/pkg/isolation"
	"github.com/polisai/fetchgate/pkg/lifecycle"
	"github.com/polisai/fetchgate/pkg/redirect"
	"github.com/polisai/fetchgate/pkg/storage"
	"github.com/polisai/fetchgate/pkg/telemetry"
	"github.com/polisai/fetchgate/pkg/transport"
	"github.com/polisai/fetchgate/pkg/trust"
)

// Params are fixed at Init.
type Params struct {
	// Storage backs the silos. Defaults to an in-memory backend.
	Storage storage.Backend
	// Connector opens network attempts. Defaults to an HTTPConnector built
	// from Transport.
	Connector lifecycle.Connector
	Transport transport.Config

	Policy       Policy
	Rules        *gate.Rules
	MaxRedirects int
	Breaker      governance.CircuitBreakerConfig
	ChunkSize    int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Policy is the part of the configuration that can change while requests
// are in flight.
type Policy struct {
	Gate     gate.Policy
	Quota    governance.QuotaLimits
	Timeouts governance.StageTimeouts
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Gate:     gate.DefaultPolicy(),
		Quota:    governance.DefaultQuotaLimits(),
		Timeouts: governance.DefaultStageTimeouts(),
	}
}

// Validate checks every part of the policy.
func (p Policy) Validate() error {
	if err := p.Gate.Validate(); err != nil {
		return err
	}
	if err := p.Quota.Validate(); err != nil {
		return err
	}
	return p.Timeouts.Validate()
}

type entry struct {
	lc  *lifecycle.Lifecycle
	key domain.IsolationKey
}

// Service is safe for concurrent use.
type Service struct {
	registry  *isolation.Registry
	quota     *governance.QuotaTracker
	limiter   *governance.RateLimiter
	gate      *gate.Gate
	redirects *redirect.Handler
	auth      *auth.Delegate
	connector lifecycle.Connector
	chunkSize int
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	timeouts atomic.Pointer[governance.StageTimeouts]

	mu       sync.Mutex
	requests map[domain.Handle]entry
	revoked  map[string]struct{}

	closed     atomic.Bool
	terminated chan struct{}
	termOnce   sync.Once
	termErr    error
}

// Init builds the service. It is the only way to obtain the shared
// resources of the pipeline.
func Init(p Params) (*Service, error) {
	if p.Policy == (Policy{}) {
		p.Policy = DefaultPolicy()
	}
	if err := p.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := p.Breaker
	if breaker.MaxFailures <= 0 {
		breaker = governance.DefaultCircuitBreakerConfig()
	}

	g, err := gate.New(gate.Config{
		Policy:  p.Policy.Gate,
		Rules:   p.Rules,
		Metrics: p.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	connector := p.Connector
	if connector == nil {
		cfg := p.Transport
		cfg.Logger = logger
		hc, err := transport.NewHTTPConnector(cfg)
		if err != nil {
			return nil, err
		}
		connector = hc
	}

	quota := governance.NewQuotaTracker(p.Policy.Quota, logger.With("component", "quota"))
	quota.OnDenied = func(string) { p.Metrics.RecordQuotaDenied() }

	s := &Service{
		registry:   isolation.NewRegistry(isolation.Config{Backend: p.Storage, Logger: logger}),
		quota:      quota,
		limiter:    governance.NewRateLimiter(),
		gate:       g,
		redirects:  redirect.New(redirect.Config{MaxRedirects: p.MaxRedirects, Logger: logger}),
		connector:  connector,
		chunkSize:  p.ChunkSize,
		metrics:    p.Metrics,
		logger:     logger.With("component", "network"),
		requests:   make(map[domain.Handle]entry),
		revoked:    make(map[string]struct{}),
		terminated: make(chan struct{}),
	}
	s.auth = auth.New(auth.Config{
		Breakers: governance.NewCircuitBreakerManager(breaker),
		Timeout:  p.Policy.Timeouts.AuthDecision,
		Logger:   logger,
	})
	timeouts := p.Policy.Timeouts
	s.timeouts.Store(&timeouts)
	s.logger.Info("network service initialized",
		"pna_mode", string(p.Policy.Gate.PNA),
		"orb_mode", string(p.Policy.Gate.ORB),
		"max_redirects", s.redirects.MaxRedirects(),
	)
	return s, nil
}

func (s *Service) usable() error {
	select {
	case <-s.terminated:
		return domain.NewError(domain.ErrServiceTerminated, "request processing terminated")
	default:
	}
	if s.closed.Load() {
		return domain.NewError(domain.ErrServiceTerminated, "service shut down")
	}
	return nil
}

// NewFactory creates a factory for one client at a fixed trust level. Only
// the privileged host calls it.
func (s *Service) NewFactory(params trust.FactoryParams, level domain.TrustLevel) (*trust.Factory, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return trust.NewFactory(params, level, trust.Deps{
		Quota:       s.quota,
		RateLimiter: s.limiter,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})
}

// ReleaseFactory forgets the rate-limit state of a factory that will not
// submit again.
func (s *Service) ReleaseFactory(f *trust.Factory) {
	s.limiter.Forget(f.ID())
}

// Submit validates desc through f and starts its lifecycle. Events are
// reported to callbacks; the returned handle names the request in later
// calls.
func (s *Service) Submit(ctx context.Context, f *trust.Factory, desc domain.RequestDescriptor, callbacks domain.ClientCallbacks) (domain.Handle, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	if f == nil || callbacks == nil {
		return "", domain.NewError(domain.ErrInvalidRequest, "submit without factory or callbacks")
	}
	rc, err := f.Accept(ctx, desc)
	if err != nil {
		return "", err
	}
	key := rc.IsolationKey()
	handle := domain.Handle(rc.ID())

	s.mu.Lock()
	if key.Nonce != "" {
		if _, ok := s.revoked[key.Nonce]; ok {
			s.mu.Unlock()
			rc.Lease().Release()
			return "", domain.NewError(domain.ErrBlocked, "network access revoked").WithDetail("check", "nonce")
		}
	}
	timeouts := *s.timeouts.Load()
	lc, err := lifecycle.New(rc, handle, lifecycle.Deps{
		Registry:  s.registry,
		Gate:      s.gate,
		Redirects: s.redirects,
		Auth:      s.auth,
		Connector: s.connector,
		Callbacks: callbacks,
		Timeouts:  timeouts,
		ChunkSize: s.chunkSize,
		Metrics:   s.metrics,
		Logger:    s.logger,
		OnFatal:   s.fail,
		OnDone:    s.forget,
	})
	if err != nil {
		s.mu.Unlock()
		rc.Lease().Release()
		return "", err
	}
	s.requests[handle] = entry{lc: lc, key: key}
	s.mu.Unlock()

	s.metrics.SetActiveLeases(s.quota.ActiveLeases())
	lc.Start()
	return handle, nil
}

func (s *Service) lookup(h domain.Handle) (*lifecycle.Lifecycle, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, ok := s.requests[h]
	s.mu.Unlock()
	if !ok {
		return nil, domain.NewError(domain.ErrBadSequence, "unknown or finished request").WithDetail("handle", string(h))
	}
	return e.lc, nil
}

// FollowRedirect forwards the client's decision on a pending redirect.
func (s *Service) FollowRedirect(h domain.Handle, override *url.URL) error {
	lc, err := s.lookup(h)
	if err != nil {
		return err
	}
	return lc.FollowRedirect(override)
}

// SupplyCredentials answers a pending auth challenge.
func (s *Service) SupplyCredentials(h domain.Handle, creds domain.Credentials) error {
	lc, err := s.lookup(h)
	if err != nil {
		return err
	}
	return lc.SupplyCredentials(creds)
}

// Cancel ends a request. Cancelling a finished request is not an error.
func (s *Service) Cancel(h domain.Handle) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.requests[h]
	s.mu.Unlock()
	if ok {
		e.lc.Cancel()
	}
	return nil
}

// State reports the state of an in-flight request.
func (s *Service) State(h domain.Handle) (domain.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[h]
	if !ok {
		return "", false
	}
	return e.lc.State(), true
}

// Active is the number of in-flight requests.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// ClearData removes stored state of one isolation key.
func (s *Service) ClearData(ctx context.Context, key domain.IsolationKey, filter isolation.ClearFilter) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	return s.registry.Clear(ctx, key, filter)
}

// ClearProfile removes stored state from every partition of a profile.
func (s *Service) ClearProfile(ctx context.Context, profileID string, filter isolation.ClearFilter) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	return s.registry.ClearProfile(ctx, profileID, filter)
}

// Silos lists the isolation keys that hold state.
func (s *Service) Silos() []domain.IsolationKey {
	return s.registry.Keys()
}

// Snapshot counts the stored entries of one isolation key.
func (s *Service) Snapshot(ctx context.Context, key domain.IsolationKey) (isolation.Snapshot, bool, error) {
	silo, ok := s.registry.Lookup(key)
	if !ok {
		return isolation.Snapshot{}, false, nil
	}
	snap, err := silo.Snapshot(ctx)
	return snap, err == nil, err
}

// RevokeNonce cancels every in-flight request whose isolation key carries
// nonce and refuses later submissions for it. It returns the number of
// requests cancelled.
func (s *Service) RevokeNonce(nonce string) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	if nonce == "" {
		return 0, domain.NewError(domain.ErrInvalidRequest, "empty nonce")
	}
	s.mu.Lock()
	s.revoked[nonce] = struct{}{}
	var victims []*lifecycle.Lifecycle
	for _, e := range s.requests {
		if e.key.Nonce == nonce {
			victims = append(victims, e.lc)
		}
	}
	s.mu.Unlock()

	for _, lc := range victims {
		lc.Cancel()
	}
	s.logger.Info("network access revoked", "cancelled", len(victims))
	return len(victims), nil
}

// ApplyPolicy swaps the hot-reloadable policy. Requests already in flight
// keep their stage timeouts.
func (s *Service) ApplyPolicy(p Policy) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.gate.SetPolicy(p.Gate); err != nil {
		return err
	}
	s.quota.Configure(p.Quota)
	timeouts := p.Timeouts
	s.timeouts.Store(&timeouts)
	s.logger.Info("policy applied",
		"pna_mode", string(p.Gate.PNA),
		"orb_mode", string(p.Gate.ORB),
		"max_leases_global", p.Quota.MaxLeasesGlobal,
	)
	return nil
}

// SetRules replaces the operator rules of the response gate. Nil removes
// them.
func (s *Service) SetRules(r *gate.Rules) {
	s.gate.SetRules(r)
}

// Policy returns the gate policy in force.
func (s *Service) Policy() gate.Policy {
	return s.gate.Policy()
}

// Terminated is closed once a fatal error stopped request processing.
func (s *Service) Terminated() <-chan struct{} { return s.terminated }

// Err is the fatal error that terminated the service, if any.
func (s *Service) Err() error {
	select {
	case <-s.terminated:
		return s.termErr
	default:
		return nil
	}
}

// fail stops all request processing after a fatal error. Every in-flight
// request is cancelled and later calls fail with ErrServiceTerminated.
func (s *Service) fail(err error) {
	s.termOnce.Do(func() {
		s.termErr = err
		s.logger.Error("request processing terminated", "error", err, "code", domain.CodeOf(err))
		close(s.terminated)
		s.cancelAll()
	})
}

func (s *Service) cancelAll() []*lifecycle.Lifecycle {
	s.mu.Lock()
	all := make([]*lifecycle.Lifecycle, 0, len(s.requests))
	for _, e := range s.requests {
		all = append(all, e.lc)
	}
	s.mu.Unlock()
	for _, lc := range all {
		lc.Cancel()
	}
	return all
}

func (s *Service) forget(h domain.Handle) {
	s.mu.Lock()
	delete(s.requests, h)
	s.mu.Unlock()
	s.metrics.SetActiveLeases(s.quota.ActiveLeases())
}

// Shutdown cancels every request, waits for their terminal callbacks until
// ctx expires, and releases the shared resources.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, lc := range s.cancelAll() {
		select {
		case <-lc.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.quota.Close()
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if hc, ok := s.connector.(interface{ CloseIdleConnections() }); ok {
		hc.CloseIdleConnections()
	}
	s.logger.Info("network service shut down")
	return errors.Join(errs...)
}
