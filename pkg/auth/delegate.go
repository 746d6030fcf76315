// Package auth forwards credential and client-certificate challenges to the
// privileged observer of a request. It never answers a challenge itself.
package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/logging"
	"github.com/polisai/fetchgate/pkg/trust"
)

// Decision is the outcome of a credential request. Err is set when no
// decision could be obtained; a cancellation by the observer sets Cancelled.
type Decision struct {
	Credentials *domain.Credentials
	Cancelled   bool
	Err         error
}

// CertDecision is the outcome of a certificate request. A nil Certificate
// with a nil Err means continue without a client certificate.
type CertDecision struct {
	Certificate *tls.Certificate
	Err         error
}

// Config configures a Delegate.
type Config struct {
	// Breakers guard each factory's observer. Optional.
	Breakers *governance.CircuitBreakerManager
	// Timeout bounds one observer decision. Zero waits until the request ends.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Delegate routes challenges to observers.
type Delegate struct {
	breakers *governance.CircuitBreakerManager
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a delegate.
func New(cfg Config) *Delegate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegate{
		breakers: cfg.Breakers,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "auth"),
	}
}

// RequestCredentials asks rc's auth observer for credentials. The returned
// channel receives exactly one Decision and is buffered, so an answer that
// arrives after the request ended is dropped without blocking.
func (d *Delegate) RequestCredentials(ctx context.Context, challenge domain.AuthChallenge, rc *trust.RequestContext) <-chan Decision {
	out := make(chan Decision, 1)
	observer := rc.Observers().Auth()
	if observer == nil {
		out <- Decision{Err: domain.NewError(domain.ErrAuthFailed, "no auth observer")}
		return out
	}
	req := trust.AuthRequest{
		RequestID:    rc.ID(),
		URL:          rc.URL().String(),
		IsolationKey: rc.IsolationKey(),
		Challenge:    challenge,
	}

	go func() {
		var resp trust.AuthResponse
		err := d.call(ctx, rc, func(callCtx context.Context) error {
			var err error
			resp, err = observer.OnAuthRequired(callCtx, req)
			return err
		})
		if err != nil {
			out <- Decision{Err: err}
			return
		}
		if err := resp.Validate(); err != nil {
			logging.SecurityEvent(ctx, d.logger, "malformed auth response", "request_id", rc.ID(), "error", err.Error())
			out <- Decision{Err: err}
			return
		}
		if resp.Cancel {
			out <- Decision{Cancelled: true}
			return
		}
		creds := *resp.Credentials
		out <- Decision{Credentials: &creds}
	}()
	return out
}

// RequestCertificate asks rc's auth observer for a client certificate.
func (d *Delegate) RequestCertificate(ctx context.Context, req trust.CertificateRequest, rc *trust.RequestContext) <-chan CertDecision {
	out := make(chan CertDecision, 1)
	observer := rc.Observers().Auth()
	if observer == nil {
		out <- CertDecision{Err: domain.NewError(domain.ErrAuthFailed, "no auth observer")}
		return out
	}
	req.RequestID = rc.ID()
	req.IsolationKey = rc.IsolationKey()

	go func() {
		var resp trust.CertificateResponse
		err := d.call(ctx, rc, func(callCtx context.Context) error {
			var err error
			resp, err = observer.OnCertificateRequested(callCtx, req)
			return err
		})
		if err != nil {
			out <- CertDecision{Err: err}
			return
		}
		if err := resp.Validate(); err != nil {
			logging.SecurityEvent(ctx, d.logger, "malformed certificate response", "request_id", rc.ID(), "error", err.Error())
			out <- CertDecision{Err: err}
			return
		}
		out <- CertDecision{Certificate: resp.Certificate}
	}()
	return out
}

// call runs fn under the stage timeout and the factory's breaker and maps
// every failure onto the auth error taxonomy. An observer that ignores its
// context is abandoned when the timeout fires.
func (d *Delegate) call(ctx context.Context, rc *trust.RequestContext, fn func(context.Context) error) error {
	callCtx, cancel := governance.WithStage(ctx, d.timeout)
	defer cancel()

	bounded := func(c context.Context) error {
		done := make(chan error, 1)
		go func() { done <- fn(c) }()
		select {
		case err := <-done:
			return err
		case <-c.Done():
			return c.Err()
		}
	}

	var err error
	if d.breakers != nil {
		err = d.breakers.Get(rc.FactoryID()).ExecuteContext(callCtx, bounded, countable(ctx))
	} else {
		err = bounded(callCtx)
	}
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, governance.ErrCircuitOpen):
		d.logger.WarnContext(ctx, "auth observer circuit open", "request_id", rc.ID(), "factory", rc.FactoryID())
		return domain.NewError(domain.ErrAuthFailed, "auth observer unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		d.logger.WarnContext(ctx, "auth observer timed out", "request_id", rc.ID(), "timeout", d.timeout)
		return domain.NewError(domain.ErrAuthFailed, "auth observer timed out")
	default:
		d.logger.WarnContext(ctx, "auth observer failed", "request_id", rc.ID(), "error", err.Error())
		return domain.NewError(domain.ErrAuthFailed, "auth observer unreachable")
	}
}

// countable excludes failures caused by the request itself going away.
func countable(parent context.Context) func(error) bool {
	return func(err error) bool {
		return parent.Err() == nil && !errors.Is(err, context.Canceled)
	}
}
