package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/fetchgate/internal/governance"
	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/trust"
)

type stubObserver struct {
	calls    atomic.Int32
	authFn   func(ctx context.Context, req trust.AuthRequest) (trust.AuthResponse, error)
	certFn   func(ctx context.Context, req trust.CertificateRequest) (trust.CertificateResponse, error)
	lastAuth atomic.Pointer[trust.AuthRequest]
}

func (s *stubObserver) Kind() trust.ObserverKind { return trust.ObserverAuth }

func (s *stubObserver) OnAuthRequired(ctx context.Context, req trust.AuthRequest) (trust.AuthResponse, error) {
	s.calls.Add(1)
	s.lastAuth.Store(&req)
	return s.authFn(ctx, req)
}

func (s *stubObserver) OnCertificateRequested(ctx context.Context, req trust.CertificateRequest) (trust.CertificateResponse, error) {
	s.calls.Add(1)
	return s.certFn(ctx, req)
}

func requestWith(t *testing.T, observers ...trust.Observer) *trust.RequestContext {
	t.Helper()
	set, err := trust.NewObserverSet(observers...)
	require.NoError(t, err)
	f, err := trust.NewFactory(trust.FactoryParams{
		ID:           "factory-1",
		IsolationKey: domain.IsolationKey{ProfileID: "p"},
		Observers:    set,
	}, domain.Untrusted, trust.Deps{})
	require.NoError(t, err)
	rc, err := f.Accept(context.Background(), domain.RequestDescriptor{URL: "https://a.example/private"})
	require.NoError(t, err)
	return rc
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no decision delivered")
	}
	var zero T
	return zero
}

var challenge = domain.AuthChallenge{Scheme: "basic", Realm: "intranet"}

func TestCredentialsForwarded(t *testing.T) {
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		return trust.AuthResponse{Credentials: &domain.Credentials{Username: "u", Password: "p"}}, nil
	}}
	rc := requestWith(t, obs)

	d := wait(t, New(Config{}).RequestCredentials(context.Background(), challenge, rc))
	require.NoError(t, d.Err)
	require.NotNil(t, d.Credentials)
	assert.Equal(t, "u", d.Credentials.Username)

	req := obs.lastAuth.Load()
	require.NotNil(t, req)
	assert.Equal(t, rc.ID(), req.RequestID)
	assert.Equal(t, "intranet", req.Challenge.Realm)
	assert.Equal(t, rc.IsolationKey(), req.IsolationKey)
}

func TestCancelledByObserver(t *testing.T) {
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		return trust.AuthResponse{Cancel: true}, nil
	}}
	d := wait(t, New(Config{}).RequestCredentials(context.Background(), challenge, requestWith(t, obs)))
	require.NoError(t, d.Err)
	assert.True(t, d.Cancelled)
	assert.Nil(t, d.Credentials)
}

func TestMissingObserverFails(t *testing.T) {
	d := wait(t, New(Config{}).RequestCredentials(context.Background(), challenge, requestWith(t)))
	assert.ErrorIs(t, d.Err, domain.ErrAuthFailed)

	c := wait(t, New(Config{}).RequestCertificate(context.Background(), trust.CertificateRequest{}, requestWith(t)))
	assert.ErrorIs(t, c.Err, domain.ErrAuthFailed)
}

func TestUnreachableObserverFails(t *testing.T) {
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		return trust.AuthResponse{}, errors.New("connection reset")
	}}
	d := wait(t, New(Config{}).RequestCredentials(context.Background(), challenge, requestWith(t, obs)))
	assert.ErrorIs(t, d.Err, domain.ErrAuthFailed)
	assert.False(t, domain.IsFatal(d.Err))
}

func TestMalformedResponseIsFatal(t *testing.T) {
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		return trust.AuthResponse{Cancel: true, Credentials: &domain.Credentials{Username: "u"}}, nil
	}}
	d := wait(t, New(Config{}).RequestCredentials(context.Background(), challenge, requestWith(t, obs)))
	assert.ErrorIs(t, d.Err, domain.ErrProtocolViolation)
	assert.True(t, domain.IsFatal(d.Err))
}

func TestObserverTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		<-release
		return trust.AuthResponse{Cancel: true}, nil
	}}
	d := wait(t, New(Config{Timeout: 20 * time.Millisecond}).RequestCredentials(context.Background(), challenge, requestWith(t, obs)))
	assert.ErrorIs(t, d.Err, domain.ErrAuthFailed)
}

func TestRequestCancellationIsNotAnAuthFailure(t *testing.T) {
	obs := &stubObserver{authFn: func(ctx context.Context, _ trust.AuthRequest) (trust.AuthResponse, error) {
		<-ctx.Done()
		return trust.AuthResponse{}, ctx.Err()
	}}
	breakers := governance.NewCircuitBreakerManager(governance.CircuitBreakerConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	ch := New(Config{Breakers: breakers}).RequestCredentials(ctx, challenge, requestWith(t, obs))
	cancel()

	d := wait(t, ch)
	assert.ErrorIs(t, d.Err, context.Canceled)
	assert.Equal(t, governance.StateClosed, breakers.Get("factory-1").State())
}

func TestBreakerStopsCallingDeadObserver(t *testing.T) {
	obs := &stubObserver{authFn: func(context.Context, trust.AuthRequest) (trust.AuthResponse, error) {
		return trust.AuthResponse{}, errors.New("observer gone")
	}}
	delegate := New(Config{Breakers: governance.NewCircuitBreakerManager(governance.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     time.Hour,
	})})
	rc := requestWith(t, obs)

	for i := 0; i < 2; i++ {
		d := wait(t, delegate.RequestCredentials(context.Background(), challenge, rc))
		require.ErrorIs(t, d.Err, domain.ErrAuthFailed)
	}
	d := wait(t, delegate.RequestCredentials(context.Background(), challenge, rc))
	require.ErrorIs(t, d.Err, domain.ErrAuthFailed)
	assert.Equal(t, int32(2), obs.calls.Load(), "open circuit must not reach the observer")
}

func TestCertificateDecisions(t *testing.T) {
	cert := &tls.Certificate{Certificate: [][]byte{{0x30}}}
	var resp trust.CertificateResponse
	obs := &stubObserver{certFn: func(_ context.Context, req trust.CertificateRequest) (trust.CertificateResponse, error) {
		if req.Host != "a.example:443" {
			return trust.CertificateResponse{}, errors.New("wrong host")
		}
		return resp, nil
	}}
	rc := requestWith(t, obs)
	d := New(Config{})
	req := trust.CertificateRequest{Host: "a.example:443"}

	resp = trust.CertificateResponse{Certificate: cert}
	c := wait(t, d.RequestCertificate(context.Background(), req, rc))
	require.NoError(t, c.Err)
	assert.Same(t, cert, c.Certificate)

	resp = trust.CertificateResponse{NoCertificate: true}
	c = wait(t, d.RequestCertificate(context.Background(), req, rc))
	require.NoError(t, c.Err)
	assert.Nil(t, c.Certificate)

	resp = trust.CertificateResponse{}
	c = wait(t, d.RequestCertificate(context.Background(), req, rc))
	assert.ErrorIs(t, c.Err, domain.ErrProtocolViolation)
}
