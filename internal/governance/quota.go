package governance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/polisai/fetchgate/pkg/domain"
)

// Default keep-alive ceilings.
const (
	DefaultMaxLeasesPerScope = 256
	DefaultMaxBytesPerScope  = 512 * 1024
	DefaultMaxLeasesGlobal   = 2048
)

// QuotaLimits bounds outstanding leases. Zero disables a ceiling.
type QuotaLimits struct {
	// MaxLeasesPerScope caps concurrent leases of one top-level frame scope.
	MaxLeasesPerScope int `yaml:"max_leases_per_scope"`
	// MaxBytesPerScope caps the summed declared size of one scope's leases.
	MaxBytesPerScope int64 `yaml:"max_bytes_per_scope"`
	// MaxLeasesGlobal caps concurrent leases across every scope.
	MaxLeasesGlobal int `yaml:"max_leases_global"`
}

// DefaultQuotaLimits returns the built-in keep-alive ceilings.
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		MaxLeasesPerScope: DefaultMaxLeasesPerScope,
		MaxBytesPerScope:  DefaultMaxBytesPerScope,
		MaxLeasesGlobal:   DefaultMaxLeasesGlobal,
	}
}

// Validate rejects negative ceilings.
func (l QuotaLimits) Validate() error {
	if l.MaxLeasesPerScope < 0 || l.MaxBytesPerScope < 0 || l.MaxLeasesGlobal < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	return nil
}

// QuotaTracker accounts keep-alive leases per top-level frame scope.
type QuotaTracker struct {
	mu     sync.RWMutex
	scopes map[string]*scopeUsage
	limits atomic.Pointer[QuotaLimits]
	global atomic.Int64
	closed atomic.Bool
	logger *slog.Logger

	// OnDenied is invoked after a lease is refused. Optional.
	OnDenied func(scope string)
}

type scopeUsage struct {
	mu    sync.Mutex
	count int
	bytes int64
}

// QuotaStats is the usage of one scope.
type QuotaStats struct {
	Scope  string `json:"scope"`
	Leases int    `json:"leases"`
	Bytes  int64  `json:"bytes"`
}

// NewQuotaTracker creates a tracker with the given ceilings.
func NewQuotaTracker(limits QuotaLimits, logger *slog.Logger) *QuotaTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &QuotaTracker{
		scopes: make(map[string]*scopeUsage),
		logger: logger,
	}
	t.limits.Store(&limits)
	return t
}

// Configure replaces the ceilings. Outstanding leases are kept; only new
// leases are checked against the new values.
func (t *QuotaTracker) Configure(limits QuotaLimits) {
	t.limits.Store(&limits)
}

// Limits returns the current ceilings.
func (t *QuotaTracker) Limits() QuotaLimits {
	return *t.limits.Load()
}

func (t *QuotaTracker) usage(scope string) *scopeUsage {
	t.mu.RLock()
	u, ok := t.scopes[scope]
	t.mu.RUnlock()
	if ok {
		return u
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.scopes[scope]; ok {
		return u
	}
	u = &scopeUsage{}
	t.scopes[scope] = u
	return u
}

// TryLease reserves one lease of declaredSize bytes in scope. It never blocks
// on other scopes. Denial returns domain.ErrResourceExhausted.
func (t *QuotaTracker) TryLease(scope string, declaredSize int64) (*Lease, error) {
	if t.closed.Load() {
		return nil, domain.ErrServiceTerminated
	}
	if declaredSize < 0 {
		return nil, domain.NewError(domain.ErrInvalidRequest, "negative declared size %d", declaredSize)
	}
	limits := t.Limits()
	u := t.usage(scope)

	u.mu.Lock()
	defer u.mu.Unlock()

	if limits.MaxLeasesPerScope > 0 && u.count+1 > limits.MaxLeasesPerScope {
		return nil, t.deny(scope, "per-scope lease count exceeded", u.count, u.bytes, declaredSize)
	}
	if limits.MaxBytesPerScope > 0 && u.bytes+declaredSize > limits.MaxBytesPerScope {
		return nil, t.deny(scope, "per-scope byte ceiling exceeded", u.count, u.bytes, declaredSize)
	}
	for {
		current := t.global.Load()
		if limits.MaxLeasesGlobal > 0 && current+1 > int64(limits.MaxLeasesGlobal) {
			return nil, t.deny(scope, "global lease count exceeded", u.count, u.bytes, declaredSize)
		}
		if t.global.CompareAndSwap(current, current+1) {
			break
		}
	}

	u.count++
	u.bytes += declaredSize
	return &Lease{
		tracker: weak.Make(t),
		usage:   u,
		scope:   scope,
		size:    declaredSize,
	}, nil
}

func (t *QuotaTracker) deny(scope, reason string, count int, bytes, size int64) error {
	t.logger.Warn("keep-alive lease denied",
		"scope", scope,
		"reason", reason,
		"leases", count,
		"bytes", bytes,
		"declared_size", size,
	)
	if t.OnDenied != nil {
		t.OnDenied(scope)
	}
	return domain.NewError(domain.ErrResourceExhausted, "%s", reason).
		WithDetail("scope", scope)
}

func (t *QuotaTracker) release(l *Lease) {
	l.usage.mu.Lock()
	l.usage.count--
	l.usage.bytes -= l.size
	l.usage.mu.Unlock()
	t.global.Add(-1)
}

// Stats returns the usage of every scope holding leases, sorted by scope.
func (t *QuotaTracker) Stats() []QuotaStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]QuotaStats, 0, len(t.scopes))
	for scope, u := range t.scopes {
		u.mu.Lock()
		if u.count > 0 {
			out = append(out, QuotaStats{Scope: scope, Leases: u.count, Bytes: u.bytes})
		}
		u.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// ActiveLeases is the number of outstanding leases across all scopes.
func (t *QuotaTracker) ActiveLeases() int64 {
	return t.global.Load()
}

// Close invalidates the tracker. Outstanding leases become inert and further
// TryLease calls fail.
func (t *QuotaTracker) Close() {
	if t.closed.Swap(true) {
		return
	}
	t.mu.Lock()
	t.scopes = make(map[string]*scopeUsage)
	t.mu.Unlock()
	t.global.Store(0)
}

// Lease is one reserved keep-alive slot. It references its tracker weakly so an
// abandoned lease never keeps a closed tracker alive.
type Lease struct {
	tracker  weak.Pointer[QuotaTracker]
	usage    *scopeUsage
	scope    string
	size     int64
	released atomic.Bool
}

// Scope returns the frame scope the lease is accounted to.
func (l *Lease) Scope() string { return l.scope }

// Size returns the declared size accounted by the lease.
func (l *Lease) Size() int64 { return l.size }

// Release returns the lease. Only the first call has an effect; calls after
// the tracker closed are no-ops.
func (l *Lease) Release() {
	if l == nil || l.released.Swap(true) {
		return
	}
	t := l.tracker.Value()
	if t == nil || t.closed.Load() {
		return
	}
	t.release(l)
}
