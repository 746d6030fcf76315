// Package isolation maps isolation keys to silos: the per-profile partitions of
// credential, cache and auth state. A silo can only reach the storage partition
// of its own key.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/storage"
)

// ErrRegistryClosed is returned by silos and the registry after Close.
var ErrRegistryClosed = errors.New("isolation registry closed")

// Config configures a Registry.
type Config struct {
	Backend storage.Backend
	Logger  *slog.Logger
}

// Registry owns every silo of the process.
type Registry struct {
	backend storage.Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	silos  map[domain.IsolationKey]*Silo
	closed atomic.Bool
}

// NewRegistry creates a registry over cfg.Backend, defaulting to an in-memory
// backend.
func NewRegistry(cfg Config) *Registry {
	backend := cfg.Backend
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger.With("component", "isolation"),
		silos:   make(map[domain.IsolationKey]*Silo),
	}
}

// Resolve returns the silo of key, creating it on first use. Repeated calls
// with equal keys return the same silo for the lifetime of the registry.
func (r *Registry) Resolve(ctx context.Context, key domain.IsolationKey) (*Silo, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if !key.Valid() {
		return nil, domain.NewError(domain.ErrInvalidRequest, "isolation key without profile")
	}

	r.mu.RLock()
	silo, ok := r.silos[key]
	r.mu.RUnlock()
	if ok {
		return silo, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if silo, ok := r.silos[key]; ok {
		return silo, nil
	}

	stores, err := r.backend.Open(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("open silo storage: %w", err)
	}
	silo, err = newSilo(r, key, stores)
	if err != nil {
		return nil, err
	}
	r.silos[key] = silo
	r.logger.Debug("silo created", "profile_id", key.ProfileID, "has_nonce", key.Nonce != "")
	return silo, nil
}

// Lookup returns the silo of key without creating it.
func (r *Registry) Lookup(key domain.IsolationKey) (*Silo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	silo, ok := r.silos[key]
	return silo, ok
}

// Clear deletes entries from the silo of key that the filter selects and
// returns how many were removed. A key without a silo removes nothing. No
// other silo is touched.
func (r *Registry) Clear(ctx context.Context, key domain.IsolationKey, filter ClearFilter) (int, error) {
	if r.closed.Load() {
		return 0, ErrRegistryClosed
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	silo, ok := r.Lookup(key)
	if !ok {
		return 0, nil
	}
	removed, err := silo.clear(ctx, filter)
	if err != nil {
		return removed, err
	}
	r.logger.Info("silo data cleared",
		"profile_id", key.ProfileID,
		"kinds", filter.Kinds.String(),
		"origins", len(filter.Origins),
		"removed", removed,
	)
	return removed, nil
}

// ClearProfile applies filter to every silo of profileID, whatever its nonce
// or top-frame site, and returns the total removed. Silos of other profiles
// are not touched.
func (r *Registry) ClearProfile(ctx context.Context, profileID string, filter ClearFilter) (int, error) {
	if r.closed.Load() {
		return 0, ErrRegistryClosed
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if profileID == "" {
		return 0, domain.NewError(domain.ErrInvalidRequest, "empty profile id")
	}

	r.mu.RLock()
	var silos []*Silo
	for k, silo := range r.silos {
		if k.ProfileID == profileID {
			silos = append(silos, silo)
		}
	}
	r.mu.RUnlock()

	total := 0
	for _, silo := range silos {
		removed, err := silo.clear(ctx, filter)
		total += removed
		if err != nil {
			return total, err
		}
	}
	r.logger.Info("profile data cleared",
		"profile_id", profileID,
		"silos", len(silos),
		"kinds", filter.Kinds.String(),
		"origins", len(filter.Origins),
		"removed", total,
	)
	return total, nil
}

// Keys lists the keys of all live silos in a stable order.
func (r *Registry) Keys() []domain.IsolationKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]domain.IsolationKey, 0, len(r.silos))
	for k := range r.silos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len is the number of live silos.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.silos)
}

// Close invalidates every silo and closes the backend.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	r.silos = make(map[domain.IsolationKey]*Silo)
	r.mu.Unlock()
	return r.backend.Close()
}
