package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/storage"
)

// Silo is the state partition of one isolation key.
type Silo struct {
	registry *Registry
	key      domain.IsolationKey
	stores   storage.Stores
}

func newSilo(r *Registry, key domain.IsolationKey, stores storage.Stores) (*Silo, error) {
	want := key.String()
	expected := map[storage.Kind]storage.Store{
		storage.KindCredentials: stores.Credentials,
		storage.KindCache:       stores.Cache,
		storage.KindAuth:        stores.Auth,
	}
	for kind, store := range expected {
		if store == nil {
			return nil, domain.NewError(domain.ErrInvariantViolation, "silo store %s missing", kind)
		}
		if store.Partition() != want || store.Kind() != kind {
			return nil, domain.NewError(domain.ErrInvariantViolation,
				"silo store %s bound to foreign partition", kind).
				WithDetail("profile_id", key.ProfileID)
		}
	}
	return &Silo{registry: r, key: key, stores: stores}, nil
}

// Key returns the isolation key of the silo.
func (s *Silo) Key() domain.IsolationKey { return s.key }

func (s *Silo) usable() error {
	if s.registry.closed.Load() {
		return ErrRegistryClosed
	}
	return nil
}

type storedCookie struct {
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// StoreCookies records Set-Cookie values received from origin. Cookies with a
// negative Max-Age or an expiry in the past are removed.
func (s *Silo) StoreCookies(ctx context.Context, origin domain.Origin, cookies []*http.Cookie) error {
	if err := s.usable(); err != nil {
		return err
	}
	if origin.Opaque() {
		return nil
	}
	now := time.Now()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		expires := time.Time{}
		switch {
		case c.MaxAge < 0:
			expires = now.Add(-time.Second)
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			expires = c.Expires
		}
		if !expires.IsZero() && !expires.After(now) {
			name := c.Name
			if _, err := s.stores.Credentials.DeleteWhere(ctx, func(e storage.Entry) bool {
				return e.Origin == origin.String() && e.Name == name
			}); err != nil {
				return fmt.Errorf("expire cookie: %w", err)
			}
			continue
		}
		value, err := json.Marshal(storedCookie{Value: c.Value, Path: c.Path, Secure: c.Secure, HTTPOnly: c.HttpOnly})
		if err != nil {
			return fmt.Errorf("encode cookie: %w", err)
		}
		if err := s.stores.Credentials.Put(ctx, storage.Entry{
			Origin:    origin.String(),
			Name:      c.Name,
			Value:     value,
			ExpiresAt: expires,
		}); err != nil {
			return fmt.Errorf("store cookie: %w", err)
		}
	}
	return nil
}

// CookieHeader builds the Cookie header value for a request to origin and
// path. Secure cookies are only sent over https.
func (s *Silo) CookieHeader(ctx context.Context, origin domain.Origin, path string) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	if origin.Opaque() {
		return "", nil
	}
	entries, err := s.stores.Credentials.List(ctx, origin.String())
	if err != nil {
		return "", fmt.Errorf("list cookies: %w", err)
	}
	if path == "" {
		path = "/"
	}
	pairs := make([]string, 0, len(entries))
	for _, e := range entries {
		var c storedCookie
		if err := json.Unmarshal(e.Value, &c); err != nil {
			continue
		}
		if c.Secure && origin.Scheme != "https" {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(path, c.Path) {
			continue
		}
		pairs = append(pairs, e.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; "), nil
}

// AuthEntry is a cached HTTP authentication for an origin.
type AuthEntry struct {
	Scheme      string             `json:"scheme"`
	Realm       string             `json:"realm"`
	Credentials domain.Credentials `json:"credentials"`
}

// StoreAuth caches credentials that satisfied a challenge from origin.
func (s *Silo) StoreAuth(ctx context.Context, origin domain.Origin, entry AuthEntry) error {
	if err := s.usable(); err != nil {
		return err
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode auth entry: %w", err)
	}
	return s.stores.Auth.Put(ctx, storage.Entry{
		Origin: origin.String(),
		Name:   strings.ToLower(entry.Scheme) + " " + entry.Realm,
		Value:  value,
	})
}

// CachedAuth returns the most recently stored auth entry for origin.
func (s *Silo) CachedAuth(ctx context.Context, origin domain.Origin) (AuthEntry, bool, error) {
	if err := s.usable(); err != nil {
		return AuthEntry{}, false, err
	}
	entries, err := s.stores.Auth.List(ctx, origin.String())
	if err != nil {
		return AuthEntry{}, false, fmt.Errorf("list auth entries: %w", err)
	}
	var latest *storage.Entry
	for i := range entries {
		if latest == nil || entries[i].UpdatedAt.After(latest.UpdatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return AuthEntry{}, false, nil
	}
	var entry AuthEntry
	if err := json.Unmarshal(latest.Value, &entry); err != nil {
		return AuthEntry{}, false, fmt.Errorf("decode auth entry: %w", err)
	}
	return entry, true, nil
}

// CacheRecord is the index entry of a cached response.
type CacheRecord struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// RecordCacheEntry indexes a completed response for origin and path.
func (s *Silo) RecordCacheEntry(ctx context.Context, origin domain.Origin, path string, rec CacheRecord) error {
	if err := s.usable(); err != nil {
		return err
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	return s.stores.Cache.Put(ctx, storage.Entry{Origin: origin.String(), Name: path, Value: value})
}

// CachedResponse looks up the cache index.
func (s *Silo) CachedResponse(ctx context.Context, origin domain.Origin, path string) (CacheRecord, bool, error) {
	if err := s.usable(); err != nil {
		return CacheRecord{}, false, err
	}
	e, err := s.stores.Cache.Get(ctx, origin.String(), path)
	if errors.Is(err, storage.ErrNotFound) {
		return CacheRecord{}, false, nil
	}
	if err != nil {
		return CacheRecord{}, false, err
	}
	var rec CacheRecord
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return CacheRecord{}, false, fmt.Errorf("decode cache record: %w", err)
	}
	return rec, true, nil
}

// Snapshot counts the entries of each kind.
type Snapshot struct {
	Key         domain.IsolationKey `json:"key"`
	Credentials int                 `json:"credentials"`
	Cache       int                 `json:"cache"`
	Auth        int                 `json:"auth"`
}

// Snapshot returns entry counts for the silo.
func (s *Silo) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.usable(); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Key: s.key}
	var err error
	if snap.Credentials, err = s.stores.Credentials.Len(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Cache, err = s.stores.Cache.Len(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Auth, err = s.stores.Auth.Len(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Silo) clear(ctx context.Context, filter ClearFilter) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	match := filter.matcher()
	removed := 0
	for _, store := range s.stores.All() {
		if !filter.Kinds.has(store.Kind()) {
			continue
		}
		n, err := store.DeleteWhere(ctx, match)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("clear %s: %w", store.Kind(), err)
		}
	}
	return removed, nil
}
