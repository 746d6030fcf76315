// Package storage provides the partition-bound backends behind isolation silos.
// A Store handle is opened for exactly one partition and cannot address rows of
// any other partition.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("storage entry not found")

// ErrClosed is returned by handles whose backend has been closed.
var ErrClosed = errors.New("storage backend closed")

// Kind names one of the per-partition stores.
type Kind string

const (
	KindCredentials Kind = "credentials"
	KindCache       Kind = "cache"
	KindAuth        Kind = "auth"
)

// Entry is a single stored item. Origin is the serialized origin the entry
// belongs to; Name is unique per origin within a store.
type Entry struct {
	Origin    string
	Name      string
	Value     []byte
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the entry carries an expiry in the past.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is a partition-bound key/value store.
type Store interface {
	Partition() string
	Kind() Kind
	Get(ctx context.Context, origin, name string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	// List returns the entries for origin, or every entry when origin is empty.
	List(ctx context.Context, origin string) ([]Entry, error)
	DeleteWhere(ctx context.Context, match func(Entry) bool) (int, error)
	Len(ctx context.Context) (int, error)
}

// Stores bundles the three stores of one partition.
type Stores struct {
	Credentials Store
	Cache       Store
	Auth        Store
}

// All returns the stores in a fixed order.
func (s Stores) All() []Store {
	return []Store{s.Credentials, s.Cache, s.Auth}
}

// Backend opens partition-bound stores.
type Backend interface {
	Open(ctx context.Context, partition string) (Stores, error)
	Close() error
}
