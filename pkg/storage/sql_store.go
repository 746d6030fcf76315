package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// entryRow is the single table behind every SQL partition.
type entryRow struct {
	ID        uint       `gorm:"primaryKey"`
	Partition string     `gorm:"column:silo_partition;not null;uniqueIndex:idx_silo_entry,priority:1"`
	Kind      string     `gorm:"not null;uniqueIndex:idx_silo_entry,priority:2"`
	Origin    string     `gorm:"not null;uniqueIndex:idx_silo_entry,priority:3"`
	Name      string     `gorm:"not null;uniqueIndex:idx_silo_entry,priority:4"`
	Value     []byte
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

func (entryRow) TableName() string { return "silo_entries" }

// SQLBackendConfig configures the SQLite-backed silo storage.
type SQLBackendConfig struct {
	// DSN is a glebarez/sqlite data source, e.g. "file:silos.db" or ":memory:".
	DSN    string
	Logger *slog.Logger
}

// SQLBackend persists silo entries in SQLite through GORM.
type SQLBackend struct {
	db     *gorm.DB
	closed atomic.Bool
}

// NewSQLBackend opens the database and migrates the schema.
func NewSQLBackend(cfg SQLBackendConfig) (*SQLBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("open silo database: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("silo database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("migrate silo schema: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

// Open returns stores bound to partition.
func (b *SQLBackend) Open(_ context.Context, partition string) (Stores, error) {
	if b.closed.Load() {
		return Stores{}, ErrClosed
	}
	return Stores{
		Credentials: &sqlStore{backend: b, partition: partition, kind: KindCredentials},
		Cache:       &sqlStore{backend: b, partition: partition, kind: KindCache},
		Auth:        &sqlStore{backend: b, partition: partition, kind: KindAuth},
	}, nil
}

// Close releases the database connection pool.
func (b *SQLBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlStore struct {
	backend   *SQLBackend
	partition string
	kind      Kind
}

func (s *sqlStore) Partition() string { return s.partition }

func (s *sqlStore) Kind() Kind { return s.kind }

// scoped is the only way this handle reaches the table.
func (s *sqlStore) scoped(ctx context.Context) (*gorm.DB, error) {
	if s.backend.closed.Load() {
		return nil, ErrClosed
	}
	return s.backend.db.WithContext(ctx).
		Model(&entryRow{}).
		Where("silo_partition = ? AND kind = ?", s.partition, string(s.kind)), nil
}

func (s *sqlStore) Get(ctx context.Context, origin, name string) (Entry, error) {
	db, err := s.scoped(ctx)
	if err != nil {
		return Entry{}, err
	}
	var row entryRow
	err = db.Where("origin = ? AND name = ?", origin, name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get silo entry: %w", err)
	}
	entry := row.toEntry()
	if entry.Expired(time.Now()) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *sqlStore) Put(ctx context.Context, entry Entry) error {
	if s.backend.closed.Load() {
		return ErrClosed
	}
	row := entryRow{
		Partition: s.partition,
		Kind:      string(s.kind),
		Origin:    entry.Origin,
		Name:      entry.Name,
		Value:     entry.Value,
		UpdatedAt: entry.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	if !entry.ExpiresAt.IsZero() {
		expires := entry.ExpiresAt
		row.ExpiresAt = &expires
	}
	err := s.backend.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "silo_partition"}, {Name: "kind"}, {Name: "origin"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put silo entry: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, origin string) ([]Entry, error) {
	db, err := s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	if origin != "" {
		db = db.Where("origin = ?", origin)
	}
	var rows []entryRow
	if err := db.Order("origin, name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list silo entries: %w", err)
	}
	now := time.Now()
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := row.toEntry()
		if entry.Expired(now) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *sqlStore) DeleteWhere(ctx context.Context, match func(Entry) bool) (int, error) {
	if s.backend.closed.Load() {
		return 0, ErrClosed
	}
	removed := 0
	err := s.backend.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []entryRow
		if err := tx.Where("silo_partition = ? AND kind = ?", s.partition, string(s.kind)).Find(&rows).Error; err != nil {
			return err
		}
		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			if match(row.toEntry()) {
				ids = append(ids, row.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("silo_partition = ? AND kind = ? AND id IN ?", s.partition, string(s.kind), ids).Delete(&entryRow{})
		if res.Error != nil {
			return res.Error
		}
		removed = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete silo entries: %w", err)
	}
	return removed, nil
}

func (s *sqlStore) Len(ctx context.Context) (int, error) {
	db, err := s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count silo entries: %w", err)
	}
	return int(n), nil
}

func (r entryRow) toEntry() Entry {
	e := Entry{
		Origin:    r.Origin,
		Name:      r.Name,
		Value:     append([]byte(nil), r.Value...),
		UpdatedAt: r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		e.ExpiresAt = *r.ExpiresAt
	}
	return e
}
