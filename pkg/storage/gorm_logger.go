package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQueryThreshold marks statements logged at WARN.
const slowQueryThreshold = 200 * time.Millisecond

// GormLogger routes GORM logging into slog.
type GormLogger struct {
	logger   *slog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger creates a GormLogger at Warn level.
func NewGormLogger(l *slog.Logger) *GormLogger {
	if l == nil {
		l = slog.Default()
	}
	return &GormLogger{
		logger:   l.With("component", "storage"),
		LogLevel: logger.Warn,
	}
}

// LogMode sets the log level.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.logger.InfoContext(ctx, msg, "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.logger.WarnContext(ctx, msg, "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.logger.ErrorContext(ctx, msg, "data", data)
	}
}

// Trace logs statements. SQL text is logged but bound values are not, since
// they carry cookie and credential material.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"rows", rows,
		"duration_ms", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.ErrorContext(ctx, "storage statement failed", append(fields, "error", err)...)
	case elapsed > slowQueryThreshold && l.LogLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "slow storage statement", fields...)
	case l.LogLevel == logger.Info:
		l.logger.DebugContext(ctx, "storage statement", append(fields, "sql_len", len(sql))...)
	}
}
