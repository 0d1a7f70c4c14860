package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold marks statements worth a warning. With the single-writer
// SQLite connection a slow statement stalls every engine worker queued behind
// it, so these warnings surface contention, not just bad plans.
const slowQueryThreshold = 200 * time.Millisecond

// gormZapBridge routes GORM's internal logging through the hub's zap logger.
// Level semantics follow gormlogger: Silent drops everything, Info traces
// every statement.
type gormZapBridge struct {
	zl    *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger wraps log for GORM. A zero level defaults to Warn, which
// keeps errors and slow queries and drops per-statement traces.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZapBridge{
		zl:    log.Named("gorm").WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy at the given level. GORM calls it for session-scoped
// overrides (db.Debug() and friends).
func (b *gormZapBridge) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *b
	next.level = level
	return &next
}

func (b *gormZapBridge) Info(_ context.Context, format string, args ...interface{}) {
	if b.level >= gormlogger.Info {
		b.zl.Info(fmt.Sprintf(format, args...))
	}
}

func (b *gormZapBridge) Warn(_ context.Context, format string, args ...interface{}) {
	if b.level >= gormlogger.Warn {
		b.zl.Warn(fmt.Sprintf(format, args...))
	}
}

func (b *gormZapBridge) Error(_ context.Context, format string, args ...interface{}) {
	if b.level >= gormlogger.Error {
		b.zl.Error(fmt.Sprintf(format, args...))
	}
}

// Trace reports one executed statement. ErrRecordNotFound is not an error at
// this layer — lookups miss in normal operation — so it falls through to the
// per-statement trace instead of the error path.
func (b *gormZapBridge) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if b.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && b.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		b.zl.Error("query failed", append(fields, zap.Error(err))...)

	case elapsed >= slowQueryThreshold && b.level >= gormlogger.Warn:
		b.zl.Warn("slow query", fields...)

	case b.level >= gormlogger.Info:
		b.zl.Debug("query", fields...)
	}
}
