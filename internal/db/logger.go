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

// slowQueryCutoff is the elapsed time past which a query is reported
// even when SQL tracing is off. Queue drains and janitor sweeps hit the
// store on every tick, so a creeping table scan surfaces here first.
const slowQueryCutoff = 200 * time.Millisecond

// gormZapBridge routes GORM's internal logging (statement traces, slow
// queries, errors) onto the application's zap logger, so the database
// layer shares the structured output of every other component.
type gormZapBridge struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newGormLogger builds the bridge from the same Config that opens the
// connection. A zero LogLevel means warnings and up, which keeps slow
// queries and errors visible without tracing every statement; tests
// pass gormlogger.Silent.
func newGormLogger(cfg Config) gormlogger.Interface {
	level := cfg.LogLevel
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZapBridge{
		// Skip the gorm callback frames so caller file:line points at the
		// repository method that issued the query.
		log:   cfg.Logger.Named("gorm").WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy at the given level. GORM uses it to derive
// per-session loggers, e.g. for db.Debug().
func (g *gormZapBridge) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *g
	next.level = level
	return &next
}

func (g *gormZapBridge) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZapBridge) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZapBridge) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace reports one executed statement. ErrRecordNotFound is not an
// error at this layer — lookups that miss are ordinary control flow
// (duplicate guards, CAS loops) and map to the repository's ErrNotFound.
func (g *gormZapBridge) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
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
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryCutoff:
		g.log.Warn("slow query", fields...)
	case g.level >= gormlogger.Info:
		g.log.Debug("query", fields...)
	}
}
