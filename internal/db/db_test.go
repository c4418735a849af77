package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewOpensSqliteAndMigrates(t *testing.T) {
	store, err := New(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, Ping(context.Background(), store))

	for _, table := range []string{"bots", "agents", "runs", "run_events", "run_logs"} {
		require.Truef(t, store.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestGormLoggerSilencesRecordNotFound(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bridge := newGormLogger(Config{Logger: zap.New(core)})

	bridge.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT * FROM bots WHERE id = ?", 0 },
		gorm.ErrRecordNotFound)
	require.Zero(t, logs.Len())

	bridge.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 0 },
		errors.New("disk I/O error"))
	require.Equal(t, 1, logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestGormLoggerFlagsSlowQueries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bridge := newGormLogger(Config{Logger: zap.New(core)})

	begin := time.Now().Add(-2 * slowQueryCutoff)
	bridge.Trace(context.Background(), begin,
		func() (string, int64) { return "SELECT * FROM runs", 40 }, nil)
	require.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}
