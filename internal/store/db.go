package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	gormpostgres "gorm.io/driver/postgres"
	gsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config controls how the store opens and migrates its database, grounded
// on server/internal/db.go's Config{Driver, DSN, Logger, LogLevel} shape.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// New opens the database, runs pending migrations, and returns a ready
// *gorm.DB. Matches db.New's bootstrap sequence: dialect switch, connection
// pool sizing, then migrate.
func New(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: newZapGormLogger(cfg.Logger),
	}

	var (
		gdb *gorm.DB
		err error
	)

	switch cfg.Driver {
	case "sqlite", "":
		gdb, err = gorm.Open(gsqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		// modernc's sqlite driver is not safe for concurrent writers; a
		// single connection serializes access exactly as the teacher does.
		sqlDB.SetMaxOpenConns(1)
	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	if err := runMigrations(cfg, gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

func runMigrations(cfg Config, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load embedded migrations: %w", err)
	}

	var dbDriver migrate.Driver
	switch cfg.Driver {
	case "postgres":
		dbDriver, err = postgresMigrateDriver(sqlDB)
	default:
		dbDriver, err = sqliteMigrateDriver(sqlDB)
	}
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, cfg.Driver, dbDriver)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

func sqliteMigrateDriver(sqlDB *sql.DB) (migrate.Driver, error) {
	return sqlite.WithInstance(sqlDB, &sqlite.Config{})
}

func postgresMigrateDriver(sqlDB *sql.DB) (migrate.Driver, error) {
	return migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
}

// zapGormLogger adapts zap to gorm's Logger interface, matching the
// teacher's custom GORM logger.
type zapGormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
}

func newZapGormLogger(base *zap.Logger) gormlogger.Interface {
	if base == nil {
		base = zap.NewNop()
	}
	return &zapGormLogger{logger: base.Named("gorm"), level: gormlogger.Warn}
}

func (l *zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *zapGormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Sugar().Infof(msg, args...)
	}
}

func (l *zapGormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Sugar().Warnf(msg, args...)
	}
}

func (l *zapGormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Sugar().Errorf(msg, args...)
	}
}

func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	stmt, rows := fc()
	elapsed := time.Since(begin)
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", stmt),
	}
	if err != nil && l.level >= gormlogger.Error {
		l.logger.Error("gorm trace", append(fields, zap.Error(err))...)
		return
	}
	if l.level >= gormlogger.Info {
		l.logger.Debug("gorm trace", fields...)
	}
}
