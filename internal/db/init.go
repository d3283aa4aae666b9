package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/RezaEskandarii/gofire/internal/lock"
	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Open returns a verified connection pool. driverName is "postgres" for
// lib/pq or "pgx" for the pgx stdlib driver.
func Open(ctx context.Context, driverName, url string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open(driverName, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driverName)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// Init creates the schema and applies pending migrations. The migration
// lock keeps nodes starting together from racing each other.
func Init(ctx context.Context, db *sql.DB, distributedLock lock.DistributedLockManager, logger *zap.SugaredLogger) error {
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "ping database")
	}

	return lock.WithLock(ctx, distributedLock, constants.MigrationLock, func(ctx context.Context) error {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", constants.Schema)); err != nil {
			return errors.Wrap(err, "create schema")
		}

		goose.SetBaseFS(migrations)
		goose.SetLogger(gooseLogger{logger})
		goose.SetTableName(constants.Schema + ".goose_db_version")
		if err := goose.SetDialect("postgres"); err != nil {
			return errors.Wrap(err, "set migration dialect")
		}
		if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		return nil
	})
}

type gooseLogger struct {
	l *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Infof(format, v...)
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Fatalf(format, v...)
}
