// Package migrations wires golang-migrate execution for the export tracker schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const embeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, resolvedDir, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, resolvedDir, logger)
	})
}

// ApplyEmbedded applies migrations bundled in fsys, typically dbmigrations.Files.
func ApplyEmbedded(ctx context.Context, dsn string, fsys fs.FS, logger observability.Logger) error {
	if fsys == nil {
		return fmt.Errorf("embedded migrations required")
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	return withDatabase(ctx, dsn, logger, func(driver database.Driver) error {
		m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
		if err != nil {
			return fmt.Errorf("initialise migrate instance: %w", err)
		}
		defer closeMigrator(m, logger)
		return up(ctx, m, embeddedLabel, logger)
	})
}

// Rollback reverts the most recent steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	return withMigrator(ctx, dsn, resolvedDir, logger, func(m *migrate.Migrate) error {
		logf(logger, "rolling back database migrations", observability.F("path", resolvedDir), observability.F("steps", steps))
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", resolvedDir)
				return nil
			}
			recordMigrationMetric(ctx, "failed", resolvedDir)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back", resolvedDir)
		logf(logger, "database migrations rolled back")
		return nil
	})
}

func up(ctx context.Context, m *migrate.Migrate, label string, logger observability.Logger) error {
	logf(logger, "running database migrations", observability.F("path", label))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			logf(logger, "database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	logf(logger, "database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

func withMigrator(ctx context.Context, dsn, dir string, logger observability.Logger, fn func(*migrate.Migrate) error) error {
	return withDatabase(ctx, dsn, logger, func(driver database.Driver) error {
		m, err := migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
		if err != nil {
			return fmt.Errorf("initialise migrate instance: %w", err)
		}
		defer closeMigrator(m, logger)
		return fn(m)
	})
}

func withDatabase(ctx context.Context, dsn string, logger observability.Logger, fn func(database.Driver) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Warn("database migrations close", observability.Err(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return fn(driver)
}

func closeMigrator(m *migrate.Migrate, logger observability.Logger) {
	sourceErr, dbErr := m.Close()
	if logger == nil {
		return
	}
	if sourceErr != nil {
		logger.Warn("database migrations source close", observability.Err(sourceErr))
	}
	if dbErr != nil {
		logger.Warn("database migrations db close", observability.Err(dbErr))
	}
}

func logf(logger observability.Logger, msg string, fields ...observability.Field) {
	if logger == nil {
		return
	}
	logger.Info(msg, fields...)
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("db.migrations.count",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
