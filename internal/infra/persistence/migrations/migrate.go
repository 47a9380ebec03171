// Package migrations applies and rolls back the tradegate PostgreSQL schema.
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
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
)

var errNotDirectory = errors.New("migrations path must be a directory")

var runCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("persistence.migrations").Int64Counter("tradegate.db.migrations",
		metric.WithDescription("Schema migration runs by outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil
	}
	return counter
})

// origin names a migration source and knows how to open it.
type origin struct {
	label string
	open  func() (source.Driver, error)
}

func dirOrigin(dir string) (origin, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return origin{}, err
	}
	return origin{
		label: resolved,
		open:  func() (source.Driver, error) { return (&file.File{}).Open(fileURL(resolved)) },
	}, nil
}

// Apply runs every pending up migration found in dir.
func Apply(ctx context.Context, dsn, dir string, logger observability.Logger) error {
	src, err := dirOrigin(dir)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, src, "up", (*migrate.Migrate).Up, logger)
}

// ApplyEmbedded runs every pending up migration bundled in files.
func ApplyEmbedded(ctx context.Context, dsn string, files fs.FS, logger observability.Logger) error {
	src := origin{
		label: "embedded",
		open:  func() (source.Driver, error) { return iofs.New(files, ".") },
	}
	return execute(ctx, dsn, src, "up", (*migrate.Migrate).Up, logger)
}

// Rollback reverts the newest steps migrations found in dir.
func Rollback(ctx context.Context, dsn, dir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0, got %d", steps)
	}
	src, err := dirOrigin(dir)
	if err != nil {
		return err
	}
	down := func(m *migrate.Migrate) error { return m.Steps(-steps) }
	return execute(ctx, dsn, src, "down", down, logger)
}

func execute(ctx context.Context, dsn string, src origin, direction string, step func(*migrate.Migrate) error, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Log()
	}
	logger = observability.With(logger, observability.F("source", src.label), observability.F("direction", direction))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer closeLogged(logger, "database", db.Close)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("pgx migration driver: %w", err)
	}
	sourceDriver, err := src.open()
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", src.label, err)
	}
	m, err := migrate.NewWithInstance("tradegate", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if joined := errors.Join(srcErr, dbErr); joined != nil {
			logger.Warn("close migrator", observability.F("error", joined))
		}
	}()

	logger.Info("running database migrations")
	outcome := "applied"
	err = step(m)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		outcome, err = "noop", nil
	case err != nil:
		outcome = "failed"
	}
	if counter := runCounter(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), "migrate."+direction, outcome)...))
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		logger.Info("database schema empty", observability.F("outcome", outcome))
	case verr != nil:
		logger.Warn("read schema version", observability.F("error", verr))
	default:
		logger.Info("database schema ready",
			observability.F("outcome", outcome),
			observability.F("version", version),
			observability.F("dirty", dirty))
	}
	return nil
}

func closeLogged(logger observability.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("close migrations "+what, observability.F("error", err))
	}
}

func resolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", errors.New("migrations path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return "", fmt.Errorf("migrations directory %s: %w", abs, err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}
