package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LerianStudio/lib-esop/esop/assert"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

var (
	// ErrNilMigrator is returned when a *Migrator receiver is nil.
	ErrNilMigrator = errors.New("postgres migrator is nil")
	// ErrInvalidDatabaseName is returned when a database name fails identifier validation.
	ErrInvalidDatabaseName = errors.New("invalid database name")
	// ErrMigrationDirty is returned when a migration left the schema in a dirty state.
	ErrMigrationDirty = errors.New("migration left database in dirty state")
)

// dbNamePattern accepts PostgreSQL identifiers up to the 63-byte limit.
var dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// MigrationConfig defines where migrations come from and which database they
// target. Either MigrationsPath (explicit directory) or Component (resolved to
// components/<component>/migrations) must be set.
type MigrationConfig struct {
	PrimaryDSN           string
	DatabaseName         string
	MigrationsPath       string
	Component            string
	AllowMultiStatements bool
	Logger               log.Logger
}

func (cfg MigrationConfig) withDefaults() MigrationConfig {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

func (cfg MigrationConfig) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return configError("primary DSN is required for migrations")
	}

	if err := validateDBName(cfg.DatabaseName); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.MigrationsPath) == "" && strings.TrimSpace(cfg.Component) == "" {
		return configError("migrations path or component is required")
	}

	return validateDSN(cfg.PrimaryDSN)
}

// Migrator applies schema migrations explicitly. It never runs as a side
// effect of Connect; callers decide when Up executes relative to startup.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates the configuration and returns a migrator.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Migrator{cfg: cfg}, nil
}

// Up applies all pending migrations. A database already at the latest version
// is a no-op success; missing migration files are skipped with a warning.
func (m *Migrator) Up(ctx context.Context) error {
	if m == nil {
		asserter := assert.New(context.Background(), nil, "postgres.Migrator", "up")
		_ = asserter.Never(context.Background(), "nil receiver on *postgres.Migrator")

		return ErrNilMigrator
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration cancelled: %w", err)
	}

	migrationsPath, err := resolveMigrationsPath(m.cfg.MigrationsPath, m.cfg.Component)
	if err != nil {
		return err
	}

	db, err := dbOpenFn(driverName, m.cfg.PrimaryDSN)
	if err != nil {
		return newSanitizedError(err, "failed to open database for migrations")
	}

	defer func() {
		if closeErr := closeDB(db); closeErr != nil {
			m.logAtLevel(ctx, log.LevelWarn, "failed to close migration connection", log.Err(closeErr))
		}
	}()

	m.logAtLevel(ctx, log.LevelInfo, "running database migrations",
		log.String("database", m.cfg.DatabaseName),
		log.String("path", migrationsPath),
	)

	outcome := classifyMigrationError(
		runMigrationsFn(ctx, db, migrationsPath, m.cfg.DatabaseName, m.cfg.AllowMultiStatements, m.cfg.Logger),
	)

	if outcome.message != "" {
		m.logAtLevel(ctx, outcome.level, outcome.message, outcome.fields...)
	}

	return outcome.err
}

func (m *Migrator) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if m == nil || m.cfg.Logger == nil {
		return
	}

	if !m.cfg.Logger.Enabled(level) {
		return
	}

	m.cfg.Logger.Log(ctx, level, message, fields...)
}

// migrationOutcome folds a migration result into an error to return plus how
// to log it. A nil err with a message is a benign skip condition.
type migrationOutcome struct {
	err     error
	level   log.Level
	message string
	fields  []log.Field
}

func classifyMigrationError(err error) migrationOutcome {
	if err == nil {
		return migrationOutcome{}
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return migrationOutcome{
			level:   log.LevelInfo,
			message: "no new migrations to apply",
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return migrationOutcome{
			level:   log.LevelWarn,
			message: "no migration files found, skipping migration step",
		}
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		return migrationOutcome{
			err:     fmt.Errorf("%w: version %d", ErrMigrationDirty, dirtyErr.Version),
			level:   log.LevelError,
			message: "migration left database dirty, manual intervention required",
			fields:  []log.Field{log.Int("version", dirtyErr.Version)},
		}
	}

	return migrationOutcome{
		err:     fmt.Errorf("migration failed: %w", err),
		level:   log.LevelError,
		message: "migration failed",
		fields:  []log.Field{log.Err(err)},
	}
}

// resolveMigrationsPath prefers the explicit path; otherwise it derives
// components/<component>/migrations from the component name. Both forms are
// traversal-checked.
func resolveMigrationsPath(path, component string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return sanitizePath(path)
	}

	base := filepath.Base(strings.TrimSpace(component))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "", configError("component does not resolve to a migrations directory")
	}

	return sanitizePath(filepath.Join("components", base, "migrations"))
}

// sanitizePath cleans the path, rejects traversal segments, and returns an
// absolute path for the file:// migration source.
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

// runMigrations is the production implementation behind runMigrationsFn.
func runMigrations(ctx context.Context, db *sql.DB, migrationsPath, databaseName string, allowMultiStatements bool, logger log.Logger) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migration cancelled: %w", err)
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migration, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if logger != nil && logger.Enabled(log.LevelDebug) {
		logger.Log(ctx, log.LevelDebug, "applying migrations", log.String("source", sourceURL.String()))
	}

	return migration.Up()
}
