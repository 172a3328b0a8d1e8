package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-esop/esop/assert"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
)

// driverName selects the pgx stdlib driver registered by the blank import above.
const driverName = "pgx"

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("postgres client is nil")
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrNotConnected is returned when a handle is requested before Connect succeeded.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid postgres config")
)

// connectionFailuresMetric defines the counter for postgres connection failures.
var connectionFailuresMetric = metrics.Metric{
	Name:        "postgres_connection_failures_total",
	Unit:        "1",
	Description: "Total number of postgres connection failures",
}

// Package-level dependency seams. Tests replace these to exercise connection
// and migration flows without a live database.
var (
	dbOpenFn = sql.Open

	createResolverFn = func(primary, replica *sql.DB, _ log.Logger) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		return dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
		), nil
	}

	runMigrationsFn = runMigrations
)

// nilClientAssert fires a telemetry assertion for nil-receiver calls and returns ErrNilClient.
func nilClientAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "postgres.Client", operation)
	_ = asserter.Never(context.Background(), "nil receiver on *postgres.Client")

	return ErrNilClient
}

// Config defines connection targets and pool behavior for the journal database.
// PrimaryDSN receives all writes; ReplicaDSN serves resolver-routed reads and
// may equal PrimaryDSN in single-node deployments.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	Logger             log.Logger
	MetricsFactory     *metrics.MetricsFactory
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return configError("primary DSN is required")
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		return configError("replica DSN is required")
	}

	if err := validateDSN(cfg.PrimaryDSN); err != nil {
		return err
	}

	return validateDSN(cfg.ReplicaDSN)
}

// Client manages the primary/replica connection pair behind a dbresolver.
// Connect may be called eagerly at startup or implicitly through Resolver.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
	replica  *sql.DB
}

// New validates the configuration and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens primary and replica pools, builds a resolver, and verifies
// connectivity with a ping. On success the new resolver atomically replaces
// the previous one, which is closed; on failure the previous resolver stays
// installed untouched.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert("connect")
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection swap.
// The caller MUST hold c.mu (write lock) before calling this method.
func (c *Client) connectLocked(ctx context.Context) error {
	primary, replica, resolver, err := c.buildConnection(ctx)
	if err != nil {
		c.recordConnectionFailure(ctx, "connect")

		return err
	}

	if c.resolver != nil {
		if closeErr := c.resolver.Close(); closeErr != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to close previous postgres resolver", log.Err(closeErr))
		}
	}

	c.resolver = resolver
	c.primary = primary
	c.replica = replica

	c.logAtLevel(ctx, log.LevelDebug, "postgres connection established")

	return nil
}

// buildConnection opens both pools and assembles a pinged resolver. All
// partially opened handles are closed on any failure.
func (c *Client) buildConnection(ctx context.Context) (*sql.DB, *sql.DB, dbresolver.DB, error) {
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.PrimaryDSN, "primary")
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.ReplicaDSN, "replica")

	primary, err := dbOpenFn(driverName, c.cfg.PrimaryDSN)
	if err != nil {
		return nil, nil, nil, newSanitizedError(err, "failed to open database (primary)")
	}

	replica, err := dbOpenFn(driverName, c.cfg.ReplicaDSN)
	if err != nil {
		_ = closeDB(primary)

		return nil, nil, nil, newSanitizedError(err, "failed to open database (replica)")
	}

	resolver, err := createResolverFn(primary, replica, c.cfg.Logger)
	if err != nil {
		_ = closeDB(primary)
		_ = closeDB(replica)

		return nil, nil, nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	resolver.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	resolver.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	resolver.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	resolver.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	if err := resolver.PingContext(ctx); err != nil {
		if closeErr := resolver.Close(); closeErr != nil {
			c.logAtLevel(ctx, log.LevelWarn, "failed to close resolver after ping failure", log.Err(closeErr))
		}

		_ = closeDB(primary)
		_ = closeDB(replica)

		return nil, nil, nil, newSanitizedError(err, "failed to ping database")
	}

	return primary, replica, resolver, nil
}

// Resolver returns the connected resolver, connecting lazily on first use.
// Reconnection after Close goes through the same double-checked path.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, nilClientAssert("resolver")
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	// Fast path: already connected (read-lock only).
	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver != nil {
		return resolver, nil
	}

	// Slow path: acquire write lock and double-check before connecting.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Primary returns the write pool. The journal repository uses it for
// row-locking collection queries that must not route to a replica.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, nilClientAssert("primary")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether a resolver is currently installed.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, nilClientAssert("is_connected")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil, nil
}

// Close releases the resolver and both pools. It is idempotent; close errors
// are collected rather than short-circuiting the cleanup.
func (c *Client) Close() error {
	if c == nil {
		return nilClientAssert("close")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var closeErrs []error

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("failed to close resolver: %w", err))
		}

		c.resolver = nil
	}

	// The resolver closes handles it wraps, but direct closes cover paths
	// where handles were installed without a resolver. *sql.DB.Close is
	// idempotent, so the overlap is harmless.
	if c.primary != nil {
		if err := closeDB(c.primary); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("failed to close primary: %w", err))
		}

		c.primary = nil
	}

	if c.replica != nil {
		if err := closeDB(c.replica); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("failed to close replica: %w", err))
		}

		c.replica = nil
	}

	if len(closeErrs) > 0 {
		return errors.Join(closeErrs...)
	}

	return nil
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, message string, fields ...log.Field) {
	if c == nil || c.cfg.Logger == nil {
		return
	}

	if !c.cfg.Logger.Enabled(level) {
		return
	}

	c.cfg.Logger.Log(ctx, level, message, fields...)
}

// recordConnectionFailure increments the postgres connection failure counter.
// No-op when no metrics factory is configured.
func (c *Client) recordConnectionFailure(ctx context.Context, operation string) {
	if c == nil || c.cfg.MetricsFactory == nil {
		return
	}

	counter, err := c.cfg.MetricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "failed to create postgres metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": cn.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		c.logAtLevel(ctx, log.LevelWarn, "failed to record postgres metric", log.Err(err))
	}
}

// closeDB closes a pool handle, tolerating nil.
func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}

	return db.Close()
}

// configError wraps a configuration validation message with ErrInvalidConfig.
func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// validateDSN rejects URL-form DSNs that do not parse. Opaque key-value or
// driver-specific strings pass through; the driver rejects them at open time.
func validateDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if _, err := url.Parse(dsn); err != nil {
			return configError("malformed DSN URL: " + sanitizeSensitiveString(err.Error()))
		}
	}

	return nil
}

// warnInsecureDSN logs a warning when a URL-form DSN explicitly disables TLS.
// Safe with a nil logger.
func warnInsecureDSN(ctx context.Context, logger log.Logger, dsn, role string) {
	if logger == nil {
		return
	}

	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return
	}

	if parsed.Query().Get("sslmode") != "disable" {
		return
	}

	if !logger.Enabled(log.LevelWarn) {
		return
	}

	logger.Log(ctx, log.LevelWarn, "postgres connection configured with sslmode=disable; "+
		"consider requiring TLS for production use", log.String("role", role))
}

// Credential patterns masked out of error text before it can surface.
var (
	dsnCredentialsPattern = regexp.MustCompile(`://[^/@\s]+@`)
	passwordParamPattern  = regexp.MustCompile(`\bpassword=[^\s]+`)
	sslKeyParamPattern    = regexp.MustCompile(`\bsslkey=[^\s]+`)
	sslCertParamPattern   = regexp.MustCompile(`\bsslcert=[^\s]+`)
	sslRootCertPattern    = regexp.MustCompile(`\bsslrootcert=[^\s]+`)
)

// sanitizeSensitiveString masks DSN credentials, password parameters, and TLS
// key material paths in a message.
func sanitizeSensitiveString(s string) string {
	s = dsnCredentialsPattern.ReplaceAllString(s, "://***@")
	s = passwordParamPattern.ReplaceAllString(s, "password=***")
	s = sslKeyParamPattern.ReplaceAllString(s, "sslkey=***")
	s = sslCertParamPattern.ReplaceAllString(s, "sslcert=***")
	s = sslRootCertPattern.ReplaceAllString(s, "sslrootcert=***")

	return s
}

// SanitizedError carries a credential-scrubbed message. Unwrap returns nil on
// purpose: the original error may embed the raw DSN, and chain traversal via
// errors.Is/errors.As must never reach it.
type SanitizedError struct {
	message string
}

// Error returns the sanitized message.
func (e *SanitizedError) Error() string { return e.message }

// Unwrap returns nil, blocking traversal to the credential-bearing cause.
func (e *SanitizedError) Unwrap() error { return nil }

// newSanitizedError builds a SanitizedError from err with a message prefix.
// Returns nil when err is nil.
func newSanitizedError(err error, prefix string) *SanitizedError {
	if err == nil {
		return nil
	}

	return &SanitizedError{message: prefix + ": " + sanitizeSensitiveString(err.Error())}
}
