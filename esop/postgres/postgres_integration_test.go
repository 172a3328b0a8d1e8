//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a disposable PostgreSQL container and returns
// the connection string plus a teardown function. The container is terminated
// when the returned cleanup function is invoked (typically via t.Cleanup).
func setupPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connStr, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

// newTestConfig builds a Config pointing both primary and replica at the same
// container DSN. This is intentional for integration tests: the subject under
// test is the connector lifecycle, not read/write splitting.
func newTestConfig(dsn string) Config {
	return Config{
		PrimaryDSN:     dsn,
		ReplicaDSN:     dsn,
		Logger:         log.NewNop(),
		MetricsFactory: metrics.NewNopFactory(),
	}
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_ConnectAndResolve
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_ConnectAndResolve(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err, "New() should succeed with valid DSN")

	err = client.Connect(ctx)
	require.NoError(t, err, "Connect() should succeed against running container")

	resolver, err := client.Resolver(ctx)
	require.NoError(t, err, "Resolver() should return a live resolver after Connect()")
	require.NotNil(t, resolver, "resolver must not be nil")

	// Verify the resolver is actually connected to a live database.
	err = resolver.PingContext(ctx)
	assert.NoError(t, err, "PingContext on resolver should succeed")

	err = client.Close()
	assert.NoError(t, err, "Close() should release resources cleanly")
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_PrimaryAccess
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_PrimaryAccess(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	err = client.Connect(ctx)
	require.NoError(t, err, "Connect() should succeed")

	db, err := client.Primary()
	require.NoError(t, err, "Primary() should return the underlying *sql.DB")
	require.NotNil(t, db, "primary *sql.DB must not be nil")

	// Verify the raw *sql.DB is usable.
	err = db.PingContext(ctx)
	assert.NoError(t, err, "PingContext on primary *sql.DB should succeed")

	// Verify we can execute a trivial query to confirm connectivity beyond Ping.
	var result int
	err = db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	require.NoError(t, err, "trivial query should succeed")
	assert.Equal(t, 1, result, "SELECT 1 should return 1")

	err = client.Close()
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_IsConnected
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_IsConnected(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	// Before Connect(), IsConnected must be false.
	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected, "IsConnected() should be false before Connect()")

	err = client.Connect(ctx)
	require.NoError(t, err)

	// After Connect(), IsConnected must be true.
	connected, err = client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected, "IsConnected() should be true after Connect()")

	err = client.Close()
	require.NoError(t, err)

	// After Close(), IsConnected must be false again.
	connected, err = client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected, "IsConnected() should be false after Close()")
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_LazyConnect
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_LazyConnect(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	// Do NOT call Connect() — Resolver() must lazy-connect on first access.
	connected, err := client.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected, "should not be connected before Resolver() call")

	resolver, err := client.Resolver(ctx)
	require.NoError(t, err, "Resolver() should lazy-connect successfully")
	require.NotNil(t, resolver)

	// After lazy connect, IsConnected must flip to true.
	connected, err = client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected, "IsConnected() should be true after lazy connect via Resolver()")

	// Verify the resolver is functional.
	err = resolver.PingContext(ctx)
	assert.NoError(t, err, "PingContext should succeed on lazily-connected resolver")

	err = client.Close()
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_Migration
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_Migration(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	// Create a temporary directory with migration files.
	migDir := t.TempDir()

	upSQL := `CREATE TABLE IF NOT EXISTS option_events (
		id UUID PRIMARY KEY,
		participant TEXT NOT NULL,
		amount BIGINT NOT NULL
	);`
	downSQL := "DROP TABLE IF EXISTS option_events;"

	err := os.WriteFile(filepath.Join(migDir, "000001_create_option_events.up.sql"), []byte(upSQL), 0o644)
	require.NoError(t, err, "failed to write up migration file")

	err = os.WriteFile(filepath.Join(migDir, "000001_create_option_events.down.sql"), []byte(downSQL), 0o644)
	require.NoError(t, err, "failed to write down migration file")

	// Run the migrator.
	migrator, err := NewMigrator(MigrationConfig{
		PrimaryDSN:     dsn,
		DatabaseName:   "testdb",
		MigrationsPath: migDir,
		Component:      "journal",
		Logger:         log.NewNop(),
	})
	require.NoError(t, err, "NewMigrator() should succeed")

	err = migrator.Up(ctx)
	require.NoError(t, err, "Migrator.Up() should apply the migration successfully")

	// Verify the table exists by querying it through a fresh client.
	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	err = client.Connect(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	db, err := client.Primary()
	require.NoError(t, err)

	// Insert a row to confirm the table schema is correct.
	_, err = db.ExecContext(ctx,
		"INSERT INTO option_events (id, participant, amount) VALUES ($1, $2, $3)",
		"0190a6e5-1a2b-7c3d-8e4f-5a6b7c8d9e0f", "emp-001", 1000,
	)
	require.NoError(t, err, "INSERT into migrated table should succeed")

	// Read it back.
	var participant string
	err = db.QueryRowContext(ctx,
		"SELECT participant FROM option_events WHERE participant = $1", "emp-001",
	).Scan(&participant)
	require.NoError(t, err, "SELECT from migrated table should succeed")
	assert.Equal(t, "emp-001", participant, "should read back the inserted value")

	// Verify the table has exactly one row.
	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM option_events").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "migrated table should contain exactly one row")
}

// ---------------------------------------------------------------------------
// TestIntegration_Migration_NoChange
// ---------------------------------------------------------------------------
//
// Validates that running Up() twice is idempotent: the second call returns nil
// because classifyMigrationError converts migrate.ErrNoChange to a zero-value
// outcome (err == nil).

func TestIntegration_Migration_NoChange(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	migDir := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(migDir, "000001_create_grants.up.sql"),
		[]byte("CREATE TABLE grants (id SERIAL PRIMARY KEY, participant TEXT NOT NULL);"),
		0o644,
	))

	require.NoError(t, os.WriteFile(
		filepath.Join(migDir, "000001_create_grants.down.sql"),
		[]byte("DROP TABLE IF EXISTS grants;"),
		0o644,
	))

	migrator, err := NewMigrator(MigrationConfig{
		PrimaryDSN:     dsn,
		DatabaseName:   "testdb",
		MigrationsPath: migDir,
		Component:      "no_change_test",
		Logger:         log.NewNop(),
	})
	require.NoError(t, err)

	// First run — applies migration 1.
	err = migrator.Up(ctx)
	require.NoError(t, err, "first Up() should succeed")

	// Second run — no new migrations; ErrNoChange is suppressed to nil.
	err = migrator.Up(ctx)
	assert.NoError(t, err, "second Up() should return nil (ErrNoChange suppressed)")

	// Sanity: table still exists and is usable.
	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	err = client.Connect(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	db, err := client.Primary()
	require.NoError(t, err)

	assertTableExists(t, ctx, db, "grants")
}

// ---------------------------------------------------------------------------
// TestIntegration_Migration_DirtyState
// ---------------------------------------------------------------------------
//
// Validates that golang-migrate's dirty-version mechanism is correctly
// classified by classifyMigrationError into ErrMigrationDirty.
//
// Key insight: golang-migrate's postgres driver runs single-statement migrations
// inside a transaction. If the statement fails, the transaction rolls back and
// the DB is NOT marked dirty. A dirty state only occurs with MultiStatementEnabled
// where the first statement commits but the second fails — leaving the schema
// partially applied.

func TestIntegration_Migration_DirtyState(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	migDir := t.TempDir()

	// Migration 1 — multi-statement: first succeeds, second fails.
	// With MultiStatementEnabled, statements execute outside a transaction,
	// so the first CREATE TABLE commits before the second ALTER fails.
	// This leaves the database in a dirty state at version 1.
	multiStatementSQL := `CREATE TABLE participants (id SERIAL PRIMARY KEY, email TEXT NOT NULL);
ALTER TABLE nonexistent_table ADD COLUMN foo TEXT;`

	require.NoError(t, os.WriteFile(
		filepath.Join(migDir, "000001_partial_migration.up.sql"),
		[]byte(multiStatementSQL),
		0o644,
	))

	require.NoError(t, os.WriteFile(
		filepath.Join(migDir, "000001_partial_migration.down.sql"),
		[]byte("DROP TABLE IF EXISTS participants;"),
		0o644,
	))

	migrator, err := NewMigrator(MigrationConfig{
		PrimaryDSN:           dsn,
		DatabaseName:         "testdb",
		MigrationsPath:       migDir,
		Component:            "dirty_state_test",
		AllowMultiStatements: true,
		Logger:               log.NewNop(),
	})
	require.NoError(t, err, "NewMigrator() should succeed")

	// First Up() fails partway through version 1 and returns the raw SQL
	// execution error, NOT ErrDirty. golang-migrate sets schema_migrations
	// to (version=1, dirty=true) before returning.
	err = migrator.Up(ctx)
	require.Error(t, err, "first Up() must fail because the second statement is invalid")

	// Create a fresh migrator (same config) to simulate a process restart.
	migrator2, err := NewMigrator(MigrationConfig{
		PrimaryDSN:           dsn,
		DatabaseName:         "testdb",
		MigrationsPath:       migDir,
		Component:            "dirty_state_test",
		AllowMultiStatements: true,
		Logger:               log.NewNop(),
	})
	require.NoError(t, err, "NewMigrator() for second attempt should succeed")

	err = migrator2.Up(ctx)
	require.Error(t, err, "second Up() must fail with dirty state")

	// NOW the error chain must contain ErrMigrationDirty.
	assert.True(t,
		errors.Is(err, ErrMigrationDirty),
		"error should wrap ErrMigrationDirty; got: %v", err,
	)

	// --- Verify side-effects ------------------------------------------------

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	err = client.Connect(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	db, err := client.Primary()
	require.NoError(t, err)

	// First statement committed — participants table must exist.
	assertTableExists(t, ctx, db, "participants")

	// The schema_migrations table must show dirty=true at version 1.
	var version int

	var dirty bool

	err = db.QueryRowContext(ctx,
		"SELECT version, dirty FROM schema_migrations",
	).Scan(&version, &dirty)
	require.NoError(t, err, "schema_migrations should have exactly one row")
	assert.Equal(t, 1, version, "dirty version should be 1")
	assert.True(t, dirty, "dirty flag should be true")
}

// ---------------------------------------------------------------------------
// TestIntegration_Postgres_ConcurrentResolve
// ---------------------------------------------------------------------------

func TestIntegration_Postgres_ConcurrentResolve(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := New(newTestConfig(dsn))
	require.NoError(t, err)

	// Verify healthy state before we break things.
	err = client.Connect(ctx)
	require.NoError(t, err)

	resolver, err := client.Resolver(ctx)
	require.NoError(t, err)
	require.NoError(t, resolver.PingContext(ctx))

	// Close the wrapper to put the client into "needs reconnect" state.
	// The container is still running, so reconnect should succeed.
	require.NoError(t, client.Close())

	connected, err := client.IsConnected()
	require.NoError(t, err)
	require.False(t, connected, "precondition: client must be disconnected")

	const goroutines = 10

	var (
		wg             sync.WaitGroup
		successCount   atomic.Int64
		errorCount     atomic.Int64
		panicRecovered atomic.Int64
	)

	wg.Add(goroutines)

	// All goroutines start simultaneously via a shared gate.
	gate := make(chan struct{})

	for i := range goroutines {
		go func(id int) {
			defer wg.Done()

			// Catch any panics so the test can report them rather than crashing.
			defer func() {
				if r := recover(); r != nil {
					panicRecovered.Add(1)
					t.Errorf("goroutine %d panicked: %v", id, r)
				}
			}()

			// Wait for the gate to open so all goroutines race together.
			<-gate

			res, resolveErr := client.Resolver(ctx)
			if resolveErr != nil {
				errorCount.Add(1)
				return
			}

			// Verify the returned resolver is functional.
			if pingErr := res.PingContext(ctx); pingErr != nil {
				errorCount.Add(1)
				return
			}

			successCount.Add(1)
		}(i)
	}

	// Use a timeout to detect deadlocks: if goroutines don't finish within
	// a generous window, something is stuck.
	done := make(chan struct{})
	go func() {
		// Open the gate: all goroutines race into Resolver().
		close(gate)
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines completed.
	case <-time.After(30 * time.Second):
		t.Fatal("DEADLOCK: not all goroutines completed within 30 seconds")
	}

	successes := successCount.Load()
	failures := errorCount.Load()
	panics := panicRecovered.Load()

	t.Logf("Concurrent resolve results: %d successes, %d errors, %d panics",
		successes, failures, panics)

	// Hard requirement: no panics.
	assert.Equal(t, int64(0), panics,
		"no goroutines should panic during concurrent resolve")

	// At least one goroutine must succeed (the one that wins the write lock
	// and reconnects). Others may succeed too once they see the installed
	// resolver on the fast path.
	assert.Greater(t, successes, int64(0),
		"at least one goroutine must successfully reconnect")

	// All goroutines must have completed (no hangs).
	assert.Equal(t, int64(goroutines), successes+failures+panics,
		"all goroutines must complete")

	// Verify the client is in a good state after the storm.
	connected, err = client.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected,
		"client must be connected after successful concurrent resolve")

	// Final cleanup.
	require.NoError(t, client.Close())
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// assertTableExists verifies that a table with the given name exists in the
// public schema of the connected database. It fails the test immediately if
// the table is missing.
func assertTableExists(t *testing.T, ctx context.Context, db *sql.DB, table string) {
	t.Helper()

	var exists bool

	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`,
		table,
	).Scan(&exists)
	require.NoError(t, err, fmt.Sprintf("query for table %q existence should succeed", table))
	assert.True(t, exists, fmt.Sprintf("table %q should exist in public schema", table))
}
