//go:build integration

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-esop/esop/ledger"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDatabase = "esop_integration"

// setupMongoContainer starts a disposable single-node replica set (SetAll
// needs transactions) and returns the connection string plus a cleanup
// function.
func setupMongoContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx,
		"mongo:7",
		tcmongo.WithReplicaSet("rs0"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	return endpoint, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func setupStore(t *testing.T) *Store {
	t.Helper()

	uri, cleanup := setupMongoContainer(t)
	t.Cleanup(cleanup)

	client, err := New(context.Background(), Config{
		URI:      uri,
		Database: testDatabase,
		Logger:   &log.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	store, err := NewStore(client)
	require.NoError(t, err)

	return store
}

func TestIntegrationStore_GetAbsentReturnsZeroAccount(t *testing.T) {
	store := setupStore(t)

	account, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, ledger.Account{}, account)
}

func TestIntegrationStore_SetGetRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	want := ledger.Account{
		TotalOptions:     1000,
		VestedOptions:    600,
		ExercisedOptions: 400,
		VestingStart:     1700000000,
		VestingEnd:       1731536000,
	}

	require.NoError(t, store.Set(ctx, "alice", want))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Set is a full replacement, not a merge.
	want.VestedOptions = 0
	require.NoError(t, store.Set(ctx, "alice", want))

	got, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIntegrationStore_SetAllWritesBothLegs(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "alice", ledger.Account{TotalOptions: 1000, VestedOptions: 400}))
	require.NoError(t, store.Set(ctx, "bob", ledger.Account{TotalOptions: 500}))

	err := store.SetAll(ctx, map[ledger.Identity]ledger.Account{
		"alice": {TotalOptions: 1000, VestedOptions: 200},
		"bob":   {TotalOptions: 700},
	})
	require.NoError(t, err)

	alice, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 200, alice.VestedOptions)

	bob, err := store.Get(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 700, bob.TotalOptions)
}

func TestIntegrationStore_Snapshot(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	empty, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	accounts := map[ledger.Identity]ledger.Account{
		"alice": {TotalOptions: 1000, VestedOptions: 600, ExercisedOptions: 400},
		"bob":   {TotalOptions: 500},
		"carol": {TotalOptions: 250, VestingStart: 100, VestingEnd: 200},
	}

	for identity, account := range accounts {
		require.NoError(t, store.Set(ctx, identity, account))
	}

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, accounts, snapshot)
}

func TestIntegrationClient_PingAndClose(t *testing.T) {
	uri, cleanup := setupMongoContainer(t)
	t.Cleanup(cleanup)

	client, err := New(context.Background(), Config{
		URI:      uri,
		Database: testDatabase,
		Logger:   &log.NopLogger{},
	})
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.ErrorIs(t, client.Ping(context.Background()), ErrClientClosed)
}
