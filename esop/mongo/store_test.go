//go:build unit

package mongo

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-esop/esop/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_NilClient(t *testing.T) {
	t.Parallel()

	store, err := NewStore(nil)
	assert.Nil(t, store)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestNewStore_EmptyCollection(t *testing.T) {
	t.Parallel()

	client, err := New(context.Background(), baseConfig(), withDeps(successDeps()))
	require.NoError(t, err)

	store, err := NewStore(client, WithCollection("   "))
	assert.Nil(t, store)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewStore_Defaults(t *testing.T) {
	t.Parallel()

	client, err := New(context.Background(), baseConfig(), withDeps(successDeps()))
	require.NoError(t, err)

	store, err := NewStore(client)
	require.NoError(t, err)
	assert.Equal(t, DefaultCollection, store.collection)

	store, err = NewStore(client, WithCollection("cap_table"))
	require.NoError(t, err)
	assert.Equal(t, "cap_table", store.collection)
}

func TestStore_NilReceiver(t *testing.T) {
	t.Parallel()

	var store *Store

	_, err := store.Get(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNilStore)

	err = store.Set(context.Background(), "alice", ledger.Account{})
	assert.ErrorIs(t, err, ErrNilStore)

	err = store.SetAll(context.Background(), map[ledger.Identity]ledger.Account{"alice": {}})
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = store.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestAccountDocument_RoundTrip(t *testing.T) {
	t.Parallel()

	account := ledger.Account{
		TotalOptions:     1000,
		VestedOptions:    600,
		ExercisedOptions: 400,
		VestingStart:     1700000000,
		VestingEnd:       1731536000,
	}

	doc := newAccountDocument("alice", account)
	assert.Equal(t, "alice", doc.ID)
	assert.Equal(t, account, doc.account())
}
