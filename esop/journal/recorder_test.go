//go:build unit

package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/ledger"
)

func TestNewRecorder(t *testing.T) {
	t.Parallel()

	recorder, err := NewRecorder(&fakeRepo{})
	require.NoError(t, err)
	require.NotNil(t, recorder)
}

func TestNewRecorder_RequiresRepository(t *testing.T) {
	t.Parallel()

	recorder, err := NewRecorder(nil)
	require.Nil(t, recorder)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	var typedNil *fakeRepo

	recorder, err = NewRecorder(typedNil)
	require.Nil(t, recorder)
	require.ErrorIs(t, err, ErrRepositoryRequired)
}

func TestRecorder_AppendCreatesPendingEntry(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	recorder, err := NewRecorder(repo)
	require.NoError(t, err)

	event := ledger.NewGrantedEvent("emp-001", 1000, 1700000000)

	require.NoError(t, recorder.Append(context.Background(), event))
	require.Len(t, repo.created, 1)

	entry := repo.created[0]
	require.Equal(t, cn.EventGranted, entry.EventType)
	require.Equal(t, "emp-001", entry.Participant)
	require.Equal(t, EntryStatusPending, entry.Status)
	require.Equal(t, 0, entry.Attempts)

	var decoded ledger.Event

	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	require.Equal(t, event, decoded)
}

func TestRecorder_AppendPropagatesCreateError(t *testing.T) {
	t.Parallel()

	createErr := errors.New("insert failed")
	repo := &fakeRepo{createErr: createErr}
	recorder, err := NewRecorder(repo)
	require.NoError(t, err)

	err = recorder.Append(context.Background(), ledger.NewExercisedEvent("emp-001", 50, 1700000000))
	require.ErrorIs(t, err, createErr)
	require.ErrorContains(t, err, "append journal entry")
}

func TestRecorder_AppendRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	recorder, err := NewRecorder(repo)
	require.NoError(t, err)

	err = recorder.Append(context.Background(), ledger.Event{Participant: "emp-001"})
	require.Error(t, err)
	require.ErrorContains(t, err, "build journal entry")
	require.Empty(t, repo.created)
}

func TestRecorder_AppendWithTxUsesTransactionalCreate(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	recorder, err := NewRecorder(repo)
	require.NoError(t, err)

	event := ledger.NewScheduleSetEvent("emp-002", 1700000000, 1800000000, 1700000000)

	require.NoError(t, recorder.AppendWithTx(context.Background(), nil, event))
	require.Empty(t, repo.created)
	require.Len(t, repo.createdWithTx, 1)

	entry := repo.createdWithTx[0]
	require.Equal(t, cn.EventScheduleSet, entry.EventType)
	require.Equal(t, "emp-002", entry.Participant)
	require.Equal(t, EntryStatusPending, entry.Status)
}
