//go:build unit

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/journal"
	"github.com/LerianStudio/lib-esop/esop/log"
	libPostgres "github.com/LerianStudio/lib-esop/esop/postgres"
)

type panicLogger struct {
	seen bool
}

func (logger *panicLogger) Log(context.Context, log.Level, string, ...log.Field) {
	logger.seen = true
}

func (logger *panicLogger) With(...log.Field) log.Logger {
	return logger
}

func (logger *panicLogger) WithGroup(string) log.Logger {
	return logger
}

func (logger *panicLogger) Enabled(log.Level) bool {
	return true
}

func (logger *panicLogger) Sync(context.Context) error {
	return nil
}

func newUnitClient(t *testing.T) *libPostgres.Client {
	t.Helper()

	client, err := libPostgres.New(libPostgres.Config{
		PrimaryDSN: "postgres://localhost:5432/postgres",
		ReplicaDSN: "postgres://localhost:5432/postgres",
	})
	require.NoError(t, err)

	return client
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifier("journal_entries"))
	require.NoError(t, validateIdentifier("journal_01"))

	invalid := []string{
		"",
		"123table",
		"journal-entries",
		"public.journal",
		`journal"; DROP TABLE users; --`,
		"journal entries",
	}

	for _, candidate := range invalid {
		require.Error(t, validateIdentifier(candidate), candidate)
	}

	tooLong := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	require.Len(t, tooLong, 64)
	require.Error(t, validateIdentifier(tooLong))
}

func TestValidateIdentifierPath(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifierPath("public.journal_entries"))
	require.NoError(t, validateIdentifierPath("ledger_01.journal_entries"))

	require.Error(t, validateIdentifierPath("public."))
	require.Error(t, validateIdentifierPath(`public."journal"`))
	require.Error(t, validateIdentifierPath("public.journal-entries"))
}

func TestQuoteIdentifierFunctions(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"journal_entries"`, quoteIdentifier("journal_entries"))
	require.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
	require.Equal(t, `"public"."journal_entries"`, quoteIdentifierPath("public.journal_entries"))
	require.Equal(t, `"public"."jour""nal"`, quoteIdentifierPath(`public.jour"nal`))
}

func TestQuoteIdentifier_StripsNullByte(t *testing.T) {
	t.Parallel()

	quoted := quoteIdentifier("journal\x00_entries")
	require.Equal(t, `"journal_entries"`, quoted)
}

func TestSplitStuckEntriesAndApplyState(t *testing.T) {
	t.Parallel()

	retryID := uuid.New()
	exhaustedID := uuid.New()

	entries := []*journal.Entry{
		{ID: retryID, Attempts: 1, Status: journal.EntryStatusProcessing},
		{ID: exhaustedID, Attempts: 2, Status: journal.EntryStatusProcessing},
		nil,
	}

	retryEntries, exhaustedIDs := splitStuckEntries(entries, 3)
	require.Len(t, retryEntries, 1)
	require.Equal(t, retryID, retryEntries[0].ID)
	require.Equal(t, []uuid.UUID{exhaustedID}, exhaustedIDs)

	now := time.Now().UTC()
	applyStuckReprocessingState(retryEntries, now)
	require.Equal(t, 2, retryEntries[0].Attempts)
	require.Equal(t, journal.EntryStatusProcessing, retryEntries[0].Status)
	require.Equal(t, now, retryEntries[0].UpdatedAt)
}

func TestNewRepository_Validation(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(nil)
	require.Nil(t, repo)
	require.ErrorIs(t, err, ErrConnectionRequired)

	repo, err = NewRepository(newUnitClient(t), WithTableName("bad-table"))
	require.Nil(t, repo)
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestNewRepository_DefaultsTableName(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(newUnitClient(t), WithTableName("   "))
	require.NoError(t, err)
	require.Equal(t, "journal_entries", repo.tableName)
}

func TestRepository_MarkFailedValidation(t *testing.T) {
	t.Parallel()

	repo := &Repository{
		client:             newUnitClient(t),
		tableName:          "journal_entries",
		transactionTimeout: time.Second,
	}

	err := repo.MarkFailed(context.Background(), uuid.Nil, "failed", 3)
	require.ErrorIs(t, err, ErrIDRequired)

	err = repo.MarkFailed(context.Background(), uuid.New(), "failed", 0)
	require.ErrorIs(t, err, ErrMaxAttemptsMustBePositive)
}

func TestRepository_ListPendingByTypeValidation(t *testing.T) {
	t.Parallel()

	repo := &Repository{
		client:             newUnitClient(t),
		tableName:          "journal_entries",
		transactionTimeout: time.Second,
	}

	_, err := repo.ListPendingByType(context.Background(), "   ", 1)
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = repo.ListPendingByType(context.Background(), cn.EventGranted, 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)
}

func TestRepository_ListByParticipantValidation(t *testing.T) {
	t.Parallel()

	repo := &Repository{
		client:             newUnitClient(t),
		tableName:          "journal_entries",
		transactionTimeout: time.Second,
	}

	_, err := repo.ListByParticipant(context.Background(), "   ", 1)
	require.ErrorIs(t, err, ErrParticipantRequired)

	_, err = repo.ListByParticipant(context.Background(), "emp-001", 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)
}

type resultWithRows struct {
	rows int64
	err  error
}

func (result resultWithRows) LastInsertId() (int64, error) {
	return 0, nil
}

func (result resultWithRows) RowsAffected() (int64, error) {
	if result.err != nil {
		return 0, result.err
	}

	return result.rows, nil
}

func TestEnsureRowsAffected(t *testing.T) {
	t.Parallel()

	err := ensureRowsAffected(nil)
	require.ErrorIs(t, err, ErrStateTransitionConflict)

	err = ensureRowsAffected(resultWithRows{err: errors.New("rows failure")})
	require.ErrorContains(t, err, "rows affected")

	err = ensureRowsAffected(resultWithRows{rows: 0})
	require.ErrorIs(t, err, ErrStateTransitionConflict)

	err = ensureRowsAffected(resultWithRows{rows: 1})
	require.NoError(t, err)
}

func TestEnsureRowsAffectedExact(t *testing.T) {
	t.Parallel()

	err := ensureRowsAffectedExact(nil, 1)
	require.ErrorIs(t, err, ErrStateTransitionConflict)

	err = ensureRowsAffectedExact(resultWithRows{err: errors.New("rows failure")}, 1)
	require.ErrorContains(t, err, "rows affected")

	err = ensureRowsAffectedExact(resultWithRows{rows: 0}, 1)
	require.ErrorIs(t, err, ErrStateTransitionConflict)

	err = ensureRowsAffectedExact(resultWithRows{rows: 1}, 2)
	require.ErrorIs(t, err, ErrStateTransitionConflict)

	err = ensureRowsAffectedExact(resultWithRows{rows: 2}, 2)
	require.NoError(t, err)
}

func TestValidateCreateEntry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	valid := &journal.Entry{
		ID:          uuid.New(),
		EventType:   cn.EventGranted,
		Participant: "emp-001",
		Payload:     []byte(`{"amount":100}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	require.NoError(t, validateCreateEntry(valid))

	err := validateCreateEntry(nil)
	require.ErrorIs(t, err, journal.ErrEntryRequired)

	err = validateCreateEntry(&journal.Entry{EventType: cn.EventGranted, Participant: "emp-001", Payload: []byte(`{"ok":true}`)})
	require.ErrorIs(t, err, ErrIDRequired)

	err = validateCreateEntry(&journal.Entry{ID: uuid.New(), EventType: "   ", Participant: "emp-001", Payload: []byte(`{"ok":true}`)})
	require.ErrorIs(t, err, ErrEventTypeRequired)

	err = validateCreateEntry(&journal.Entry{ID: uuid.New(), EventType: cn.EventGranted, Payload: []byte(`{"ok":true}`)})
	require.ErrorIs(t, err, ErrParticipantRequired)

	err = validateCreateEntry(&journal.Entry{ID: uuid.New(), EventType: cn.EventGranted, Participant: "emp-001"})
	require.ErrorIs(t, err, journal.ErrEntryPayloadRequired)

	err = validateCreateEntry(&journal.Entry{ID: uuid.New(), EventType: cn.EventGranted, Participant: "emp-001", Payload: []byte("not-json")})
	require.ErrorIs(t, err, journal.ErrEntryPayloadNotJSON)

	oversizedPayload := make([]byte, journal.DefaultMaxPayloadBytes+1)
	err = validateCreateEntry(&journal.Entry{ID: uuid.New(), EventType: cn.EventGranted, Participant: "emp-001", Payload: oversizedPayload})
	require.ErrorIs(t, err, journal.ErrEntryPayloadTooLarge)
}

func TestLogSanitizedError_TypedNilLoggerDoesNotPanic(t *testing.T) {
	t.Parallel()

	var logger *panicLogger

	require.NotPanics(t, func() {
		logSanitizedError(logger, context.Background(), "msg", errors.New("boom"))
	})
}

func TestNewRepository_WithTypedNilLoggerFallsBackToNop(t *testing.T) {
	t.Parallel()

	var logger *panicLogger

	repo, err := NewRepository(newUnitClient(t), WithLogger(logger))
	require.NoError(t, err)
	require.NotNil(t, repo)
	require.NotNil(t, repo.logger)
}

func TestNormalizedCreateValues_EnforcesInitialLifecycleInvariants(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	publishedAt := now.Add(-time.Minute)

	values := normalizedCreateValues(&journal.Entry{
		ID:          uuid.New(),
		EventType:   cn.EventGranted,
		Participant: "emp-001",
		Payload:     []byte(`{"amount":100}`),
		Status:      journal.EntryStatusPublished,
		Attempts:    7,
		PublishedAt: &publishedAt,
		LastError:   "internal details",
		CreatedAt:   now,
		UpdatedAt:   now.Add(-time.Hour),
	}, now)

	require.Equal(t, journal.EntryStatusPending, values.status)
	require.Equal(t, 0, values.attempts)
	require.Nil(t, values.publishedAt)
	require.Empty(t, values.lastError)
	require.Equal(t, now, values.createdAt)
	require.Equal(t, now, values.updatedAt)
}

func TestNormalizedCreateValues_TrimsEventTypeAndParticipant(t *testing.T) {
	t.Parallel()

	values := normalizedCreateValues(&journal.Entry{
		ID:          uuid.New(),
		EventType:   "  GRANTED  ",
		Participant: "  emp-001  ",
		Payload:     []byte(`{"amount":100}`),
	}, time.Now().UTC())

	require.Equal(t, cn.EventGranted, values.eventType)
	require.Equal(t, "emp-001", values.participant)
}
