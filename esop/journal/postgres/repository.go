package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-esop/esop"
	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	"github.com/LerianStudio/lib-esop/esop/journal"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry"
	libPostgres "github.com/LerianStudio/lib-esop/esop/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrStateTransitionConflict   = errors.New("journal entry state transition conflict")
	ErrRepositoryNotInitialized  = errors.New("journal repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrParticipantRequired       = errors.New("participant is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrEventTypeRequired         = errors.New("event type is required")
	ErrNoPrimaryDB               = errors.New("no primary database configured")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")
	identifierPattern            = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout    = 30 * time.Second
	journalColumns               = "id, event_type, participant, payload, status, attempts, published_at, last_error, created_at, updated_at"
)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists journal entries in PostgreSQL.
type Repository struct {
	client             *libPostgres.Client
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ journal.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL journal repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             log.NewNop(),
		tableName:          "journal_entries",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if nilcheck.Interface(repo.logger) {
		repo.logger = log.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "journal_entries"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// GetByID retrieves a journal entry by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_journal_entry_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*journal.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + journalColumns + " FROM " + table + " WHERE id = $1"

		row := tx.QueryRowContext(ctx, query, id)

		return scanJournalEntry(row)
	})
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			opentelemetry.HandleSpanError(span, "failed to get journal entry", err)
			logSanitizedError(logger, ctx, "failed to get journal entry", err)
		}

		return nil, fmt.Errorf("getting journal entry: %w", err)
	}

	return result, nil
}

// Create stores a new journal entry using a new transaction.
func (repo *Repository) Create(ctx context.Context, entry *journal.Entry) (*journal.Entry, error) {
	return repo.create(ctx, nil, entry)
}

// CreateWithTx stores a new journal entry using an existing transaction.
func (repo *Repository) CreateWithTx(
	ctx context.Context,
	tx journal.Tx,
	entry *journal.Entry,
) (*journal.Entry, error) {
	return repo.create(ctx, tx, entry)
}

func (repo *Repository) create(
	ctx context.Context,
	tx *sql.Tx,
	entry *journal.Entry,
) (*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := validateCreateEntry(entry); err != nil {
		return nil, err
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_journal_entry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*journal.Entry, error) {
		values := normalizedCreateValues(entry, time.Now().UTC())
		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (id, event_type, participant, payload, status, attempts, published_at, last_error, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING " + journalColumns

		row := execTx.QueryRowContext(
			ctx,
			query,
			values.id,
			values.eventType,
			values.participant,
			values.payload,
			values.status,
			values.attempts,
			values.publishedAt,
			values.lastError,
			values.createdAt,
			values.updatedAt,
		)

		return scanJournalEntry(row)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to create journal entry", err)
		logSanitizedError(logger, ctx, "failed to create journal entry", err)

		return nil, fmt.Errorf("creating journal entry: %w", err)
	}

	return result, nil
}

// ListPending retrieves pending journal entries up to the given limit and
// moves them to PROCESSING in the same transaction.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_journal_pending")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		entries, err := repo.listPendingRows(ctx, tx, limit)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := collectEntryIDs(entries)
		if len(ids) == 0 {
			return entries, nil
		}

		now := time.Now().UTC()

		if err := repo.markEntriesProcessing(ctx, tx, now, ids, journal.EntryStatusPending); err != nil {
			return nil, err
		}

		applyProcessingState(entries, now)

		return entries, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list journal entries", err)
		logSanitizedError(logger, ctx, "failed to list journal entries", err)

		return nil, fmt.Errorf("listing pending entries: %w", err)
	}

	return result, nil
}

// ListPendingByType retrieves pending journal entries filtered by event type.
func (repo *Repository) ListPendingByType(
	ctx context.Context,
	eventType string,
	limit int,
) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	eventType = strings.TrimSpace(eventType)

	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_journal_pending_by_type")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		entries, err := repo.listPendingByTypeRows(ctx, tx, eventType, limit)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := collectEntryIDs(entries)
		if len(ids) == 0 {
			return entries, nil
		}

		now := time.Now().UTC()

		if err := repo.markEntriesProcessing(ctx, tx, now, ids, journal.EntryStatusPending); err != nil {
			return nil, err
		}

		applyProcessingState(entries, now)

		return entries, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list journal entries by type", err)
		logSanitizedError(logger, ctx, "failed to list journal entries by type", err)

		return nil, fmt.Errorf("listing pending entries by type: %w", err)
	}

	return result, nil
}

// ListByParticipant retrieves journal entries for one participant across all
// statuses in append order. It is an audit read and takes no row locks.
func (repo *Repository) ListByParticipant(
	ctx context.Context,
	participant string,
	limit int,
) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	participant = strings.TrimSpace(participant)

	if participant == "" {
		return nil, ErrParticipantRequired
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_journal_by_participant")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + journalColumns + " FROM " + table +
			" WHERE participant = $1 ORDER BY created_at ASC LIMIT $2"

		return queryJournalEntries(ctx, tx, query, []any{participant, limit}, limit, "querying entries by participant")
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list journal entries by participant", err)
		logSanitizedError(logger, ctx, "failed to list journal entries by participant", err)

		return nil, fmt.Errorf("listing entries by participant: %w", err)
	}

	return result, nil
}

// MarkPublished marks a journal entry as published.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusPublished); err != nil {
		return fmt.Errorf("mark published transition: %w", err)
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_journal_published")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET status = $1::journal_entry_status, published_at = $2, updated_at = $3 " +
			"WHERE id = $4 AND status = $5::journal_entry_status"

		result, execErr := tx.ExecContext(
			ctx,
			query,
			journal.EntryStatusPublished,
			publishedAt,
			time.Now().UTC(),
			id,
			journal.EntryStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark journal entry published", err)
		logSanitizedError(logger, ctx, "failed to mark journal entry published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed marks a journal entry as failed and may transition to invalid
// once attempts reach maxAttempts.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusFailed); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusInvalid); err != nil {
		return fmt.Errorf("mark failed->invalid transition: %w", err)
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	errMsg = journal.SanitizeErrorMessageForStorage(errMsg)

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_journal_failed")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END::journal_entry_status, " +
			"attempts = attempts + 1, " +
			"last_error = CASE WHEN attempts + 1 >= $1 THEN $4 ELSE $5 END, " +
			"updated_at = $6 WHERE id = $7 AND status = $8::journal_entry_status"

		result, execErr := tx.ExecContext(
			ctx,
			query,
			maxAttempts,
			journal.EntryStatusInvalid,
			journal.EntryStatusFailed,
			"max dispatch attempts exceeded",
			errMsg,
			time.Now().UTC(),
			id,
			journal.EntryStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark journal entry failed", err)
		logSanitizedError(logger, ctx, "failed to mark journal entry failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// ListFailedForRetry lists failed entries eligible for retry without
// changing their state.
func (repo *Repository) ListFailedForRetry(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_failed_for_retry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		return repo.listFailedForRetryRows(ctx, tx, limit, failedBefore, maxAttempts, false)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list failed entries for retry", err)
		logSanitizedError(logger, ctx, "failed to list failed entries for retry", err)

		return nil, fmt.Errorf("listing failed entries for retry: %w", err)
	}

	return result, nil
}

// ResetForRetry atomically selects and resets failed entries to processing.
func (repo *Repository) ResetForRetry(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_for_retry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		entries, err := repo.listFailedForRetryRows(ctx, tx, limit, failedBefore, maxAttempts, true)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		ids := collectEntryIDs(entries)
		if len(ids) == 0 {
			return entries, nil
		}

		now := time.Now().UTC()

		if err := repo.markEntriesProcessing(ctx, tx, now, ids, journal.EntryStatusFailed); err != nil {
			return nil, err
		}

		applyProcessingState(entries, now)

		return entries, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset entries for retry", err)
		logSanitizedError(logger, ctx, "failed to reset entries for retry", err)

		return nil, fmt.Errorf("resetting entries for retry: %w", err)
	}

	return result, nil
}

// ResetStuckProcessing reclaims long-running processing entries. Entries with
// attempts still below maxAttempts are returned for redispatch; the rest are
// marked invalid.
func (repo *Repository) ResetStuckProcessing(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) ([]*journal.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_journal_processing")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*journal.Entry, error) {
		entries, err := repo.listStuckProcessingRows(ctx, tx, limit, processingBefore)
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return entries, nil
		}

		retryEntries, exhaustedIDs := splitStuckEntries(entries, maxAttempts)
		now := time.Now().UTC()

		retryIDs := collectEntryIDs(retryEntries)
		if len(retryIDs) > 0 {
			if err := repo.markStuckEntriesReprocessing(ctx, tx, now, retryIDs); err != nil {
				return nil, err
			}

			applyStuckReprocessingState(retryEntries, now)
		}

		if len(exhaustedIDs) > 0 {
			if err := repo.markStuckEntriesInvalid(ctx, tx, now, exhaustedIDs); err != nil {
				return nil, err
			}
		}

		return retryEntries, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck entries", err)
		logSanitizedError(logger, ctx, "failed to reset stuck entries", err)

		return nil, fmt.Errorf("reset stuck entries: %w", err)
	}

	return result, nil
}

// MarkInvalid marks a journal entry as invalid.
func (repo *Repository) MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusInvalid); err != nil {
		return fmt.Errorf("mark invalid transition: %w", err)
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	errMsg = journal.SanitizeErrorMessageForStorage(errMsg)

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_journal_invalid")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET status = $1::journal_entry_status, last_error = $2, updated_at = $3 " +
			"WHERE id = $4 AND status = $5::journal_entry_status"

		result, execErr := tx.ExecContext(
			ctx,
			query,
			journal.EntryStatusInvalid,
			errMsg,
			time.Now().UTC(),
			id,
			journal.EntryStatusProcessing,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark journal entry invalid", err)
		logSanitizedError(logger, ctx, "failed to mark journal entry invalid", err)

		return fmt.Errorf("marking invalid: %w", err)
	}

	return nil
}

func (repo *Repository) listPendingRows(ctx context.Context, tx *sql.Tx, limit int) ([]*journal.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + journalColumns + " FROM " + table + " WHERE status = $1" +
		" ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

	return queryJournalEntries(ctx, tx, query, []any{journal.EntryStatusPending, limit}, limit, "querying pending entries")
}

func (repo *Repository) listPendingByTypeRows(
	ctx context.Context,
	tx *sql.Tx,
	eventType string,
	limit int,
) ([]*journal.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + journalColumns + " FROM " + table + " WHERE status = $1 AND event_type = $2" +
		" ORDER BY created_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	args := []any{journal.EntryStatusPending, eventType, limit}

	return queryJournalEntries(ctx, tx, query, args, limit, "querying pending entries by type")
}

func (repo *Repository) listFailedForRetryRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
	forUpdate bool,
) ([]*journal.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + journalColumns + " FROM " + table +
		" WHERE status = $1 AND attempts < $2 AND updated_at <= $3" +
		" ORDER BY updated_at ASC LIMIT $4"

	if forUpdate {
		query += " FOR UPDATE SKIP LOCKED"
	}

	args := []any{journal.EntryStatusFailed, maxAttempts, failedBefore, limit}

	return queryJournalEntries(ctx, tx, query, args, limit, "querying failed entries for retry")
}

func (repo *Repository) listStuckProcessingRows(
	ctx context.Context,
	tx *sql.Tx,
	limit int,
	processingBefore time.Time,
) ([]*journal.Entry, error) {
	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + journalColumns + " FROM " + table +
		" WHERE status = $1 AND updated_at <= $2" +
		" ORDER BY updated_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	args := []any{journal.EntryStatusProcessing, processingBefore, limit}

	return queryJournalEntries(ctx, tx, query, args, limit, "querying stuck entries")
}

func (repo *Repository) markEntriesProcessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
	fromStatus string,
) error {
	return repo.markEntriesWithStatus(ctx, tx, now, journal.EntryStatusProcessing, ids, fromStatus)
}

func (repo *Repository) markEntriesWithStatus(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	status string,
	ids []uuid.UUID,
	fromStatus string,
) error {
	if err := journal.ValidateTransition(fromStatus, status); err != nil {
		return fmt.Errorf("status transition: %w", err)
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::journal_entry_status, updated_at = $2 WHERE id = ANY($3::uuid[]) AND status = $4::journal_entry_status"

	result, err := tx.ExecContext(ctx, query, status, now, ids, fromStatus)
	if err != nil {
		return fmt.Errorf("updating status to %s: %w", status, err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating status to %s: %w", status, err)
	}

	return nil
}

func (repo *Repository) markStuckEntriesReprocessing(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusProcessing); err != nil {
		return fmt.Errorf("stuck reprocessing transition: %w", err)
	}

	// Intentionally keep PROCESSING -> PROCESSING while incrementing attempts.
	// If we flipped to PENDING before returning rows to the caller, another
	// dispatcher could acquire and publish the same entry immediately after this
	// transaction commits. Keeping PROCESSING narrows duplicate publication
	// windows to later stuck-recovery cycles.
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::journal_entry_status, attempts = attempts + 1, updated_at = $2 " +
		"WHERE id = ANY($3::uuid[]) AND status = $4::journal_entry_status"

	result, err := tx.ExecContext(ctx, query, journal.EntryStatusProcessing, now, ids, journal.EntryStatusProcessing)
	if err != nil {
		return fmt.Errorf("updating stuck entries to processing: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck entries to processing: %w", err)
	}

	return nil
}

func (repo *Repository) markStuckEntriesInvalid(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	ids []uuid.UUID,
) error {
	if err := journal.ValidateTransition(journal.EntryStatusProcessing, journal.EntryStatusInvalid); err != nil {
		return fmt.Errorf("stuck invalid transition: %w", err)
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::journal_entry_status, attempts = attempts + 1, " +
		"last_error = $2, updated_at = $3 WHERE id = ANY($4::uuid[]) AND status = $5::journal_entry_status"

	result, err := tx.ExecContext(
		ctx,
		query,
		journal.EntryStatusInvalid,
		"max dispatch attempts exceeded",
		now,
		ids,
		journal.EntryStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("updating stuck entries to invalid: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("updating stuck entries to invalid: %w", err)
	}

	return nil
}

func splitStuckEntries(entries []*journal.Entry, maxAttempts int) ([]*journal.Entry, []uuid.UUID) {
	retryEntries := make([]*journal.Entry, 0, len(entries))
	exhaustedIDs := make([]uuid.UUID, 0)

	for _, entry := range entries {
		if entry == nil || entry.ID == uuid.Nil {
			continue
		}

		if entry.Attempts+1 >= maxAttempts {
			exhaustedIDs = append(exhaustedIDs, entry.ID)

			continue
		}

		retryEntries = append(retryEntries, entry)
	}

	return retryEntries, exhaustedIDs
}

func applyStuckReprocessingState(entries []*journal.Entry, now time.Time) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		entry.Attempts++
		entry.Status = journal.EntryStatusProcessing
		entry.UpdatedAt = now
	}
}

func collectEntryIDs(entries []*journal.Entry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))

	for _, entry := range entries {
		if entry == nil || entry.ID == uuid.Nil {
			continue
		}

		ids = append(ids, entry.ID)
	}

	return ids
}

func applyProcessingState(entries []*journal.Entry, now time.Time) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		entry.Status = journal.EntryStatusProcessing
		entry.UpdatedAt = now
	}
}

func scanJournalEntry(scanner interface{ Scan(dest ...any) error }) (*journal.Entry, error) {
	var entry journal.Entry

	var lastError sql.NullString

	if err := scanner.Scan(
		&entry.ID,
		&entry.EventType,
		&entry.Participant,
		&entry.Payload,
		&entry.Status,
		&entry.Attempts,
		&entry.PublishedAt,
		&lastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning journal entry: %w", err)
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	return &entry, nil
}

// withTxOrExisting runs fn in the caller's transaction when one is supplied,
// otherwise begins and commits its own on the primary.
func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	if repo == nil {
		return nil, ErrConnectionRequired
	}

	if repo.primaryDBLookup != nil {
		return repo.primaryDBLookup(ctx)
	}

	return resolvePrimaryDB(ctx, repo.client)
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if err := validateIdentifier(trimmed); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", journal.SanitizeErrorMessageForStorage(err.Error())))
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return ErrStateTransitionConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

type createValues struct {
	id          uuid.UUID
	eventType   string
	participant string
	payload     []byte
	status      string
	attempts    int
	publishedAt *time.Time
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
}

// normalizedCreateValues forces new rows into the initial lifecycle state
// regardless of what the caller set on the entry.
func normalizedCreateValues(entry *journal.Entry, now time.Time) createValues {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() || updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	return createValues{
		id:          entry.ID,
		eventType:   strings.TrimSpace(entry.EventType),
		participant: strings.TrimSpace(entry.Participant),
		payload:     entry.Payload,
		status:      journal.EntryStatusPending,
		attempts:    0,
		publishedAt: nil,
		lastError:   "",
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

func validateCreateEntry(entry *journal.Entry) error {
	if entry == nil {
		return journal.ErrEntryRequired
	}

	if entry.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(entry.EventType) == "" {
		return ErrEventTypeRequired
	}

	if strings.TrimSpace(entry.Participant) == "" {
		return ErrParticipantRequired
	}

	if len(entry.Payload) == 0 {
		return journal.ErrEntryPayloadRequired
	}

	if len(entry.Payload) > journal.DefaultMaxPayloadBytes {
		return journal.ErrEntryPayloadTooLarge
	}

	if !json.Valid(entry.Payload) {
		return journal.ErrEntryPayloadNotJSON
	}

	return nil
}

func queryJournalEntries(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*journal.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	entries := make([]*journal.Entry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanJournalEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", scanErr)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}
