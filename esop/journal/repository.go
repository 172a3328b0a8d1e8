package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so a ledger store write and its journal
// entry can share one transaction without an adapter layer in the write path.
type Tx = *sql.Tx

// Repository defines persistence operations for journal entries.
type Repository interface {
	Create(ctx context.Context, entry *Entry) (*Entry, error)
	CreateWithTx(ctx context.Context, tx Tx, entry *Entry) (*Entry, error)
	ListPending(ctx context.Context, limit int) ([]*Entry, error)
	ListPendingByType(ctx context.Context, eventType string, limit int) ([]*Entry, error)
	ListByParticipant(ctx context.Context, participant string, limit int) ([]*Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error
	ListFailedForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Entry, error)
	ResetForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Entry, error)
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Entry, error)
	MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error
}
