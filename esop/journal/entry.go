package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-esop/esop"
	"github.com/LerianStudio/lib-esop/esop/assert"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
)

const (
	EntryStatusPending     = cn.JournalStatusPending
	EntryStatusProcessing  = cn.JournalStatusProcessing
	EntryStatusPublished   = cn.JournalStatusPublished
	EntryStatusFailed      = cn.JournalStatusFailed
	EntryStatusInvalid     = cn.JournalStatusInvalid
	DefaultMaxPayloadBytes = 1 << 20
)

// Entry is one ledger event stored in the journal for reliable delivery.
// Participant carries the identity the event concerns; Payload is the
// JSON-encoded ledger event.
type Entry struct {
	ID          uuid.UUID
	EventType   string
	Participant string
	Payload     []byte
	Status      string
	Attempts    int
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEntry creates a valid journal entry initialized as pending. IDs are
// UUIDv7 so entry order roughly follows creation time.
func NewEntry(
	ctx context.Context,
	eventType string,
	participant string,
	payload []byte,
) (*Entry, error) {
	entryID, err := esop.GenerateUUIDv7()
	if err != nil {
		return nil, fmt.Errorf("generate journal entry id: %w", err)
	}

	return NewEntryWithID(ctx, entryID, eventType, participant, payload)
}

// NewEntryWithID creates a valid journal entry initialized as pending using a caller-provided ID.
func NewEntryWithID(
	ctx context.Context,
	entryID uuid.UUID,
	eventType string,
	participant string,
	payload []byte,
) (*Entry, error) {
	asserter := assert.New(ctx, nil, "journal", "journal.new_entry")

	if err := asserter.That(ctx, entryID != uuid.Nil, "entry id is required"); err != nil {
		return nil, fmt.Errorf("journal entry id: %w", err)
	}

	eventType = strings.TrimSpace(eventType)

	if err := asserter.NotEmpty(ctx, eventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("journal entry type: %w", err)
	}

	participant = strings.TrimSpace(participant)

	if err := asserter.NotEmpty(ctx, participant, "participant is required"); err != nil {
		return nil, fmt.Errorf("journal entry participant: %w", err)
	}

	if err := asserter.That(ctx, len(payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("journal entry payload: %w", err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntryPayloadTooLarge, err)
	}

	if err := asserter.That(ctx, json.Valid(payload), "payload must be valid JSON"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntryPayloadNotJSON, err)
	}

	now := time.Now().UTC()

	return &Entry{
		ID:          entryID,
		EventType:   eventType,
		Participant: participant,
		Payload:     payload,
		Status:      EntryStatusPending,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
