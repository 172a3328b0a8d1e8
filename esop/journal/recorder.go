package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-esop/esop/internal/nilcheck"
	"github.com/LerianStudio/lib-esop/esop/ledger"
)

// Recorder persists ledger events as pending journal entries. It implements
// ledger.Journal so an Engine can swap its in-memory journal for the durable
// pipeline without touching operation code.
type Recorder struct {
	repo Repository
}

var _ ledger.Journal = (*Recorder)(nil)

// NewRecorder creates a Recorder writing through repo.
func NewRecorder(repo Repository) (*Recorder, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	return &Recorder{repo: repo}, nil
}

// Append converts event into a pending journal entry and persists it. The
// write is synchronous: a failure aborts the ledger operation before any
// store mutation.
func (recorder *Recorder) Append(ctx context.Context, event ledger.Event) error {
	entry, err := recorder.buildEntry(ctx, event)
	if err != nil {
		return err
	}

	if _, err := recorder.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}

	return nil
}

// AppendWithTx is Append inside a caller-owned transaction, so a backed store
// write and its journal entry commit or roll back together.
func (recorder *Recorder) AppendWithTx(ctx context.Context, tx Tx, event ledger.Event) error {
	entry, err := recorder.buildEntry(ctx, event)
	if err != nil {
		return err
	}

	if _, err := recorder.repo.CreateWithTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}

	return nil
}

func (recorder *Recorder) buildEntry(ctx context.Context, event ledger.Event) (*Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal journal payload: %w", err)
	}

	entry, err := NewEntry(ctx, event.Type, string(event.Participant), payload)
	if err != nil {
		return nil, fmt.Errorf("build journal entry: %w", err)
	}

	return entry, nil
}
