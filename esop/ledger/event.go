package ledger

import (
	"context"
	"slices"
	"sync"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
)

// Event is a domain event recording a completed ledger mutation. Amount is
// meaningful for GRANTED and EXERCISED events; VestingStart and VestingEnd
// are meaningful for SCHEDULE_SET events. OccurredAt is the time supplied to
// the operation, never a clock read.
type Event struct {
	Type         string   `json:"type"`
	Participant  Identity `json:"participant"`
	Amount       uint64   `json:"amount"`
	VestingStart int64    `json:"vestingStart"`
	VestingEnd   int64    `json:"vestingEnd"`
	OccurredAt   int64    `json:"occurredAt"`
}

// NewGrantedEvent records options granted to participant, whether by a
// direct grant or a transfer receipt.
func NewGrantedEvent(participant Identity, amount uint64, occurredAt int64) Event {
	return Event{
		Type:        cn.EventGranted,
		Participant: participant,
		Amount:      amount,
		OccurredAt:  occurredAt,
	}
}

// NewScheduleSetEvent records a vesting schedule assigned to participant.
func NewScheduleSetEvent(participant Identity, start, end, occurredAt int64) Event {
	return Event{
		Type:         cn.EventScheduleSet,
		Participant:  participant,
		VestingStart: start,
		VestingEnd:   end,
		OccurredAt:   occurredAt,
	}
}

// NewExercisedEvent records options exercised by participant.
func NewExercisedEvent(participant Identity, amount uint64, occurredAt int64) Event {
	return Event{
		Type:        cn.EventExercised,
		Participant: participant,
		Amount:      amount,
		OccurredAt:  occurredAt,
	}
}

// Journal is an append-only record of domain events. Append either records
// the event or returns an error with no partial write; the Engine aborts an
// operation on append failure, before any Store write.
type Journal interface {
	Append(ctx context.Context, event Event) error
}

// MemoryJournal is an in-memory Journal safe for concurrent use. It is the
// Engine default.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append records the event. It never fails.
func (j *MemoryJournal) Append(_ context.Context, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)

	return nil
}

// Events returns a copy of all recorded events in append order.
func (j *MemoryJournal) Events() []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return slices.Clone(j.events)
}

// Len returns the number of recorded events.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return len(j.events)
}
