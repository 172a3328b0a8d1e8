package ledger

import (
	"context"
	"maps"
	"sync"
)

// Store persists one Account per Identity.
//
// Get returns the zero-valued Account for identities never written; absence
// is not an error. Set is an upsert replacing the whole record. The Engine
// never writes partial fields: it reads the whole record, mutates a local
// copy, and writes it back. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, identity Identity) (Account, error)
	Set(ctx context.Context, identity Identity, account Account) error
}

// BatchStore is implemented by stores that can write several accounts in one
// call. The Engine prefers it for transfers, which touch two accounts.
type BatchStore interface {
	Store
	SetAll(ctx context.Context, accounts map[Identity]Account) error
}

// Snapshotter is implemented by stores that can enumerate every account, for
// example to build cap-table reports.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[Identity]Account, error)
}

// MemoryStore is an in-memory Store safe for concurrent use. The zero value
// is ready to use. Get and Set never fail.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[Identity]Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[Identity]Account)}
}

// Get returns the stored account, or the zero-valued Account when absent.
func (s *MemoryStore) Get(_ context.Context, identity Identity) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accounts[identity], nil
}

// Set stores the account under identity, replacing any previous record.
func (s *MemoryStore) Set(_ context.Context, identity Identity, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accounts == nil {
		s.accounts = make(map[Identity]Account)
	}

	s.accounts[identity] = account

	return nil
}

// SetAll stores every account in one critical section.
func (s *MemoryStore) SetAll(_ context.Context, accounts map[Identity]Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accounts == nil {
		s.accounts = make(map[Identity]Account, len(accounts))
	}

	maps.Copy(s.accounts, accounts)

	return nil
}

// Snapshot returns a copy of every stored account.
func (s *MemoryStore) Snapshot(_ context.Context) (map[Identity]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[Identity]Account, len(s.accounts))
	maps.Copy(snapshot, s.accounts)

	return snapshot, nil
}
