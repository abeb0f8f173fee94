package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one completed claim. Records are append-only and form the
// audit trail; they are never deleted in normal operation.
type Record struct {
	Identity  string    `json:"identity"`
	Address   string    `json:"address"` // canonical lower-case hex
	ClaimedAt time.Time `json:"claimedAt"`
	TxRef     string    `json:"txRef"`
}

// Store abstracts claim persistence.
type Store interface {
	// LastClaimByAddress returns the latest successful claim time for the
	// address, or ok=false when the address has never claimed.
	LastClaimByAddress(ctx context.Context, address string) (time.Time, bool, error)
	// RecentClaimsByIdentity returns all claims by the identity strictly
	// newer than since, ordered by claim time ascending.
	RecentClaimsByIdentity(ctx context.Context, identity string, since time.Time) ([]Record, error)
	// Append durably persists a new record.
	Append(ctx context.Context, rec Record) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu            sync.RWMutex
	records       []Record
	lastByAddress map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lastByAddress: make(map[string]time.Time),
	}
}

func (m *MemoryStore) LastClaimByAddress(_ context.Context, address string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.lastByAddress[address]
	return ts, ok, nil
}

func (m *MemoryStore) RecentClaimsByIdentity(_ context.Context, identity string, since time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterByIdentity(m.records, identity, since), nil
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if last, ok := m.lastByAddress[rec.Address]; !ok || rec.ClaimedAt.After(last) {
		m.lastByAddress[rec.Address] = rec.ClaimedAt
	}
	return nil
}

// Len reports the number of records. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func filterByIdentity(records []Record, identity string, since time.Time) []Record {
	var out []Record
	for _, rec := range records {
		if rec.Identity != identity {
			continue
		}
		if !rec.ClaimedAt.After(since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out
}
