package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists records to a single JSON file, flushed synchronously
// after every append. Suitable for a single-process deployment; swap in the
// Postgres store when more than one instance shares the ledger.
type FileStore struct {
	path          string
	mu            sync.Mutex
	records       []Record
	lastByAddress map[string]time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:          path,
		lastByAddress: make(map[string]time.Time),
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.records); err != nil {
		return err
	}
	for _, rec := range f.records {
		if last, ok := f.lastByAddress[rec.Address]; !ok || rec.ClaimedAt.After(last) {
			f.lastByAddress[rec.Address] = rec.ClaimedAt
		}
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) LastClaimByAddress(_ context.Context, address string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.lastByAddress[address]
	return ts, ok, nil
}

func (f *FileStore) RecentClaimsByIdentity(_ context.Context, identity string, since time.Time) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filterByIdentity(f.records, identity, since), nil
}

func (f *FileStore) Append(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records = append(f.records, rec)
	if err := f.persist(); err != nil {
		// keep the in-memory view consistent with disk
		f.records = f.records[:len(f.records)-1]
		return fmt.Errorf("persist ledger: %w", err)
	}
	if last, ok := f.lastByAddress[rec.Address]; !ok || rec.ClaimedAt.After(last) {
		f.lastByAddress[rec.Address] = rec.ClaimedAt
	}
	return nil
}
