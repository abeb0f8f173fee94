// Package whitelist holds the administratively-maintained mapping of
// identities to their pre-approved destination addresses, plus the queue of
// pending access requests. The claim engine only reads it; all mutations
// come from the admin surface.
package whitelist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrIdentityExists   = errors.New("identity already whitelisted")
	ErrIdentityUnknown  = errors.New("identity not whitelisted")
	ErrAddressExists    = errors.New("address already whitelisted")
	ErrAddressUnknown   = errors.New("address not found in whitelist")
	ErrWalletLimit      = errors.New("identity reached wallet limit")
	ErrRequestPending   = errors.New("access request already pending")
)

// fileFormat matches the on-disk layout: {"users": {...}, "pending": [...]}.
type fileFormat struct {
	Users   map[string][]string `json:"users"`
	Pending []string            `json:"pending,omitempty"`
}

// Store is a file-backed whitelist, flushed synchronously after each
// mutation so entries survive restarts.
type Store struct {
	path       string
	maxWallets int

	mu      sync.RWMutex
	users   map[string][]string
	pending []string
}

func NewStore(path string, maxWallets int) (*Store, error) {
	s := &Store{
		path:       path,
		maxWallets: maxWallets,
		users:      make(map[string][]string),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	blob, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var data fileFormat
	if err := json.Unmarshal(blob, &data); err != nil {
		return err
	}
	if data.Users != nil {
		s.users = data.Users
	}
	s.pending = data.Pending
	return nil
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(fileFormat{Users: s.users, Pending: s.pending}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, blob, 0o600)
}

// Approved reports whether the identity is whitelisted with this exact
// address. The address must already be in canonical lower-case form.
func (s *Store) Approved(identity, address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs, ok := s.users[identity]
	if !ok {
		return false
	}
	for _, a := range addrs {
		if a == address {
			return true
		}
	}
	return false
}

// Known reports whether the identity is whitelisted at all, regardless of
// addresses.
func (s *Store) Known(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[identity]
	return ok
}

func (s *Store) AddIdentity(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[identity]; ok {
		return ErrIdentityExists
	}
	s.users[identity] = []string{}
	s.dropPending(identity)
	return s.persist()
}

func (s *Store) RemoveIdentity(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[identity]; !ok {
		return ErrIdentityUnknown
	}
	delete(s.users, identity)
	return s.persist()
}

func (s *Store) AddAddress(identity, address string) error {
	address = strings.ToLower(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs, ok := s.users[identity]
	if !ok {
		return ErrIdentityUnknown
	}
	if s.maxWallets > 0 && len(addrs) >= s.maxWallets {
		return ErrWalletLimit
	}
	for _, a := range addrs {
		if a == address {
			return ErrAddressExists
		}
	}
	s.users[identity] = append(addrs, address)
	return s.persist()
}

// RemoveAddress removes the address from whichever identity holds it.
func (s *Store) RemoveAddress(address string) error {
	address = strings.ToLower(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	for identity, addrs := range s.users {
		for i, a := range addrs {
			if a == address {
				s.users[identity] = append(addrs[:i], addrs[i+1:]...)
				return s.persist()
			}
		}
	}
	return ErrAddressUnknown
}

// Entries returns a sorted snapshot of the whitelist.
func (s *Store) Entries() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.users))
	for identity, addrs := range s.users {
		cp := make([]string, len(addrs))
		copy(cp, addrs)
		sort.Strings(cp)
		out[identity] = cp
	}
	return out
}

// Request records a pending access request for a not-yet-whitelisted
// identity.
func (s *Store) Request(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[identity]; ok {
		return ErrIdentityExists
	}
	for _, id := range s.pending {
		if id == identity {
			return ErrRequestPending
		}
	}
	s.pending = append(s.pending, identity)
	return s.persist()
}

// Pending returns the queued access requests in arrival order.
func (s *Store) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Store) dropPending(identity string) {
	for i, id := range s.pending {
		if id == identity {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
