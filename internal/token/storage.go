package token

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Storage when no credential exists for the
// requested account.
var ErrNotFound = errors.New("credential not found")

// Storage persists credentials keyed by account ID. Implementations must
// make Put an atomic upsert: a concurrent Get observes either the previous
// credential or the new one, never a mix.
type Storage interface {
	Get(ctx context.Context, accountID string) (Credential, error)
	Put(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, accountID string) error
}

// MemoryStorage is an in-memory Storage, used for tests and for stdio
// deployments that do not need persistence across restarts.
type MemoryStorage struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryStorage creates an empty in-memory credential store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		creds: make(map[string]Credential),
	}
}

// Get implements Storage.
func (s *MemoryStorage) Get(_ context.Context, accountID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[accountID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred.clone(), nil
}

// Put implements Storage.
func (s *MemoryStorage) Put(_ context.Context, cred Credential) error {
	if cred.AccountID == "" {
		return errors.New("account ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.AccountID] = cred.clone()
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, accountID)
	return nil
}
