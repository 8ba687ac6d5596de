package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Account is one authenticated identity with one provider. A logical user
// may link several.
type Account struct {
	ID       string
	Provider string
	Label    string // user-facing alias, typically the account email
}

// Link ties an account to the logical user who linked it.
type Link struct {
	UserID  string
	Account Account
	Default bool
}

// NoLinkedAccountError is returned when a user has no linked accounts, or
// when an explicit alias matches none of them.
type NoLinkedAccountError struct {
	UserID string
	Alias  string
}

func (e *NoLinkedAccountError) Error() string {
	if e.Alias != "" && e.Alias != SelectorDefault {
		return fmt.Sprintf("user %s has no linked account matching %q", e.UserID, e.Alias)
	}
	return fmt.Sprintf("user %s has no linked accounts", e.UserID)
}

// AmbiguousAccountError is returned when the default selector is used but
// several accounts are linked and none is designated as the default.
type AmbiguousAccountError struct {
	UserID string
	Count  int
}

func (e *AmbiguousAccountError) Error() string {
	return fmt.Sprintf("user %s has %d linked accounts and no default; specify one", e.UserID, e.Count)
}

// Storage persists account links per logical user.
type Storage interface {
	List(ctx context.Context, userID string) ([]Link, error)
	Put(ctx context.Context, link Link) error
	Delete(ctx context.Context, userID, accountID string) error
	// SetDefault atomically designates one linked account as the user's
	// default, clearing the flag on the others.
	SetDefault(ctx context.Context, userID, accountID string) error
}

// MemoryStorage is an in-memory Storage for tests and stdio deployments.
type MemoryStorage struct {
	mu    sync.RWMutex
	links map[string][]Link
}

// NewMemoryStorage creates an empty in-memory link store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{links: make(map[string][]Link)}
}

// List implements Storage.
func (s *MemoryStorage) List(_ context.Context, userID string) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Link, len(s.links[userID]))
	copy(out, s.links[userID])
	return out, nil
}

// Put implements Storage.
func (s *MemoryStorage) Put(_ context.Context, link Link) error {
	if link.UserID == "" || link.Account.ID == "" {
		return errors.New("user ID and account ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.links[link.UserID]
	for i := range links {
		if links[i].Account.ID == link.Account.ID {
			links[i] = link
			return nil
		}
	}
	s.links[link.UserID] = append(links, link)
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, userID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.links[userID]
	for i := range links {
		if links[i].Account.ID == accountID {
			s.links[userID] = append(links[:i], links[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetDefault implements Storage.
func (s *MemoryStorage) SetDefault(_ context.Context, userID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.links[userID]
	found := false
	for i := range links {
		links[i].Default = links[i].Account.ID == accountID
		if links[i].Default {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("account %s is not linked for user %s", accountID, userID)
	}
	return nil
}
