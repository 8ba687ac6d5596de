package accounts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sylvie/workspace-broker/internal/logging"
)

// SelectorDefault asks the resolver for the user's designated default
// account.
const SelectorDefault = "default"

// Unlinker is notified when an account is unlinked so dependent state
// (credentials, cached service handles) can be torn down eagerly rather
// than waiting for TTL expiry.
type Unlinker interface {
	AccountUnlinked(ctx context.Context, accountID string)
}

// UnlinkerFunc adapts a function to the Unlinker interface.
type UnlinkerFunc func(ctx context.Context, accountID string)

// AccountUnlinked implements Unlinker.
func (f UnlinkerFunc) AccountUnlinked(ctx context.Context, accountID string) {
	f(ctx, accountID)
}

// Resolver maps a logical user to their linked provider accounts and picks
// the active one per call. Account selection is an explicit per-call
// parameter, never ambient mutable state, so concurrent requests cannot
// race on which account is "current".
type Resolver struct {
	storage   Storage
	unlinkers []Unlinker
	logger    *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for link lifecycle events.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// OnUnlink registers a hook invoked after an account is unlinked.
func OnUnlink(u Unlinker) ResolverOption {
	return func(r *Resolver) { r.unlinkers = append(r.unlinkers, u) }
}

// NewResolver creates a resolver over the given link storage.
func NewResolver(storage Storage, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		storage: storage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the concrete account ID for a user and selector.
//
// A selector of "default" resolves to the designated default account, or to
// the only linked account if just one exists. Any other selector matches an
// account by alias (label) or by ID.
func (r *Resolver) Resolve(ctx context.Context, userID, selector string) (string, error) {
	links, err := r.storage.List(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to list accounts for user %s: %w", userID, err)
	}
	if len(links) == 0 {
		return "", &NoLinkedAccountError{UserID: userID}
	}

	if selector == "" || selector == SelectorDefault {
		for _, link := range links {
			if link.Default {
				return link.Account.ID, nil
			}
		}
		if len(links) == 1 {
			return links[0].Account.ID, nil
		}
		return "", &AmbiguousAccountError{UserID: userID, Count: len(links)}
	}

	for _, link := range links {
		if link.Account.Label == selector || link.Account.ID == selector {
			return link.Account.ID, nil
		}
	}
	return "", &NoLinkedAccountError{UserID: userID, Alias: selector}
}

// List returns the user's linked accounts.
func (r *Resolver) List(ctx context.Context, userID string) ([]Link, error) {
	return r.storage.List(ctx, userID)
}

// Link records a new account for the user. The first linked account becomes
// the default automatically.
func (r *Resolver) Link(ctx context.Context, userID string, acct Account, makeDefault bool) error {
	existing, err := r.storage.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list accounts for user %s: %w", userID, err)
	}

	link := Link{
		UserID:  userID,
		Account: acct,
		Default: makeDefault || len(existing) == 0,
	}
	if err := r.storage.Put(ctx, link); err != nil {
		return fmt.Errorf("failed to link account for user %s: %w", userID, err)
	}
	if link.Default && len(existing) > 0 {
		if err := r.storage.SetDefault(ctx, userID, acct.ID); err != nil {
			return err
		}
	}

	r.logger.Info("account linked",
		logging.UserHash(userID),
		"provider", acct.Provider,
		"default", link.Default)
	return nil
}

// Unlink removes an account link and notifies registered hooks so the
// credential and any cached handles are invalidated eagerly.
func (r *Resolver) Unlink(ctx context.Context, userID, accountID string) error {
	if err := r.storage.Delete(ctx, userID, accountID); err != nil {
		return fmt.Errorf("failed to unlink account %s for user %s: %w", accountID, userID, err)
	}

	for _, u := range r.unlinkers {
		u.AccountUnlinked(ctx, accountID)
	}

	r.logger.Info("account unlinked", logging.UserHash(userID), logging.Account(accountID))
	return nil
}

// SetDefault designates one linked account as the user's default.
func (r *Resolver) SetDefault(ctx context.Context, userID, accountID string) error {
	return r.storage.SetDefault(ctx, userID, accountID)
}
