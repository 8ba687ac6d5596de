package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sylvie/workspace-broker/internal/instrumentation"
	"github.com/sylvie/workspace-broker/internal/logging"
)

const (
	// DefaultSafetyMargin is how long before expiry a token is already
	// considered stale and refreshed proactively.
	DefaultSafetyMargin = 60 * time.Second

	// DefaultRefreshTimeout bounds a single refresh exchange, including its
	// backoff retries. The refresh runs detached from any individual
	// caller's context so that collapsed waiters share one outcome.
	DefaultRefreshTimeout = 30 * time.Second

	// maxRefreshAttempts bounds retries against a token endpoint returning
	// transient (5xx / network) failures.
	maxRefreshAttempts = 4
)

// RefreshFunc performs a refresh exchange with the provider's token endpoint
// and returns the renewed credential. Implementations live next to the
// provider client code (see the google package).
type RefreshFunc func(ctx context.Context, cred Credential) (Credential, error)

// Store owns credential persistence and refresh-on-expiry.
//
// Refresh calls are serialized per account: concurrent EnsureFresh calls for
// the same account collapse into one in-flight exchange, and every caller
// observes its result. Issuing two simultaneous refreshes with a single-use
// refresh token can invalidate both, so this is the one hard concurrency
// invariant in the store.
type Store struct {
	storage        Storage
	refresh        RefreshFunc
	margin         time.Duration
	refreshTimeout time.Duration
	group          singleflight.Group
	now            func() time.Time
	logger         *slog.Logger
	metrics        *instrumentation.Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSafetyMargin overrides the freshness safety margin.
func WithSafetyMargin(margin time.Duration) StoreOption {
	return func(s *Store) { s.margin = margin }
}

// WithRefreshTimeout overrides the deadline for a detached refresh exchange.
func WithRefreshTimeout(timeout time.Duration) StoreOption {
	return func(s *Store) { s.refreshTimeout = timeout }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for refresh events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the recorder for refresh outcomes.
func WithMetrics(m *instrumentation.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a token store over the given persistence layer and
// refresh exchange.
func NewStore(storage Storage, refresh RefreshFunc, opts ...StoreOption) *Store {
	s := &Store{
		storage:        storage,
		refresh:        refresh,
		margin:         DefaultSafetyMargin,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored credential for an account without refreshing it.
func (s *Store) Get(ctx context.Context, accountID string) (Credential, error) {
	cred, err := s.storage.Get(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, &UnknownAccountError{AccountID: accountID}
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to load credential for %s: %w", accountID, err)
	}
	return cred, nil
}

// Store upserts a credential, replacing access token and expiry as a unit.
func (s *Store) Store(ctx context.Context, cred Credential) error {
	if err := s.storage.Put(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential for %s: %w", cred.AccountID, err)
	}
	return nil
}

// Delete removes the credential for an account, e.g. on unlink.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	return s.storage.Delete(ctx, accountID)
}

// EnsureFresh returns a credential for the account that is valid for at
// least the safety margin and whose grant covers requiredScopes.
//
// A grant that does not cover requiredScopes fails with
// InsufficientScopeError before any provider call is made; scope escalation
// always requires explicit re-consent. A rejected refresh fails with
// RefreshDeniedError.
func (s *Store) EnsureFresh(ctx context.Context, accountID string, requiredScopes []string) (Credential, error) {
	cred, err := s.Get(ctx, accountID)
	if err != nil {
		return Credential{}, err
	}

	if !cred.HasScopes(requiredScopes) {
		return Credential{}, &InsufficientScopeError{
			AccountID: accountID,
			Missing:   cred.MissingScopes(requiredScopes),
		}
	}

	if cred.FreshFor(s.now(), s.margin) {
		return cred, nil
	}

	// Collapse concurrent refreshes for this account into one exchange. The
	// exchange runs detached from the triggering caller's context: a waiter
	// whose own deadline expires observes a timeout, but the refresh itself
	// continues and its result lands in storage for the other waiters.
	ch := s.group.DoChan(accountID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return s.doRefresh(refreshCtx, accountID, requiredScopes)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// doRefresh re-reads storage (a collapsed peer may have just refreshed),
// performs the exchange with transient-failure backoff, and persists the
// renewed credential.
func (s *Store) doRefresh(ctx context.Context, accountID string, requiredScopes []string) (Credential, error) {
	cred, err := s.Get(ctx, accountID)
	if err != nil {
		return Credential{}, err
	}
	if cred.FreshFor(s.now(), s.margin) && cred.HasScopes(requiredScopes) {
		return cred, nil
	}

	logger := logging.WithAccount(s.logger, accountID)
	logger.Debug("refreshing credential", "expiry", cred.Expiry)

	renewed, err := backoff.Retry(ctx, func() (Credential, error) {
		renewed, err := s.refresh(ctx, cred)
		if err != nil {
			if isPermanentRefreshError(err) {
				return Credential{}, backoff.Permanent(&RefreshDeniedError{AccountID: accountID, Err: err})
			}
			return Credential{}, err
		}
		return renewed, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRefreshAttempts),
	)
	if err != nil {
		s.metrics.RecordTokenRefresh(ctx, instrumentation.StatusError, accountID)
		var denied *RefreshDeniedError
		if errors.As(err, &denied) {
			logger.Warn("token refresh denied by provider", logging.Err(denied.Err))
			return Credential{}, denied
		}
		logger.Warn("token refresh failed", logging.Err(err))
		return Credential{}, fmt.Errorf("token refresh failed for account %s: %w", accountID, err)
	}

	// Providers may omit the refresh token and the scope list in the
	// refresh response; carry the stored values forward.
	renewed.AccountID = accountID
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = cred.RefreshToken
	}
	if len(renewed.GrantedScopes) == 0 {
		renewed.GrantedScopes = cred.GrantedScopes
	}

	if err := s.storage.Put(ctx, renewed); err != nil {
		return Credential{}, fmt.Errorf("failed to persist refreshed credential for %s: %w", accountID, err)
	}

	s.metrics.RecordTokenRefresh(ctx, instrumentation.StatusSuccess, accountID)
	logger.Info("credential refreshed", "expiry", renewed.Expiry)
	return renewed, nil
}

// isPermanentRefreshError reports whether a refresh failure will not go away
// by retrying: the provider answered with a 4xx (revoked or expired refresh
// token, bad client credentials). 5xx and transport errors are retried.
func isPermanentRefreshError(err error) bool {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.Response == nil {
			return false
		}
		code := retrieve.Response.StatusCode
		return code >= 400 && code < 500 && code != 429
	}
	return false
}
