package broker

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/servicecache"
	"github.com/sylvie/workspace-broker/internal/token"
)

type stack struct {
	broker       *Broker
	refreshCalls *atomic.Int32
	factoryCalls *atomic.Int32
}

// newStack wires a complete broker over in-memory stores with one linked
// account. The account's grant covers gmail.readonly only.
func newStack(t *testing.T) *stack {
	t.Helper()

	registry := capability.NewGoogleRegistry()

	credStorage := token.NewMemoryStorage()
	require.NoError(t, credStorage.Put(context.Background(), token.Credential{
		AccountID:     "acct1",
		AccessToken:   "access",
		RefreshToken:  "refresh",
		Expiry:        time.Now().Add(time.Hour),
		GrantedScopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}))

	refreshCalls := &atomic.Int32{}
	tokens := token.NewStore(credStorage, func(ctx context.Context, cred token.Credential) (token.Credential, error) {
		refreshCalls.Add(1)
		cred.Expiry = time.Now().Add(time.Hour)
		return cred, nil
	})

	factoryCalls := &atomic.Int32{}
	factories := map[capability.ServiceType]servicecache.Factory{
		capability.ServiceGmail: func(ctx context.Context, cred token.Credential) (any, error) {
			return factoryCalls.Add(1), nil
		},
	}
	cache := servicecache.New(registry, tokens, factories, servicecache.WithSweepInterval(0))
	t.Cleanup(cache.Close)

	resolver := accounts.NewResolver(accounts.NewMemoryStorage(),
		accounts.OnUnlink(accounts.UnlinkerFunc(func(_ context.Context, accountID string) {
			cache.InvalidateAccount(accountID)
		})))
	require.NoError(t, resolver.Link(context.Background(), "user1", accounts.Account{
		ID:       "acct1",
		Provider: "google",
		Label:    "work@example.com",
	}, false))

	return &stack{
		broker:       New(registry, resolver, cache),
		refreshCalls: refreshCalls,
		factoryCalls: factoryCalls,
	}
}

func TestInvokeSuccess(t *testing.T) {
	s := newStack(t)

	result, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) {
			return "threads", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "threads", result)
	assert.Equal(t, int32(1), s.factoryCalls.Load())
}

func TestInvokeInsufficientScopeMakesNoProviderCall(t *testing.T) {
	s := newStack(t)

	// gmail_send maps to gmail.send, which acct1's grant does not cover.
	_, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailSend},
		func(ctx context.Context, handle any) (any, error) {
			t.Fatal("operation must not run")
			return nil, nil
		})

	assert.True(t, IsKind(err, KindInsufficientScope), "got %v", err)
	assert.Equal(t, int32(0), s.refreshCalls.Load())
	assert.Equal(t, int32(0), s.factoryCalls.Load())
}

func TestInvokeAuthExpiredRetriesExactlyOnce(t *testing.T) {
	s := newStack(t)

	var opCalls atomic.Int32
	result, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) {
			if opCalls.Add(1) == 1 {
				return nil, &googleapi.Error{Code: http.StatusUnauthorized}
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(2), opCalls.Load())
	assert.Equal(t, int32(2), s.factoryCalls.Load(), "retry must rebuild the handle")
}

func TestInvokePersistentAuthExpiredGivesUpAfterRetry(t *testing.T) {
	s := newStack(t)

	var opCalls atomic.Int32
	_, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) {
			opCalls.Add(1)
			return nil, &googleapi.Error{Code: http.StatusUnauthorized}
		})

	assert.True(t, IsKind(err, KindAuthExpired), "got %v", err)
	assert.Equal(t, int32(2), opCalls.Load(), "no third attempt")
}

func TestInvokeNonAuthErrorIsNotRetried(t *testing.T) {
	s := newStack(t)

	var opCalls atomic.Int32
	_, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) {
			opCalls.Add(1)
			return nil, &googleapi.Error{Code: http.StatusBadRequest}
		})

	assert.True(t, IsKind(err, KindProviderRejected), "got %v", err)
	assert.Equal(t, int32(1), opCalls.Load())
}

func TestInvokeUnknownUser(t *testing.T) {
	s := newStack(t)

	_, err := s.broker.Invoke(context.Background(), "stranger", accounts.SelectorDefault,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) { return nil, nil })

	assert.True(t, IsKind(err, KindNoLinkedAccount), "got %v", err)
}

func TestInvokeUnknownCapability(t *testing.T) {
	s := newStack(t)

	_, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault,
		[]capability.Capability{"bogus"},
		func(ctx context.Context, handle any) (any, error) { return nil, nil })

	assert.True(t, IsKind(err, KindUnknownCapability), "got %v", err)
}

func TestInvokeReusesHandleAcrossCalls(t *testing.T) {
	s := newStack(t)
	op := func(ctx context.Context, handle any) (any, error) { return handle, nil }
	caps := []capability.Capability{capability.GmailRead}

	first, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault, caps, op)
	require.NoError(t, err)
	second, err := s.broker.Invoke(context.Background(), "user1", accounts.SelectorDefault, caps, op)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), s.factoryCalls.Load())
}
