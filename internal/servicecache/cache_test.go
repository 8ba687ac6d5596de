package servicecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/token"
)

type fakeHandle struct {
	id int32
}

type fixture struct {
	cache        *Cache
	factoryCalls *atomic.Int32
	clock        *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	storage := token.NewMemoryStorage()
	require.NoError(t, storage.Put(context.Background(), token.Credential{
		AccountID:    "acct1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
		GrantedScopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.send",
		},
	}))
	tokens := token.NewStore(storage, nil)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	calls := &atomic.Int32{}
	factories := map[capability.ServiceType]Factory{
		capability.ServiceGmail: func(ctx context.Context, cred token.Credential) (any, error) {
			return &fakeHandle{id: calls.Add(1)}, nil
		},
	}

	base := []Option{
		WithClock(clock.Now),
		WithTTL(time.Minute),
		WithSweepInterval(0),
	}
	cache := New(capability.NewGoogleRegistry(), tokens, factories, append(base, opts...)...)
	t.Cleanup(cache.Close)

	return &fixture{cache: cache, factoryCalls: calls, clock: clock}
}

func TestAcquireIsIdempotentBeforeTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps := []capability.Capability{capability.GmailRead}

	first, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)

	second, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)

	assert.Same(t, first, second, "second acquire before TTL must be a cache hit")
	assert.Equal(t, int32(1), f.factoryCalls.Load())
}

func TestAcquireExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps := []capability.Capability{capability.GmailRead}

	first, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)

	// One millisecond before expiry: still a hit.
	f.clock.Advance(time.Minute - time.Millisecond)
	hit, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)
	assert.Same(t, first, hit)
	assert.Equal(t, int32(1), f.factoryCalls.Load())

	// Exactly at expiry: expired, rebuilt.
	f.clock.Advance(time.Millisecond)
	rebuilt, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, int32(2), f.factoryCalls.Load())
}

func TestAcquireRebuildsWhenScopesWiden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, []capability.Capability{capability.GmailRead})
	require.NoError(t, err)

	// gmail_send needs a scope the cached handle was not built for.
	_, err = f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, []capability.Capability{capability.GmailSend})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.factoryCalls.Load())

	// A narrower request is satisfied by the wider handle.
	_, err = f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, []capability.Capability{capability.GmailSend})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.factoryCalls.Load())
}

func TestAcquireStampedeBuildsOnce(t *testing.T) {
	storage := token.NewMemoryStorage()
	require.NoError(t, storage.Put(context.Background(), token.Credential{
		AccountID:     "acct1",
		AccessToken:   "access",
		Expiry:        time.Now().Add(time.Hour),
		GrantedScopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}))
	tokens := token.NewStore(storage, nil)

	var calls atomic.Int32
	factories := map[capability.ServiceType]Factory{
		capability.ServiceGmail: func(ctx context.Context, cred token.Credential) (any, error) {
			calls.Add(1)
			time.Sleep(30 * time.Millisecond)
			return &fakeHandle{}, nil
		},
	}
	cache := New(capability.NewGoogleRegistry(), tokens, factories, WithSweepInterval(0))
	t.Cleanup(cache.Close)

	const concurrency = 10
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Acquire(context.Background(), "acct1", capability.ServiceGmail,
				[]capability.Capability{capability.GmailRead})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "miss stampede must collapse into one build")
}

func TestAcquireFailedBuildIsNotCached(t *testing.T) {
	storage := token.NewMemoryStorage()
	require.NoError(t, storage.Put(context.Background(), token.Credential{
		AccountID:     "acct1",
		AccessToken:   "access",
		Expiry:        time.Now().Add(time.Hour),
		GrantedScopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}))
	tokens := token.NewStore(storage, nil)

	var calls atomic.Int32
	factories := map[capability.ServiceType]Factory{
		capability.ServiceGmail: func(ctx context.Context, cred token.Credential) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return &fakeHandle{}, nil
		},
	}
	cache := New(capability.NewGoogleRegistry(), tokens, factories, WithSweepInterval(0))
	t.Cleanup(cache.Close)

	ctx := context.Background()
	caps := []capability.Capability{capability.GmailRead}

	_, err := cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())

	// A later acquire gets a fresh construction attempt.
	handle, err := cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)
	assert.NotNil(t, handle)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps := []capability.Capability{capability.GmailRead}

	first, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)

	f.cache.InvalidateAccount("acct1")
	assert.Equal(t, 0, f.cache.Len())

	rebuilt, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail, caps)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
}

func TestAcquireUnknownCapability(t *testing.T) {
	f := newFixture(t)

	_, err := f.cache.Acquire(context.Background(), "acct1", capability.ServiceGmail,
		[]capability.Capability{"bogus"})

	var unknown *capability.UnknownCapabilityError
	assert.ErrorAs(t, err, &unknown)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cache.Acquire(ctx, "acct1", capability.ServiceGmail,
		[]capability.Capability{capability.GmailRead})
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())

	f.clock.Advance(2 * time.Minute)
	f.cache.sweep()

	assert.Equal(t, 0, f.cache.Len())
}

func TestSweepIntervalOptionControlsTicker(t *testing.T) {
	tokens := token.NewStore(token.NewMemoryStorage(), nil)
	factories := map[capability.ServiceType]Factory{}

	disabled := New(capability.NewGoogleRegistry(), tokens, factories, WithSweepInterval(0))
	t.Cleanup(disabled.Close)
	assert.Nil(t, disabled.sweepTicker, "zero interval must not start a ticker")

	custom := New(capability.NewGoogleRegistry(), tokens, factories, WithSweepInterval(time.Hour))
	t.Cleanup(custom.Close)
	assert.NotNil(t, custom.sweepTicker)
	assert.Equal(t, time.Hour, custom.sweepInterval)

	byDefault := New(capability.NewGoogleRegistry(), tokens, factories)
	t.Cleanup(byDefault.Close)
	assert.NotNil(t, byDefault.sweepTicker)
	assert.Equal(t, DefaultSweepInterval, byDefault.sweepInterval)
}
