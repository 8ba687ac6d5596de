package servicecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/instrumentation"
	"github.com/sylvie/workspace-broker/internal/logging"
	"github.com/sylvie/workspace-broker/internal/token"
)

const (
	// DefaultTTL is how long a constructed service handle stays usable
	// before it is rebuilt.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the background pass drops expired
	// entries that no acquire has touched.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultBuildTimeout bounds a single handle construction. Construction
	// runs detached from the triggering caller so that stampeding callers
	// share one build.
	DefaultBuildTimeout = 30 * time.Second
)

// Factory constructs a live, authenticated service handle from a valid
// credential. One factory is registered per service type; this is where the
// Gmail/Calendar/Drive specific client construction lives.
type Factory func(ctx context.Context, cred token.Credential) (any, error)

type cacheKey struct {
	accountID string
	service   capability.ServiceType
}

// entry is immutable once stored; expiry or invalidation replaces it rather
// than mutating it in place.
type entry struct {
	handle    any
	scopes    []string
	expiresAt time.Time
}

// expired reports whether the entry is unusable at now. Expiry is exclusive
// of validity: an entry is already expired at exactly expiresAt.
func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Cache holds live service handles per (account, service type) with a TTL.
//
// Handle count is bounded by accounts times service types, so TTL is the
// only eviction trigger; there is no size bound. Entries are swept lazily
// on acquire and by a periodic background pass.
type Cache struct {
	registry  *capability.Registry
	tokens    *token.Store
	factories map[capability.ServiceType]Factory

	ttl          time.Duration
	buildTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *instrumentation.Metrics

	mu      sync.RWMutex
	entries map[cacheKey]*entry
	group   singleflight.Group

	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the handle time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithBuildTimeout overrides the deadline for a detached handle build.
func WithBuildTimeout(timeout time.Duration) Option {
	return func(c *Cache) { c.buildTimeout = timeout }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger for cache events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics records cache hits, misses, and handle builds.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithSweepInterval overrides the background sweep cadence. A zero interval
// disables the background pass; lazy sweeping on acquire still applies.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) { c.sweepInterval = interval }
}

// New creates a cache over the given registry, token store, and per-service
// factories. Call Close to stop the background sweep.
func New(registry *capability.Registry, tokens *token.Store, factories map[capability.ServiceType]Factory, opts ...Option) *Cache {
	c := &Cache{
		registry:      registry,
		tokens:        tokens,
		factories:     factories,
		ttl:           DefaultTTL,
		buildTimeout:  DefaultBuildTimeout,
		now:           time.Now,
		logger:        slog.Default(),
		entries:       make(map[cacheKey]*entry),
		sweepInterval: DefaultSweepInterval,
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The ticker exists only once the interval is settled, so an option
	// cannot orphan a running ticker.
	if c.sweepInterval > 0 {
		c.sweepTicker = time.NewTicker(c.sweepInterval)
		go c.sweepLoop()
	}

	return c
}

// Acquire returns a live handle for (account, service) whose bound scopes
// cover the required capabilities. The handle is only valid for the
// duration of the caller's current operation and must not be retained.
//
// A cached handle is reused when it has not expired and its bound scopes
// are a superset of the required ones; otherwise a new handle is built via
// the registered factory and stored with a fresh TTL. Failed construction
// is never cached, so a later acquire gets a clean attempt.
func (c *Cache) Acquire(ctx context.Context, accountID string, service capability.ServiceType, caps []capability.Capability) (any, error) {
	scopes, err := c.registry.ResolveAll(caps)
	if err != nil {
		return nil, err
	}

	cred, err := c.tokens.EnsureFresh(ctx, accountID, scopes)
	if err != nil {
		return nil, err
	}

	key := cacheKey{accountID: accountID, service: service}

	c.mu.RLock()
	e := c.entries[key]
	c.mu.RUnlock()

	if e != nil && !e.expired(c.now()) && coversAll(e.scopes, scopes) {
		c.metrics.RecordCacheHit(ctx, string(service))
		return e.handle, nil
	}
	c.metrics.RecordCacheMiss(ctx, string(service))

	return c.build(ctx, key, cred, scopes)
}

// build constructs and stores a handle, collapsing a miss stampede for the
// same key into one factory call.
func (c *Cache) build(ctx context.Context, key cacheKey, cred token.Credential, scopes []string) (any, error) {
	factory, ok := c.factories[key.service]
	if !ok {
		return nil, fmt.Errorf("no service factory registered for %q", key.service)
	}

	flightKey := key.accountID + "/" + string(key.service)
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		// Another collapsed caller may have stored a usable entry already.
		c.mu.RLock()
		e := c.entries[key]
		c.mu.RUnlock()
		if e != nil && !e.expired(c.now()) && coversAll(e.scopes, scopes) {
			return e.handle, nil
		}

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
		defer cancel()

		start := time.Now()
		handle, err := factory(buildCtx, cred)
		c.metrics.RecordHandleBuild(buildCtx, string(key.service), err, time.Since(start))
		if err != nil {
			return nil, fmt.Errorf("failed to build %s handle: %w", key.service, err)
		}

		fresh := &entry{
			handle:    handle,
			scopes:    scopes,
			expiresAt: c.now().Add(c.ttl),
		}
		c.mu.Lock()
		c.entries[key] = fresh
		c.mu.Unlock()

		c.logger.Debug("service handle built",
			logging.Service(string(key.service)),
			logging.Account(key.accountID),
			"expires_at", fresh.expiresAt)
		return handle, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// Invalidate drops the entry for (account, service), if any. Used by the
// broker when a provider rejects a cached handle mid-operation.
func (c *Cache) Invalidate(accountID string, service capability.ServiceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{accountID: accountID, service: service})
}

// InvalidateAccount eagerly drops every entry bound to an account, e.g.
// when the account is unlinked or its credential changes scopes.
func (c *Cache) InvalidateAccount(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.accountID == accountID {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of live entries, counting expired ones that have
// not been swept yet.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		if c.sweepTicker != nil {
			c.sweepTicker.Stop()
		}
		close(c.sweepDone)
	})
}

func (c *Cache) sweepLoop() {
	for {
		select {
		case <-c.sweepTicker.C:
			c.sweep()
		case <-c.sweepDone:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	swept := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			swept++
		}
	}
	c.mu.Unlock()

	if swept > 0 {
		c.logger.Debug("swept expired service handles", "count", swept)
	}
}

// coversAll reports whether bound is a superset of required.
func coversAll(bound, required []string) bool {
	set := make(map[string]struct{}, len(bound))
	for _, s := range bound {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
