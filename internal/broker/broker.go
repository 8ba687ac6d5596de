package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/instrumentation"
	"github.com/sylvie/workspace-broker/internal/logging"
	"github.com/sylvie/workspace-broker/internal/servicecache"
)

// Operation is the work a caller wants to run against a live service
// handle. The handle is only valid for the duration of this call and must
// not be retained.
type Operation func(ctx context.Context, handle any) (any, error)

// Broker is the public entry point of the session layer. Given a required
// capability set and an account selector, it resolves the concrete account,
// acquires a live service handle, and runs the operation with the handle
// injected.
type Broker struct {
	registry *capability.Registry
	resolver *accounts.Resolver
	cache    *servicecache.Cache
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger for invocation events.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// WithMetrics records invocation metrics.
func WithMetrics(m *instrumentation.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// New creates a broker over the given registry, resolver, and service
// cache.
func New(registry *capability.Registry, resolver *accounts.Resolver, cache *servicecache.Cache, opts ...BrokerOption) *Broker {
	b := &Broker{
		registry: registry,
		resolver: resolver,
		cache:    cache,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Invoke resolves the account behind (userID, selector), acquires a handle
// covering the required capabilities, and runs op with it.
//
// If op fails with an auth rejection of the live handle (the provider
// revoked the token after the handle was cached), the broker invalidates
// the cache entry and retries exactly once with a full re-acquire,
// including scope revalidation. Any other failure propagates immediately,
// classified.
func (b *Broker) Invoke(ctx context.Context, userID, selector string, caps []capability.Capability, op Operation) (any, error) {
	start := time.Now()

	service, err := b.registry.ServiceFor(caps)
	if err != nil {
		return nil, b.finish(ctx, "", start, Classify(err))
	}

	accountID, err := b.resolver.Resolve(ctx, userID, selector)
	if err != nil {
		return nil, b.finish(ctx, service, start, Classify(err))
	}

	logger := b.logger.With(
		logging.Service(string(service)),
		logging.Account(accountID),
		logging.UserHash(userID),
	)

	// Attempt 0 runs against whatever the cache holds; attempt 1 only
	// happens after an AuthExpired invalidation and re-acquires from
	// scratch.
	for attempt := 0; ; attempt++ {
		handle, err := b.cache.Acquire(ctx, accountID, service, caps)
		if err != nil {
			return nil, b.finish(ctx, service, start, Classify(err))
		}

		result, err := op(ctx, handle)
		if err == nil {
			logger.Debug("operation succeeded", logging.Status(logging.StatusSuccess))
			b.metrics.RecordInvocation(ctx, string(service), instrumentation.StatusSuccess, "none", time.Since(start))
			return result, nil
		}

		classified := Classify(err)
		if classified.Kind == KindAuthExpired && attempt == 0 {
			logger.Info("provider rejected live handle, rebuilding", logging.Err(err))
			b.cache.Invalidate(accountID, service)
			continue
		}

		logger.Warn("operation failed",
			logging.Status(logging.StatusError),
			"kind", string(classified.Kind),
			logging.Err(err))
		return nil, b.finish(ctx, service, start, classified)
	}
}

func (b *Broker) finish(ctx context.Context, service capability.ServiceType, start time.Time, err *Error) error {
	kind := "none"
	if err != nil {
		kind = string(err.Kind)
	}
	b.metrics.RecordInvocation(ctx, string(service), instrumentation.StatusError, kind, time.Since(start))
	return err
}
