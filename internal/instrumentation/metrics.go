package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrService = "service"
	attrStatus  = "status"
	attrKind    = "kind"
	attrResult  = "result"
	attrAccount = "account"
)

// Status values recorded on invocation metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics records broker observability metrics. All methods are safe to
// call on a nil receiver, so components can treat metrics as optional.
type Metrics struct {
	invocationsTotal   metric.Int64Counter
	invocationDuration metric.Float64Histogram

	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter

	handleBuildsTotal   metric.Int64Counter
	handleBuildDuration metric.Float64Histogram

	tokenRefreshTotal metric.Int64Counter

	detailedLabels bool
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{detailedLabels: detailedLabels}

	var err error

	m.invocationsTotal, err = meter.Int64Counter(
		"broker_invocations_total",
		metric.WithDescription("Total number of brokered operation invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker_invocations_total counter: %w", err)
	}

	m.invocationDuration, err = meter.Float64Histogram(
		"broker_invocation_duration_seconds",
		metric.WithDescription("Brokered operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker_invocation_duration_seconds histogram: %w", err)
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"service_cache_hits_total",
		metric.WithDescription("Service handle cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service_cache_hits_total counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"service_cache_misses_total",
		metric.WithDescription("Service handle cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service_cache_misses_total counter: %w", err)
	}

	m.handleBuildsTotal, err = meter.Int64Counter(
		"service_handle_builds_total",
		metric.WithDescription("Service handle constructions, by result"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service_handle_builds_total counter: %w", err)
	}

	m.handleBuildDuration, err = meter.Float64Histogram(
		"service_handle_build_duration_seconds",
		metric.WithDescription("Service handle construction duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service_handle_build_duration_seconds histogram: %w", err)
	}

	m.tokenRefreshTotal, err = meter.Int64Counter(
		"token_refresh_total",
		metric.WithDescription("Token refresh exchanges, by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}

	return m, nil
}

// RecordInvocation records one brokered operation with its outcome kind.
// The kind is the classified error kind, or "none" on success.
func (m *Metrics) RecordInvocation(ctx context.Context, service, status, kind string, duration time.Duration) {
	if m == nil || m.invocationsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrStatus, status),
		attribute.String(attrKind, kind),
	}
	m.invocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.invocationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrService, service),
		attribute.String(attrStatus, status),
	))
}

// RecordCacheHit records a service cache hit.
func (m *Metrics) RecordCacheHit(ctx context.Context, service string) {
	if m == nil || m.cacheHitsTotal == nil {
		return
	}
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrService, service)))
}

// RecordCacheMiss records a service cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context, service string) {
	if m == nil || m.cacheMissesTotal == nil {
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrService, service)))
}

// RecordHandleBuild records a handle construction attempt and its duration.
func (m *Metrics) RecordHandleBuild(ctx context.Context, service string, err error, duration time.Duration) {
	if m == nil || m.handleBuildsTotal == nil {
		return
	}
	result := StatusSuccess
	if err != nil {
		result = StatusError
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrResult, result),
	}
	m.handleBuildsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handleBuildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTokenRefresh records a refresh exchange outcome.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string, account string) {
	if m == nil || m.tokenRefreshTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String(attrResult, result)}
	if m.detailedLabels && account != "" {
		attrs = append(attrs, attribute.String(attrAccount, account))
	}
	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
