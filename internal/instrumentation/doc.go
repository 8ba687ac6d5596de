// Package instrumentation provides OpenTelemetry metrics for the broker:
// invocation counts and durations, service cache hit rates, handle build
// outcomes, and token refresh results, exported through Prometheus.
package instrumentation
