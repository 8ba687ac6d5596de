package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "workspace-broker", config.ServiceName)
	assert.True(t, config.Enabled)
	assert.Equal(t, ExporterPrometheus, config.MetricsExporter)
	assert.False(t, config.DetailedLabels)
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "broker-test")
	t.Setenv("INSTRUMENTATION_ENABLED", "false")

	config := DefaultConfig()
	assert.Equal(t, "broker-test", config.ServiceName)
	assert.False(t, config.Enabled)
}

func TestValidateRejectsUnknownExporter(t *testing.T) {
	config := Config{MetricsExporter: "statsd"}
	assert.Error(t, config.Validate())

	config.MetricsExporter = ExporterPrometheus
	assert.NoError(t, config.Validate())
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, provider.Enabled())
	assert.Nil(t, provider.Metrics())

	// Nil-safe metrics recording must not panic when disabled.
	provider.Metrics().RecordCacheHit(context.Background(), "gmail")
	require.NoError(t, provider.Shutdown(context.Background()))
}
