package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "path-worker"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_Enabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{
		ServiceName:  "path-worker",
		Environment:  "test",
		OTLPEndpoint: "localhost:4317",
		Enabled:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	_ = shutdown(context.Background())
}

func TestNewResource(t *testing.T) {
	res, err := NewResource(context.Background(), Config{
		ServiceName: "path-worker",
		Environment: "staging",
		DeviceID:    "device-9",
	})
	require.NoError(t, err)

	set := res.Set()
	tests := []struct {
		key  attribute.Key
		want string
	}{
		{semconv.ServiceNameKey, "path-worker"},
		{semconv.ServiceNamespaceKey, ServiceNamespace},
		{semconv.ServiceVersionKey, "dev"},
		{semconv.DeploymentEnvironmentKey, "staging"},
		{semconv.ServiceInstanceIDKey, "device-9"},
	}
	for _, tt := range tests {
		v, ok := set.Value(tt.key)
		if assert.True(t, ok, tt.key) {
			assert.Equal(t, tt.want, v.AsString(), tt.key)
		}
	}
}
