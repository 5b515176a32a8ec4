package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://localhost:4318", "localhost:4318"},
		{"https://collector.example.com", "collector.example.com"},
		{"collector:4318", "collector:4318"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, endpointHost(tt.in), tt.in)
	}
}

func TestTracerIsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tracer := Tracer("test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, Shutdown(context.Background()))
}
