package observability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Exporters(t *testing.T) {
	logger, _ := test.NewNullLogger()

	require.NoError(t, Init(Config{Exporter: "none", Logger: logger}))
	require.NoError(t, Init(Config{Exporter: "stdout", Logger: logger}))
	require.NoError(t, Shutdown(context.Background()))

	assert.Error(t, Init(Config{Exporter: "zipkin", Logger: logger}))
}

func TestStartSpanWithOtel(t *testing.T) {
	ctx, span := StartSpanWithOtel(context.Background(), "discovery.discover",
		trace.WithAttributes(attribute.String("discovery.method", "mc")))
	defer span.End()

	require.NotNil(t, span)
	assert.Equal(t, span, trace.SpanFromContext(ctx))
}

func TestShutdown_WithoutInit(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b=x=y,bad", map[string]string{"a": "1", "b": "x=y"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseHeaders(tt.in))
		})
	}
}
