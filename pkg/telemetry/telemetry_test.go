package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "agentkernel", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation_DisabledProviderDoesNotPanic(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "kernel.submit_domain_event",
		attribute.String("workflow", "counter"))
	require.NotNil(t, ctx)
	finish(nil)

	ctx, finish = p.TrackOperation(context.Background(), "kernel.submit_domain_event")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
}
