package observability

import (
	"context"
	"testing"

	"nexusdesk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false

	shutdown, err := SetupTracing(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEndpointHost(t *testing.T) {
	cases := map[string]string{
		"http://collector:4317":   "collector:4317",
		"https://collector:4317/": "collector:4317",
		"collector:4317":          "collector:4317",
	}
	for in, want := range cases {
		assert.Equal(t, want, EndpointHost(in), in)
	}
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 0.1, SampleRatio(0))
	assert.Equal(t, 0.1, SampleRatio(1.5))
	assert.Equal(t, 0.5, SampleRatio(0.5))
}
