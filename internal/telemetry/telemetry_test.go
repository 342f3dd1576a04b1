package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{ServiceName: "beacon"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMeterAvailable(t *testing.T) {
	// The global no-op provider must still hand out usable instruments.
	counter, err := Meter().Int64Counter("beacon.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
