package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "test",
		Endpoint:    "http://127.0.0.1:1",
		SampleRatio: 0.5,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown(ctx)
}

func TestEndpointOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{endpoint: "localhost:4318", want: 2},
		{endpoint: "http://localhost:4318", want: 2},
		{endpoint: "https://collector:4318", want: 1},
		{endpoint: "https://collector:4318/custom/v1/traces", want: 2},
		{endpoint: "http://bad host:4318", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			opts, err := endpointOptions(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, opts, tt.want)
		})
	}
}
