package progress

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)

	var calls atomic.Int32
	for i := 0; i < 100; i++ {
		th.Do(func() { calls.Add(1) })
	}
	assert.Equal(t, int32(1), calls.Load(), "burst collapses into one call")

	time.Sleep(60 * time.Millisecond)
	th.Do(func() { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())
}

func TestSpeedAndETA(t *testing.T) {
	assert.Equal(t, 0.0, Speed(100, 0))
	assert.InDelta(t, 50.0, Speed(100, 2*time.Second), 1e-9)

	assert.Equal(t, time.Duration(0), ETA(100, 0))
	assert.Equal(t, 2*time.Second, ETA(100, 50))
	assert.Equal(t, time.Duration(0), ETA(0, 50))
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        float64
	}{
		{0, 0, 0},
		{0, 10, 0},
		{5, 10, 50},
		{10, 10, 100},
		{11, 10, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.done, tt.total))
	}
}

func TestCountingReader(t *testing.T) {
	var total int
	r := &CountingReader{
		R:      bytes.NewReader(make([]byte, 10_000)),
		OnRead: func(n int) { total += n },
	}
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), n)
	assert.Equal(t, 10_000, total)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "9.00 MB", FormatBytes(9*1024*1024))
	assert.Equal(t, "2.00 GB", FormatBytes(2*1024*1024*1024))
}
