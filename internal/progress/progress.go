package progress

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between two progress emissions.
const DefaultInterval = 100 * time.Millisecond

// Throttle runs a callback at most once per interval. The first call always runs.
type Throttle struct {
	s rate.Sometimes
}

// NewThrottle creates a throttle with the given interval (DefaultInterval if zero).
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{s: rate.Sometimes{Interval: interval}}
}

// Do runs f unless it already ran within the interval.
func (t *Throttle) Do(f func()) {
	t.s.Do(f)
}

// Speed returns the average throughput in bytes per second.
func Speed(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

// ETA estimates the time needed for the remaining bytes at the given speed.
// It returns zero when the speed is unknown.
func ETA(remaining int64, speed float64) time.Duration {
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// Percent returns done/total as a value in [0, 100].
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// CountingReader reports every successful read to OnRead.
type CountingReader struct {
	R      io.Reader
	OnRead func(n int)
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 && c.OnRead != nil {
		c.OnRead(n)
	}
	return n, err
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
