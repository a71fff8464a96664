// Package ratelimit tracks the request budget each upload endpoint reports
// back in its response headers.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultBudget is assumed until an endpoint reports its own.
	DefaultBudget = 5

	// MinWait is the shortest sleep taken once a budget is exhausted.
	MinWait = 100 * time.Millisecond
)

// Header names used by webhook endpoints.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderRetryAfter = "Retry-After"
)

// State is the rate-limit view of a single endpoint.
type State struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	bucket    string
	now       func() time.Time
}

// NewState returns a state holding the default budget.
func NewState() *State {
	return &State{remaining: DefaultBudget, now: time.Now}
}

// Snapshot is a copy of a State at one instant.
type Snapshot struct {
	Remaining int
	ResetAt   time.Time
	Bucket    string
}

// Snapshot returns the current values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Remaining: s.remaining, ResetAt: s.resetAt, Bucket: s.bucket}
}

// Delay reports how long a caller must wait before the next request.
func (s *State) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.remaining > 0 || !s.resetAt.After(now) {
		return 0
	}
	d := s.resetAt.Sub(now)
	if d < MinWait {
		d = MinWait
	}
	return d
}

// Wait blocks until the endpoint permits a request or ctx is done.
func (s *State) Wait(ctx context.Context) error {
	d := s.Delay()
	if d == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Update refreshes the state from response headers. Missing or malformed
// headers leave the corresponding field untouched.
func (s *State) Update(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.remaining = n
		}
	}

	if v := h.Get(HeaderReset); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			s.resetAt = epoch(secs)
		}
	} else if v := h.Get(HeaderResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			s.resetAt = s.now().Add(seconds(secs))
		}
	}

	if v := h.Get(HeaderBucket); v != "" {
		s.bucket = v
	}
}

// Throttled records a 429 response: the budget is spent until the reported
// retry time.
func (s *State) Throttled(h http.Header) {
	s.Update(h)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaining = 0
	if v := h.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			s.resetAt = s.now().Add(seconds(secs))
		}
	}
	if !s.resetAt.After(s.now()) {
		s.resetAt = s.now().Add(time.Second)
	}
}

// Table holds one State per endpoint for the lifetime of a transfer.
type Table struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{states: make(map[string]*State)}
}

// For returns the state of endpoint, creating it on first use.
func (t *Table) For(endpoint string) *State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[endpoint]
	if !ok {
		s = NewState()
		t.states[endpoint] = s
	}
	return s
}

func epoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}

func seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
