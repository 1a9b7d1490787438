// Package timeutil abstracts the wall clock so time dependent code can be
// driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time and a way to wait for a duration.
type Provider interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time                         { return time.Now() }
func (realProvider) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Default returns the real clock.
func Default() Provider { return realProvider{} }

// Mock is a manually controlled clock. After fires immediately and advances
// CurrentTime by the requested duration; every requested wait is recorded.
type Mock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	waits       []time.Duration
}

// NewMock returns a Mock starting at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the mocked current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// After advances the mock by d and returns an already-fired channel.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.CurrentTime = m.CurrentTime.Add(d)
	m.waits = append(m.waits, d)
	now := m.CurrentTime
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = t
}

// Waits returns every duration passed to After, in call order.
func (m *Mock) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.waits))
	copy(out, m.waits)
	return out
}
