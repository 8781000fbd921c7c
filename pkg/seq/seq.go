// Package seq provides a monotonic sequence number that wakes waiters when it
// changes. Producers on other goroutines call Change; the main loop compares
// Read against the last value it saw and registers Wait in its poller.
package seq

import "sync"

// Seq is safe for concurrent use.
type Seq struct {
	mu    sync.Mutex
	value uint64
	ch    chan struct{}
}

// New returns a sequence starting at 1.
func New() *Seq {
	return &Seq{value: 1, ch: make(chan struct{})}
}

// Change advances the sequence and wakes everyone waiting on the old value.
func (s *Seq) Change() {
	s.mu.Lock()
	s.value++
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Read returns the current value.
func (s *Seq) Read() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Wait returns a channel that is closed once the sequence differs from value.
// If it already differs the returned channel is closed.
func (s *Seq) Wait(value uint64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != value {
		return closed
	}
	return s.ch
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
