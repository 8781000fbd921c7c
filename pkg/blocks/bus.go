// Package blocks implements the hook buses plugins use to join the engine's
// reconfigure, run, wait and statistics passes. Each bus is a fixed set of
// blocks; each block runs its callbacks in ascending priority order.
package blocks

import (
	"fmt"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NoPriority places a callback after every prioritized one.
const NoPriority uint32 = math.MaxUint32

var callbackFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "switchd",
	Name:      "block_callback_failures_total",
	Help:      "Bus callbacks that returned an error or panicked.",
}, []string{"bus", "block"})

// Collectors returns the metrics kept by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{callbackFailures}
}

// Callback runs when its block executes. p is shared by every callback in
// the block.
type Callback[ID ~int, P any] func(blk ID, p *P) error

type entry[ID ~int, P any] struct {
	name     string
	fn       Callback[ID, P]
	priority uint32
}

// Bus is one set of blocks.
type Bus[ID interface {
	~int
	fmt.Stringer
}, P any] struct {
	name string
	log  *zap.SugaredLogger

	mu    sync.RWMutex
	lists [][]entry[ID, P]
}

// NewBus returns a bus with n blocks.
func NewBus[ID interface {
	~int
	fmt.Stringer
}, P any](name string, n int, log *zap.SugaredLogger) *Bus[ID, P] {
	return &Bus[ID, P]{
		name:  name,
		log:   log.Named(name + "-bus"),
		lists: make([][]entry[ID, P], n),
	}
}

// Register adds fn to blk. name only appears in logs.
func (b *Bus[ID, P]) Register(blk ID, priority uint32, name string, fn Callback[ID, P]) error {
	if fn == nil {
		return fmt.Errorf("%s bus: nil callback %q", b.name, name)
	}
	if int(blk) < 0 || int(blk) >= len(b.lists) {
		return fmt.Errorf("%s bus: invalid block %d", b.name, int(blk))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[blk] = insert(b.lists[blk], entry[ID, P]{name: name, fn: fn, priority: priority})
	return nil
}

// insert keeps list sorted by priority. A priority at or above the tail is
// appended; otherwise it goes before the first strictly greater entry.
func insert[ID ~int, P any](list []entry[ID, P], e entry[ID, P]) []entry[ID, P] {
	if len(list) == 0 || e.priority >= list[len(list)-1].priority {
		return append(list, e)
	}
	for i, have := range list {
		if have.priority > e.priority {
			list = append(list, entry[ID, P]{})
			copy(list[i+1:], list[i:])
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

// Execute runs every callback of blk in order. Errors and panics are logged
// and never stop the block.
func (b *Bus[ID, P]) Execute(blk ID, p *P) {
	if int(blk) < 0 || int(blk) >= len(b.lists) {
		b.log.Errorw("executing invalid block", "block", int(blk))
		return
	}

	b.mu.RLock()
	list := b.lists[blk]
	b.mu.RUnlock()

	for _, e := range list {
		b.call(blk, e, p)
	}
}

func (b *Bus[ID, P]) call(blk ID, e entry[ID, P], p *P) {
	defer func() {
		if r := recover(); r != nil {
			callbackFailures.WithLabelValues(b.name, blk.String()).Inc()
			b.log.Errorw("callback panicked", "block", blk.String(), "callback", e.name, "panic", r)
		}
	}()

	if err := e.fn(blk, p); err != nil {
		callbackFailures.WithLabelValues(b.name, blk.String()).Inc()
		b.log.Warnw("callback failed", "block", blk.String(), "callback", e.name, "error", err)
	}
}

// Len returns the number of callbacks registered on blk.
func (b *Bus[ID, P]) Len(blk ID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(blk) < 0 || int(blk) >= len(b.lists) {
		return 0
	}
	return len(b.lists[blk])
}
