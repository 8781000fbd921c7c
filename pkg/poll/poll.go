// Package poll is the main loop's suspension point. Components register what
// they are waiting for during their Wait phase; Block then sleeps until one
// of the registered channels fires, the earliest deadline passes, or the
// context ends.
package poll

import (
	"context"
	"reflect"
	"time"
)

// Poller collects wake-up conditions for one loop iteration.
type Poller struct {
	chans     []<-chan struct{}
	deadline  time.Time
	immediate bool
}

// New returns an empty Poller.
func New() *Poller {
	return &Poller{}
}

// Wait wakes the loop when ch is closed or receives.
func (p *Poller) Wait(ch <-chan struct{}) {
	if ch != nil {
		p.chans = append(p.chans, ch)
	}
}

// TimerWait wakes the loop after d.
func (p *Poller) TimerWait(d time.Duration) {
	p.TimerWaitUntil(time.Now().Add(d))
}

// TimerWaitUntil wakes the loop at t. The earliest registered deadline wins.
func (p *Poller) TimerWaitUntil(t time.Time) {
	if p.deadline.IsZero() || t.Before(p.deadline) {
		p.deadline = t
	}
}

// Immediate makes the next Block return without sleeping.
func (p *Poller) Immediate() {
	p.immediate = true
}

// Deadline returns the earliest registered deadline, zero if none.
func (p *Poller) Deadline() time.Time {
	return p.deadline
}

// Block sleeps until a registered condition fires and then clears all
// registrations. It returns ctx.Err() when the context ends first.
func (p *Poller) Block(ctx context.Context) error {
	defer p.reset()

	if p.immediate {
		return ctx.Err()
	}

	cases := make([]reflect.SelectCase, 0, len(p.chans)+2)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	var timer *time.Timer
	if !p.deadline.IsZero() {
		timer = time.NewTimer(time.Until(p.deadline))
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}
	for _, ch := range p.chans {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}

	chosen, _, _ := reflect.Select(cases)
	if chosen == 0 {
		return ctx.Err()
	}
	return nil
}

func (p *Poller) reset() {
	p.chans = p.chans[:0]
	p.deadline = time.Time{}
	p.immediate = false
}
