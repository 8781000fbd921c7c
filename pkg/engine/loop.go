package engine

import (
	"context"
	"errors"
	"time"

	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
)

const unlockedPoll = time.Second

// Run drives the loop until ctx ends. Every datapath is destroyed on the way
// out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(); err != nil {
		return err
	}
	defer e.Close()

	p := poll.New()
	for {
		e.RunOnce(time.Now())
		e.Wait(p)
		if err := p.Block(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// RunOnce is one loop iteration: plugins run, the store lock is checked, a
// reconfigure pass runs if the store moved, then status, jobs and the
// write-back transaction get their turn.
func (e *Engine) RunOnce(now time.Time) {
	if e.plugins != nil {
		e.plugins.Run()
	}
	e.buses.Run.Execute(blocks.RunComplete, &blocks.RunParams{Store: e.st, Seqno: e.seqno})

	if !e.checkLock() {
		return
	}
	if e.reconfAll || e.st.Seqno() != e.seqno {
		e.Reconfigure()
	}
	e.status.Run(now)
	for _, j := range e.jobs {
		j.Run(now)
	}
	e.commitWriteback(now)
}

// checkLock takes the store lock when one is configured. Losing it tears the
// whole model down; regaining it forces a full reconfigure.
func (e *Engine) checkLock() bool {
	if e.lockName == "" {
		e.locked = true
		return true
	}

	got := e.st.TryLock(e.lockName)
	switch {
	case got && !e.locked:
		e.log.Infow("acquired store lock", "owner", e.lockName)
		e.locked = true
		e.reconfAll = true
	case !got && (e.locked || !e.lockChecked):
		e.log.Warnw("store lock held by another process, going idle", "owner", e.lockName)
		e.locked = false
		e.destroyAll()
		e.status.Reset()
		if e.wbTxn != nil {
			e.wbTxn.Abort()
			e.wbTxn = nil
		}
		e.wb.Reset()
	}
	e.lockChecked = true
	return e.locked
}

// commitWriteback commits the queued status writes. Writes queued while a
// transaction is in flight survive its completion.
func (e *Engine) commitWriteback(now time.Time) {
	if e.wbTxn == nil {
		if e.wb.Len() == 0 || now.Before(e.wbRetryAt) {
			return
		}
		e.wbMark = e.wb.Mark()
		e.wbTxn = e.st.NewTxn()
		e.wb.Apply(e.wbTxn)
	}

	st := e.wbTxn.Commit()
	switch {
	case st == store.Incomplete:
		return
	case st.OK():
		e.wb.ResetTo(e.wbMark)
	case st == store.TryAgain || st == store.NotLocked:
		e.log.Debugw("write-back will be retried", "status", st.String())
		e.wbRetryAt = now.Add(statusRetry)
	default:
		e.log.Errorw("write-back failed", "status", st.String(), "error", e.wbTxn.Err())
		e.wb.ResetTo(e.wbMark)
	}
	e.wbTxn = nil
}

// Wait registers everything the next iteration waits for, then runs the
// WAIT_COMPLETE block.
func (e *Engine) Wait(p *poll.Poller) {
	if e.plugins != nil {
		e.plugins.Wait(p)
	}

	if e.locked {
		if e.reconfAll {
			p.Immediate()
		}
		p.Wait(e.st.Changed(e.seqno))
		e.status.Wait(p)
		for _, j := range e.jobs {
			j.Wait(p)
		}
		switch {
		case e.wbTxn != nil:
			p.TimerWait(statusRetry)
		case e.wb.Len() > 0:
			p.TimerWaitUntil(e.wbRetryAt)
		}
	} else {
		p.Wait(e.st.Changed(e.st.Seqno()))
		p.TimerWait(unlockedPoll)
	}

	e.buses.Wait.Execute(blocks.WaitComplete, &blocks.RunParams{Store: e.st, Seqno: e.seqno, Poller: p})
}
