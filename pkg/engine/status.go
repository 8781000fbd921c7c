package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

const (
	statusRetry = 100 * time.Millisecond
	statusPoll  = time.Second
)

// statusUpdater writes interface link state back to the store whenever a
// netdev's change sequence moves. One transaction is in flight at a time.
type statusUpdater struct {
	log   *zap.SugaredLogger
	st    *store.Store
	world *world.World

	txn     *store.Txn
	pending map[*world.Interface]uint64
	retryAt time.Time
}

func newStatusUpdater(log *zap.SugaredLogger, st *store.Store, w *world.World) *statusUpdater {
	return &statusUpdater{log: log.Named("status"), st: st, world: w}
}

func (s *statusUpdater) ifaces() []*world.Interface {
	var out []*world.Interface
	for _, b := range s.world.Bridges {
		for _, i := range b.Ifaces {
			out = append(out, i)
		}
	}
	for _, v := range s.world.VRFs {
		for _, i := range v.Up.Ifaces {
			out = append(out, i)
		}
	}
	return out
}

// Run finishes the open transaction, or starts one when any interface is
// dirty.
func (s *statusUpdater) Run(now time.Time) {
	if s.txn != nil {
		s.finish(now, s.txn.Commit())
		return
	}
	if now.Before(s.retryAt) {
		return
	}

	dirty := make(map[*world.Interface]uint64)
	for _, i := range s.ifaces() {
		if seq := i.Netdev.ChangeSeq(); seq != i.ChangeSeq {
			dirty[i] = seq
		}
	}
	if len(dirty) == 0 {
		return
	}

	txn := s.st.NewTxn()
	for i := range dirty {
		s.stage(txn, i)
	}
	s.txn = txn
	s.pending = dirty
	s.finish(now, txn.Commit())
}

func (s *statusUpdater) finish(now time.Time, st store.Status) {
	switch {
	case st == store.Incomplete:
		return
	case st.OK():
		for i, seq := range s.pending {
			i.ChangeSeq = seq
		}
	case st == store.TryAgain || st == store.NotLocked:
		s.retryAt = now.Add(statusRetry)
	default:
		s.log.Errorw("status transaction failed", "status", st.String(), "error", s.txn.Err())
		s.retryAt = now.Add(statusRetry)
	}
	s.txn = nil
	s.pending = nil
}

func (s *statusUpdater) stage(txn *store.Txn, i *world.Interface) {
	nd := i.Netdev

	admin := "down"
	if up, err := nd.AdminUp(); err == nil && up {
		admin = "up"
	}
	link := "down"
	if up, err := nd.Carrier(); err == nil && up {
		link = "up"
	}
	var speed int64
	duplex := ""
	if link == "up" {
		if bps, full, err := nd.Features(); err == nil {
			speed = bps
			duplex = "half"
			if full {
				duplex = "full"
			}
		}
	}
	mtu, _ := nd.MTU()
	mac := ""
	if ea, err := nd.Etheraddr(); err == nil && ea != nil {
		mac = ea.String()
	}
	status, err := nd.Status()
	if err != nil {
		status = nil
	}
	resets := nd.CarrierResets()

	s.st.Interfaces.UpdateIfExists(txn, i.UUID, func(r *store.Interface) {
		r.AdminState = admin
		r.LinkState = link
		r.LinkSpeed = speed
		r.Duplex = duplex
		r.MTU = mtu
		r.MACInUse = mac
		r.LinkResets = resets
		r.Status = status
	})
}

// Wait wakes the loop for the open transaction, a retry, or the next poll
// of the netdev change sequences.
func (s *statusUpdater) Wait(p *poll.Poller) {
	switch {
	case s.txn != nil:
		p.TimerWait(statusRetry)
	case !s.retryAt.IsZero() && time.Now().Before(s.retryAt):
		p.TimerWaitUntil(s.retryAt)
	default:
		p.TimerWait(statusPoll)
	}
}

// Reset drops the in-flight transaction, as when the store lock is lost.
func (s *statusUpdater) Reset() {
	if s.txn != nil {
		s.txn.Abort()
	}
	s.txn = nil
	s.pending = nil
	s.retryAt = time.Time{}
}
