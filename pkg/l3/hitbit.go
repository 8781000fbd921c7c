package l3

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// HitBitInterval is how often neighbor hit bits are read back.
const HitBitInterval = 10 * time.Second

// HitBit copies the provider's per-neighbor hit bit into status:dp_hit of
// every programmed neighbor, in one transaction per pass. A failed commit is
// not retried; the next pass writes fresher values anyway.
type HitBit struct {
	log   *zap.SugaredLogger
	st    *store.Store
	world *world.World
	next  time.Time
}

// NewHitBit returns a job that first runs on its first Run call.
func NewHitBit(log *zap.SugaredLogger, st *store.Store, w *world.World) *HitBit {
	return &HitBit{log: log.Named("hit-bit"), st: st, world: w}
}

func (h *HitBit) Name() string { return "neighbor-hit-bit" }

// Run polls when the interval has elapsed.
func (h *HitBit) Run(now time.Time) {
	if now.Before(h.next) {
		return
	}
	h.next = now.Add(HitBitInterval)

	rows := h.st.Neighbors.All()
	if len(rows) == 0 {
		return
	}

	byUUID := make(map[uuid.UUID]*world.VRF, len(h.world.VRFs))
	for _, v := range h.world.VRFs {
		byUUID[v.Up.UUID] = v
	}

	txn := h.st.NewTxn()
	for _, row := range rows {
		v := byUUID[row.VRF]
		if v == nil || v.Up.DP == nil {
			continue
		}
		n := v.Neighbor(row.IPAddress)
		if n == nil || n.EgressID == -1 {
			continue
		}
		if v.Up.Port(n.Port) == nil {
			h.log.Errorw("neighbor port not found", "vrf", v.Name(), "ip", n.IP, "port", n.Port)
			continue
		}
		hit, err := v.Up.DP.GetL3HostHit(n.Port, &asic.HostEntry{Family: n.Family, IPAddress: n.IP, MAC: n.MAC})
		if err != nil {
			h.log.Errorw("reading host hit bit", "vrf", v.Name(), "ip", n.IP, "error", err)
			continue
		}
		val := "false"
		if hit {
			val = "true"
		}
		h.st.Neighbors.UpdateIfExists(txn, row.UUID, func(nb *store.Neighbor) {
			if nb.Status == nil {
				nb.Status = make(map[string]string)
			}
			nb.Status[NeighborStatusHit] = val
		})
	}
	if st := txn.Commit(); !st.OK() {
		h.log.Debugw("hit bit update not committed", "status", st.String(), "error", txn.Err())
	}
}

// Wait wakes the loop for the next pass.
func (h *HitBit) Wait(p *poll.Poller) {
	if h.next.IsZero() {
		p.Immediate()
		return
	}
	p.TimerWaitUntil(h.next)
}
