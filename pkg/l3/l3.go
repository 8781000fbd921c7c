// Package l3 keeps a VRF's routes, next-hops and neighbors in the provider
// in step with the store.
//
// A route row takes part only while its selected column is true; a next-hop
// row while its selected column is absent or true. A route with a single
// next-hop is always pushed, even unresolved, so the ASIC can punt traffic
// to the CPU and trigger ARP. An ECMP route only carries next-hops that are
// port-typed or backed by a resolved neighbor; when none are, exactly one
// unresolved IP next-hop is pushed instead.
package l3

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Status keys written back to the store.
const (
	NexthopStatusError = "error"
	NeighborStatusHit  = "dp_hit"
)

// ECMP config keys on the root row.
const (
	ECMPEnabled       = "enabled"
	ECMPHashSrcIP     = "hash_srcip_enabled"
	ECMPHashDstIP     = "hash_dstip_enabled"
	ECMPHashSrcPort   = "hash_srcport_enabled"
	ECMPHashDstPort   = "hash_dstport_enabled"
	ECMPHashResilient = "resilient_hash_enabled"
)

// ECMP is the last knob set pushed to one VRF's datapath.
type ECMP struct {
	Enabled   bool
	SrcIP     bool
	DstIP     bool
	SrcPort   bool
	DstPort   bool
	Resilient bool
}

// DefaultECMP has every knob on, matching a freshly created datapath.
func DefaultECMP() ECMP {
	return ECMP{true, true, true, true, true, true}
}

// ECMPFromConfig reads the knobs from a root row ecmp_config map.
func ECMPFromConfig(cfg map[string]string) ECMP {
	return ECMP{
		Enabled:   store.SmapGetBool(cfg, ECMPEnabled, true),
		SrcIP:     store.SmapGetBool(cfg, ECMPHashSrcIP, true),
		DstIP:     store.SmapGetBool(cfg, ECMPHashDstIP, true),
		SrcPort:   store.SmapGetBool(cfg, ECMPHashSrcPort, true),
		DstPort:   store.SmapGetBool(cfg, ECMPHashDstPort, true),
		Resilient: store.SmapGetBool(cfg, ECMPHashResilient, true),
	}
}

// Reconciler programs L3 state for every VRF. It runs on the engine loop.
type Reconciler struct {
	log  *zap.SugaredLogger
	warn *logging.Limited
	st   *store.Store
	wb   *store.Writeback

	ecmp map[string]ECMP
}

// New returns a Reconciler that queues its status writes on wb.
func New(log *zap.SugaredLogger, st *store.Store, wb *store.Writeback) *Reconciler {
	l := log.Named("l3")
	return &Reconciler{
		log:  l,
		warn: logging.Default(l),
		st:   st,
		wb:   wb,
		ecmp: make(map[string]ECMP),
	}
}

// Register hooks the neighbor cascade into VRF_DELETE_PORTS: neighbors
// whose egress port is about to be deleted go first.
func (r *Reconciler) Register(b *blocks.Buses) error {
	return b.Reconfigure.Register(blocks.VRFDeletePorts, blocks.NoPriority, "l3-port-neighbors",
		func(_ blocks.ReconfigureBlock, p *blocks.ReconfigureParams) error {
			v := p.VRF
			if v == nil {
				return nil
			}
			for name := range v.Up.Ports {
				if _, keep := v.Up.Wanted[name]; !keep {
					r.DeletePortNeighbors(v, name)
				}
			}
			return nil
		})
}

// Reconfigure reconciles neighbors, routes, next-hops and ECMP knobs of v
// against the rows changed since seqno.
func (r *Reconciler) Reconfigure(v *world.VRF, seqno uint64) {
	if v.Up.DP == nil {
		return
	}
	r.reconfigureNeighbors(v, seqno)
	r.reconfigureRoutes(v, seqno)
	r.reconfigureNexthops(v, seqno)
}

// Forget drops the knob cache of a destroyed VRF.
func (r *Reconciler) Forget(vrf string) {
	delete(r.ecmp, vrf)
}

// ─── ECMP ───────────────────────────────────────────────────────────────────

func (r *Reconciler) reconfigureECMP(v *world.VRF) {
	sys := r.st.System.First()
	if sys == nil {
		return
	}
	want := ECMPFromConfig(sys.ECMPConfig)
	have, ok := r.ecmp[v.Name()]
	if !ok {
		have = DefaultECMP()
	}
	if want == have {
		r.ecmp[v.Name()] = have
		return
	}

	dp := v.Up.DP
	if want.Enabled != have.Enabled {
		if err := dp.L3ECMPSet(want.Enabled); err != nil {
			r.log.Warnw("setting ecmp", "vrf", v.Name(), "enabled", want.Enabled, "error", err)
		}
	}
	hashes := []struct {
		h          asic.ECMPHash
		want, have bool
	}{
		{asic.ECMPHashSrcIP, want.SrcIP, have.SrcIP},
		{asic.ECMPHashDstIP, want.DstIP, have.DstIP},
		{asic.ECMPHashSrcPort, want.SrcPort, have.SrcPort},
		{asic.ECMPHashDstPort, want.DstPort, have.DstPort},
		{asic.ECMPHashResilient, want.Resilient, have.Resilient},
	}
	for _, h := range hashes {
		if h.want == h.have {
			continue
		}
		if err := dp.L3ECMPHashSet(h.h, h.want); err != nil {
			r.log.Warnw("setting ecmp hash", "vrf", v.Name(), "hash", h.h.String(), "enabled", h.want, "error", err)
		}
	}
	r.ecmp[v.Name()] = want
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func familyOf(af string) asic.AddressFamily {
	if af == store.AddressFamilyIPv6 {
		return asic.FamilyIPv6
	}
	return asic.FamilyIPv4
}

func (r *Reconciler) portName(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	p := r.st.Ports.Get(*id)
	if p == nil {
		return ""
	}
	return p.Name
}

// provider renders nh for the ASIC with its current resolution state.
func provider(v *world.VRF, nh *world.Nexthop) asic.RouteNexthop {
	if !nh.IsIP() {
		return asic.RouteNexthop{Type: asic.NexthopPort, ID: nh.Port, State: asic.NexthopUnresolved}
	}
	out := asic.RouteNexthop{Type: asic.NexthopIP, ID: nh.IP, State: asic.NexthopUnresolved}
	if n := v.Neighbor(nh.IP); n != nil && n.Resolved() {
		out.State = asic.NexthopResolved
		out.EgressID = n.EgressID
	}
	return out
}

// routeAdd pushes nhs for rt and writes each next-hop's outcome back to its
// row.
func (r *Reconciler) routeAdd(v *world.VRF, rt *world.Route, nhs []asic.RouteNexthop) {
	ar := &asic.Route{Family: rt.Family, Prefix: rt.Key.Prefix, Nexthops: nhs}
	if err := v.Up.DP.L3RouteAction(asic.RouteAdd, ar); err != nil {
		r.log.Errorw("adding route", "vrf", v.Name(), "prefix", rt.Key.Prefix, "error", err)
	}
	for _, res := range ar.Nexthops {
		nh := rt.Nexthops[res.ID]
		if nh == nil {
			continue
		}
		r.nexthopError(nh.UUID, res.Err)
	}
}

func (r *Reconciler) routeDelete(v *world.VRF, rt *world.Route, action asic.RouteAction, nhs []asic.RouteNexthop) {
	ar := &asic.Route{Family: rt.Family, Prefix: rt.Key.Prefix, Nexthops: nhs}
	if err := v.Up.DP.L3RouteAction(action, ar); err != nil {
		r.log.Errorw("deleting route", "vrf", v.Name(), "prefix", rt.Key.Prefix, "action", action.String(), "error", err)
	}
}

// nexthopError sets or clears status:error on a next-hop row. Clearing is
// only queued when the row carries an error or one is still pending.
func (r *Reconciler) nexthopError(id uuid.UUID, msg string) {
	if id == uuid.Nil {
		return
	}
	key := "nexthop-error/" + id.String()
	if msg == "" && !r.wb.Has(key) {
		row := r.st.Nexthops.Get(id)
		if row == nil || row.Status[NexthopStatusError] == "" {
			return
		}
	}
	r.wb.Set(key, func(txn *store.Txn) {
		r.st.Nexthops.UpdateIfExists(txn, id, func(n *store.Nexthop) {
			if msg == "" {
				delete(n.Status, NexthopStatusError)
				return
			}
			if n.Status == nil {
				n.Status = make(map[string]string)
			}
			n.Status[NexthopStatusError] = msg
		})
	})
}
