package l3

import (
	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// nexthopRow is a selected next-hop row reduced to what the provider sees.
type nexthopRow struct {
	id   uuid.UUID
	ip   string
	port string
}

func (n nexthopRow) key() string {
	if n.ip != "" {
		return n.ip
	}
	return n.port
}

// RouteSelected reports whether a route row is selected.
func RouteSelected(row *store.Route) bool {
	return store.BoolDefault(row.Selected, false)
}

// NexthopSelected reports whether a next-hop row is selected.
func NexthopSelected(row *store.Nexthop) bool {
	return store.BoolDefault(row.Selected, true)
}

// selectedNexthops returns the selected, addressable next-hops of row in
// row order. A key listed twice is kept once.
func (r *Reconciler) selectedNexthops(row *store.Route) []nexthopRow {
	var out []nexthopRow
	seen := make(map[string]bool)
	for _, id := range row.Nexthops {
		nh := r.st.Nexthops.Get(id)
		if nh == nil || !NexthopSelected(nh) {
			continue
		}
		n := nexthopRow{id: id, ip: nh.IPAddress}
		if n.ip == "" && len(nh.Ports) > 0 {
			n.port = r.portName(&nh.Ports[0])
		}
		if n.key() == "" {
			continue
		}
		if seen[n.key()] {
			r.log.Debugw("next-hop listed twice", "prefix", row.Prefix, "nexthop", n.key())
			continue
		}
		seen[n.key()] = true
		out = append(out, n)
	}
	return out
}

// vrfRoutes returns the selected route rows of v keyed by origin and prefix,
// in store order.
func (r *Reconciler) vrfRoutes(v *world.VRF) (map[world.RouteKey]*store.Route, []*store.Route) {
	byKey := make(map[world.RouteKey]*store.Route)
	var order []*store.Route
	for _, row := range r.st.Routes.All() {
		if row.VRF != v.Up.UUID || !RouteSelected(row) {
			continue
		}
		key := world.RouteKey{From: row.From, Prefix: row.Prefix}
		if _, dup := byKey[key]; dup {
			r.log.Debugw("route specified twice", "vrf", v.Name(), "route", key.String())
			continue
		}
		byKey[key] = row
		order = append(order, row)
	}
	return byKey, order
}

func (r *Reconciler) reconfigureRoutes(v *world.VRF, seqno uint64) {
	r.reconfigureECMP(v)

	if r.st.Routes.Len() == 0 {
		for _, rt := range v.Routes {
			r.deleteRoute(v, rt)
		}
		return
	}
	if !r.st.Routes.Changed(seqno) {
		return
	}

	current, order := r.vrfRoutes(v)

	// Deleted or no longer selected.
	for key, rt := range v.Routes {
		if _, ok := current[key]; !ok {
			r.deleteRoute(v, rt)
		}
	}

	for _, row := range order {
		key := world.RouteKey{From: row.From, Prefix: row.Prefix}
		rt := v.Route(key)
		switch {
		case rt == nil:
			r.addRoute(v, row)
		case r.st.Routes.IsModified(row.UUID, seqno) && !r.st.Routes.IsInserted(row.UUID, seqno):
			r.modifyRoute(v, rt, row)
		}
	}
}

// reconfigureNexthops catches next-hop rows whose own columns changed, such
// as a selected flag flipping, which leaves the route row untouched.
func (r *Reconciler) reconfigureNexthops(v *world.VRF, seqno uint64) {
	if r.st.Nexthops.Len() == 0 || !r.st.Nexthops.Changed(seqno) {
		return
	}
	_, order := r.vrfRoutes(v)
	for _, row := range order {
		if !r.nexthopRowsModified(row, seqno) {
			continue
		}
		if rt := v.Route(world.RouteKey{From: row.From, Prefix: row.Prefix}); rt != nil {
			r.modifyRoute(v, rt, row)
		}
	}
}

func (r *Reconciler) nexthopRowsModified(row *store.Route, seqno uint64) bool {
	for _, id := range row.Nexthops {
		if r.st.Nexthops.IsModified(id, seqno) && !r.st.Nexthops.IsInserted(id, seqno) {
			return true
		}
	}
	return false
}

func (r *Reconciler) addRoute(v *world.VRF, row *store.Route) {
	key := world.RouteKey{From: row.From, Prefix: row.Prefix}
	rt := world.NewRoute(key, familyOf(row.AddressFamily), row.UUID)
	v.AddRoute(rt)

	rows := r.selectedNexthops(row)
	for _, n := range rows {
		rt.AddNexthop(&world.Nexthop{UUID: n.id, IP: n.ip, Port: n.port})
	}

	var push []asic.RouteNexthop
	if len(rows) > 1 {
		push = ecmpSubset(v, rt, rows)
	} else {
		for _, n := range rows {
			push = append(push, provider(v, rt.Nexthops[n.key()]))
		}
	}
	if len(push) > 0 {
		r.routeAdd(v, rt, push)
	}
	r.log.Debugw("route added", "vrf", v.Name(), "route", key.String(), "nexthops", len(rows), "pushed", len(push))
}

// ecmpSubset keeps port next-hops and resolved IP next-hops. When nothing
// qualifies it falls back to the first IP next-hop, unresolved.
func ecmpSubset(v *world.VRF, rt *world.Route, rows []nexthopRow) []asic.RouteNexthop {
	var out []asic.RouteNexthop
	for _, n := range rows {
		if rnh, ok := resolvedOrPort(v, rt.Nexthops[n.key()]); ok {
			out = append(out, rnh)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, n := range rows {
		if n.ip != "" {
			return []asic.RouteNexthop{{Type: asic.NexthopIP, ID: n.ip, State: asic.NexthopUnresolved}}
		}
	}
	return nil
}

func resolvedOrPort(v *world.VRF, nh *world.Nexthop) (asic.RouteNexthop, bool) {
	rnh := provider(v, nh)
	return rnh, rnh.Type == asic.NexthopPort || rnh.State == asic.NexthopResolved
}

func (r *Reconciler) deleteRoute(v *world.VRF, rt *world.Route) {
	push := make([]asic.RouteNexthop, 0, len(rt.Nexthops))
	for _, nh := range rt.Nexthops {
		push = append(push, provider(v, nh))
	}
	v.RemoveRoute(rt)
	if len(push) > 0 {
		r.routeDelete(v, rt, asic.RouteDelete, push)
	}
	r.log.Debugw("route deleted", "vrf", v.Name(), "route", rt.Key.String())
}

// modifyRoute applies next-hop additions and removals. Next-hop address and
// port are immutable, so a changed next-hop shows up as one of each.
func (r *Reconciler) modifyRoute(v *world.VRF, rt *world.Route, row *store.Route) {
	rows := r.selectedNexthops(row)
	current := make(map[string]nexthopRow, len(rows))
	for _, n := range rows {
		current[n.key()] = n
	}

	var gone []asic.RouteNexthop
	for key, nh := range rt.Nexthops {
		if _, ok := current[key]; ok {
			continue
		}
		gone = append(gone, provider(v, nh))
		rt.RemoveNexthop(nh)
	}
	if len(gone) > 0 {
		r.routeDelete(v, rt, asic.RouteDeleteNexthop, gone)
	}

	var added []asic.RouteNexthop
	for _, n := range rows {
		if rt.Nexthops[n.key()] != nil {
			continue
		}
		nh := &world.Nexthop{UUID: n.id, IP: n.ip, Port: n.port}
		rt.AddNexthop(nh)
		if len(rows) > 1 {
			if rnh, ok := resolvedOrPort(v, nh); ok {
				added = append(added, rnh)
			}
			continue
		}
		added = append(added, provider(v, nh))
	}
	if len(added) > 0 {
		r.routeAdd(v, rt, added)
	}
}
