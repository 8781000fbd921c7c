package l3

import (
	"net"
	"net/netip"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// vrfNeighbors returns the neighbor rows of v keyed by IP, in store order.
func (r *Reconciler) vrfNeighbors(v *world.VRF) (map[string]*store.Neighbor, []*store.Neighbor) {
	byIP := make(map[string]*store.Neighbor)
	var order []*store.Neighbor
	for _, row := range r.st.Neighbors.All() {
		if row.VRF != v.Up.UUID {
			continue
		}
		if _, dup := byIP[row.IPAddress]; dup {
			r.warn.Warnw("neighbor specified twice", "vrf", v.Name(), "ip", row.IPAddress)
			continue
		}
		byIP[row.IPAddress] = row
		order = append(order, row)
	}
	return byIP, order
}

// AddNeighbors creates every configured neighbor of v not yet known. The
// engine calls it after port settings change, since a neighbor can only be
// programmed once its egress port exists.
func (r *Reconciler) AddNeighbors(v *world.VRF) {
	if v.Up.DP == nil {
		return
	}
	_, order := r.vrfNeighbors(v)
	for _, row := range order {
		if v.Neighbor(row.IPAddress) == nil {
			r.createNeighbor(v, row)
		}
	}
}

// DeletePortNeighbors removes the neighbors that egress through port.
func (r *Reconciler) DeletePortNeighbors(v *world.VRF, port string) {
	for _, n := range v.Neighbors {
		if n.Port == port {
			r.deleteNeighbor(v, n)
		}
	}
}

func (r *Reconciler) reconfigureNeighbors(v *world.VRF, seqno uint64) {
	if r.st.Neighbors.Len() == 0 {
		for _, n := range v.Neighbors {
			r.deleteNeighbor(v, n)
		}
		return
	}
	if !r.st.Neighbors.Changed(seqno) {
		return
	}

	current, order := r.vrfNeighbors(v)
	for ip, n := range v.Neighbors {
		if _, ok := current[ip]; !ok {
			r.deleteNeighbor(v, n)
		}
	}
	for _, row := range order {
		n := v.Neighbor(row.IPAddress)
		switch {
		case n == nil:
			r.createNeighbor(v, row)
		case r.st.Neighbors.IsModified(row.UUID, seqno) && !r.st.Neighbors.IsInserted(row.UUID, seqno):
			r.modifyNeighbor(v, n, row)
		}
	}
}

func neighborFamily(row *store.Neighbor) asic.AddressFamily {
	switch row.AddressFamily {
	case store.AddressFamilyIPv6:
		return asic.FamilyIPv6
	case store.AddressFamilyIPv4:
		return asic.FamilyIPv4
	}
	if a, err := netip.ParseAddr(row.IPAddress); err == nil && a.Is6() && !a.Is4In6() {
		return asic.FamilyIPv6
	}
	return asic.FamilyIPv4
}

func validMAC(s string) bool {
	_, err := net.ParseMAC(s)
	return err == nil
}

func (r *Reconciler) createNeighbor(v *world.VRF, row *store.Neighbor) {
	n := world.NewNeighbor(row.IPAddress, row.UUID)
	n.MAC = row.MAC
	n.Port = r.portName(row.Port)
	n.Family = neighborFamily(row)
	v.AddNeighbor(n)

	if n.MAC == "" || n.Port == "" {
		return
	}
	if !validMAC(n.MAC) {
		r.warn.Warnw("neighbor has an invalid mac", "vrf", v.Name(), "ip", n.IP, "mac", n.MAC)
		return
	}
	if r.setHost(v, n) {
		r.updateRoutes(v, n, true)
	}
}

// setHost programs n and records its egress id. On failure the neighbor
// is dropped so a later pass creates it afresh.
func (r *Reconciler) setHost(v *world.VRF, n *world.Neighbor) bool {
	if v.Up.Port(n.Port) == nil {
		r.warn.Warnw("neighbor egress port not found", "vrf", v.Name(), "ip", n.IP, "port", n.Port)
		v.RemoveNeighbor(n)
		return false
	}
	egress, err := v.Up.DP.AddL3HostEntry(n.Port, &asic.HostEntry{Family: n.Family, IPAddress: n.IP, MAC: n.MAC})
	if err != nil {
		r.log.Errorw("adding host entry", "vrf", v.Name(), "ip", n.IP, "port", n.Port, "error", err)
		v.RemoveNeighbor(n)
		return false
	}
	n.EgressID = egress
	r.log.Debugw("host entry added", "vrf", v.Name(), "ip", n.IP, "egress", egress)
	return true
}

func (r *Reconciler) deleteHost(v *world.VRF, n *world.Neighbor) {
	if v.Up.Port(n.Port) == nil {
		r.log.Errorw("deleting host entry: port not found", "vrf", v.Name(), "ip", n.IP, "port", n.Port)
		n.EgressID = -1
		return
	}
	if err := v.Up.DP.DeleteL3HostEntry(n.Port, &asic.HostEntry{Family: n.Family, IPAddress: n.IP, MAC: n.MAC}); err != nil {
		r.log.Errorw("deleting host entry", "vrf", v.Name(), "ip", n.IP, "error", err)
	}
	n.EgressID = -1
}

// updateRoutes pushes one route update per next-hop pointing at n's IP,
// promoting it to resolved or demoting it.
func (r *Reconciler) updateRoutes(v *world.VRF, n *world.Neighbor, resolved bool) {
	for _, nh := range append([]*world.Nexthop(nil), v.NexthopsByIP(n.IP)...) {
		rnh := asic.RouteNexthop{Type: asic.NexthopIP, ID: nh.IP, State: asic.NexthopUnresolved}
		if resolved {
			rnh.State = asic.NexthopResolved
			rnh.EgressID = n.EgressID
		}
		r.routeAdd(v, nh.Route, []asic.RouteNexthop{rnh})
	}
}

func (r *Reconciler) deleteNeighbor(v *world.VRF, n *world.Neighbor) {
	if n.Resolved() {
		r.updateRoutes(v, n, false)
		r.deleteHost(v, n)
	}
	v.RemoveNeighbor(n)
}

// modifyNeighbor handles port and MAC changes independently. The old host
// entry goes whenever either changes; a new one is added once both are
// known.
func (r *Reconciler) modifyNeighbor(v *world.VRF, n *world.Neighbor, row *store.Neighbor) {
	var addNew, deleteOld bool

	port := r.portName(row.Port)
	newPort := n.Port
	switch {
	case port != "" && n.Port == "":
		newPort = port
		addNew = true
	case port != "" && port != n.Port:
		newPort = port
		deleteOld, addNew = true, true
	case port == "" && n.Port != "":
		newPort = ""
		deleteOld = true
	}

	newMAC := n.MAC
	switch {
	case row.MAC != "" && n.MAC == "":
		newMAC = row.MAC
		addNew = true
	case row.MAC != "" && row.MAC != n.MAC:
		newMAC = row.MAC
		deleteOld, addNew = true, true
	case row.MAC == "" && n.MAC != "":
		newMAC = ""
		deleteOld = true
	}

	// The host entry is removed through the port and MAC it was added with.
	if deleteOld && n.Resolved() {
		r.updateRoutes(v, n, false)
		r.deleteHost(v, n)
	}
	n.Port, n.MAC = newPort, newMAC

	if addNew && n.Port != "" && n.MAC != "" {
		if !validMAC(n.MAC) {
			r.warn.Warnw("neighbor has an invalid mac", "vrf", v.Name(), "ip", n.IP, "mac", n.MAC)
			return
		}
		if r.setHost(v, n) {
			r.updateRoutes(v, n, true)
		}
	}
}
