package world

import (
	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/store"
)

// Port aggregates interfaces. Bridge is the owning bridge, or the VRF's Up
// bridge for L3 ports.
type Port struct {
	Name   string
	UUID   uuid.UUID
	Cfg    *store.Port
	Bridge *Bridge
	Ifaces []*Interface

	// BondHandle is the provider's bond handle, -1 without a bond.
	BondHandle int
	LAG        bool

	// Addresses last handed to the provider, used to flag changes.
	IP4Address   string
	IP4Secondary []string
	IP6Address   string
	IP6Secondary []string
}

// NewPort returns a port with no bond.
func NewPort(name string, id uuid.UUID) *Port {
	return &Port{Name: name, UUID: id, BondHandle: -1}
}

// VRF returns the owning VRF, or nil for bridge ports.
func (p *Port) VRF() *VRF {
	if p.Bridge == nil {
		return nil
	}
	return p.Bridge.VRF
}

// Iface returns the member called name, or nil.
func (p *Port) Iface(name string) *Interface {
	for _, i := range p.Ifaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

func (p *Port) detach(i *Interface) {
	for n, have := range p.Ifaces {
		if have == i {
			p.Ifaces = append(p.Ifaces[:n], p.Ifaces[n+1:]...)
			break
		}
	}
	i.Port = nil
}

// Interface is one device in a port. Name, Port, OFPort and Netdev do not
// change after creation.
type Interface struct {
	Name   string
	UUID   uuid.UUID
	Port   *Port
	OFPort int
	Netdev netdev.Netdev

	Type string
	Cfg  *store.Interface
	// ChangeSeq is the netdev change sequence last written to the store.
	ChangeSeq uint64
}

// VLAN is a bridge VLAN.
type VLAN struct {
	ID      int
	Name    string
	UUID    uuid.UUID
	Bridge  *Bridge
	Cfg     *store.VLAN
	Enabled bool
}

// Mirror is an active mirror session.
type Mirror struct {
	UUID   uuid.UUID
	Name   string
	Bridge *Bridge
	Cfg    *store.Mirror
}

// LogicalSwitch is an overlay segment on a bridge. TunnelKey never changes.
type LogicalSwitch struct {
	Bridge      *Bridge
	UUID        uuid.UUID
	TunnelKey   int64
	Name        string
	Description string
	// VLAN is the access VLAN the VNI is bound to, -1 when unbound.
	VLAN int
}

// Route is a selected prefix and the next-hops currently programmed for it.
type Route struct {
	VRF      *VRF
	UUID     uuid.UUID
	Key      RouteKey
	Family   asic.AddressFamily
	Nexthops map[string]*Nexthop
}

// NewRoute returns a route with no next-hops.
func NewRoute(key RouteKey, family asic.AddressFamily, id uuid.UUID) *Route {
	return &Route{
		UUID:     id,
		Key:      key,
		Family:   family,
		Nexthops: make(map[string]*Nexthop),
	}
}

// AddNexthop attaches nh and, once the route is in a VRF, indexes it by IP.
func (r *Route) AddNexthop(nh *Nexthop) {
	nh.Route = r
	r.Nexthops[nh.Key()] = nh
	if r.VRF != nil {
		r.VRF.indexNexthop(nh)
	}
}

// RemoveNexthop detaches nh.
func (r *Route) RemoveNexthop(nh *Nexthop) {
	if r.VRF != nil {
		r.VRF.unindexNexthop(nh)
	}
	delete(r.Nexthops, nh.Key())
	nh.Route = nil
}

// Nexthop is exactly one of an IP address or an egress port.
type Nexthop struct {
	Route *Route
	UUID  uuid.UUID
	IP    string
	Port  string
}

// Key is the IP address, or the port name for port next-hops.
func (n *Nexthop) Key() string {
	if n.IP != "" {
		return n.IP
	}
	return n.Port
}

// IsIP reports whether n is an IP next-hop.
func (n *Nexthop) IsIP() bool { return n.IP != "" }

// Neighbor is an IP to MAC binding.
type Neighbor struct {
	VRF    *VRF
	UUID   uuid.UUID
	IP     string
	MAC    string
	Port   string
	Family asic.AddressFamily
	// EgressID is issued by the provider once MAC and port are known; -1
	// until then.
	EgressID int
}

// NewNeighbor returns an unresolved neighbor.
func NewNeighbor(ip string, id uuid.UUID) *Neighbor {
	return &Neighbor{IP: ip, UUID: id, EgressID: -1}
}

// Resolved reports whether the provider issued an egress id.
func (n *Neighbor) Resolved() bool { return n.EgressID > 0 }
