// Package world is the engine's in-memory model of what it has programmed:
// bridges and VRFs with their ports, interfaces, VLANs, mirrors, logical
// switches and L3 state. Parents own children; children hold plain back
// pointers that are cleared when the parent removes them.
package world

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/store"
)

// World holds every bridge and VRF by name.
type World struct {
	Bridges map[string]*Bridge
	VRFs    map[string]*VRF
}

// New returns an empty World.
func New() *World {
	return &World{
		Bridges: make(map[string]*Bridge),
		VRFs:    make(map[string]*VRF),
	}
}

// Bridge returns the bridge called name, or nil.
func (w *World) Bridge(name string) *Bridge { return w.Bridges[name] }

// VRF returns the VRF called name, or nil.
func (w *World) VRF(name string) *VRF { return w.VRFs[name] }

// NameInUse reports whether a bridge or VRF already has name.
func (w *World) NameInUse(name string) bool {
	_, b := w.Bridges[name]
	_, v := w.VRFs[name]
	return b || v
}

// AddBridge inserts b. Names are unique across bridges and VRFs.
func (w *World) AddBridge(b *Bridge) error {
	if w.NameInUse(b.Name) {
		return fmt.Errorf("bridge %s: name already in use", b.Name)
	}
	w.Bridges[b.Name] = b
	return nil
}

// RemoveBridge drops b and everything it owns from the model.
func (w *World) RemoveBridge(b *Bridge) {
	for _, p := range b.Ports {
		b.RemovePort(p)
	}
	b.Mirrors = make(map[uuid.UUID]*Mirror)
	b.VLANs = make(map[int]*VLAN)
	b.LogicalSwitches = make(map[int64]*LogicalSwitch)
	delete(w.Bridges, b.Name)
}

// AddVRF inserts v.
func (w *World) AddVRF(v *VRF) error {
	if w.NameInUse(v.Name()) {
		return fmt.Errorf("vrf %s: name already in use", v.Name())
	}
	w.VRFs[v.Name()] = v
	return nil
}

// RemoveVRF drops v, its ports and its L3 state.
func (w *World) RemoveVRF(v *VRF) {
	for _, r := range v.Routes {
		v.RemoveRoute(r)
	}
	for _, n := range v.Neighbors {
		v.RemoveNeighbor(n)
	}
	for _, p := range v.Up.Ports {
		v.Up.RemovePort(p)
	}
	delete(w.VRFs, v.Name())
}

// FindPort looks name up across all bridges and VRFs.
func (w *World) FindPort(name string) *Port {
	for _, b := range w.Bridges {
		if p := b.Ports[name]; p != nil {
			return p
		}
	}
	for _, v := range w.VRFs {
		if p := v.Up.Ports[name]; p != nil {
			return p
		}
	}
	return nil
}

// LogicalSwitch returns the logical switch with key on bridge, or nil.
func (w *World) LogicalSwitch(bridge string, key int64) *LogicalSwitch {
	b := w.Bridges[bridge]
	if b == nil {
		return nil
	}
	return b.LogicalSwitches[key]
}

// Check verifies the structural invariants of the model: unique names,
// exclusive port ownership, consistent interface indices and consistent
// next-hop back pointers.
func (w *World) Check() error {
	owners := make(map[*Port]string)
	claim := func(owner string, b *Bridge) error {
		for _, p := range b.Ports {
			if prev, ok := owners[p]; ok {
				return fmt.Errorf("port %s owned by both %s and %s", p.Name, prev, owner)
			}
			owners[p] = owner
			if p.Bridge != b {
				return fmt.Errorf("port %s back pointer does not match %s", p.Name, owner)
			}
		}
		return b.checkIndices()
	}

	for name, b := range w.Bridges {
		if _, dup := w.VRFs[name]; dup {
			return fmt.Errorf("name %s used by a bridge and a VRF", name)
		}
		if err := claim("bridge "+name, b); err != nil {
			return err
		}
	}
	for name, v := range w.VRFs {
		if err := claim("vrf "+name, v.Up); err != nil {
			return err
		}
		if err := v.checkNexthops(); err != nil {
			return err
		}
	}
	return nil
}

// ─── Bridge ─────────────────────────────────────────────────────────────────

// Bridge is an L2 domain, or the forwarding half of a VRF.
type Bridge struct {
	Name string
	Type string
	UUID uuid.UUID
	Cfg  *store.Bridge

	EA        net.HardwareAddr
	DefaultEA net.HardwareAddr
	DP        asic.Datapath

	Ports           map[string]*Port
	Ifaces          map[string]*Interface
	IfacesByOFPort  map[int]*Interface
	Mirrors         map[uuid.UUID]*Mirror
	VLANs           map[int]*VLAN
	LogicalSwitches map[int64]*LogicalSwitch

	OFPorts *OFPortPool

	// Wanted holds the port rows configured for this bridge, by name. The
	// engine refreshes it before the delete-ports block of every tick so
	// callbacks can tell which ports are about to disappear.
	Wanted map[string]*store.Port

	// VRF is set when this bridge backs a VRF.
	VRF *VRF
}

// NewBridge returns an empty bridge.
func NewBridge(name, typ string, id uuid.UUID) *Bridge {
	return &Bridge{
		Name:            name,
		Type:            typ,
		UUID:            id,
		Ports:           make(map[string]*Port),
		Ifaces:          make(map[string]*Interface),
		IfacesByOFPort:  make(map[int]*Interface),
		Mirrors:         make(map[uuid.UUID]*Mirror),
		VLANs:           make(map[int]*VLAN),
		LogicalSwitches: make(map[int64]*LogicalSwitch),
		OFPorts:         NewOFPortPool(),
		Wanted:          make(map[string]*store.Port),
	}
}

// Port returns the port called name, or nil.
func (b *Bridge) Port(name string) *Port { return b.Ports[name] }

// Iface returns the interface called name, or nil.
func (b *Bridge) Iface(name string) *Interface { return b.Ifaces[name] }

// IfaceByOFPort returns the interface with forwarding port number n, or nil.
func (b *Bridge) IfaceByOFPort(n int) *Interface { return b.IfacesByOFPort[n] }

// AddPort inserts p and points it back at b.
func (b *Bridge) AddPort(p *Port) error {
	if _, dup := b.Ports[p.Name]; dup {
		return fmt.Errorf("bridge %s: duplicate port %s", b.Name, p.Name)
	}
	p.Bridge = b
	b.Ports[p.Name] = p
	return nil
}

// RemovePort drops p and its interfaces from every index.
func (b *Bridge) RemovePort(p *Port) {
	for _, i := range append([]*Interface(nil), p.Ifaces...) {
		b.RemoveIface(i)
	}
	delete(b.Ports, p.Name)
}

// AddIface inserts i into all three interface indices and attaches it to
// its port.
func (b *Bridge) AddIface(i *Interface) error {
	if _, dup := b.Ifaces[i.Name]; dup {
		return fmt.Errorf("bridge %s: duplicate interface %s", b.Name, i.Name)
	}
	if other, dup := b.IfacesByOFPort[i.OFPort]; dup {
		return fmt.Errorf("bridge %s: interface %s reuses ofport %d of %s", b.Name, i.Name, i.OFPort, other.Name)
	}
	b.Ifaces[i.Name] = i
	b.IfacesByOFPort[i.OFPort] = i
	if i.Port != nil {
		i.Port.Ifaces = append(i.Port.Ifaces, i)
	}
	return nil
}

// RemoveIface drops i from the indices, detaches it from its port and frees
// its forwarding port number.
func (b *Bridge) RemoveIface(i *Interface) {
	delete(b.Ifaces, i.Name)
	if b.IfacesByOFPort[i.OFPort] == i {
		delete(b.IfacesByOFPort, i.OFPort)
	}
	b.OFPorts.Release(i.Name)
	if i.Port != nil {
		i.Port.detach(i)
	}
}

func (b *Bridge) checkIndices() error {
	if len(b.Ifaces) != len(b.IfacesByOFPort) {
		return fmt.Errorf("bridge %s: %d interfaces by name but %d by ofport", b.Name, len(b.Ifaces), len(b.IfacesByOFPort))
	}
	for name, i := range b.Ifaces {
		if i.Name != name {
			return fmt.Errorf("bridge %s: interface %s indexed as %s", b.Name, i.Name, name)
		}
		if b.IfacesByOFPort[i.OFPort] != i {
			return fmt.Errorf("bridge %s: interface %s missing from ofport index at %d", b.Name, name, i.OFPort)
		}
		if i.Port == nil || b.Ports[i.Port.Name] != i.Port {
			return fmt.Errorf("bridge %s: interface %s has no port on this bridge", b.Name, name)
		}
	}
	return nil
}

// ─── VRF ────────────────────────────────────────────────────────────────────

// RouteKey identifies a route within a VRF.
type RouteKey struct {
	From   string
	Prefix string
}

func (k RouteKey) String() string { return k.From + " " + k.Prefix }

// VRF is an L3 domain. Up carries its ports and interfaces.
type VRF struct {
	Up  *Bridge
	Cfg *store.VRF

	Neighbors map[string]*Neighbor
	Routes    map[RouteKey]*Route
	// Nexthops indexes IP next-hops of every route by address. Several
	// routes may share an address.
	Nexthops map[string][]*Nexthop
}

// NewVRF returns an empty VRF of the given datapath type.
func NewVRF(name, typ string, id uuid.UUID) *VRF {
	v := &VRF{
		Up:        NewBridge(name, typ, id),
		Neighbors: make(map[string]*Neighbor),
		Routes:    make(map[RouteKey]*Route),
		Nexthops:  make(map[string][]*Nexthop),
	}
	v.Up.VRF = v
	return v
}

// Name returns the VRF name.
func (v *VRF) Name() string { return v.Up.Name }

// Route returns the route for key, or nil.
func (v *VRF) Route(key RouteKey) *Route { return v.Routes[key] }

// AddRoute inserts r and indexes its next-hops.
func (v *VRF) AddRoute(r *Route) {
	r.VRF = v
	v.Routes[r.Key] = r
	for _, nh := range r.Nexthops {
		v.indexNexthop(nh)
	}
}

// RemoveRoute drops r and its next-hops.
func (v *VRF) RemoveRoute(r *Route) {
	for _, nh := range r.Nexthops {
		r.RemoveNexthop(nh)
	}
	delete(v.Routes, r.Key)
}

// NexthopsByIP returns the next-hops of every route that point at ip.
func (v *VRF) NexthopsByIP(ip string) []*Nexthop {
	return v.Nexthops[ip]
}

func (v *VRF) indexNexthop(nh *Nexthop) {
	if nh.IP == "" {
		return
	}
	for _, have := range v.Nexthops[nh.IP] {
		if have == nh {
			return
		}
	}
	v.Nexthops[nh.IP] = append(v.Nexthops[nh.IP], nh)
}

func (v *VRF) unindexNexthop(nh *Nexthop) {
	if nh.IP == "" {
		return
	}
	list := v.Nexthops[nh.IP]
	for i, have := range list {
		if have == nh {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(v.Nexthops, nh.IP)
		return
	}
	v.Nexthops[nh.IP] = list
}

// Neighbor returns the neighbor for ip, or nil.
func (v *VRF) Neighbor(ip string) *Neighbor { return v.Neighbors[ip] }

// AddNeighbor inserts n.
func (v *VRF) AddNeighbor(n *Neighbor) {
	n.VRF = v
	v.Neighbors[n.IP] = n
}

// RemoveNeighbor drops n.
func (v *VRF) RemoveNeighbor(n *Neighbor) {
	delete(v.Neighbors, n.IP)
}

func (v *VRF) checkNexthops() error {
	for ip, list := range v.Nexthops {
		for _, nh := range list {
			if nh.IP != ip {
				return fmt.Errorf("vrf %s: next-hop %s indexed under %s", v.Name(), nh.IP, ip)
			}
			r := nh.Route
			if r == nil || v.Routes[r.Key] != r {
				return fmt.Errorf("vrf %s: next-hop %s points at a route outside the VRF", v.Name(), ip)
			}
			if r.Nexthops[nh.Key()] != nh {
				return fmt.Errorf("vrf %s: next-hop %s not owned by route %s", v.Name(), ip, r.Key)
			}
		}
	}
	return nil
}
