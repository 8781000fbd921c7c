package world

import (
	"testing"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
)

func addIface(t *testing.T, b *Bridge, p *Port, name string) *Interface {
	t.Helper()
	n, err := b.OFPorts.Allocate(name)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	i := &Interface{Name: name, UUID: uuid.New(), Port: p, OFPort: n}
	if err := b.AddIface(i); err != nil {
		t.Fatalf("AddIface: %v", err)
	}
	return i
}

func TestNameUniqueness(t *testing.T) {
	w := New()
	if err := w.AddBridge(NewBridge("br0", "system", uuid.New())); err != nil {
		t.Fatalf("AddBridge: %v", err)
	}
	if err := w.AddVRF(NewVRF("br0", "vrf", uuid.New())); err == nil {
		t.Error("VRF reused a bridge name")
	}
	if err := w.AddVRF(NewVRF("vrf_default", "vrf", uuid.New())); err != nil {
		t.Fatalf("AddVRF: %v", err)
	}
	if err := w.AddBridge(NewBridge("vrf_default", "system", uuid.New())); err == nil {
		t.Error("bridge reused a VRF name")
	}
	if err := w.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestInterfaceIndices(t *testing.T) {
	w := New()
	b := NewBridge("br0", "system", uuid.New())
	w.AddBridge(b)

	p := NewPort("p1", uuid.New())
	if err := b.AddPort(p); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if err := b.AddPort(NewPort("p1", uuid.New())); err == nil {
		t.Error("expected duplicate port to fail")
	}

	e1 := addIface(t, b, p, "e1")
	e2 := addIface(t, b, p, "e2")

	if b.Iface("e1") != e1 || b.IfaceByOFPort(e2.OFPort) != e2 {
		t.Error("lookup mismatch")
	}
	if len(p.Ifaces) != 2 || p.Iface("e2") != e2 {
		t.Errorf("port members %v", p.Ifaces)
	}
	if err := w.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	dup := &Interface{Name: "e3", Port: p, OFPort: e1.OFPort}
	if err := b.AddIface(dup); err == nil {
		t.Error("expected ofport collision to fail")
	}

	b.RemoveIface(e1)
	if b.Iface("e1") != nil || b.IfaceByOFPort(e1.OFPort) != nil || e1.Port != nil {
		t.Error("interface not fully removed")
	}
	if len(p.Ifaces) != 1 {
		t.Errorf("expected one member left, got %d", len(p.Ifaces))
	}
	if err := w.Check(); err != nil {
		t.Errorf("Check after remove: %v", err)
	}

	b.RemovePort(p)
	if len(b.Ifaces) != 0 || len(b.IfacesByOFPort) != 0 || b.Port("p1") != nil {
		t.Error("port removal left interfaces behind")
	}
}

func TestCheckDetectsSharedPort(t *testing.T) {
	w := New()
	b := NewBridge("br0", "system", uuid.New())
	v := NewVRF("vrf_default", "vrf", uuid.New())
	w.AddBridge(b)
	w.AddVRF(v)

	p := NewPort("p1", uuid.New())
	b.AddPort(p)
	v.Up.Ports["p1"] = p

	if err := w.Check(); err == nil {
		t.Error("expected shared port to be reported")
	}
}

func TestFindPort(t *testing.T) {
	w := New()
	b := NewBridge("br0", "system", uuid.New())
	v := NewVRF("vrf_default", "vrf", uuid.New())
	w.AddBridge(b)
	w.AddVRF(v)
	b.AddPort(NewPort("p1", uuid.New()))
	l3 := NewPort("l3", uuid.New())
	v.Up.AddPort(l3)

	if w.FindPort("p1") == nil {
		t.Error("bridge port not found")
	}
	if got := w.FindPort("l3"); got != l3 || got.VRF() != v {
		t.Error("VRF port not found or wrong owner")
	}
	if w.FindPort("nope") != nil {
		t.Error("unexpected port")
	}
}

func TestNexthopIndex(t *testing.T) {
	w := New()
	v := NewVRF("vrf_default", "vrf", uuid.New())
	w.AddVRF(v)

	r1 := NewRoute(RouteKey{"bgp", "10.0.0.0/24"}, asic.FamilyIPv4, uuid.New())
	r1.AddNexthop(&Nexthop{IP: "1.1.1.1"})
	v.AddRoute(r1)

	r2 := NewRoute(RouteKey{"static", "10.0.1.0/24"}, asic.FamilyIPv4, uuid.New())
	v.AddRoute(r2)
	r2.AddNexthop(&Nexthop{IP: "1.1.1.1"})
	r2.AddNexthop(&Nexthop{Port: "p1"})

	if got := v.NexthopsByIP("1.1.1.1"); len(got) != 2 {
		t.Fatalf("expected 2 next-hops for 1.1.1.1, got %d", len(got))
	}
	if err := w.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	r2.RemoveNexthop(r2.Nexthops["1.1.1.1"])
	if got := v.NexthopsByIP("1.1.1.1"); len(got) != 1 || got[0].Route != r1 {
		t.Errorf("unexpected index after remove: %v", got)
	}

	v.RemoveRoute(r1)
	if _, ok := v.Nexthops["1.1.1.1"]; ok {
		t.Error("index entry left after route removal")
	}
	if err := w.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestRemoveVRFCascades(t *testing.T) {
	w := New()
	v := NewVRF("vrf_default", "vrf", uuid.New())
	w.AddVRF(v)
	r := NewRoute(RouteKey{"bgp", "10.0.0.0/24"}, asic.FamilyIPv4, uuid.New())
	v.AddRoute(r)
	r.AddNexthop(&Nexthop{IP: "1.1.1.1"})
	v.AddNeighbor(NewNeighbor("1.1.1.1", uuid.New()))
	v.Up.AddPort(NewPort("l3", uuid.New()))

	w.RemoveVRF(v)
	if w.VRF("vrf_default") != nil {
		t.Fatal("VRF still present")
	}
	if len(v.Routes) != 0 || len(v.Nexthops) != 0 || len(v.Neighbors) != 0 || len(v.Up.Ports) != 0 {
		t.Error("VRF children survived removal")
	}
}

func TestNeighborResolved(t *testing.T) {
	n := NewNeighbor("1.1.1.1", uuid.New())
	if n.Resolved() {
		t.Error("new neighbor should be unresolved")
	}
	n.EgressID = 100001
	if !n.Resolved() {
		t.Error("neighbor with egress id should be resolved")
	}
}

func TestOFPortPool(t *testing.T) {
	p := NewOFPortPool()

	a, err := p.Allocate("e1")
	if err != nil || a != 1 {
		t.Fatalf("expected 1, got %d (%v)", a, err)
	}
	b, _ := p.Allocate("e2")
	if b != 2 {
		t.Errorf("expected 2, got %d", b)
	}
	if again, _ := p.Allocate("e1"); again != 1 {
		t.Errorf("existing key should keep its number, got %d", again)
	}

	// Freed numbers are not reused until the cursor wraps.
	p.Release("e1")
	c, _ := p.Allocate("e3")
	if c != 3 {
		t.Errorf("expected 3, got %d", c)
	}

	if err := p.AllocateStatic("e4", 2); err == nil {
		t.Error("expected static collision to fail")
	}
	if err := p.AllocateStatic("e4", 10); err != nil {
		t.Fatalf("AllocateStatic: %v", err)
	}
	if err := p.AllocateStatic("e5", 0); err == nil {
		t.Error("expected out of range request to fail")
	}
	if p.Get("e4") != 10 {
		t.Errorf("Get(e4) = %d", p.Get("e4"))
	}
}

func TestOFPortPoolWraps(t *testing.T) {
	p := NewOFPortPool()
	p.Next = OFPortMax
	p.AllocateStatic("low", 1)

	n, _ := p.Allocate("a")
	if n != OFPortMax {
		t.Fatalf("expected %d, got %d", OFPortMax, n)
	}
	n, _ = p.Allocate("b")
	if n != 2 {
		t.Errorf("expected wrap to skip taken 1 and land on 2, got %d", n)
	}
}
