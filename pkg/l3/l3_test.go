package l3

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/asic/softasic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

type fixture struct {
	t     *testing.T
	st    *store.Store
	asic  *softasic.ASIC
	dp    *softasic.Datapath
	world *world.World
	vrf   *world.VRF
	wb    *store.Writeback
	r     *Reconciler
	seqno uint64
	ports map[string]uuid.UUID
	sysID uuid.UUID
	vrfID uuid.UUID
}

func newFixture(t *testing.T, ports ...string) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	f := &fixture{
		t:     t,
		st:    store.New(log),
		asic:  softasic.New(softasic.Options{}),
		world: world.New(),
		wb:    store.NewWriteback(),
		ports: make(map[string]uuid.UUID),
		vrfID: uuid.New(),
	}

	f.commit(func(txn *store.Txn) {
		var ids []uuid.UUID
		for _, name := range ports {
			id := f.st.Ports.Insert(txn, store.Port{Name: name})
			f.ports[name] = id
			ids = append(ids, id)
		}
		f.st.VRFs.Insert(txn, store.VRF{Header: store.Header{UUID: f.vrfID}, Name: "vrf_default", Ports: ids})
		f.sysID = f.st.System.Insert(txn, store.System{VRFs: []uuid.UUID{f.vrfID}})
	})

	dp, err := f.asic.Create("vrf_default", softasic.TypeVRF)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.dp = f.asic.Datapath("vrf_default")
	f.vrf = world.NewVRF("vrf_default", softasic.TypeVRF, f.vrfID)
	f.vrf.Up.DP = dp
	if err := f.world.AddVRF(f.vrf); err != nil {
		t.Fatalf("AddVRF: %v", err)
	}
	for _, name := range ports {
		p := world.NewPort(name, f.ports[name])
		if err := f.vrf.Up.AddPort(p); err != nil {
			t.Fatalf("AddPort: %v", err)
		}
		f.vrf.Up.Wanted[name] = f.st.Ports.Get(f.ports[name])
		if _, err := dp.BundleRegister(name, &asic.BundleSettings{Name: name, BondHandle: -1, VLAN: -1}); err != nil {
			t.Fatalf("BundleRegister: %v", err)
		}
	}
	f.r = New(log, f.st, f.wb)
	f.asic.ResetJournal()
	return f
}

func (f *fixture) commit(fn func(txn *store.Txn)) {
	f.t.Helper()
	txn := f.st.NewTxn()
	fn(txn)
	if st := txn.Commit(); !st.OK() {
		f.t.Fatalf("commit: %s: %v", st, txn.Err())
	}
}

// tick runs one reconcile pass and flushes the status writes it queued.
func (f *fixture) tick() {
	f.t.Helper()
	f.r.Reconfigure(f.vrf, f.seqno)
	f.seqno = f.st.Seqno()

	txn := f.st.NewTxn()
	f.wb.Apply(txn)
	if st := txn.Commit(); !st.OK() {
		f.t.Fatalf("writeback: %s: %v", st, txn.Err())
	}
	f.wb.Reset()

	if err := f.world.Check(); err != nil {
		f.t.Fatalf("world invariants: %v", err)
	}
}

func (f *fixture) insertRoute(prefix string, ips ...string) (uuid.UUID, []uuid.UUID) {
	f.t.Helper()
	var routeID uuid.UUID
	var nhs []uuid.UUID
	f.commit(func(txn *store.Txn) {
		for _, ip := range ips {
			nhs = append(nhs, f.st.Nexthops.Insert(txn, store.Nexthop{IPAddress: ip}))
		}
		selected := true
		routeID = f.st.Routes.Insert(txn, store.Route{
			VRF:      f.vrfID,
			From:     "bgp",
			Prefix:   prefix,
			Selected: &selected,
			Nexthops: nhs,
		})
	})
	return routeID, nhs
}

func (f *fixture) insertNeighbor(ip, mac, port string) uuid.UUID {
	f.t.Helper()
	var id uuid.UUID
	f.commit(func(txn *store.Txn) {
		row := store.Neighbor{VRF: f.vrfID, IPAddress: ip, MAC: mac}
		if port != "" {
			pid := f.ports[port]
			row.Port = &pid
		}
		id = f.st.Neighbors.Insert(txn, row)
	})
	return id
}

func routeCalls(a *softasic.ASIC, op string) []asic.Route {
	var out []asic.Route
	for _, c := range a.Calls(op) {
		out = append(out, c.Args.(asic.Route))
	}
	return out
}

func ipNH(ip string, egress int) asic.RouteNexthop {
	nh := asic.RouteNexthop{Type: asic.NexthopIP, ID: ip, State: asic.NexthopUnresolved}
	if egress > 0 {
		nh.State = asic.NexthopResolved
		nh.EgressID = egress
	}
	return nh
}

// ─── Routes and neighbors ───────────────────────────────────────────────────

func TestECMPRouteResolvesAsNeighborsArrive(t *testing.T) {
	f := newFixture(t, "p1")
	const prefix = "10.0.0.0/24"

	// No neighbors yet: a single unresolved next-hop goes down as a CPU hint.
	f.insertRoute(prefix, "1.1.1.1", "2.2.2.2")
	f.tick()

	adds := routeCalls(f.asic, "route-add")
	if len(adds) != 1 {
		t.Fatalf("expected 1 route-add, got %d", len(adds))
	}
	if got := adds[0].Nexthops; len(got) != 1 || got[0].State != asic.NexthopUnresolved {
		t.Fatalf("expected one unresolved next-hop, got %+v", got)
	}
	if id := adds[0].Nexthops[0].ID; id != "1.1.1.1" && id != "2.2.2.2" {
		t.Fatalf("unexpected next-hop %s", id)
	}

	// First neighbor: one host entry, one promotion.
	f.asic.ResetJournal()
	f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.tick()

	hosts := f.asic.Calls("add-l3-host")
	if len(hosts) != 1 {
		t.Fatalf("expected 1 add-l3-host, got %d", len(hosts))
	}
	e1 := hosts[0].Args.(softasic.Host).EgressID
	if e1 != softasic.FirstEgressID {
		t.Fatalf("expected egress %d, got %d", softasic.FirstEgressID, e1)
	}
	adds = routeCalls(f.asic, "route-add")
	if len(adds) != 1 {
		t.Fatalf("expected 1 promotion, got %d", len(adds))
	}
	if diff := cmp.Diff([]asic.RouteNexthop{ipNH("1.1.1.1", e1)}, adds[0].Nexthops); diff != "" {
		t.Errorf("promotion (-want +got):\n%s", diff)
	}

	// Second neighbor: both next-hops resolved in the datapath.
	f.insertNeighbor("2.2.2.2", "aa:bb:cc:dd:ee:02", "p1")
	f.tick()

	e2 := e1 + 1
	got, ok := f.dp.Route(prefix)
	if !ok {
		t.Fatal("route missing from datapath")
	}
	want := []asic.RouteNexthop{ipNH("1.1.1.1", e1), ipNH("2.2.2.2", e2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("datapath route (-want +got):\n%s", diff)
	}
}

func TestNeighborDeleteDemotesBeforeHostDelete(t *testing.T) {
	f := newFixture(t, "p1")
	const prefix = "10.0.0.0/24"

	f.insertRoute(prefix, "1.1.1.1", "2.2.2.2")
	n1 := f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.insertNeighbor("2.2.2.2", "aa:bb:cc:dd:ee:02", "p1")
	f.tick()
	e2, _ := f.dp.Host("2.2.2.2")

	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) { f.st.Neighbors.Delete(txn, n1) })
	f.tick()

	calls := f.asic.Calls("route-add", "delete-l3-host")
	if len(calls) != 2 {
		t.Fatalf("expected a demotion and a host delete, got %+v", calls)
	}
	if calls[0].Op != "route-add" || calls[1].Op != "delete-l3-host" {
		t.Fatalf("wrong order: %s then %s", calls[0].Op, calls[1].Op)
	}
	if diff := cmp.Diff([]asic.RouteNexthop{ipNH("1.1.1.1", 0)}, calls[0].Args.(asic.Route).Nexthops); diff != "" {
		t.Errorf("demotion (-want +got):\n%s", diff)
	}

	got, _ := f.dp.Route(prefix)
	want := []asic.RouteNexthop{ipNH("1.1.1.1", 0), ipNH("2.2.2.2", e2.EgressID)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("datapath route (-want +got):\n%s", diff)
	}
	if f.vrf.Neighbor("1.1.1.1") != nil {
		t.Error("neighbor still in the VRF")
	}
}

func TestSingleNexthopAlwaysPushed(t *testing.T) {
	f := newFixture(t, "p1")
	f.insertRoute("192.168.0.0/16", "9.9.9.9")
	f.tick()

	adds := routeCalls(f.asic, "route-add")
	if len(adds) != 1 {
		t.Fatalf("expected 1 route-add, got %d", len(adds))
	}
	if diff := cmp.Diff([]asic.RouteNexthop{ipNH("9.9.9.9", 0)}, adds[0].Nexthops); diff != "" {
		t.Errorf("next-hops (-want +got):\n%s", diff)
	}
}

func TestECMPPushesOnlyResolved(t *testing.T) {
	f := newFixture(t, "p1")
	f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.tick()
	f.asic.ResetJournal()

	f.insertRoute("10.1.0.0/16", "1.1.1.1", "2.2.2.2", "3.3.3.3")
	f.tick()

	adds := routeCalls(f.asic, "route-add")
	if len(adds) != 1 {
		t.Fatalf("expected 1 route-add, got %d", len(adds))
	}
	if diff := cmp.Diff([]asic.RouteNexthop{ipNH("1.1.1.1", softasic.FirstEgressID)}, adds[0].Nexthops); diff != "" {
		t.Errorf("next-hops (-want +got):\n%s", diff)
	}
}

func TestNeighborPromotesEveryMatchingNexthop(t *testing.T) {
	f := newFixture(t, "p1")
	f.insertRoute("10.1.0.0/16", "1.1.1.1")
	f.insertRoute("10.2.0.0/16", "1.1.1.1", "4.4.4.4")
	f.insertRoute("10.3.0.0/16", "5.5.5.5")
	f.tick()
	f.asic.ResetJournal()

	id := f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.tick()
	if n := len(f.asic.Calls("route-add")); n != 2 {
		t.Errorf("expected 2 promotions, got %d", n)
	}

	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) { f.st.Neighbors.Delete(txn, id) })
	f.tick()
	if n := len(f.asic.Calls("route-add")); n != 2 {
		t.Errorf("expected 2 demotions, got %d", n)
	}
}

func TestRouteModifyAndUnselect(t *testing.T) {
	f := newFixture(t, "p1")
	routeID, nhs := f.insertRoute("10.0.0.0/24", "1.1.1.1", "2.2.2.2")
	f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.insertNeighbor("3.3.3.3", "aa:bb:cc:dd:ee:03", "p1")
	f.tick()
	f.asic.ResetJournal()

	// Swap 2.2.2.2 for 3.3.3.3.
	f.commit(func(txn *store.Txn) {
		nh3 := f.st.Nexthops.Insert(txn, store.Nexthop{IPAddress: "3.3.3.3"})
		f.st.Routes.Update(txn, routeID, func(r *store.Route) {
			r.Nexthops = []uuid.UUID{nhs[0], nh3}
		})
	})
	f.tick()

	dels := routeCalls(f.asic, "route-delete-nexthop")
	if len(dels) != 1 || len(dels[0].Nexthops) != 1 || dels[0].Nexthops[0].ID != "2.2.2.2" {
		t.Fatalf("expected 2.2.2.2 removed, got %+v", dels)
	}
	adds := routeCalls(f.asic, "route-add")
	if len(adds) != 1 || adds[0].Nexthops[0].ID != "3.3.3.3" || adds[0].Nexthops[0].State != asic.NexthopResolved {
		t.Fatalf("expected resolved 3.3.3.3 added, got %+v", adds)
	}
	rt := f.vrf.Route(world.RouteKey{From: "bgp", Prefix: "10.0.0.0/24"})
	if rt == nil || len(rt.Nexthops) != 2 || rt.Nexthops["2.2.2.2"] != nil {
		t.Fatalf("local route not updated: %+v", rt)
	}

	// Unselecting the route removes it.
	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) {
		f.st.Routes.Update(txn, routeID, func(r *store.Route) {
			off := false
			r.Selected = &off
		})
	})
	f.tick()
	if n := len(f.asic.Calls("route-delete")); n != 1 {
		t.Fatalf("expected 1 route-delete, got %d", n)
	}
	if len(f.vrf.Routes) != 0 || len(f.vrf.Nexthops) != 0 {
		t.Errorf("route state left behind: %d routes, %d next-hops", len(f.vrf.Routes), len(f.vrf.Nexthops))
	}
}

func TestNexthopUnselectedWithoutRouteChange(t *testing.T) {
	f := newFixture(t, "p1")
	_, nhs := f.insertRoute("10.0.0.0/24", "1.1.1.1", "2.2.2.2")
	f.tick()
	f.asic.ResetJournal()

	f.commit(func(txn *store.Txn) {
		f.st.Nexthops.Update(txn, nhs[1], func(n *store.Nexthop) {
			off := false
			n.Selected = &off
		})
	})
	f.tick()

	rt := f.vrf.Route(world.RouteKey{From: "bgp", Prefix: "10.0.0.0/24"})
	if rt.Nexthops["2.2.2.2"] != nil {
		t.Error("unselected next-hop still on the route")
	}
	if n := len(f.asic.Calls("route-delete-nexthop")); n != 1 {
		t.Errorf("expected 1 route-delete-nexthop, got %d", n)
	}
}

func TestNexthopErrorWrittenAndCleared(t *testing.T) {
	f := newFixture(t, "p1")
	f.asic.FailNexthop("7.7.7.7", "table full")
	_, nhs := f.insertRoute("10.7.0.0/16", "7.7.7.7")
	f.tick()

	if got := f.st.Nexthops.Get(nhs[0]).Status[NexthopStatusError]; got != "table full" {
		t.Fatalf("expected error status, got %q", got)
	}

	f.asic.FailNexthop("7.7.7.7", "")
	f.insertNeighbor("7.7.7.7", "aa:bb:cc:dd:ee:07", "p1")
	f.tick()

	if got, ok := f.st.Nexthops.Get(nhs[0]).Status[NexthopStatusError]; ok {
		t.Errorf("error status not cleared: %q", got)
	}
}

func TestNeighborModify(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	f.insertRoute("10.0.0.0/24", "1.1.1.1")
	id := f.insertNeighbor("1.1.1.1", "", "p1")
	f.tick()

	if n := f.vrf.Neighbor("1.1.1.1"); n == nil || n.Resolved() {
		t.Fatalf("neighbor without mac should be known but unresolved: %+v", n)
	}

	// MAC arrives.
	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) {
		f.st.Neighbors.Update(txn, id, func(n *store.Neighbor) { n.MAC = "aa:bb:cc:dd:ee:01" })
	})
	f.tick()
	if n := len(f.asic.Calls("add-l3-host")); n != 1 {
		t.Fatalf("expected 1 add-l3-host, got %d", n)
	}

	// Port moves: delete then re-add through the new port.
	f.asic.ResetJournal()
	p2 := f.ports["p2"]
	f.commit(func(txn *store.Txn) {
		f.st.Neighbors.Update(txn, id, func(n *store.Neighbor) { n.Port = &p2 })
	})
	f.tick()

	calls := f.asic.Calls("add-l3-host", "delete-l3-host")
	if len(calls) != 2 || calls[0].Op != "delete-l3-host" || calls[1].Op != "add-l3-host" {
		t.Fatalf("expected delete then add, got %+v", calls)
	}
	if calls[0].Aux != "p1" || calls[1].Aux != "p2" {
		t.Errorf("host entry moved %s -> %s, want p1 -> p2", calls[0].Aux, calls[1].Aux)
	}
	if n := len(f.asic.Calls("route-add")); n != 2 {
		t.Errorf("expected a demotion and a promotion, got %d route-adds", n)
	}

	// MAC removed: neighbor stays, host entry goes.
	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) {
		f.st.Neighbors.Update(txn, id, func(n *store.Neighbor) { n.MAC = "" })
	})
	f.tick()
	if n := f.vrf.Neighbor("1.1.1.1"); n == nil || n.Resolved() {
		t.Fatalf("neighbor should remain unresolved: %+v", n)
	}
	if _, ok := f.dp.Host("1.1.1.1"); ok {
		t.Error("host entry still programmed")
	}
}

func TestNeighborOnUnknownPortIsRetried(t *testing.T) {
	f := newFixture(t, "p1")
	ghost := uuid.New()
	f.commit(func(txn *store.Txn) {
		f.st.Ports.Insert(txn, store.Port{Header: store.Header{UUID: ghost}, Name: "p9"})
	})
	f.ports["p9"] = ghost
	f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p9")
	f.tick()

	if f.vrf.Neighbor("1.1.1.1") != nil {
		t.Fatal("neighbor on a port outside the VRF should be dropped")
	}

	p := world.NewPort("p9", ghost)
	if err := f.vrf.Up.AddPort(p); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if _, err := f.vrf.Up.DP.BundleRegister("p9", &asic.BundleSettings{Name: "p9", BondHandle: -1, VLAN: -1}); err != nil {
		t.Fatalf("BundleRegister: %v", err)
	}
	f.r.AddNeighbors(f.vrf)

	if n := f.vrf.Neighbor("1.1.1.1"); n == nil || !n.Resolved() {
		t.Fatalf("neighbor not programmed after its port appeared: %+v", n)
	}
}

func TestPortDeleteCascadesToNeighbors(t *testing.T) {
	f := newFixture(t, "p1", "p2")
	f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	f.insertNeighbor("2.2.2.2", "aa:bb:cc:dd:ee:02", "p2")
	f.tick()

	buses := blocks.New(zap.NewNop().Sugar())
	if err := f.r.Register(buses); err != nil {
		t.Fatalf("Register: %v", err)
	}
	delete(f.vrf.Up.Wanted, "p1")
	f.asic.ResetJournal()
	buses.Reconfigure.Execute(blocks.VRFDeletePorts, &blocks.ReconfigureParams{VRF: f.vrf})

	if f.vrf.Neighbor("1.1.1.1") != nil {
		t.Error("neighbor on the departing port survived")
	}
	if f.vrf.Neighbor("2.2.2.2") == nil {
		t.Error("neighbor on a kept port was removed")
	}
	if n := len(f.asic.Calls("delete-l3-host")); n != 1 {
		t.Errorf("expected 1 delete-l3-host, got %d", n)
	}
}

// ─── ECMP knobs ─────────────────────────────────────────────────────────────

func TestECMPKnobsPushedOnChange(t *testing.T) {
	f := newFixture(t)
	f.tick()
	if n := len(f.asic.Calls("ecmp-set", "ecmp-hash-set")); n != 0 {
		t.Fatalf("defaults should not be pushed, got %d calls", n)
	}

	f.commit(func(txn *store.Txn) {
		f.st.System.Update(txn, f.sysID, func(s *store.System) {
			s.ECMPConfig = map[string]string{ECMPEnabled: "false", ECMPHashSrcPort: "false"}
		})
	})
	f.tick()

	enabled, hashes := f.dp.ECMP()
	if enabled {
		t.Error("ecmp still enabled")
	}
	if hashes[asic.ECMPHashSrcPort] || !hashes[asic.ECMPHashDstPort] {
		t.Errorf("unexpected hash state %v", hashes)
	}
	if n := len(f.asic.Calls("ecmp-set")); n != 1 {
		t.Errorf("expected 1 ecmp-set, got %d", n)
	}
	if n := len(f.asic.Calls("ecmp-hash-set")); n != 1 {
		t.Errorf("expected 1 ecmp-hash-set, got %d", n)
	}

	f.tick()
	if n := len(f.asic.Calls("ecmp-set", "ecmp-hash-set")); n != 2 {
		t.Errorf("unchanged knobs were pushed again: %d calls", n)
	}
}

func TestECMPFromConfigDefaults(t *testing.T) {
	if got := ECMPFromConfig(nil); got != DefaultECMP() {
		t.Errorf("empty config = %+v, want all enabled", got)
	}
	got := ECMPFromConfig(map[string]string{ECMPHashResilient: "false", ECMPHashDstIP: "bogus"})
	if got.Resilient || !got.DstIP {
		t.Errorf("got %+v", got)
	}
}

// ─── Hit bit ────────────────────────────────────────────────────────────────

func TestHitBitWritesStatus(t *testing.T) {
	f := newFixture(t, "p1")
	id := f.insertNeighbor("1.1.1.1", "aa:bb:cc:dd:ee:01", "p1")
	unresolved := f.insertNeighbor("2.2.2.2", "", "p1")
	f.tick()

	f.dp.SetHostHit("1.1.1.1", true)
	hb := NewHitBit(zap.NewNop().Sugar(), f.st, f.world)
	now := time.Now()
	hb.Run(now)

	if got := f.st.Neighbors.Get(id).Status[NeighborStatusHit]; got != "true" {
		t.Fatalf("dp_hit = %q, want true", got)
	}
	if _, ok := f.st.Neighbors.Get(unresolved).Status[NeighborStatusHit]; ok {
		t.Error("unresolved neighbor got a hit bit")
	}

	f.dp.SetHostHit("1.1.1.1", false)
	hb.Run(now.Add(time.Second))
	if got := f.st.Neighbors.Get(id).Status[NeighborStatusHit]; got != "true" {
		t.Errorf("polled before the interval elapsed: dp_hit = %q", got)
	}
	hb.Run(now.Add(HitBitInterval))
	if got := f.st.Neighbors.Get(id).Status[NeighborStatusHit]; got != "false" {
		t.Errorf("dp_hit = %q, want false", got)
	}
}
