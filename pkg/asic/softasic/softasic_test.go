package softasic

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
)

func newHost() *plugins.Host {
	return &plugins.Host{
		Log:        zap.NewNop().Sugar(),
		Extensions: extension.NewRegistry(),
		Netdevs:    netdev.NewRegistry(),
		Classes:    asic.NewClasses(),
	}
}

func setup(t *testing.T) (*ASIC, *plugins.Host) {
	t.Helper()
	h := newHost()
	a := New(Options{})
	if err := a.Init(h, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := a.NetdevRegister(h); err != nil {
		t.Fatalf("NetdevRegister: %v", err)
	}
	if err := a.OfprotoRegister(h); err != nil {
		t.Fatalf("OfprotoRegister: %v", err)
	}
	if err := a.BufmonRegister(h); err != nil {
		t.Fatalf("BufmonRegister: %v", err)
	}
	return a, h
}

func TestInitExportsExtensions(t *testing.T) {
	a, h := setup(t)

	p, err := extension.Lookup[asic.ASICPlugin](h.Extensions, asic.ASICPluginName, 1, 1)
	if err != nil {
		t.Fatalf("Lookup ASIC_PLUGIN: %v", err)
	}
	if p != asic.ASICPlugin(a) {
		t.Error("ASIC_PLUGIN does not point at the soft asic")
	}
	for _, name := range []string{asic.LSwitchPluginName, asic.CoPPPluginName, asic.QoSPluginName, asic.VXLANPluginName} {
		if _, err := h.Extensions.Find(name, 1, 1); err != nil {
			t.Errorf("Find(%s): %v", name, err)
		}
	}
	if diff := cmp.Diff([]string{"dummy", "internal", "loopback", "system", "vlansubint"}, h.Netdevs.Types()); diff != "" {
		t.Errorf("netdev types (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{TypeBridge, TypeVRF}, h.Classes.Types()); diff != "" {
		t.Errorf("datapath types (-want +got):\n%s", diff)
	}

	if err := a.Destroy(h); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Extensions.Find(asic.ASICPluginName, 1, 0); err == nil {
		t.Error("ASIC_PLUGIN still registered after Destroy")
	}
}

func TestBundleBondHandles(t *testing.T) {
	a, h := setup(t)
	dp, err := h.Classes.Create("br0", "")
	if err != nil {
		t.Fatal(err)
	}

	handle, err := dp.BundleRegister("lag1", &asic.BundleSettings{Name: "lag1", HWBondShouldExist: true, Slaves: []int{1, 2}})
	if err != nil || handle != FirstBondHandle {
		t.Fatalf("BundleRegister(lag1) = %d, %v", handle, err)
	}
	handle, _ = dp.BundleRegister("lag1", &asic.BundleSettings{Name: "lag1", HWBondShouldExist: true, Slaves: []int{1}})
	if handle != FirstBondHandle {
		t.Errorf("re-register changed handle to %d", handle)
	}
	handle, _ = dp.BundleRegister("p1", &asic.BundleSettings{Name: "p1", Slaves: []int{3}})
	if handle != -1 {
		t.Errorf("plain port handle = %d, want -1", handle)
	}
	if err := dp.BundleUnregister("lag1"); err != nil {
		t.Fatal(err)
	}
	handle, _ = dp.BundleRegister("lag2", &asic.BundleSettings{Name: "lag2", HWBondShouldExist: true})
	if handle != FirstBondHandle {
		t.Errorf("freed handle not reused, got %d", handle)
	}
	if got := len(a.Calls("bundle-register")); got != 4 {
		t.Errorf("bundle-register calls = %d, want 4", got)
	}
}

func TestHostEntriesAndRoutes(t *testing.T) {
	a, h := setup(t)
	d, _ := h.Classes.Create("vrf_default", TypeVRF)
	d.BundleRegister("p1", &asic.BundleSettings{Name: "p1"})

	if _, err := d.AddL3HostEntry("nope", &asic.HostEntry{IPAddress: "1.1.1.1"}); !errors.Is(err, asic.ErrNotFound) {
		t.Errorf("host on unknown bundle = %v", err)
	}
	e1, err := d.AddL3HostEntry("p1", &asic.HostEntry{IPAddress: "1.1.1.1", MAC: "aa:bb:cc:dd:ee:01"})
	if err != nil || e1 != FirstEgressID {
		t.Fatalf("AddL3HostEntry = %d, %v", e1, err)
	}
	e2, _ := d.AddL3HostEntry("p1", &asic.HostEntry{IPAddress: "2.2.2.2", MAC: "aa:bb:cc:dd:ee:02"})
	if e2 != FirstEgressID+1 {
		t.Errorf("second egress = %d", e2)
	}

	a.FailNexthop("2.2.2.2", "table full")
	r := &asic.Route{Prefix: "10.0.0.0/24", Nexthops: []asic.RouteNexthop{
		{ID: "1.1.1.1", State: asic.NexthopResolved, EgressID: e1},
		{ID: "2.2.2.2", State: asic.NexthopResolved, EgressID: e2},
	}}
	if err := d.L3RouteAction(asic.RouteAdd, r); err != nil {
		t.Fatal(err)
	}
	if r.Nexthops[1].Err != "table full" || r.Nexthops[0].Err != "" {
		t.Errorf("per next-hop errors = %+v", r.Nexthops)
	}
	sd := a.Datapath("vrf_default")
	nhs, _ := sd.Route("10.0.0.0/24")
	if len(nhs) != 1 || nhs[0].ID != "1.1.1.1" {
		t.Errorf("programmed next-hops = %+v", nhs)
	}

	d.L3RouteAction(asic.RouteDeleteNexthop, &asic.Route{Prefix: "10.0.0.0/24", Nexthops: []asic.RouteNexthop{{ID: "1.1.1.1"}}})
	if nhs, _ := sd.Route("10.0.0.0/24"); len(nhs) != 0 {
		t.Errorf("next-hops after delete = %+v", nhs)
	}

	sd.SetHostHit("1.1.1.1", true)
	if hit, _ := d.GetL3HostHit("p1", &asic.HostEntry{IPAddress: "1.1.1.1"}); !hit {
		t.Error("hit bit not reported")
	}
}

type countingTrigger struct{ n int }

func (c *countingTrigger) Trigger() { c.n++ }

func TestLearnTriggersAndDrains(t *testing.T) {
	a, h := setup(t)
	h.Classes.Create("br0", "")

	trig := &countingTrigger{}
	h.Extensions.Register(extension.Descriptor{
		Name: asic.MACLearningPluginName, Major: 1, Minor: 0, Interface: asic.MACLearningTrigger(trig),
	})

	a.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: "00:00:00:00:00:01"})
	if trig.n != 1 {
		t.Fatalf("trigger count = %d", trig.n)
	}
	recs, err := a.MACLearningDrain()
	if err != nil || len(recs) != 1 {
		t.Fatalf("drain = %v, %v", recs, err)
	}
	if a.PendingLearning() != 0 {
		t.Error("records left after drain")
	}

	big := make([]asic.MACLearnRecord, asic.MACLearningBufferSize+5)
	a.Learn("br0", big...)
	recs, _ = a.MACLearningDrain()
	if len(recs) != asic.MACLearningBufferSize || a.PendingLearning() != 5 {
		t.Errorf("drained %d, pending %d", len(recs), a.PendingLearning())
	}
}

func TestL2Flush(t *testing.T) {
	a, h := setup(t)
	dp, _ := h.Classes.Create("br0", "")
	handle, _ := dp.BundleRegister("lag1", &asic.BundleSettings{Name: "lag1", HWBondShouldExist: true})

	learn := func() {
		a.Learn("br0",
			asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: "m1"},
			asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 20, PortName: "p1", MAC: "m2"},
			asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "lag1", MAC: "m3"},
		)
	}
	a.UpdateL2MACTable(dp, []asic.MACTableUpdate{{Action: asic.MACTableAdd, MAC: "s1", VLAN: 10, PortName: "p1"}})
	sd := a.Datapath("br0")

	tests := []struct {
		name string
		p    asic.FlushParams
		want []string
	}{
		{"vlan", asic.FlushParams{Kind: asic.FlushByVLAN, VLAN: 10}, []string{"s1", "m2"}},
		{"port", asic.FlushParams{Kind: asic.FlushByPort, Port: "p1"}, []string{"m3", "s1"}},
		{"trunk", asic.FlushParams{Kind: asic.FlushByTrunk, BondHandle: handle}, []string{"m1", "s1", "m2"}},
		{"all", asic.FlushParams{Kind: asic.FlushByVLAN, VLAN: 10, All: true}, []string{"m2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			learn()
			if err := dp.L2Flush(&tt.p); err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, e := range sd.L2() {
				got = append(got, e.MAC)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("remaining (-want +got):\n%s", diff)
			}
			a.UpdateL2MACTable(dp, []asic.MACTableUpdate{{Action: asic.MACTableAdd, MAC: "s1", VLAN: 10, PortName: "p1"}})
		})
	}
}

func TestMirrorValidation(t *testing.T) {
	_, h := setup(t)
	dp, _ := h.Classes.Create("br0", "")
	dp.BundleRegister("p1", &asic.BundleSettings{Name: "p1"})
	dp.BundleRegister("p2", &asic.BundleSettings{Name: "p2"})
	id := uuid.New()

	err := dp.MirrorRegister(id, &asic.MirrorSettings{Name: "m", SrcPorts: []string{"p1"}, OutPort: "p9", OutVLAN: -1})
	if !errors.Is(err, asic.ErrMirrorExternal) {
		t.Errorf("unknown output = %v", err)
	}
	if err := dp.MirrorRegister(id, &asic.MirrorSettings{Name: "m", SrcPorts: []string{"p1"}, OutPort: "p2", OutVLAN: -1}); err != nil {
		t.Fatalf("MirrorRegister: %v", err)
	}
	if _, err := dp.MirrorStats(id); err != nil {
		t.Errorf("MirrorStats: %v", err)
	}
	if err := dp.MirrorUnregister(id); err != nil {
		t.Errorf("MirrorUnregister: %v", err)
	}
}

func TestFailNext(t *testing.T) {
	a, h := setup(t)
	dp, _ := h.Classes.Create("br0", "")
	boom := errors.New("boom")
	a.FailNext("vlan-set", boom)

	if err := dp.VLANSet(10, true); !errors.Is(err, boom) {
		t.Errorf("first VLANSet = %v, want boom", err)
	}
	if err := dp.VLANSet(10, true); err != nil {
		t.Errorf("second VLANSet = %v", err)
	}
	calls := a.Calls("vlan-set")
	if len(calls) != 2 || calls[0].Err == nil {
		t.Errorf("journal = %+v", calls)
	}
}

func TestBufmonThresholdTrigger(t *testing.T) {
	a, h := setup(t)
	before := h.Classes.BufmonTrigger().Read()

	a.CounterConfig(&asic.BufmonCounter{Name: "q0", HWUnitID: 0, Enabled: true, TriggerThreshold: 100})
	a.SetBufmonValue(0, "q0", 500)
	if h.Classes.BufmonTrigger().Read() != before {
		t.Fatal("trigger fired while notifications off")
	}
	a.TriggerRegister(true)
	a.SetBufmonValue(0, "q0", 500)
	if h.Classes.BufmonTrigger().Read() == before {
		t.Fatal("trigger did not fire")
	}

	cs := []asic.BufmonCounter{{Name: "q0"}}
	a.CounterStats(cs)
	if cs[0].Value != 500 {
		t.Errorf("counter value = %d", cs[0].Value)
	}
}

func TestCoPP(t *testing.T) {
	a, _ := setup(t)
	a.SetCoPPStats(asic.CoPPBGP, asic.CoPPStats{PacketsPassed: 7})
	a.SetCoPPUnsupported(asic.CoPPLLDP)

	st, err := a.StatsGet(0, asic.CoPPBGP)
	if err != nil || st.PacketsPassed != 7 {
		t.Errorf("StatsGet(bgp) = %+v, %v", st, err)
	}
	if _, err := a.StatsGet(0, asic.CoPPLLDP); !errors.Is(err, asic.ErrNotSupported) {
		t.Errorf("StatsGet(lldp) = %v", err)
	}
	if _, err := a.HWStatusGet(0, asic.CoPPNumClasses); !errors.Is(err, asic.ErrInvalid) {
		t.Errorf("HWStatusGet(out of range) = %v", err)
	}
}
