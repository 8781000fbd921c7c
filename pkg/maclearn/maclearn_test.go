package maclearn

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/asic/softasic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/engine"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/store"
)

const macA = "aa:bb:cc:dd:ee:01"

type fixture struct {
	t    *testing.T
	h    *plugins.Host
	st   *store.Store
	asic *softasic.ASIC
	ml   *Plugin
	e    *engine.Engine
	now  time.Time

	sys, br, p1 uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	h := &plugins.Host{
		Log:        log,
		Extensions: extension.NewRegistry(),
		Buses:      blocks.New(log),
		Store:      store.New(log),
		Netdevs:    netdev.NewRegistry(),
		Classes:    asic.NewClasses(),
	}
	a := softasic.New(softasic.Options{})
	for _, err := range []error{a.Init(h, 0), a.NetdevRegister(h), a.OfprotoRegister(h)} {
		if err != nil {
			t.Fatal(err)
		}
	}
	ml := New()
	if err := ml.Init(h, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f := &fixture{t: t, h: h, st: h.Store, asic: a, ml: ml, now: time.Unix(1000, 0)}
	ml.now = func() time.Time { return f.now }

	f.commit(func(txn *store.Txn) {
		e1 := f.st.Interfaces.Insert(txn, store.Interface{Name: "e1"})
		f.p1 = f.st.Ports.Insert(txn, store.Port{Name: "p1", Interfaces: []uuid.UUID{e1}})
		f.br = f.st.Bridges.Insert(txn, store.Bridge{Name: "br0", Ports: []uuid.UUID{f.p1}})
		f.sys = f.st.System.Insert(txn, store.System{Bridges: []uuid.UUID{f.br}})
	})
	f.e = engine.New(engine.Options{Host: h})
	if err := f.e.Init(); err != nil {
		t.Fatal(err)
	}
	f.tick()
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

func (f *fixture) tick() {
	f.now = f.now.Add(time.Second)
	if err := f.ml.Run(f.h); err != nil {
		f.t.Fatal(err)
	}
	f.e.RunOnce(f.now)
}

func (f *fixture) flushes() []asic.FlushParams {
	var out []asic.FlushParams
	for _, c := range f.asic.Calls("l2-flush") {
		out = append(out, c.Args.(asic.FlushParams))
	}
	return out
}

func TestLearnedAddressesFollowTheBuffer(t *testing.T) {
	f := newFixture(t)

	f.asic.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: macA})
	f.tick()

	rows := f.st.MACs.All()
	if len(rows) != 1 {
		t.Fatalf("got %d mac rows, want 1", len(rows))
	}
	r := rows[0]
	if r.From != store.MACFromDynamic || r.VLAN != 10 || r.MACAddr != macA || r.Bridge != f.br || r.Port == nil || *r.Port != f.p1 {
		t.Errorf("unexpected row: %+v", r)
	}

	f.asic.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnDel, VLAN: 10, PortName: "p1", MAC: macA})
	f.tick()
	if n := f.st.MACs.Len(); n != 0 {
		t.Errorf("got %d mac rows after delete, want 0", n)
	}
}

func TestMoveUpdatesExistingRow(t *testing.T) {
	f := newFixture(t)
	var p2 uuid.UUID
	f.commit(func(txn *store.Txn) {
		e2 := f.st.Interfaces.Insert(txn, store.Interface{Name: "e2"})
		p2 = f.st.Ports.Insert(txn, store.Port{Name: "p2", Interfaces: []uuid.UUID{e2}})
		f.st.Bridges.Update(txn, f.br, func(b *store.Bridge) { b.Ports = append(b.Ports, p2) })
	})
	f.tick()

	f.asic.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: macA})
	f.tick()
	f.asic.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnMove, VLAN: 10, PortName: "p2", MAC: macA})
	f.tick()

	rows := f.st.MACs.All()
	if len(rows) != 1 || rows[0].Port == nil || *rows[0].Port != p2 {
		t.Fatalf("unexpected rows after move: %+v", rows)
	}
}

func TestAddAndDeleteInOneBatch(t *testing.T) {
	f := newFixture(t)
	f.asic.Learn("br0",
		asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: macA},
		asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 20, PortName: "p1", MAC: macA},
		asic.MACLearnRecord{Op: asic.MACLearnDel, VLAN: 10, PortName: "p1", MAC: macA},
		asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 30, PortName: "nope", MAC: macA},
	)
	f.tick()

	rows := f.st.MACs.All()
	if len(rows) != 1 || rows[0].VLAN != 20 {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestPortRemovalFlushesItsEntries(t *testing.T) {
	f := newFixture(t)
	f.asic.Learn("br0", asic.MACLearnRecord{Op: asic.MACLearnAdd, VLAN: 10, PortName: "p1", MAC: macA})
	f.tick()
	f.asic.ResetJournal()

	f.commit(func(txn *store.Txn) {
		f.st.Bridges.Update(txn, f.br, func(b *store.Bridge) { b.Ports = nil })
	})
	f.tick()

	want := []asic.FlushParams{{Kind: asic.FlushByPort, Port: "p1"}}
	if diff := cmp.Diff(want, f.flushes()); diff != "" {
		t.Errorf("flushes (-want +got):\n%s", diff)
	}
	if l2 := f.asic.Datapath("br0").L2(); len(l2) != 0 {
		t.Errorf("mac table not flushed: %+v", l2)
	}
}

func TestVLANRemovalFlushesIt(t *testing.T) {
	f := newFixture(t)
	var v uuid.UUID
	f.commit(func(txn *store.Txn) {
		v = f.st.VLANs.Insert(txn, store.VLAN{Name: "v10", ID: 10})
		f.st.Bridges.Update(txn, f.br, func(b *store.Bridge) { b.VLANs = []uuid.UUID{v} })
	})
	f.tick()
	f.asic.ResetJournal()

	f.commit(func(txn *store.Txn) {
		f.st.Bridges.Update(txn, f.br, func(b *store.Bridge) { b.VLANs = nil })
	})
	f.tick()

	want := []asic.FlushParams{{Kind: asic.FlushByVLAN, VLAN: 10}}
	if diff := cmp.Diff(want, f.flushes()); diff != "" {
		t.Errorf("flushes (-want +got):\n%s", diff)
	}
}

func TestFlushRequestIsClearedWithRetry(t *testing.T) {
	f := newFixture(t)
	f.asic.ResetJournal()

	f.commit(func(txn *store.Txn) {
		f.st.Ports.Update(txn, f.p1, func(p *store.Port) { p.MACFlushRequest = store.FlushAll })
	})
	f.st.InjectStatus(store.TryAgain)
	f.tick()

	want := []asic.FlushParams{{Kind: asic.FlushByPort, Port: "p1", All: true}}
	if diff := cmp.Diff(want, f.flushes()); diff != "" {
		t.Errorf("flushes (-want +got):\n%s", diff)
	}
	if got := f.st.Ports.Get(f.p1).MACFlushRequest; got != store.FlushAll {
		t.Fatalf("request cleared despite TryAgain: %q", got)
	}

	f.now = f.now.Add(FlushRetry)
	if err := f.ml.Run(f.h); err != nil {
		t.Fatal(err)
	}
	if got := f.st.Ports.Get(f.p1).MACFlushRequest; got != "" {
		t.Errorf("request not cleared after retry: %q", got)
	}
	f.tick()
	if n := len(f.flushes()); n != 1 {
		t.Errorf("got %d flushes, want 1", n)
	}
}

func TestStaticEntriesArePushed(t *testing.T) {
	f := newFixture(t)
	f.asic.ResetJournal()

	var m uuid.UUID
	f.commit(func(txn *store.Txn) {
		m = f.st.MACs.Insert(txn, store.MAC{Bridge: f.br, Port: &f.p1, From: store.MACFromStatic, MACAddr: macA, VLAN: 5})
	})
	f.tick()

	calls := f.asic.Calls("update-l2-mac-table")
	if len(calls) != 1 {
		t.Fatalf("got %d mac table updates, want 1", len(calls))
	}
	want := []asic.MACTableUpdate{{Action: asic.MACTableAdd, MAC: macA, VLAN: 5, PortName: "p1"}}
	if diff := cmp.Diff(want, calls[0].Args); diff != "" {
		t.Errorf("updates (-want +got):\n%s", diff)
	}

	f.asic.ResetJournal()
	f.commit(func(txn *store.Txn) { f.st.MACs.Delete(txn, m) })
	f.tick()
	calls = f.asic.Calls("update-l2-mac-table")
	if len(calls) != 1 {
		t.Fatalf("got %d mac table updates after delete, want 1", len(calls))
	}
	want[0].Action = asic.MACTableDelete
	if diff := cmp.Diff(want, calls[0].Args); diff != "" {
		t.Errorf("updates (-want +got):\n%s", diff)
	}
}
