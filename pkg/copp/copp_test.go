package copp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/asic/softasic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/store"
)

func newHost(t *testing.T) (*plugins.Host, *softasic.ASIC) {
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
	if err := a.Init(h, 0); err != nil {
		t.Fatal(err)
	}
	if err := New().Init(h, 0); err != nil {
		t.Fatal(err)
	}
	txn := h.Store.NewTxn()
	h.Store.System.Insert(txn, store.System{})
	if st := txn.Commit(); !st.OK() {
		t.Fatalf("commit: %s", st)
	}
	return h, a
}

func begin(t *testing.T, h *plugins.Host) {
	t.Helper()
	txn := h.Store.NewTxn()
	h.Buses.Stats.Execute(blocks.StatsBegin, &blocks.StatsParams{Store: h.Store, Seqno: h.Store.Seqno(), Txn: txn})
	if st := txn.Commit(); !st.OK() {
		t.Fatalf("commit: %s: %v", st, txn.Err())
	}
}

func TestStatisticsWrittenAtBegin(t *testing.T) {
	h, a := newHost(t)
	a.SetCoPPStats(asic.CoPPBGP, asic.CoPPStats{PacketsPassed: 7, BytesPassed: 700, PacketsDropped: 1, BytesDropped: 64})
	a.SetCoPPUnsupported(asic.CoPPBFD)
	begin(t, h)

	got := h.Store.System.First().CoPPStatistics
	if want := "1000,1000,4,7,700,1,64"; got["bgp"] != want {
		t.Errorf("bgp = %q, want %q", got["bgp"], want)
	}
	if _, ok := got["bfd"]; ok {
		t.Error("unsupported class reported")
	}
	if len(got) != int(asic.CoPPNumClasses)-1 {
		t.Errorf("%d classes reported", len(got))
	}
	if v := testutil.ToFloat64(packets.WithLabelValues("bgp", "passed")); v != 7 {
		t.Errorf("bgp passed gauge = %v", v)
	}
}

func TestNothingWrittenWithoutTransaction(t *testing.T) {
	h, a := newHost(t)
	a.SetCoPPStats(asic.CoPPLACP, asic.CoPPStats{PacketsPassed: 3})
	h.Buses.Stats.Execute(blocks.StatsBegin, &blocks.StatsParams{Store: h.Store})
	if got := h.Store.System.First().CoPPStatistics; len(got) != 0 {
		t.Errorf("copp_statistics = %v", got)
	}
}

type failing struct{ asic.CoPPPlugin }

func (failing) StatsGet(int, asic.CoPPClass) (asic.CoPPStats, error) {
	return asic.CoPPStats{}, asic.ErrInvalid
}

func TestCollectSkipsFailingClasses(t *testing.T) {
	if got := Collect(failing{}, nil); len(got) != 0 {
		t.Errorf("Collect = %v", got)
	}
}
