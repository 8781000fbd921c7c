package netdev

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	sys := NewMemoryClass("system")
	if err := r.Register(sys); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(NewMemoryClass("system")); err == nil {
		t.Error("expected duplicate class registration to fail")
	}
	if err := r.Register(NewMemoryClass("internal")); err != nil {
		t.Fatalf("Register internal: %v", err)
	}

	nd, err := r.Open("e1", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if nd.Type() != "system" {
		t.Errorf("empty type should open as system, got %q", nd.Type())
	}
	if sys.Device("e1") == nil {
		t.Error("device not tracked by its class")
	}

	if _, err := r.Open("x", "geneve"); err == nil {
		t.Error("expected unknown type to fail")
	}

	if diff := cmp.Diff([]string{"internal", "system"}, r.Types()); diff != "" {
		t.Errorf("Types mismatch (-want +got):\n%s", diff)
	}

	r.Unregister("internal")
	if _, err := r.Open("i0", "internal"); err == nil {
		t.Error("expected open after unregister to fail")
	}
}

func TestReservedNames(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMemoryClass("internal"))

	tests := []struct {
		name string
		want bool
	}{
		{"ovs-netdev", true},
		{"ovs-system", true},
		{"internal", true},
		{"e1", false},
	}
	for _, tt := range tests {
		if got := r.IsReservedName(tt.name); got != tt.want {
			t.Errorf("IsReservedName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMemoryChangeSeq(t *testing.T) {
	c := NewMemoryClass("system")
	nd, _ := c.Open("e1")
	d := c.Device("e1")

	start := nd.ChangeSeq()
	d.SetCarrier(true)
	if nd.ChangeSeq() != start {
		t.Error("no-op carrier change advanced seq")
	}

	d.SetCarrier(false)
	d.SetCarrier(true)
	if nd.ChangeSeq() != start+2 {
		t.Errorf("expected seq %d, got %d", start+2, nd.ChangeSeq())
	}
	if nd.CarrierResets() != 1 {
		t.Errorf("expected 1 reset, got %d", nd.CarrierResets())
	}

	if err := nd.SetHWIntfConfig(map[string]string{"admin": "down", "mtu": "9000"}); err != nil {
		t.Fatalf("SetHWIntfConfig: %v", err)
	}
	if up, _ := nd.AdminUp(); up {
		t.Error("admin should be down")
	}
	if mtu, _ := nd.MTU(); mtu != 9000 {
		t.Errorf("expected mtu 9000, got %d", mtu)
	}
	if err := nd.SetHWIntfConfig(map[string]string{"mtu": "jumbo"}); err == nil {
		t.Error("expected bad mtu to fail")
	}
}

func TestMemoryReopen(t *testing.T) {
	c := NewMemoryClass("internal")
	nd, _ := c.Open("br0")
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	nd.SetEtheraddr(mac)
	nd.Close()
	if !c.Device("br0").Closed() {
		t.Fatal("expected closed")
	}

	again, _ := c.Open("br0")
	if c.Device("br0").Closed() {
		t.Error("reopen should clear closed")
	}
	if got, _ := again.Etheraddr(); got.String() != mac.String() {
		t.Errorf("address lost across reopen: %s", got)
	}
}

func TestStatsMap(t *testing.T) {
	m := Stats{RxPackets: 3, TxBytes: 100}.Map()
	if m["rx_packets"] != 3 || m["tx_bytes"] != 100 || m["collisions"] != 0 {
		t.Errorf("unexpected map %v", m)
	}
	if len(m) != 10 {
		t.Errorf("expected 10 keys, got %d", len(m))
	}
}

func TestVLANSubintOptions(t *testing.T) {
	got := VLANSubintOptions("e1", 100)
	want := map[string]string{"parent_intf_name": "e1", "vlan": "100"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}
