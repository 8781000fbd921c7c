package asic

import (
	"errors"
	"testing"
)

type stubProvider struct {
	name  string
	types []string
	err   error
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Types() []string { return p.types }
func (p *stubProvider) Create(name, typ string) (Datapath, error) {
	return nil, p.err
}

func TestClassesRegister(t *testing.T) {
	c := NewClasses()
	a := &stubProvider{name: "a", types: []string{"system", "vrf"}}
	if err := c.RegisterProvider(a); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := c.RegisterProvider(&stubProvider{name: "b", types: []string{"netdev", "vrf"}}); err == nil {
		t.Fatal("expected overlapping type to fail")
	}
	if got := c.Types(); len(got) != 2 || got[0] != "system" || got[1] != "vrf" {
		t.Errorf("failed registration leaked types: %v", got)
	}

	if c.NormalizeType("") != "system" {
		t.Errorf("default type = %q", c.NormalizeType(""))
	}
	if c.NormalizeType("vrf") != "vrf" {
		t.Error("explicit type should pass through")
	}

	c.UnregisterProvider(a)
	if len(c.Types()) != 0 {
		t.Errorf("expected no types, got %v", c.Types())
	}
}

func TestClassesCreate(t *testing.T) {
	c := NewClasses()
	boom := errors.New("boom")
	c.RegisterProvider(&stubProvider{name: "a", types: []string{"system"}, err: boom})

	if _, err := c.Create("br0", "netdev"); err == nil {
		t.Error("expected unknown type to fail")
	}
	if _, err := c.Create("br0", ""); !errors.Is(err, boom) {
		t.Errorf("expected provider error to be wrapped, got %v", err)
	}
}

func TestClassesBufmon(t *testing.T) {
	c := NewClasses()
	if c.Bufmon() != nil {
		t.Fatal("expected no bufmon provider")
	}
	if err := c.RegisterBufmon(nopBufmon{}); err != nil {
		t.Fatalf("RegisterBufmon: %v", err)
	}
	if err := c.RegisterBufmon(nopBufmon{}); err == nil {
		t.Error("expected second bufmon provider to fail")
	}

	before := c.BufmonTrigger().Read()
	c.BufmonTrigger().Change()
	if c.BufmonTrigger().Read() == before {
		t.Error("trigger did not advance")
	}
}

type nopBufmon struct{}

func (nopBufmon) SystemConfig(*BufmonSystemConfig) {}
func (nopBufmon) CounterConfig(*BufmonCounter)     {}
func (nopBufmon) CounterStats([]BufmonCounter)     {}
func (nopBufmon) TriggerRegister(bool)             {}

func TestParseVLANMode(t *testing.T) {
	tests := []struct {
		in   string
		want VLANMode
		ok   bool
	}{
		{"access", VLANModeAccess, true},
		{"trunk", VLANModeTrunk, true},
		{"native-tagged", VLANModeNativeTagged, true},
		{"native-untagged", VLANModeNativeUntagged, true},
		{"bogus", VLANModeTrunk, false},
	}
	for _, tt := range tests {
		got, ok := ParseVLANMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseVLANMode(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
		if ok && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestCoPPClassNames(t *testing.T) {
	if CoPPNumClasses != 22 {
		t.Fatalf("expected 22 classes, got %d", CoPPNumClasses)
	}
	seen := map[string]bool{}
	for c := CoPPClass(0); c < CoPPNumClasses; c++ {
		name := c.String()
		if name == "" || seen[name] {
			t.Errorf("class %d has empty or duplicate name %q", c, name)
		}
		seen[name] = true
	}
	if CoPPBGP.String() != "bgp" {
		t.Errorf("CoPPBGP = %q", CoPPBGP.String())
	}
}
