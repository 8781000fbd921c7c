package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/poll"
)

// journal records lifecycle calls across fake plugins.
type journal struct{ calls []string }

func (j *journal) add(s string) { j.calls = append(j.calls, s) }

type fakePlugin struct {
	name    string
	j       *journal
	initErr error
}

func (f *fakePlugin) Init(_ *Host, phase int) error {
	f.j.add(f.name + ".init" + string(rune('0'+phase)))
	return f.initErr
}
func (f *fakePlugin) Run(*Host) error          { f.j.add(f.name + ".run"); return nil }
func (f *fakePlugin) Wait(*Host, *poll.Poller) { f.j.add(f.name + ".wait") }
func (f *fakePlugin) Destroy(*Host) error      { f.j.add(f.name + ".destroy"); return nil }

type fakeProvider struct{ fakePlugin }

func (f *fakeProvider) OfprotoRegister(*Host) error {
	f.j.add(f.name + ".ofproto")
	return nil
}

type fixedInventory struct{ manuf, product string }

func (f fixedInventory) Manufacturer(context.Context) (string, error) { return f.manuf, nil }
func (f fixedInventory) Product(context.Context) (string, error)      { return f.product, nil }

func writeManifest(t *testing.T, dir, manuf, product, body string) {
	t.Helper()
	d := filepath.Join(dir, manuf, product)
	if err := os.MkdirAll(d, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(d, ManifestFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T, manifestDir string, inv Inventory) (*Loader, *journal) {
	t.Helper()
	h := &Host{Log: zap.NewNop().Sugar()}
	l := NewLoader(h, DisabledDir, manifestDir, inv)
	return l, &journal{}
}

func TestInitFollowsManifestThenUnlisted(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "Acme", "Switch-48", "- asic\n- maclearn\n- asic\n- ghost\n")

	l, j := newTestLoader(t, dir, fixedInventory{"Acme", "Switch-48"})
	for _, name := range []string{"zeta", "maclearn", "asic", "alpha"} {
		if err := l.Register(name, "test", &fakePlugin{name: name, j: j}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	l.Init(context.Background())

	want := []string{"asic.init0", "maclearn.init0", "asic.init1", "alpha.init0", "zeta.init0"}
	if diff := cmp.Diff(want, j.calls); diff != "" {
		t.Errorf("init calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"asic", "maclearn", "alpha", "zeta"}, l.Names()); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}
}

func TestInitFallsBackToGenericManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, GenericManufacturer, GenericProduct, "b\na\n")

	l, j := newTestLoader(t, dir, fixedInventory{"Unknown", "Box"})
	l.Register("a", "test", &fakePlugin{name: "a", j: j})
	l.Register("b", "test", &fakePlugin{name: "b", j: j})

	l.Init(context.Background())

	if diff := cmp.Diff([]string{"b.init0", "a.init0"}, j.calls); diff != "" {
		t.Errorf("init calls (-want +got):\n%s", diff)
	}
}

func TestInitWithoutManifest(t *testing.T) {
	l, j := newTestLoader(t, t.TempDir(), nil)
	l.Register("b", "test", &fakePlugin{name: "b", j: j})
	l.Register("a", "test", &fakePlugin{name: "a", j: j})

	l.Init(context.Background())

	if diff := cmp.Diff([]string{"a.init0", "b.init0"}, j.calls); diff != "" {
		t.Errorf("init calls (-want +got):\n%s", diff)
	}
}

func TestFailedInitIsNotActive(t *testing.T) {
	l, j := newTestLoader(t, t.TempDir(), nil)
	l.Register("bad", "test", &fakePlugin{name: "bad", j: j, initErr: errors.New("boom")})
	l.Register("good", "test", &fakePlugin{name: "good", j: j})

	l.Init(context.Background())
	j.calls = nil
	l.Run()

	if diff := cmp.Diff([]string{"good.run"}, j.calls); diff != "" {
		t.Errorf("run calls (-want +got):\n%s", diff)
	}
}

func TestFanOutAndReverseDestroy(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, GenericManufacturer, GenericProduct, "[asic, feature]")

	l, j := newTestLoader(t, dir, nil)
	l.Register("asic", "test", &fakeProvider{fakePlugin{name: "asic", j: j}})
	l.Register("feature", "test", &fakePlugin{name: "feature", j: j})
	l.Init(context.Background())
	j.calls = nil

	l.OfprotoRegister()
	l.NetdevRegister()
	l.Run()
	l.Wait(poll.New())
	l.Destroy()

	want := []string{
		"asic.ofproto",
		"asic.run", "feature.run",
		"asic.wait", "feature.wait",
		"feature.destroy", "asic.destroy",
	}
	if diff := cmp.Diff(want, j.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if len(l.Names()) != 0 {
		t.Errorf("Names after Destroy = %v", l.Names())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	l, j := newTestLoader(t, t.TempDir(), nil)
	if err := l.Register("a", "test", &fakePlugin{name: "a", j: j}); err != nil {
		t.Fatal(err)
	}
	if err := l.Register("a", "test", &fakePlugin{name: "a", j: j}); err == nil {
		t.Fatal("second Register succeeded")
	}
}

func TestBuiltinDiscovery(t *testing.T) {
	j := &journal{}
	RegisterBuiltin("test-builtin", func() Plugin { return &fakePlugin{name: "test-builtin", j: j} })

	l, _ := newTestLoader(t, t.TempDir(), nil)
	if err := l.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if l.Plugin("test-builtin") == nil {
		t.Fatal("builtin not discovered")
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate RegisterBuiltin did not panic")
		}
	}()
	RegisterBuiltin("test-builtin", func() Plugin { return nil })
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"sequence", "- a\n- b\n- c\n", []string{"a", "b", "c"}},
		{"flow", "[a, b]", []string{"a", "b"}},
		{"lines", "a\nb # second\n\n# comment\nc\n", []string{"a", "b", "c"}},
		{"single", "softasic\n", []string{"softasic"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseManifest([]byte(tt.in))); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenSharedSymbols(t *testing.T) {
	saved := openSymbols
	defer func() { openSymbols = saved }()

	var initFn initFunc = func(*Host, int) error { return nil }
	var runFn runFunc = func(*Host) error { return nil }
	var waitFn waitFunc = func(*Host, *poll.Poller) {}
	var destroyFn destroyFunc = func(*Host) error { return nil }
	var regFn registerFunc = func(*Host) error { return nil }

	syms := map[string]any{
		"Init":            initFn,
		"Run":             runFn,
		"Wait":            &waitFn,
		"Destroy":         destroyFn,
		"OfprotoRegister": regFn,
	}
	openSymbols = func(string) (symbolTable, error) {
		return func(name string) (any, error) {
			if v, ok := syms[name]; ok {
				return v, nil
			}
			return nil, errors.New("symbol not found")
		}, nil
	}

	s, missing, err := openShared("/x/asic.so")
	if err != nil {
		t.Fatalf("openShared: %v", err)
	}
	if diff := cmp.Diff([]string{"NetdevRegister", "BufmonRegister"}, missing); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
	if ofprotoHook(s) == nil || netdevHook(s) != nil {
		t.Error("optional hooks resolved incorrectly")
	}

	delete(syms, "Run")
	if _, _, err := openShared("/x/asic.so"); !errors.Is(err, ErrMissingSymbol) {
		t.Errorf("openShared without Run = %v, want ErrMissingSymbol", err)
	}
}

func TestManifestPathFallbacks(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "Acme", "S1", "a")
	generic := filepath.Join(dir, GenericManufacturer, GenericProduct, ManifestFile)

	if got := ManifestPath(context.Background(), dir, fixedInventory{"Acme", "S1"}); got != filepath.Join(dir, "Acme", "S1", ManifestFile) {
		t.Errorf("platform path = %s", got)
	}
	if got := ManifestPath(context.Background(), dir, fixedInventory{"Acme", "S2"}); got != generic {
		t.Errorf("missing platform path = %s, want %s", got, generic)
	}
	if got := ManifestPath(context.Background(), dir, DMIInventory{Paths: []string{filepath.Join(dir, "nope")}}); got != generic {
		t.Errorf("no dmidecode path = %s, want %s", got, generic)
	}
}
