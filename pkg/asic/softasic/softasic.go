// Package softasic is a forwarding provider that keeps everything it is
// programmed with in memory. It serves as the default datapath when no
// hardware plugin is installed and as the provider under test: every call is
// recorded in a journal that tests read back.
package softasic

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
)

const (
	PluginName = "softasic"

	// Datapath types. Bridges default to TypeBridge; VRFs use TypeVRF.
	TypeBridge = "soft"
	TypeVRF    = "vrf"

	// FirstEgressID is the first L3 egress id handed out.
	FirstEgressID = 100001
	// FirstBondHandle is the first hardware bond handle handed out.
	FirstBondHandle = 1

	version = "softasic-1.0"
)

// memoryNetdevTypes are served from memory on every platform.
var memoryNetdevTypes = []string{"internal", "loopback", "vlansubint", "dummy"}

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin {
		return New(Options{KernelNetdevs: true})
	})
}

// Options tunes an ASIC.
type Options struct {
	// KernelNetdevs backs the "system" netdev type with kernel devices. When
	// false "system" devices live in memory too.
	KernelNetdevs bool
}

// Call is one journal entry.
type Call struct {
	Op       string
	Datapath string
	Aux      string
	// Args is a copy of the settings passed, or the result for calls that
	// return one.
	Args any
	Err  error
}

// ASIC is the software provider. One value implements the plugin
// lifecycle, asic.Provider, every ASIC extension and asic.BufmonProvider.
type ASIC struct {
	opts Options
	log  *zap.SugaredLogger
	host *plugins.Host

	mu        sync.Mutex
	journal   []Call
	failNext  map[string][]error
	failNH    map[string]string
	dps       map[string]*Datapath
	memory    map[string]*netdev.MemoryClass
	nextEgr   int
	nextBond  int
	freeBonds []int

	registered bool

	qos  qosState
	vni  map[int]map[int]bool // vni -> vlans bound on all ports
	vniP map[int]map[string]bool

	learning []asic.MACLearnRecord
	trigger  asic.MACLearningTrigger

	copp            [asic.CoPPNumClasses]asic.CoPPStats
	coppUnsupported map[asic.CoPPClass]bool

	bufmonCfg     asic.BufmonSystemConfig
	bufmonCounter map[string]asic.BufmonCounter // keyed by unit/name
	bufmonValues  map[string]int64
	bufmonTrigger bool
}

var (
	_ plugins.Plugin            = (*ASIC)(nil)
	_ plugins.NetdevRegisterer  = (*ASIC)(nil)
	_ plugins.OfprotoRegisterer = (*ASIC)(nil)
	_ plugins.BufmonRegisterer  = (*ASIC)(nil)
	_ asic.Provider             = (*ASIC)(nil)
	_ asic.ASICPlugin           = (*ASIC)(nil)
	_ asic.LSwitchPlugin        = (*ASIC)(nil)
	_ asic.CoPPPlugin           = (*ASIC)(nil)
	_ asic.QoSPlugin            = (*ASIC)(nil)
	_ asic.VXLANPlugin          = (*ASIC)(nil)
	_ asic.BufmonProvider       = (*ASIC)(nil)
)

// New returns an ASIC with nothing programmed.
func New(opts Options) *ASIC {
	return &ASIC{
		opts:            opts,
		log:             zap.NewNop().Sugar(),
		failNext:        make(map[string][]error),
		failNH:          make(map[string]string),
		dps:             make(map[string]*Datapath),
		memory:          make(map[string]*netdev.MemoryClass),
		nextEgr:         FirstEgressID,
		nextBond:        FirstBondHandle,
		vni:             make(map[int]map[int]bool),
		vniP:            make(map[int]map[string]bool),
		coppUnsupported: make(map[asic.CoPPClass]bool),
		bufmonCounter:   make(map[string]asic.BufmonCounter),
		bufmonValues:    make(map[string]int64),
	}
}

// ─── Plugin lifecycle ───────────────────────────────────────────────────────

// Init exports the ASIC extensions on the first phase.
func (a *ASIC) Init(h *plugins.Host, phaseID int) error {
	a.mu.Lock()
	a.host = h
	a.log = h.Log.Named(PluginName)
	done := a.registered
	a.mu.Unlock()

	if done || phaseID != 0 {
		return nil
	}
	exts := []extension.Descriptor{
		{Name: asic.ASICPluginName, Major: asic.ASICPluginMajor, Minor: asic.ASICPluginMinor, Interface: asic.ASICPlugin(a)},
		{Name: asic.LSwitchPluginName, Major: asic.LSwitchPluginMajor, Minor: asic.LSwitchPluginMinor, Interface: asic.LSwitchPlugin(a)},
		{Name: asic.CoPPPluginName, Major: asic.CoPPPluginMajor, Minor: asic.CoPPPluginMinor, Interface: asic.CoPPPlugin(a)},
		{Name: asic.QoSPluginName, Major: asic.QoSPluginMajor, Minor: asic.QoSPluginMinor, Interface: asic.QoSPlugin(a)},
		{Name: asic.VXLANPluginName, Major: asic.VXLANPluginMajor, Minor: asic.VXLANPluginMinor, Interface: asic.VXLANPlugin(a)},
	}
	for _, d := range exts {
		if err := h.Extensions.Register(d); err != nil {
			return fmt.Errorf("exporting %s: %w", d, err)
		}
	}

	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	a.log.Infow("soft asic initialized", "version", version)
	return nil
}

func (a *ASIC) Run(*plugins.Host) error { return nil }

func (a *ASIC) Wait(*plugins.Host, *poll.Poller) {}

// Destroy withdraws the extensions and provider registrations.
func (a *ASIC) Destroy(h *plugins.Host) error {
	for _, name := range []string{
		asic.ASICPluginName, asic.LSwitchPluginName, asic.CoPPPluginName,
		asic.QoSPluginName, asic.VXLANPluginName,
	} {
		_ = h.Extensions.Unregister(name)
	}
	if h.Classes != nil {
		h.Classes.UnregisterProvider(a)
	}
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	return nil
}

// NetdevRegister installs the device classes the ASIC serves.
func (a *ASIC) NetdevRegister(h *plugins.Host) error {
	var system netdev.Class
	if a.opts.KernelNetdevs {
		system = netdev.NewSystemClass(h.Log)
	} else {
		system = a.memoryClass("system")
	}
	if err := h.Netdevs.Register(system); err != nil {
		return err
	}
	for _, typ := range memoryNetdevTypes {
		if err := h.Netdevs.Register(a.memoryClass(typ)); err != nil {
			return err
		}
	}
	return nil
}

func (a *ASIC) memoryClass(typ string) *netdev.MemoryClass {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.memory[typ]
	if !ok {
		c = netdev.NewMemoryClass(typ)
		a.memory[typ] = c
	}
	return c
}

// MemoryDevice returns an in-memory device opened through the ASIC's
// classes, or nil.
func (a *ASIC) MemoryDevice(typ, name string) *netdev.Memory {
	a.mu.Lock()
	c := a.memory[typ]
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Device(name)
}

func (a *ASIC) OfprotoRegister(h *plugins.Host) error {
	return h.Classes.RegisterProvider(a)
}

func (a *ASIC) BufmonRegister(h *plugins.Host) error {
	return h.Classes.RegisterBufmon(a)
}

// ─── asic.Provider ──────────────────────────────────────────────────────────

func (a *ASIC) Name() string { return PluginName }

func (a *ASIC) Types() []string { return []string{TypeBridge, TypeVRF} }

func (a *ASIC) Create(name, typ string) (asic.Datapath, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.injectedLocked("create"); err != nil {
		a.recordLocked(Call{Op: "create", Datapath: name, Aux: typ, Err: err})
		return nil, err
	}
	if _, dup := a.dps[name]; dup {
		return nil, fmt.Errorf("datapath %s exists: %w", name, asic.ErrInvalid)
	}
	dp := newDatapath(a, name, typ)
	a.dps[name] = dp
	a.recordLocked(Call{Op: "create", Datapath: name, Aux: typ})
	return dp, nil
}

// Datapath returns the live datapath called name, or nil.
func (a *ASIC) Datapath(name string) *Datapath {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dps[name]
}

// DatapathNames returns the live datapaths, sorted.
func (a *ASIC) DatapathNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.dps))
	for n := range a.dps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ─── Journal and fault injection ────────────────────────────────────────────

func (a *ASIC) recordLocked(c Call) {
	a.journal = append(a.journal, c)
}

// Calls returns the journal. With ops given, only matching calls are
// returned.
func (a *ASIC) Calls(ops ...string) []Call {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := make(map[string]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	var out []Call
	for _, c := range a.journal {
		if len(ops) == 0 || want[c.Op] {
			out = append(out, c)
		}
	}
	return out
}

// ResetJournal forgets every recorded call.
func (a *ASIC) ResetJournal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.journal = nil
}

// FailNext makes the next calls of op fail with errs, in order.
func (a *ASIC) FailNext(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = append(a.failNext[op], errs...)
}

func (a *ASIC) injectedLocked(op string) error {
	q := a.failNext[op]
	if len(q) == 0 {
		return nil
	}
	a.failNext[op] = q[1:]
	return q[0]
}

// FailNexthop makes route adds report msg for the next-hop id (IP or port
// name) until cleared with an empty msg.
func (a *ASIC) FailNexthop(id, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if msg == "" {
		delete(a.failNH, id)
		return
	}
	a.failNH[id] = msg
}

// ─── Allocation ─────────────────────────────────────────────────────────────

func (a *ASIC) allocEgressLocked() int {
	id := a.nextEgr
	a.nextEgr++
	return id
}

func (a *ASIC) allocBondLocked() int {
	if n := len(a.freeBonds); n > 0 {
		sort.Ints(a.freeBonds)
		h := a.freeBonds[0]
		a.freeBonds = a.freeBonds[1:]
		return h
	}
	h := a.nextBond
	a.nextBond++
	return h
}

func (a *ASIC) freeBondLocked(h int) {
	if h >= 0 {
		a.freeBonds = append(a.freeBonds, h)
	}
}

// bundleExistsLocked reports whether any datapath has a bundle named port.
func (a *ASIC) bundleExistsLocked(port string) bool {
	for _, dp := range a.dps {
		if _, ok := dp.bundles[port]; ok {
			return true
		}
	}
	return false
}
