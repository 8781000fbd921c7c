// Package asic defines the forwarding provider the engine programs: the
// datapath handle created per bridge or VRF, the settings records passed to
// it, and the versioned extension interfaces ASIC plugins export.
package asic

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/seq"
)

var (
	// ErrNotSupported is returned for operations a provider does not implement.
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrNoSpace is returned when the ASIC has run out of a resource.
	ErrNoSpace = errors.New("no hardware resources left")
	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = errors.New("invalid argument")
	// ErrNotFound is returned when an aux handle or entry is unknown.
	ErrNotFound = errors.New("no such entry")

	// ErrMirrorExternal reports a mirror that cannot be programmed because of
	// its configuration, such as an unknown output port.
	ErrMirrorExternal = errors.New("mirror configuration error")
	// ErrMirrorInternal reports a mirror the ASIC failed to program.
	ErrMirrorInternal = errors.New("mirror hardware error")
)

// Provider creates datapaths of the types it supports.
type Provider interface {
	Name() string
	Types() []string
	Create(name, typ string) (Datapath, error)
}

// Datapath is the forwarding instance behind one bridge or VRF. aux keys name
// a bundle (port name), a mirror (row UUID) or a route's VRF.
type Datapath interface {
	Name() string
	Type() string
	Destroy() error
	// Run lets the provider reconcile whatever it batched during the tick.
	Run() error

	SetDatapathID(id uint64)
	DatapathVersion() string
	SetMACAgingTime(seconds int) error
	SetSFlow(opts *SFlowOptions) error
	SetControllers(targets []string)
	ControllerStatus() map[string]ControllerInfo
	SetDPDesc(desc string)

	PortAdd(nd netdev.Netdev, ofport int) error
	PortDel(ofport int) error

	// BundleRegister creates or updates the bundle named aux and returns its
	// hardware bond handle, or -1 when no bond is allocated.
	BundleRegister(aux string, s *BundleSettings) (int, error)
	BundleUnregister(aux string) error

	VLANSet(vid int, add bool) error

	MirrorRegister(aux uuid.UUID, s *MirrorSettings) error
	MirrorUnregister(aux uuid.UUID) error
	MirrorStats(aux uuid.UUID) (MirrorStats, error)

	// AddL3HostEntry programs a neighbor on the bundle aux and returns the
	// egress id next-hops resolve to.
	AddL3HostEntry(aux string, h *HostEntry) (int, error)
	DeleteL3HostEntry(aux string, h *HostEntry) error
	GetL3HostHit(aux string, h *HostEntry) (bool, error)

	// L3RouteAction applies action to r. Per-next-hop failures are reported
	// in r.Nexthops[i].Err and do not fail the call.
	L3RouteAction(action RouteAction, r *Route) error
	L3ECMPSet(enable bool) error
	L3ECMPHashSet(hash ECMPHash, enable bool) error

	L2Flush(p *FlushParams) error
}

// ─── Bundles ────────────────────────────────────────────────────────────────

// VLANMode is how a bundle tags traffic.
type VLANMode int

const (
	VLANModeTrunk VLANMode = iota
	VLANModeAccess
	VLANModeNativeTagged
	VLANModeNativeUntagged
)

func (m VLANMode) String() string {
	switch m {
	case VLANModeAccess:
		return "access"
	case VLANModeNativeTagged:
		return "native-tagged"
	case VLANModeNativeUntagged:
		return "native-untagged"
	default:
		return "trunk"
	}
}

// ParseVLANMode maps a store vlan_mode value. ok is false for unknown values.
func ParseVLANMode(s string) (VLANMode, bool) {
	switch s {
	case "trunk":
		return VLANModeTrunk, true
	case "access":
		return VLANModeAccess, true
	case "native-tagged":
		return VLANModeNativeTagged, true
	case "native-untagged":
		return VLANModeNativeUntagged, true
	}
	return VLANModeTrunk, false
}

// BondSettings carries LAG parameters.
type BondSettings struct {
	BalanceMode string
	LACP        string
}

// BundleSettings is everything the provider needs to program one port.
type BundleSettings struct {
	Name string
	// Slaves are the forwarding port numbers of the member interfaces. For a
	// bond only rx-enabled members are listed.
	Slaves         []int
	SlavesTxEnable []int

	HWBondShouldExist bool
	// BondHandle is the handle returned by the previous registration, or -1.
	BondHandle int

	// VLAN is the access or native VID, -1 when unset.
	VLAN     int
	VLANMode VLANMode
	// Trunks lists trunk VIDs in ascending order. Empty means none.
	Trunks []int

	Bond *BondSettings

	IP4Address          string
	IP4AddressChanged   bool
	IP4Secondary        []string
	IP4SecondaryChanged bool
	IP6Address          string
	IP6AddressChanged   bool
	IP6Secondary        []string
	IP6SecondaryChanged bool
}

// ─── Mirrors ────────────────────────────────────────────────────────────────

// MirrorSettings names bundles by port name.
type MirrorSettings struct {
	Name     string
	SrcPorts []string
	DstPorts []string
	OutPort  string
	// OutVLAN is -1 when unset.
	OutVLAN int
}

// MirrorStats are the counters of one mirror session.
type MirrorStats struct {
	TxPackets uint64
	TxBytes   uint64
}

// ─── L3 ─────────────────────────────────────────────────────────────────────

// AddressFamily of a route or host entry.
type AddressFamily int

const (
	FamilyIPv4 AddressFamily = iota
	FamilyIPv6
)

func (f AddressFamily) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// RouteAction selects what L3RouteAction does.
type RouteAction int

const (
	RouteAdd RouteAction = iota
	RouteDelete
	RouteDeleteNexthop
)

func (a RouteAction) String() string {
	switch a {
	case RouteAdd:
		return "add"
	case RouteDelete:
		return "delete"
	case RouteDeleteNexthop:
		return "delete-nexthop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// NexthopType says whether a next-hop is an IP or an egress port.
type NexthopType int

const (
	NexthopIP NexthopType = iota
	NexthopPort
)

// NexthopState says whether an IP next-hop has a neighbor behind it.
type NexthopState int

const (
	NexthopUnresolved NexthopState = iota
	NexthopResolved
)

func (s NexthopState) String() string {
	if s == NexthopResolved {
		return "resolved"
	}
	return "unresolved"
}

// RouteNexthop is one next-hop of a route update.
type RouteNexthop struct {
	Type NexthopType
	// ID is the IP address or the port name.
	ID       string
	State    NexthopState
	EgressID int
	// Err is set by the provider when this next-hop failed to program.
	Err string
}

// Route is a prefix with the next-hops being added or removed.
type Route struct {
	Family   AddressFamily
	Prefix   string
	Nexthops []RouteNexthop
}

// HostEntry is a neighbor binding.
type HostEntry struct {
	Family    AddressFamily
	IPAddress string
	MAC       string
}

// ECMPHash selects one hash input.
type ECMPHash int

const (
	ECMPHashSrcIP ECMPHash = iota
	ECMPHashDstIP
	ECMPHashSrcPort
	ECMPHashDstPort
	ECMPHashResilient
)

func (h ECMPHash) String() string {
	switch h {
	case ECMPHashSrcIP:
		return "src-ip"
	case ECMPHashDstIP:
		return "dst-ip"
	case ECMPHashSrcPort:
		return "src-port"
	case ECMPHashDstPort:
		return "dst-port"
	case ECMPHashResilient:
		return "resilient"
	default:
		return fmt.Sprintf("hash(%d)", int(h))
	}
}

// ─── L2 ─────────────────────────────────────────────────────────────────────

// FlushKind selects which MAC entries L2Flush removes.
type FlushKind int

const (
	FlushByVLAN FlushKind = iota
	FlushByPort
	FlushByTrunk
)

func (k FlushKind) String() string {
	switch k {
	case FlushByVLAN:
		return "vlan"
	case FlushByPort:
		return "port"
	case FlushByTrunk:
		return "trunk"
	default:
		return fmt.Sprintf("flush(%d)", int(k))
	}
}

// FlushParams describes one MAC flush. Port is used for FlushByPort,
// BondHandle for FlushByTrunk and VLAN for FlushByVLAN.
type FlushParams struct {
	Kind       FlushKind
	VLAN       int
	Port       string
	BondHandle int
	// All also removes static entries.
	All bool
}

// ─── Misc ───────────────────────────────────────────────────────────────────

// SFlowOptions configures sampling. A nil value disables sFlow.
type SFlowOptions struct {
	Targets    []string
	Sampling   int
	Polling    int
	HeaderSize int
	Agent      string
}

// ControllerInfo is the connection state of one controller target.
type ControllerInfo struct {
	IsConnected bool
	Role        string
}

// ─── Provider classes ───────────────────────────────────────────────────────

// Classes holds the datapath providers and buffer-monitor providers that
// plugins register.
type Classes struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bufmon    BufmonProvider
	trigger   *seq.Seq
}

// NewClasses returns an empty set.
func NewClasses() *Classes {
	return &Classes{
		providers: make(map[string]Provider),
		trigger:   seq.New(),
	}
}

// BufmonTrigger is changed by the buffer-monitor provider whenever a
// counter crosses its threshold.
func (c *Classes) BufmonTrigger() *seq.Seq {
	return c.trigger
}

// RegisterProvider makes p's datapath types available.
func (c *Classes) RegisterProvider(p Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, typ := range p.Types() {
		if have, ok := c.providers[typ]; ok {
			return fmt.Errorf("datapath type %q already provided by %s", typ, have.Name())
		}
	}
	for _, typ := range p.Types() {
		c.providers[typ] = p
	}
	return nil
}

// UnregisterProvider removes every type p serves.
func (c *Classes) UnregisterProvider(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for typ, have := range c.providers {
		if have == p {
			delete(c.providers, typ)
		}
	}
}

// Create makes a datapath of typ. An empty type picks the first registered
// type in sort order.
func (c *Classes) Create(name, typ string) (Datapath, error) {
	c.mu.RLock()
	if typ == "" {
		typ = c.defaultTypeLocked()
	}
	p, ok := c.providers[typ]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("creating datapath %s: no provider for type %q", name, typ)
	}
	dp, err := p.Create(name, typ)
	if err != nil {
		return nil, fmt.Errorf("creating datapath %s (%s): %w", name, typ, err)
	}
	return dp, nil
}

// Types returns the registered datapath types, sorted.
func (c *Classes) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.providers))
	for t := range c.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NormalizeType resolves an empty type to the default.
func (c *Classes) NormalizeType(typ string) string {
	if typ != "" {
		return typ
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultTypeLocked()
}

func (c *Classes) defaultTypeLocked() string {
	best := ""
	for t := range c.providers {
		if best == "" || t < best {
			best = t
		}
	}
	return best
}

// RegisterBufmon installs the buffer-monitor provider. Only one may exist.
func (c *Classes) RegisterBufmon(p BufmonProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bufmon != nil {
		return fmt.Errorf("bufmon provider already registered")
	}
	c.bufmon = p
	return nil
}

// Bufmon returns the buffer-monitor provider, or nil.
func (c *Classes) Bufmon() BufmonProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bufmon
}
