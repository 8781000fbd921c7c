// Package netdev abstracts the network devices that back interfaces.
// Device classes are registered by plugins during their netdev registration
// step and looked up by interface type when an interface is created.
package netdev

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrNotSupported is returned by devices that lack an optional capability.
var ErrNotSupported = errors.New("operation not supported by this netdev")

// Netdev is an open network device.
type Netdev interface {
	Name() string
	Type() string

	Etheraddr() (net.HardwareAddr, error)
	SetEtheraddr(mac net.HardwareAddr) error

	// SetHWIntfInfo pushes immutable hardware description (split parent,
	// switch port id, connector) at create time.
	SetHWIntfInfo(info map[string]string) error
	// SetHWIntfConfig pushes user-facing hardware settings (admin, speed,
	// autoneg, mtu).
	SetHWIntfConfig(cfg map[string]string) error
	// SetConfig pushes per-type options.
	SetConfig(options map[string]string) error

	Stats() (Stats, error)
	Status() (map[string]string, error)

	AdminUp() (bool, error)
	Carrier() (bool, error)
	CarrierResets() int64
	Features() (speedBps int64, fullDuplex bool, err error)
	MTU() (int, error)

	// ChangeSeq advances whenever status, carrier or flags change.
	ChangeSeq() uint64

	Close() error
}

// Stats is the counter set reported for every device.
type Stats struct {
	RxPackets  uint64
	TxPackets  uint64
	RxBytes    uint64
	TxBytes    uint64
	RxErrors   uint64
	TxErrors   uint64
	RxDropped  uint64
	TxDropped  uint64
	Multicast  uint64
	Collisions uint64
}

// Map renders s with the column keys used in interface statistics.
func (s Stats) Map() map[string]int64 {
	return map[string]int64{
		"rx_packets": int64(s.RxPackets),
		"tx_packets": int64(s.TxPackets),
		"rx_bytes":   int64(s.RxBytes),
		"tx_bytes":   int64(s.TxBytes),
		"rx_errors":  int64(s.RxErrors),
		"tx_errors":  int64(s.TxErrors),
		"rx_dropped": int64(s.RxDropped),
		"tx_dropped": int64(s.TxDropped),
		"multicast":  int64(s.Multicast),
		"collisions": int64(s.Collisions),
	}
}

// Class opens devices of one type.
type Class interface {
	Type() string
	Open(name string) (Netdev, error)
}

// Registry maps interface types to device classes.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// Register adds c. A type may be registered once.
func (r *Registry) Register(c Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.classes[c.Type()]; ok {
		return fmt.Errorf("netdev class %q already registered", c.Type())
	}
	r.classes[c.Type()] = c
	return nil
}

// Unregister removes the class for typ.
func (r *Registry) Unregister(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.classes, typ)
}

// Open opens name with the class registered for typ. An empty type means
// "system".
func (r *Registry) Open(name, typ string) (Netdev, error) {
	if typ == "" {
		typ = "system"
	}

	r.mu.RLock()
	c, ok := r.classes[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("opening %s: unknown netdev type %q", name, typ)
	}

	nd, err := c.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening %s (%s): %w", name, typ, err)
	}
	return nd, nil
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.classes))
	for t := range r.classes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsReservedName reports whether name collides with a device type name or a
// datapath-internal device and therefore may not be used for an interface.
func (r *Registry) IsReservedName(name string) bool {
	switch name {
	case "ovs-netdev", "ovs-dummy", "ovs-system":
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[name]
	return ok
}

// VLANSubintOptions synthesizes the options of a VLAN sub-interface from its
// parent interface name and VLAN id.
func VLANSubintOptions(parent string, vlan int) map[string]string {
	return map[string]string{
		"parent_intf_name": parent,
		"vlan":             fmt.Sprintf("%d", vlan),
	}
}
