package netdev

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MemoryClass opens in-memory devices. It serves types with no kernel
// backing ("internal", "loopback", "vlansubint") and stands in for hardware
// in tests.
type MemoryClass struct {
	typ string

	mu      sync.Mutex
	devices map[string]*Memory
}

// NewMemoryClass returns a class for typ.
func NewMemoryClass(typ string) *MemoryClass {
	return &MemoryClass{typ: typ, devices: make(map[string]*Memory)}
}

func (c *MemoryClass) Type() string { return c.typ }

// Open returns the device called name, creating it on first use.
func (c *MemoryClass) Open(name string) (Netdev, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.devices[name]; ok {
		d.mu.Lock()
		d.closed = false
		d.mu.Unlock()
		return d, nil
	}
	d := &Memory{
		name:    name,
		typ:     c.typ,
		adminUp: true,
		carrier: true,
		mtu:     1500,
		speed:   1_000_000_000,
		duplex:  true,
		seq:     1,
		status:  map[string]string{},
	}
	c.devices[name] = d
	return d, nil
}

// Device returns a previously opened device, or nil.
func (c *MemoryClass) Device(name string) *Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[name]
}

// Memory is an in-memory Netdev.
type Memory struct {
	mu sync.Mutex

	name    string
	typ     string
	mac     net.HardwareAddr
	adminUp bool
	carrier bool
	resets  int64
	mtu     int
	speed   int64
	duplex  bool
	stats   Stats
	seq     uint64
	closed  bool

	status   map[string]string
	hwInfo   map[string]string
	hwConfig map[string]string
	options  map[string]string
}

var _ Netdev = (*Memory)(nil)

func (d *Memory) Name() string { return d.name }
func (d *Memory) Type() string { return d.typ }

func (d *Memory) Etheraddr() (net.HardwareAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mac, nil
}

func (d *Memory) SetEtheraddr(mac net.HardwareAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mac = append(net.HardwareAddr(nil), mac...)
	d.seq++
	return nil
}

func (d *Memory) SetHWIntfInfo(info map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hwInfo = copyMap(info)
	return nil
}

func (d *Memory) SetHWIntfConfig(cfg map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hwConfig = copyMap(cfg)
	if admin, ok := cfg["admin"]; ok {
		up := admin == "up"
		if up != d.adminUp {
			d.adminUp = up
			d.seq++
		}
	}
	if v, ok := cfg["mtu"]; ok {
		mtu, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing mtu %q: %w", v, err)
		}
		d.mtu = mtu
		d.seq++
	}
	return nil
}

func (d *Memory) SetConfig(options map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.options = copyMap(options)
	return nil
}

// HWIntfInfo returns the last pushed hardware info.
func (d *Memory) HWIntfInfo() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyMap(d.hwInfo)
}

// Options returns the last pushed options.
func (d *Memory) Options() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyMap(d.options)
}

func (d *Memory) Stats() (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats, nil
}

// SetStats replaces the counters.
func (d *Memory) SetStats(s Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = s
}

func (d *Memory) Status() (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := copyMap(d.status)
	if out == nil {
		out = map[string]string{}
	}
	out["driver_name"] = "memory"
	return out, nil
}

func (d *Memory) AdminUp() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adminUp, nil
}

func (d *Memory) Carrier() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.carrier, nil
}

// SetCarrier changes link state, counting down transitions as resets.
func (d *Memory) SetCarrier(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.carrier == up {
		return
	}
	if d.carrier && !up {
		d.resets++
	}
	d.carrier = up
	d.seq++
}

func (d *Memory) CarrierResets() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *Memory) Features() (int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed, d.duplex, nil
}

func (d *Memory) MTU() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu, nil
}

func (d *Memory) ChangeSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

func (d *Memory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called since the last Open.
func (d *Memory) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
