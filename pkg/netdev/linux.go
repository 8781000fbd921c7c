//go:build linux

package netdev

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxClass opens kernel network devices through netlink. Speed, duplex
// and driver details come from ethtool.
type LinuxClass struct {
	log *zap.SugaredLogger

	once sync.Once
	eth  *ethtool.Ethtool
}

// NewSystemClass returns the "system" device class for this platform.
func NewSystemClass(log *zap.SugaredLogger) Class {
	return &LinuxClass{log: log.Named("netdev-linux")}
}

func (c *LinuxClass) Type() string { return "system" }

func (c *LinuxClass) ethtool() *ethtool.Ethtool {
	c.once.Do(func() {
		eth, err := ethtool.NewEthtool()
		if err != nil {
			c.log.Warnw("ethtool unavailable, speed and driver info disabled", "error", err)
			return
		}
		c.eth = eth
	})
	return c.eth
}

func (c *LinuxClass) Open(name string) (Netdev, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("netlink lookup %s: %w", name, err)
	}
	d := &Linux{name: name, class: c, seq: 1}
	d.observe(link)
	return d, nil
}

// Linux is a kernel network device.
type Linux struct {
	name  string
	class *LinuxClass

	mu          sync.Mutex
	seq         uint64
	fingerprint string
	carrier     bool
	resets      int64
	hwInfo      map[string]string
	options     map[string]string
}

var _ Netdev = (*Linux)(nil)

func (d *Linux) Name() string { return d.name }
func (d *Linux) Type() string { return "system" }

func (d *Linux) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return nil, fmt.Errorf("netlink lookup %s: %w", d.name, err)
	}
	d.observe(link)
	return link, nil
}

// observe advances the change sequence when flags, carrier, MTU or address
// differ from the last look at the device.
func (d *Linux) observe(link netlink.Link) {
	attrs := link.Attrs()
	carrier := attrs.OperState == netlink.OperUp
	fp := fmt.Sprintf("%v|%v|%d|%s", attrs.Flags, attrs.OperState, attrs.MTU, attrs.HardwareAddr)

	d.mu.Lock()
	defer d.mu.Unlock()
	if fp == d.fingerprint {
		return
	}
	if d.fingerprint != "" && d.carrier && !carrier {
		d.resets++
	}
	d.fingerprint = fp
	d.carrier = carrier
	d.seq++
}

func (d *Linux) Etheraddr() (net.HardwareAddr, error) {
	link, err := d.link()
	if err != nil {
		return nil, err
	}
	return link.Attrs().HardwareAddr, nil
}

func (d *Linux) SetEtheraddr(mac net.HardwareAddr) error {
	link, err := d.link()
	if err != nil {
		return err
	}
	if err := netlink.LinkSetHardwareAddr(link, mac); err != nil {
		return fmt.Errorf("netlink set hwaddr %s: %w", d.name, err)
	}
	return nil
}

func (d *Linux) SetHWIntfInfo(info map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hwInfo = copyMap(info)
	return nil
}

func (d *Linux) SetHWIntfConfig(cfg map[string]string) error {
	link, err := d.link()
	if err != nil {
		return err
	}

	switch cfg["admin"] {
	case "up":
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("netlink link up %s: %w", d.name, err)
		}
	case "down":
		if err := netlink.LinkSetDown(link); err != nil {
			return fmt.Errorf("netlink link down %s: %w", d.name, err)
		}
	}

	if v, ok := cfg["mtu"]; ok {
		mtu, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing mtu %q: %w", v, err)
		}
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("netlink set mtu %s: %w", d.name, err)
		}
	}
	return nil
}

func (d *Linux) SetConfig(options map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.options = copyMap(options)
	return nil
}

func (d *Linux) Stats() (Stats, error) {
	link, err := d.link()
	if err != nil {
		return Stats{}, err
	}
	st := link.Attrs().Statistics
	if st == nil {
		return Stats{}, nil
	}
	return Stats{
		RxPackets:  st.RxPackets,
		TxPackets:  st.TxPackets,
		RxBytes:    st.RxBytes,
		TxBytes:    st.TxBytes,
		RxErrors:   st.RxErrors,
		TxErrors:   st.TxErrors,
		RxDropped:  st.RxDropped,
		TxDropped:  st.TxDropped,
		Multicast:  st.Multicast,
		Collisions: st.Collisions,
	}, nil
}

func (d *Linux) Status() (map[string]string, error) {
	link, err := d.link()
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		"ifindex": strconv.Itoa(link.Attrs().Index),
	}
	if eth := d.class.ethtool(); eth != nil {
		if drv, err := eth.DriverName(d.name); err == nil {
			out["driver_name"] = drv
		}
		if bus, err := eth.BusInfo(d.name); err == nil {
			out["bus_info"] = bus
		}
	}
	return out, nil
}

func (d *Linux) AdminUp() (bool, error) {
	link, err := d.link()
	if err != nil {
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

func (d *Linux) Carrier() (bool, error) {
	link, err := d.link()
	if err != nil {
		return false, err
	}
	return link.Attrs().OperState == netlink.OperUp, nil
}

func (d *Linux) CarrierResets() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *Linux) Features() (int64, bool, error) {
	eth := d.class.ethtool()
	if eth == nil {
		return 0, false, ErrNotSupported
	}
	m, err := eth.CmdGetMapped(d.name)
	if err != nil {
		return 0, false, fmt.Errorf("ethtool get %s: %w", d.name, err)
	}
	speed, ok := m["speed"]
	if !ok {
		speed = m["Speed"]
	}
	// Unknown speed is reported as all ones.
	if speed == 0 || speed == 0xffff || speed == 0xffffffff {
		return 0, false, nil
	}
	return int64(speed) * 1_000_000, m["Duplex"] == 1, nil
}

func (d *Linux) MTU() (int, error) {
	link, err := d.link()
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (d *Linux) ChangeSeq() uint64 {
	if link, err := netlink.LinkByName(d.name); err == nil {
		d.observe(link)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

func (d *Linux) Close() error { return nil }
