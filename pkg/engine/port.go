package engine

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Port keys.
const (
	lagPrefix        = "lag"
	statusBondHandle = "bond_hw_handle"

	bondRxEnabled = "rx_enabled"
	bondTxEnabled = "tx_enabled"

	qosTrust        = "qos_trust"
	qosCOSOverride  = "cos_override"
	qosDSCPOverride = "dscp_override"
)

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPorts(b *world.Bridge) []*world.Port {
	out := make([]*world.Port, 0, len(b.Ports))
	for _, name := range sortedKeys(b.Ports) {
		out = append(out, b.Ports[name])
	}
	return out
}

// ─── Collect / delete ───────────────────────────────────────────────────────

// collectPorts fills Wanted on every bridge and VRF. A port row listed by
// more than one parent goes to the first bridge, or failing that the first
// VRF, in name order.
func (e *Engine) collectPorts() {
	claimed := make(map[string]string)
	fill := func(owner string, b *world.Bridge, rows []*store.Port) {
		b.Wanted = make(map[string]*store.Port, len(rows))
		for _, row := range rows {
			if _, dup := b.Wanted[row.Name]; dup {
				e.warn.Warnw("port specified twice", "owner", owner, "port", row.Name)
				continue
			}
			if prev, taken := claimed[row.Name]; taken {
				e.warn.Warnw("port already belongs to another parent", "owner", owner, "port", row.Name, "parent", prev)
				continue
			}
			claimed[row.Name] = owner
			b.Wanted[row.Name] = row
		}
	}

	for _, b := range e.bridges() {
		fill("bridge "+b.Name, b, e.portRows(b.Cfg.Ports))
	}
	for _, v := range e.vrfs() {
		fill("vrf "+v.Name(), v.Up, e.portRows(v.Cfg.Ports))
	}
}

func (e *Engine) portRows(ids []uuid.UUID) []*store.Port {
	out := make([]*store.Port, 0, len(ids))
	for _, id := range ids {
		if row := e.st.Ports.Get(id); row != nil {
			out = append(out, row)
		}
	}
	return out
}

func (e *Engine) deletePorts(b *world.Bridge) {
	for _, p := range sortedPorts(b) {
		if _, keep := b.Wanted[p.Name]; !keep {
			e.log.Infow("deleting port", "bridge", b.Name, "port", p.Name)
			e.deletePort(b, p)
		}
	}
}

func (e *Engine) deletePort(b *world.Bridge, p *world.Port) {
	if b.DP != nil {
		if err := b.DP.BundleUnregister(p.Name); err != nil && !errors.Is(err, asic.ErrNotFound) {
			e.log.Warnw("unregistering bundle", "bridge", b.Name, "port", p.Name, "error", err)
		}
	}
	for _, i := range append([]*world.Interface(nil), p.Ifaces...) {
		e.deleteIface(b, i)
	}
	b.RemovePort(p)
	delete(e.touched, p)
}

// ─── Reconfigure surviving ports ────────────────────────────────────────────

// reconfigurePorts refreshes the rows behind every surviving port, drops
// interfaces that left the port or changed type, and pushes changed
// interface settings to their netdevs.
func (e *Engine) reconfigurePorts(b *world.Bridge) {
	for _, p := range sortedPorts(b) {
		row := b.Wanted[p.Name]
		p.Cfg = row
		if p.UUID != row.UUID {
			p.UUID = row.UUID
			e.touched[p] = true
		}

		want := e.ifaceRows(row)
		for _, i := range append([]*world.Interface(nil), p.Ifaces...) {
			r, ok := want[i.Name]
			if !ok || ifaceType(r) != i.Type {
				e.log.Infow("deleting interface", "bridge", b.Name, "port", p.Name, "iface", i.Name)
				e.deleteIface(b, i)
				e.touched[p] = true
				continue
			}
			i.Cfg = r
			if i.UUID != r.UUID {
				i.UUID = r.UUID
				e.touched[p] = true
			}
			if e.st.Interfaces.IsModified(r.UUID, e.since) {
				e.configureIface(i, r)
			}
		}
	}
}

func (e *Engine) ifaceRows(row *store.Port) map[string]*store.Interface {
	out := make(map[string]*store.Interface, len(row.Interfaces))
	for _, id := range row.Interfaces {
		if r := e.st.Interfaces.Get(id); r != nil {
			out[r.Name] = r
		}
	}
	return out
}

// ─── Add ────────────────────────────────────────────────────────────────────

// addPorts creates model ports for new rows and opens their missing
// interfaces. A port left without any interface is dropped.
func (e *Engine) addPorts(b *world.Bridge) {
	if b.DP == nil {
		return
	}
	for _, name := range sortedKeys(b.Wanted) {
		row := b.Wanted[name]
		p := b.Port(name)
		if p == nil {
			p = world.NewPort(name, row.UUID)
			p.Cfg = row
			if err := b.AddPort(p); err != nil {
				e.warn.Warnw("adding port", "bridge", b.Name, "port", name, "error", err)
				continue
			}
			e.touched[p] = true
		}

		for _, id := range row.Interfaces {
			r := e.st.Interfaces.Get(id)
			if r == nil || p.Iface(r.Name) != nil {
				continue
			}
			if e.createIface(b, p, r) {
				e.touched[p] = true
			}
		}

		if len(p.Ifaces) == 0 {
			e.warn.Warnw("port has no interfaces", "bridge", b.Name, "port", name)
			e.deletePort(b, p)
		}
	}
}

// ─── Configure ──────────────────────────────────────────────────────────────

func (e *Engine) portChanged(p *world.Port) bool {
	if e.touched[p] || e.st.Ports.IsModified(p.UUID, e.since) {
		return true
	}
	for _, i := range p.Ifaces {
		if e.st.Interfaces.IsModified(i.UUID, e.since) {
			return true
		}
	}
	return false
}

// configurePorts registers the bundle of every changed port and runs blk
// once per port. It reports whether any port was configured.
func (e *Engine) configurePorts(b *world.Bridge, blk blocks.ReconfigureBlock) bool {
	if b.DP == nil {
		return false
	}
	done := false
	for _, p := range sortedPorts(b) {
		if !e.portChanged(p) {
			continue
		}
		e.configurePort(b, p)
		e.configured[p] = true
		done = true

		params := e.bridgeParams(b)
		if b.VRF != nil {
			params = e.vrfParams(b.VRF)
		}
		params.Port = p
		e.buses.Reconfigure.Execute(blk, params)
	}
	return done
}

func (e *Engine) configurePort(b *world.Bridge, p *world.Port) {
	s := e.bundleSettings(p)
	handle, err := b.DP.BundleRegister(p.Name, s)
	if err != nil {
		e.log.Warnw("registering bundle", "bridge", b.Name, "port", p.Name, "error", err)
		return
	}
	p.LAG = s.HWBondShouldExist
	if b.VRF != nil {
		p.IP4Address, p.IP4Secondary = s.IP4Address, s.IP4Secondary
		p.IP6Address, p.IP6Secondary = s.IP6Address, s.IP6Secondary
	}
	if handle != p.BondHandle {
		p.BondHandle = handle
		e.writeBondHandle(p)
	}
	e.configurePortQoS(b, p)
}

func (e *Engine) writeBondHandle(p *world.Port) {
	id, handle := p.UUID, p.BondHandle
	e.wb.Set("port-bond/"+id.String(), func(txn *store.Txn) {
		e.st.Ports.UpdateIfExists(txn, id, func(r *store.Port) {
			if handle < 0 {
				delete(r.Status, statusBondHandle)
				return
			}
			if r.Status == nil {
				r.Status = make(map[string]string)
			}
			r.Status[statusBondHandle] = strconv.Itoa(handle)
		})
	})
}

// bundleSettings builds the provider record for p from its rows.
func (e *Engine) bundleSettings(p *world.Port) *asic.BundleSettings {
	row := p.Cfg
	ifaces := append([]*world.Interface(nil), p.Ifaces...)
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].OFPort < ifaces[j].OFPort })

	s := &asic.BundleSettings{
		Name:       p.Name,
		BondHandle: p.BondHandle,
		VLAN:       -1,
	}
	s.HWBondShouldExist = strings.HasPrefix(p.Name, lagPrefix) || len(row.Interfaces) >= 2 ||
		row.LACP == store.LACPActive || row.LACP == store.LACPPassive

	for _, i := range ifaces {
		if !s.HWBondShouldExist {
			s.Slaves = append(s.Slaves, i.OFPort)
			s.SlavesTxEnable = append(s.SlavesTxEnable, i.OFPort)
			continue
		}
		var bond map[string]string
		if i.Cfg != nil {
			bond = i.Cfg.HWBondConfig
		}
		if store.SmapGetBool(bond, bondRxEnabled, false) {
			s.Slaves = append(s.Slaves, i.OFPort)
		}
		if store.SmapGetBool(bond, bondTxEnabled, false) {
			s.SlavesTxEnable = append(s.SlavesTxEnable, i.OFPort)
		}
	}

	s.VLANMode = e.vlanMode(p)
	if s.VLANMode != asic.VLANModeTrunk && row.Tag != nil && *row.Tag >= 1 && *row.Tag <= 4094 {
		s.VLAN = *row.Tag
	}
	if s.VLANMode != asic.VLANModeAccess {
		s.Trunks = trunks(row.Trunks)
	}
	if s.HWBondShouldExist {
		s.Bond = &asic.BondSettings{BalanceMode: row.BondMode, LACP: row.LACP}
	}

	if p.VRF() != nil {
		s.IP4Address = row.IP4Address
		s.IP4AddressChanged = row.IP4Address != p.IP4Address
		s.IP4Secondary = sortedCopy(row.IP4AddressSecondary)
		s.IP4SecondaryChanged = !equalStrings(s.IP4Secondary, p.IP4Secondary)
		s.IP6Address = row.IP6Address
		s.IP6AddressChanged = row.IP6Address != p.IP6Address
		s.IP6Secondary = sortedCopy(row.IP6AddressSecondary)
		s.IP6SecondaryChanged = !equalStrings(s.IP6Secondary, p.IP6Secondary)
	}
	return s
}

// vlanMode defaults to access when a tag is set and to trunk otherwise.
func (e *Engine) vlanMode(p *world.Port) asic.VLANMode {
	row := p.Cfg
	if row.VLANMode == "" {
		if row.Tag != nil {
			return asic.VLANModeAccess
		}
		return asic.VLANModeTrunk
	}
	mode, ok := asic.ParseVLANMode(row.VLANMode)
	if !ok {
		e.warn.Warnw("unknown vlan_mode, using trunk", "port", p.Name, "vlan_mode", row.VLANMode)
	}
	return mode
}

func trunks(vids []int) []int {
	seen := make(map[int]bool, len(vids))
	out := make([]int, 0, len(vids))
	for _, v := range vids {
		if v < 1 || v > 4094 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── Port QoS ───────────────────────────────────────────────────────────────

func (e *Engine) configurePortQoS(b *world.Bridge, p *world.Port) {
	plugin := e.asicPlugin()
	if plugin == nil {
		return
	}
	cfg := p.Cfg.QoSConfig

	def := "none"
	if sys := e.st.System.First(); sys != nil && sys.QoSTrust != "" {
		def = sys.QoSTrust
	}
	trust, ok := asic.ParseQoSTrust(store.SmapGet(cfg, qosTrust, def))
	if !ok {
		e.warn.Warnw("unknown qos_trust", "port", p.Name, "qos_trust", cfg[qosTrust])
	}

	s := &asic.QoSPortSettings{Trust: trust, COSOverride: -1, DSCPOverride: -1, OtherConfig: p.Cfg.OtherConfig}
	if v := store.SmapGetInt(cfg, qosCOSOverride, -1); v >= 0 {
		s.COSOverrideEnable, s.COSOverride = true, v
	}
	if v := store.SmapGetInt(cfg, qosDSCPOverride, -1); v >= 0 {
		s.DSCPOverrideEnable, s.DSCPOverride = true, v
	}

	err := plugin.SetPortQoSCfg(b.DP, p.Name, s)
	switch {
	case err == nil:
	case errors.Is(err, asic.ErrNotSupported):
		e.log.Debugw("port qos not supported", "port", p.Name)
	default:
		e.log.Warnw("setting port qos", "port", p.Name, "error", err)
	}
}
