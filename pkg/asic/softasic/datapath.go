package softasic

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/netdev"
)

// Bundle is the programmed state of one port.
type Bundle struct {
	Settings asic.BundleSettings
	Handle   int
}

// Host is one programmed neighbor.
type Host struct {
	Aux      string
	Entry    asic.HostEntry
	EgressID int
	Hit      bool
}

// L2Entry is one MAC table entry.
type L2Entry struct {
	MAC     string
	VLAN    int
	Port    string
	Dynamic bool
}

type l2Key struct {
	mac  string
	vlan int
}

// Datapath is one bridge or VRF instance. Its state is guarded by the
// owning ASIC's mutex.
type Datapath struct {
	a    *ASIC
	name string
	typ  string

	dpid        uint64
	agingTime   int
	sflow       *asic.SFlowOptions
	controllers map[string]asic.ControllerInfo
	desc        string

	ports     map[int]netdev.Netdev
	bundles   map[string]*Bundle
	vlans     map[int]bool
	mirrors   map[uuid.UUID]*asic.MirrorSettings
	mirrorCtr map[uuid.UUID]asic.MirrorStats
	hosts     map[string]*Host // by IP
	routes    map[string]map[string]asic.RouteNexthop
	ecmp      bool
	hashes    map[asic.ECMPHash]bool
	l2        map[l2Key]L2Entry
	lswitches map[int64]asic.LogicalSwitchNode
	runs      int
}

var _ asic.Datapath = (*Datapath)(nil)

func newDatapath(a *ASIC, name, typ string) *Datapath {
	return &Datapath{
		a:           a,
		name:        name,
		typ:         typ,
		agingTime:   300,
		controllers: make(map[string]asic.ControllerInfo),
		ports:       make(map[int]netdev.Netdev),
		bundles:     make(map[string]*Bundle),
		vlans:       make(map[int]bool),
		mirrors:     make(map[uuid.UUID]*asic.MirrorSettings),
		mirrorCtr:   make(map[uuid.UUID]asic.MirrorStats),
		hosts:       make(map[string]*Host),
		routes:      make(map[string]map[string]asic.RouteNexthop),
		ecmp:        true,
		hashes: map[asic.ECMPHash]bool{
			asic.ECMPHashSrcIP:     true,
			asic.ECMPHashDstIP:     true,
			asic.ECMPHashSrcPort:   true,
			asic.ECMPHashDstPort:   true,
			asic.ECMPHashResilient: true,
		},
		l2:        make(map[l2Key]L2Entry),
		lswitches: make(map[int64]asic.LogicalSwitchNode),
	}
}

func (d *Datapath) Name() string { return d.name }
func (d *Datapath) Type() string { return d.typ }

// begin locks the ASIC and returns any injected failure for op.
func (d *Datapath) begin(op string) error {
	d.a.mu.Lock()
	return d.a.injectedLocked(op)
}

func (d *Datapath) end(op, aux string, args any, err error) {
	d.a.recordLocked(Call{Op: op, Datapath: d.name, Aux: aux, Args: args, Err: err})
	d.a.mu.Unlock()
}

func (d *Datapath) Destroy() error {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	for _, b := range d.bundles {
		d.a.freeBondLocked(b.Handle)
	}
	delete(d.a.dps, d.name)
	d.a.recordLocked(Call{Op: "destroy", Datapath: d.name})
	return nil
}

// Run counts post-commit passes.
func (d *Datapath) Run() error {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	d.runs++
	return nil
}

// ─── Bridge-wide settings ───────────────────────────────────────────────────

func (d *Datapath) SetDatapathID(id uint64) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	if d.dpid != id {
		d.dpid = id
		d.a.recordLocked(Call{Op: "set-datapath-id", Datapath: d.name, Args: id})
	}
}

func (d *Datapath) DatapathVersion() string { return version }

func (d *Datapath) SetMACAgingTime(seconds int) error {
	err := d.begin("set-mac-aging")
	if err == nil {
		d.agingTime = seconds
	}
	d.end("set-mac-aging", "", seconds, err)
	return err
}

func (d *Datapath) SetSFlow(opts *asic.SFlowOptions) error {
	err := d.begin("set-sflow")
	var args any
	if err == nil {
		if opts == nil {
			d.sflow = nil
		} else {
			o := *opts
			o.Targets = append([]string(nil), opts.Targets...)
			d.sflow = &o
			args = o
		}
	}
	d.end("set-sflow", "", args, err)
	return err
}

// SetControllers replaces the controller set. Connection state of targets
// kept across the call is preserved.
func (d *Datapath) SetControllers(targets []string) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	next := make(map[string]asic.ControllerInfo, len(targets))
	for _, t := range targets {
		info, ok := d.controllers[t]
		if !ok {
			info = asic.ControllerInfo{Role: "other"}
		}
		next[t] = info
	}
	d.controllers = next
	d.a.recordLocked(Call{Op: "set-controllers", Datapath: d.name, Args: append([]string(nil), targets...)})
}

func (d *Datapath) ControllerStatus() map[string]asic.ControllerInfo {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	out := make(map[string]asic.ControllerInfo, len(d.controllers))
	for k, v := range d.controllers {
		out[k] = v
	}
	return out
}

// SetControllerState changes what ControllerStatus reports for target.
func (d *Datapath) SetControllerState(target string, info asic.ControllerInfo) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	if _, ok := d.controllers[target]; ok {
		d.controllers[target] = info
	}
}

func (d *Datapath) SetDPDesc(desc string) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	d.desc = desc
}

// ─── Ports and bundles ──────────────────────────────────────────────────────

func (d *Datapath) PortAdd(nd netdev.Netdev, ofport int) error {
	err := d.begin("port-add")
	if err == nil {
		if have, ok := d.ports[ofport]; ok {
			err = fmt.Errorf("ofport %d used by %s: %w", ofport, have.Name(), asic.ErrInvalid)
		} else {
			d.ports[ofport] = nd
		}
	}
	d.end("port-add", nd.Name(), ofport, err)
	return err
}

func (d *Datapath) PortDel(ofport int) error {
	err := d.begin("port-del")
	if err == nil {
		if _, ok := d.ports[ofport]; !ok {
			err = fmt.Errorf("ofport %d: %w", ofport, asic.ErrNotFound)
		} else {
			delete(d.ports, ofport)
		}
	}
	d.end("port-del", "", ofport, err)
	return err
}

func (d *Datapath) BundleRegister(aux string, s *asic.BundleSettings) (int, error) {
	err := d.begin("bundle-register")
	cp := cloneBundle(s)
	handle := -1
	if err == nil {
		b, ok := d.bundles[aux]
		if !ok {
			b = &Bundle{Handle: -1}
			d.bundles[aux] = b
		}
		switch {
		case s.HWBondShouldExist && b.Handle < 0:
			b.Handle = d.a.allocBondLocked()
		case !s.HWBondShouldExist && b.Handle >= 0:
			d.a.freeBondLocked(b.Handle)
			b.Handle = -1
		}
		b.Settings = cp
		handle = b.Handle
	}
	d.end("bundle-register", aux, cp, err)
	return handle, err
}

func (d *Datapath) BundleUnregister(aux string) error {
	err := d.begin("bundle-unregister")
	if err == nil {
		b, ok := d.bundles[aux]
		if !ok {
			err = fmt.Errorf("bundle %s: %w", aux, asic.ErrNotFound)
		} else {
			d.a.freeBondLocked(b.Handle)
			delete(d.bundles, aux)
			for k, e := range d.l2 {
				if e.Port == aux {
					delete(d.l2, k)
				}
			}
		}
	}
	d.end("bundle-unregister", aux, nil, err)
	return err
}

func cloneBundle(s *asic.BundleSettings) asic.BundleSettings {
	c := *s
	c.Slaves = append([]int(nil), s.Slaves...)
	c.SlavesTxEnable = append([]int(nil), s.SlavesTxEnable...)
	c.Trunks = append([]int(nil), s.Trunks...)
	c.IP4Secondary = append([]string(nil), s.IP4Secondary...)
	c.IP6Secondary = append([]string(nil), s.IP6Secondary...)
	if s.Bond != nil {
		b := *s.Bond
		c.Bond = &b
	}
	return c
}

// Bundle returns the programmed state of aux.
func (d *Datapath) Bundle(aux string) (Bundle, bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	b, ok := d.bundles[aux]
	if !ok {
		return Bundle{}, false
	}
	return Bundle{Settings: cloneBundle(&b.Settings), Handle: b.Handle}, true
}

// Ports returns the ofports added, sorted.
func (d *Datapath) Ports() []int {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	out := make([]int, 0, len(d.ports))
	for p := range d.ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// ─── VLANs ──────────────────────────────────────────────────────────────────

func (d *Datapath) VLANSet(vid int, add bool) error {
	err := d.begin("vlan-set")
	if err == nil {
		if vid < 1 || vid > 4094 {
			err = fmt.Errorf("vlan %d: %w", vid, asic.ErrInvalid)
		} else if add {
			d.vlans[vid] = true
		} else {
			delete(d.vlans, vid)
		}
	}
	d.end("vlan-set", "", map[string]any{"vid": vid, "add": add}, err)
	return err
}

// VLANs returns the enabled VLAN ids, sorted.
func (d *Datapath) VLANs() []int {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	out := make([]int, 0, len(d.vlans))
	for v := range d.vlans {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ─── Mirrors ────────────────────────────────────────────────────────────────

func (d *Datapath) MirrorRegister(aux uuid.UUID, s *asic.MirrorSettings) error {
	err := d.begin("mirror-register")
	cp := *s
	cp.SrcPorts = append([]string(nil), s.SrcPorts...)
	cp.DstPorts = append([]string(nil), s.DstPorts...)
	if err == nil {
		err = d.checkMirrorLocked(&cp)
	}
	if err == nil {
		d.mirrors[aux] = &cp
		if _, ok := d.mirrorCtr[aux]; !ok {
			d.mirrorCtr[aux] = asic.MirrorStats{}
		}
	}
	d.end("mirror-register", aux.String(), cp, err)
	return err
}

func (d *Datapath) checkMirrorLocked(s *asic.MirrorSettings) error {
	if s.OutPort == "" && s.OutVLAN < 0 {
		return fmt.Errorf("mirror %s has no output: %w", s.Name, asic.ErrMirrorExternal)
	}
	if s.OutPort != "" && !d.a.bundleExistsLocked(s.OutPort) {
		return fmt.Errorf("mirror %s output %s: %w", s.Name, s.OutPort, asic.ErrMirrorExternal)
	}
	for _, p := range append(append([]string(nil), s.SrcPorts...), s.DstPorts...) {
		if !d.a.bundleExistsLocked(p) {
			return fmt.Errorf("mirror %s source %s: %w", s.Name, p, asic.ErrMirrorExternal)
		}
	}
	return nil
}

func (d *Datapath) MirrorUnregister(aux uuid.UUID) error {
	err := d.begin("mirror-unregister")
	if err == nil {
		if _, ok := d.mirrors[aux]; !ok {
			err = fmt.Errorf("mirror %s: %w", aux, asic.ErrNotFound)
		}
		delete(d.mirrors, aux)
		delete(d.mirrorCtr, aux)
	}
	d.end("mirror-unregister", aux.String(), nil, err)
	return err
}

func (d *Datapath) MirrorStats(aux uuid.UUID) (asic.MirrorStats, error) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	st, ok := d.mirrorCtr[aux]
	if !ok {
		return asic.MirrorStats{}, fmt.Errorf("mirror %s: %w", aux, asic.ErrNotFound)
	}
	return st, nil
}

// Mirror returns the programmed settings of aux.
func (d *Datapath) Mirror(aux uuid.UUID) (asic.MirrorSettings, bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	m, ok := d.mirrors[aux]
	if !ok {
		return asic.MirrorSettings{}, false
	}
	return *m, true
}

// SetMirrorStats sets the counters MirrorStats reports for a registered
// mirror.
func (d *Datapath) SetMirrorStats(aux uuid.UUID, st asic.MirrorStats) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	if _, ok := d.mirrors[aux]; ok {
		d.mirrorCtr[aux] = st
	}
}

// ─── L3 ─────────────────────────────────────────────────────────────────────

func (d *Datapath) AddL3HostEntry(aux string, h *asic.HostEntry) (int, error) {
	err := d.begin("add-l3-host")
	egress := -1
	if err == nil {
		if _, ok := d.bundles[aux]; !ok {
			err = fmt.Errorf("host %s on %s: %w", h.IPAddress, aux, asic.ErrNotFound)
		} else if have, ok := d.hosts[h.IPAddress]; ok {
			have.Aux, have.Entry = aux, *h
			egress = have.EgressID
		} else {
			egress = d.a.allocEgressLocked()
			d.hosts[h.IPAddress] = &Host{Aux: aux, Entry: *h, EgressID: egress}
		}
	}
	d.end("add-l3-host", aux, Host{Aux: aux, Entry: *h, EgressID: egress}, err)
	return egress, err
}

func (d *Datapath) DeleteL3HostEntry(aux string, h *asic.HostEntry) error {
	err := d.begin("delete-l3-host")
	var egress int
	if err == nil {
		have, ok := d.hosts[h.IPAddress]
		if !ok {
			err = fmt.Errorf("host %s: %w", h.IPAddress, asic.ErrNotFound)
		} else {
			egress = have.EgressID
			delete(d.hosts, h.IPAddress)
		}
	}
	d.end("delete-l3-host", aux, Host{Aux: aux, Entry: *h, EgressID: egress}, err)
	return err
}

func (d *Datapath) GetL3HostHit(aux string, h *asic.HostEntry) (bool, error) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	have, ok := d.hosts[h.IPAddress]
	if !ok {
		return false, fmt.Errorf("host %s: %w", h.IPAddress, asic.ErrNotFound)
	}
	return have.Hit, nil
}

// SetHostHit sets the hit bit GetL3HostHit reports for ip.
func (d *Datapath) SetHostHit(ip string, hit bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	if h, ok := d.hosts[ip]; ok {
		h.Hit = hit
	}
}

// Host returns the programmed neighbor for ip.
func (d *Datapath) Host(ip string) (Host, bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	h, ok := d.hosts[ip]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

func (d *Datapath) L3RouteAction(action asic.RouteAction, r *asic.Route) error {
	err := d.begin("route-" + action.String())
	if err == nil {
		switch action {
		case asic.RouteAdd:
			nhs, ok := d.routes[r.Prefix]
			if !ok {
				nhs = make(map[string]asic.RouteNexthop)
				d.routes[r.Prefix] = nhs
			}
			for i := range r.Nexthops {
				nh := &r.Nexthops[i]
				if msg, bad := d.a.failNH[nh.ID]; bad {
					nh.Err = msg
					continue
				}
				nh.Err = ""
				nhs[nh.ID] = *nh
			}
		case asic.RouteDelete:
			delete(d.routes, r.Prefix)
		case asic.RouteDeleteNexthop:
			for _, nh := range r.Nexthops {
				delete(d.routes[r.Prefix], nh.ID)
			}
		default:
			err = fmt.Errorf("route action %s: %w", action, asic.ErrInvalid)
		}
	}
	cp := *r
	cp.Nexthops = append([]asic.RouteNexthop(nil), r.Nexthops...)
	d.end("route-"+action.String(), r.Prefix, cp, err)
	return err
}

// Route returns the next-hops programmed for prefix, sorted by id.
func (d *Datapath) Route(prefix string) ([]asic.RouteNexthop, bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	nhs, ok := d.routes[prefix]
	if !ok {
		return nil, false
	}
	out := make([]asic.RouteNexthop, 0, len(nhs))
	for _, nh := range nhs {
		out = append(out, nh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true
}

func (d *Datapath) L3ECMPSet(enable bool) error {
	err := d.begin("ecmp-set")
	if err == nil {
		d.ecmp = enable
	}
	d.end("ecmp-set", "", enable, err)
	return err
}

func (d *Datapath) L3ECMPHashSet(hash asic.ECMPHash, enable bool) error {
	err := d.begin("ecmp-hash-set")
	if err == nil {
		d.hashes[hash] = enable
	}
	d.end("ecmp-hash-set", hash.String(), enable, err)
	return err
}

// ECMP returns the ECMP switch and the enabled hash inputs.
func (d *Datapath) ECMP() (bool, map[asic.ECMPHash]bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	out := make(map[asic.ECMPHash]bool, len(d.hashes))
	for k, v := range d.hashes {
		out[k] = v
	}
	return d.ecmp, out
}

// ─── L2 ─────────────────────────────────────────────────────────────────────

func (d *Datapath) L2Flush(p *asic.FlushParams) error {
	err := d.begin("l2-flush")
	if err == nil {
		var trunk string
		if p.Kind == asic.FlushByTrunk {
			for name, b := range d.bundles {
				if b.Handle == p.BondHandle {
					trunk = name
				}
			}
		}
		for k, e := range d.l2 {
			if !e.Dynamic && !p.All {
				continue
			}
			switch p.Kind {
			case asic.FlushByVLAN:
				if e.VLAN != p.VLAN {
					continue
				}
			case asic.FlushByPort:
				if e.Port != p.Port {
					continue
				}
			case asic.FlushByTrunk:
				if trunk == "" || e.Port != trunk {
					continue
				}
			}
			delete(d.l2, k)
		}
	}
	d.end("l2-flush", p.Port, *p, err)
	return err
}

// L2 returns the MAC table sorted by VLAN then MAC.
func (d *Datapath) L2() []L2Entry {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	out := make([]L2Entry, 0, len(d.l2))
	for _, e := range d.l2 {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VLAN != out[j].VLAN {
			return out[i].VLAN < out[j].VLAN
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}

// LogicalSwitch returns the programmed logical switch for key.
func (d *Datapath) LogicalSwitch(key int64) (asic.LogicalSwitchNode, bool) {
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	n, ok := d.lswitches[key]
	return n, ok
}
