package engine

import (
	"strconv"
	"strings"

	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Interface types the engine treats specially.
const (
	ifaceSystem     = "system"
	ifaceInternal   = "internal"
	ifaceVLANSubint = "vlansubint"

	hwInfoSplitParent = "split_parent"
)

func ifaceType(r *store.Interface) string {
	if r.Type == "" {
		return ifaceSystem
	}
	return r.Type
}

// ifaceInUse reports whether any bridge or VRF already has an interface
// called name.
func (e *Engine) ifaceInUse(name string) bool {
	for _, b := range e.world.Bridges {
		if b.Iface(name) != nil {
			return true
		}
	}
	for _, v := range e.world.VRFs {
		if v.Up.Iface(name) != nil {
			return true
		}
	}
	return false
}

// createIface opens the netdev for r, gives it a forwarding port number and
// adds it to b under p. Failures are written to the row's error column and
// leave the model unchanged.
func (e *Engine) createIface(b *world.Bridge, p *world.Port, r *store.Interface) bool {
	if e.netdevs.IsReservedName(r.Name) {
		e.warn.Warnw("interface name is reserved", "bridge", b.Name, "iface", r.Name)
		e.ifaceError(r, "reserved name")
		return false
	}
	if e.ifaceInUse(r.Name) {
		e.warn.Warnw("interface already in use", "bridge", b.Name, "iface", r.Name)
		return false
	}

	typ := ifaceType(r)
	nd, err := e.netdevs.Open(r.Name, typ)
	if err != nil {
		e.log.Warnw("opening netdev", "bridge", b.Name, "iface", r.Name, "error", err)
		e.ifaceError(r, err.Error())
		return false
	}

	switch typ {
	case ifaceInternal:
		if b.DefaultEA != nil {
			if err := nd.SetEtheraddr(b.DefaultEA); err != nil {
				e.log.Warnw("setting ethernet address", "iface", r.Name, "error", err)
			}
		}
	case ifaceSystem:
		if err := nd.SetHWIntfInfo(e.hwIntfInfo(r)); err != nil {
			e.log.Warnw("setting hardware info", "iface", r.Name, "error", err)
		}
	}

	i := &world.Interface{
		Name:   r.Name,
		UUID:   r.UUID,
		Port:   p,
		Netdev: nd,
		Type:   typ,
		Cfg:    r,
	}
	e.configureIface(i, r)

	ofport, err := e.allocateOFPort(b, r)
	if err != nil {
		e.log.Warnw("allocating ofport", "bridge", b.Name, "iface", r.Name, "error", err)
		e.ifaceError(r, err.Error())
		nd.Close()
		return false
	}
	i.OFPort = ofport

	if err := b.DP.PortAdd(nd, ofport); err != nil {
		e.log.Warnw("adding port to datapath", "bridge", b.Name, "iface", r.Name, "error", err)
		e.ifaceError(r, err.Error())
		b.OFPorts.Release(r.Name)
		nd.Close()
		return false
	}
	if err := b.AddIface(i); err != nil {
		e.log.Errorw("indexing interface", "bridge", b.Name, "iface", r.Name, "error", err)
		b.DP.PortDel(ofport)
		b.OFPorts.Release(r.Name)
		nd.Close()
		return false
	}
	e.log.Infow("added interface", "bridge", b.Name, "port", p.Name, "iface", r.Name, "ofport", ofport)

	id := r.UUID
	e.wb.Set("iface-ofport/"+id.String(), func(txn *store.Txn) {
		e.st.Interfaces.UpdateIfExists(txn, id, func(row *store.Interface) {
			row.OFPort = &ofport
		})
	})
	if r.Error != "" && !e.wb.Has("iface-error/"+id.String()) {
		e.ifaceError(r, "")
	}

	e.buses.Stats.Execute(blocks.StatsBridgeCreateNetdev, &blocks.StatsParams{
		Store:     e.st,
		Seqno:     e.since,
		Bridge:    b,
		VRF:       b.VRF,
		Port:      p,
		Netdev:    nd,
		Interface: r,
	})
	return true
}

func (e *Engine) allocateOFPort(b *world.Bridge, r *store.Interface) (int, error) {
	if r.OFPortRequest != nil {
		err := b.OFPorts.AllocateStatic(r.Name, *r.OFPortRequest)
		if err == nil {
			return *r.OFPortRequest, nil
		}
		e.warn.Warnw("ofport_request not honored", "iface", r.Name, "error", err)
	}
	return b.OFPorts.Allocate(r.Name)
}

func (e *Engine) hwIntfInfo(r *store.Interface) map[string]string {
	info := make(map[string]string, len(r.HWIntfInfo)+1)
	for k, v := range r.HWIntfInfo {
		info[k] = v
	}
	if r.SplitParent != nil {
		if parent := e.st.Interfaces.Get(*r.SplitParent); parent != nil {
			info[hwInfoSplitParent] = parent.Name
		}
	}
	return info
}

// configureIface pushes the per-type options and user-facing hardware
// settings of r to the interface's netdev.
func (e *Engine) configureIface(i *world.Interface, r *store.Interface) {
	opts := r.Options
	if i.Type == ifaceVLANSubint {
		opts = vlanSubintOptions(r)
	}
	if err := i.Netdev.SetConfig(opts); err != nil {
		e.log.Warnw("configuring netdev", "iface", i.Name, "error", err)
		e.ifaceError(r, err.Error())
	}
	if err := i.Netdev.SetHWIntfConfig(r.HWIntfConfig); err != nil {
		e.log.Warnw("configuring hardware", "iface", i.Name, "error", err)
		e.ifaceError(r, err.Error())
	}
}

// vlanSubintOptions derives the parent and VLAN of a "parent.vid" name.
// Explicit row options take precedence.
func vlanSubintOptions(r *store.Interface) map[string]string {
	var opts map[string]string
	if dot := strings.LastIndexByte(r.Name, '.'); dot > 0 {
		if vid, err := strconv.Atoi(r.Name[dot+1:]); err == nil {
			opts = netdev.VLANSubintOptions(r.Name[:dot], vid)
		}
	}
	if opts == nil {
		opts = make(map[string]string, len(r.Options))
	}
	for k, v := range r.Options {
		opts[k] = v
	}
	return opts
}

func (e *Engine) deleteIface(b *world.Bridge, i *world.Interface) {
	if b.DP != nil {
		if err := b.DP.PortDel(i.OFPort); err != nil {
			e.log.Warnw("removing port from datapath", "bridge", b.Name, "iface", i.Name, "error", err)
		}
	}
	b.RemoveIface(i)
	if err := i.Netdev.Close(); err != nil {
		e.log.Debugw("closing netdev", "iface", i.Name, "error", err)
	}
}

func (e *Engine) ifaceError(r *store.Interface, msg string) {
	id := r.UUID
	e.wb.Set("iface-error/"+id.String(), func(txn *store.Txn) {
		e.st.Interfaces.UpdateIfExists(txn, id, func(row *store.Interface) { row.Error = msg })
	})
}
