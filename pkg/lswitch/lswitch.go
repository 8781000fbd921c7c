// Package lswitch is the built-in logical-switch plugin. It keeps each
// bridge's VXLAN logical switches in the ASIC in step with the store and
// binds a switch's VNI to the access VLAN named in other_config:vlan.
//
// The tunnel key identifies a logical switch. A row whose key changes is
// removed under the old key and added under the new one.
package lswitch

import (
	"errors"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// PluginName is the built-in name used in plugin manifests.
const PluginName = "logical-switch"

const keyVLAN = "vlan"

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin { return New() })
}

// Plugin programs logical switches through the ASIC's logical-switch
// extension.
type Plugin struct {
	log  *zap.SugaredLogger
	warn *logging.Limited
	st   *store.Store
	exts *extension.Registry

	world      *world.World
	registered bool
}

var _ plugins.Plugin = (*Plugin)(nil)

// New returns an uninitialized plugin.
func New() *Plugin {
	return &Plugin{log: zap.NewNop().Sugar()}
}

// Init hooks BRIDGE_INIT and BR_FEATURE_RECONFIG on phase 0.
func (p *Plugin) Init(h *plugins.Host, phaseID int) error {
	if p.registered || phaseID != 0 {
		return nil
	}
	p.log = h.Log.Named(PluginName)
	p.warn = logging.Default(p.log)
	p.st = h.Store
	p.exts = h.Extensions

	rc := h.Buses.Reconfigure
	if err := rc.Register(blocks.BridgeInit, blocks.NoPriority, PluginName, p.bridgeInit); err != nil {
		return err
	}
	if err := rc.Register(blocks.BrFeatureReconfig, blocks.NoPriority, PluginName, p.reconfigure); err != nil {
		return err
	}
	p.registered = true
	return nil
}

// Run does nothing; all work happens on the reconfigure bus.
func (p *Plugin) Run(*plugins.Host) error { return nil }

// Wait registers nothing.
func (p *Plugin) Wait(*plugins.Host, *poll.Poller) {}

// Destroy leaves programmed switches to the datapaths that own them.
func (p *Plugin) Destroy(*plugins.Host) error { return nil }

func (p *Plugin) bridgeInit(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
	p.world = params.World
	return nil
}

func (p *Plugin) lswitchPlugin() asic.LSwitchPlugin {
	a, err := extension.Lookup[asic.LSwitchPlugin](p.exts, asic.LSwitchPluginName, asic.LSwitchPluginMajor, asic.LSwitchPluginMinor)
	if err != nil {
		return nil
	}
	return a
}

func (p *Plugin) vxlanPlugin() asic.VXLANPlugin {
	a, err := extension.Lookup[asic.VXLANPlugin](p.exts, asic.VXLANPluginName, asic.VXLANPluginMajor, asic.VXLANPluginMinor)
	if err != nil {
		return nil
	}
	return a
}

// reconfigure runs once per bridge at BR_FEATURE_RECONFIG.
func (p *Plugin) reconfigure(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
	b := params.Bridge
	if b == nil || b.DP == nil {
		return nil
	}
	ls := p.lswitchPlugin()
	if ls == nil {
		return nil
	}

	if p.st.LogicalSwitches.Len() == 0 {
		for _, key := range sortedKeys(b.LogicalSwitches) {
			p.remove(ls, b, b.LogicalSwitches[key])
		}
		return nil
	}
	// A bridge with nothing programmed may be freshly created.
	if !p.st.LogicalSwitches.Changed(params.Seqno) && len(b.LogicalSwitches) > 0 {
		return nil
	}

	wanted := make(map[int64]*store.LogicalSwitch)
	for _, row := range p.st.LogicalSwitches.All() {
		br := p.st.Bridges.Get(row.Bridge)
		if br == nil || br.Name != b.Name {
			continue
		}
		if prev, dup := wanted[row.TunnelKey]; dup {
			p.warn.Warnw("tunnel key used twice", "bridge", b.Name, "tunnel_key", row.TunnelKey,
				"name", row.Name, "other", prev.Name)
			continue
		}
		wanted[row.TunnelKey] = row
	}

	for _, key := range sortedKeys(b.LogicalSwitches) {
		if _, keep := wanted[key]; !keep {
			p.remove(ls, b, b.LogicalSwitches[key])
		}
	}

	for _, key := range sortedKeys(wanted) {
		row := wanted[key]
		sw := b.LogicalSwitches[key]
		if sw == nil {
			p.add(ls, b, row)
			continue
		}
		sw.UUID = row.UUID
		if sw.Name != row.Name || sw.Description != row.Description {
			sw.Name, sw.Description = row.Name, row.Description
			if err := ls.SetLogicalSwitch(b.DP, b.Name, asic.LSwitchMod, node(sw)); err != nil {
				p.log.Warnw("modifying logical switch", "bridge", b.Name, "tunnel_key", key, "error", err)
			}
		}
		p.bindVLAN(sw, p.vlanOf(row))
	}
	return nil
}

func (p *Plugin) add(ls asic.LSwitchPlugin, b *world.Bridge, row *store.LogicalSwitch) {
	sw := &world.LogicalSwitch{
		Bridge:      b,
		UUID:        row.UUID,
		TunnelKey:   row.TunnelKey,
		Name:        row.Name,
		Description: row.Description,
		VLAN:        -1,
	}
	if err := ls.SetLogicalSwitch(b.DP, b.Name, asic.LSwitchAdd, node(sw)); err != nil {
		p.log.Warnw("adding logical switch", "bridge", b.Name, "tunnel_key", row.TunnelKey, "error", err)
		return
	}
	b.LogicalSwitches[row.TunnelKey] = sw
	p.bindVLAN(sw, p.vlanOf(row))
}

func (p *Plugin) remove(ls asic.LSwitchPlugin, b *world.Bridge, sw *world.LogicalSwitch) {
	p.bindVLAN(sw, -1)
	err := ls.SetLogicalSwitch(b.DP, b.Name, asic.LSwitchDel, node(sw))
	if err != nil && !errors.Is(err, asic.ErrNotFound) {
		p.log.Warnw("deleting logical switch", "bridge", b.Name, "tunnel_key", sw.TunnelKey, "error", err)
	}
	delete(b.LogicalSwitches, sw.TunnelKey)
}

// bindVLAN moves the switch's VNI binding to vlan, or drops it when vlan is
// -1.
func (p *Plugin) bindVLAN(sw *world.LogicalSwitch, vlan int) {
	if sw.VLAN == vlan {
		return
	}
	vx := p.vxlanPlugin()
	if vx == nil {
		return
	}
	vni := int(sw.TunnelKey)
	if sw.VLAN != -1 {
		if err := vx.VportUnbindAllPortsOnVLAN(vni, sw.VLAN); err != nil {
			p.log.Warnw("unbinding vni", "vni", vni, "vlan", sw.VLAN, "error", err)
		}
		sw.VLAN = -1
	}
	if vlan == -1 {
		return
	}
	if err := vx.VportBindAllPortsOnVLAN(vni, vlan); err != nil {
		p.log.Warnw("binding vni", "vni", vni, "vlan", vlan, "error", err)
		return
	}
	sw.VLAN = vlan
}

func (p *Plugin) vlanOf(row *store.LogicalSwitch) int {
	s, ok := row.OtherConfig[keyVLAN]
	if !ok {
		return -1
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > 4094 {
		p.warn.Warnw("invalid logical switch vlan", "name", row.Name, "vlan", s)
		return -1
	}
	return v
}

func node(sw *world.LogicalSwitch) *asic.LogicalSwitchNode {
	return &asic.LogicalSwitchNode{
		Name:        sw.Name,
		Description: sw.Description,
		TunnelKey:   sw.TunnelKey,
		Type:        asic.LSwitchTypeVXLAN,
	}
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
