// Package maclearn is the built-in MAC-learning plugin. The ASIC signals new
// learning data through the exported trigger; the plugin drains the ASIC's
// buffer on the main loop and mirrors it into the store's MAC table. It also
// flushes the ASIC's MAC table when ports and VLANs go away or when a flush
// is requested through the store, and pushes static MAC rows down to the
// ASIC.
package maclearn

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/seq"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// PluginName is the built-in name used in plugin manifests.
const PluginName = "mac-learning"

// FlushRetry is how long a failed flush-request clear waits before retrying.
const FlushRetry = 1000 * time.Millisecond

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin { return New() })
}

// Plugin is safe to trigger from any goroutine; everything else runs on the
// main loop.
type Plugin struct {
	log  *zap.SugaredLogger
	warn *logging.Limited
	st   *store.Store
	exts *extension.Registry

	world *world.World

	trigger *seq.Seq
	seen    uint64

	// Flush-request columns already acted on but not yet cleared.
	portClears map[uuid.UUID]bool
	vlanClears map[uuid.UUID]bool
	retryAt    time.Time

	// Static MAC rows last pushed to each bridge, by row.
	pushed map[string]map[uuid.UUID]asic.MACTableUpdate

	now        func() time.Time
	registered bool
}

var (
	_ plugins.Plugin          = (*Plugin)(nil)
	_ asic.MACLearningTrigger = (*Plugin)(nil)
)

// New returns an uninitialized plugin.
func New() *Plugin {
	t := seq.New()
	return &Plugin{
		log:        zap.NewNop().Sugar(),
		trigger:    t,
		seen:       t.Read(),
		portClears: make(map[uuid.UUID]bool),
		vlanClears: make(map[uuid.UUID]bool),
		pushed:     make(map[string]map[uuid.UUID]asic.MACTableUpdate),
		now:        time.Now,
	}
}

// Trigger tells the main loop new learning records are waiting.
func (p *Plugin) Trigger() { p.trigger.Change() }

// Init exports the trigger and hooks the reconfigure bus on phase 0.
func (p *Plugin) Init(h *plugins.Host, phaseID int) error {
	if p.registered || phaseID != 0 {
		return nil
	}
	p.log = h.Log.Named(PluginName)
	p.warn = logging.Default(p.log)
	p.st = h.Store
	p.exts = h.Extensions

	err := h.Extensions.Register(extension.Descriptor{
		Name:      asic.MACLearningPluginName,
		Major:     asic.MACLearningPluginMajor,
		Minor:     asic.MACLearningPluginMinor,
		Interface: asic.MACLearningTrigger(p),
	})
	if err != nil {
		return fmt.Errorf("exporting mac learning trigger: %w", err)
	}

	rc := h.Buses.Reconfigure
	if err := rc.Register(blocks.BridgeInit, blocks.NoPriority, PluginName, p.bridgeInit); err != nil {
		return err
	}
	if err := rc.Register(blocks.BrDeletePorts, blocks.NoPriority, PluginName, p.deletePorts); err != nil {
		return err
	}
	if err := rc.Register(blocks.BrFeatureReconfig, blocks.NoPriority, PluginName, p.featureReconfig); err != nil {
		return err
	}
	p.registered = true
	return nil
}

// Run drains the learning buffer when the trigger moved and retries pending
// flush-request clears.
func (p *Plugin) Run(*plugins.Host) error {
	if cur := p.trigger.Read(); cur != p.seen {
		p.seen = cur
		p.drain()
	}
	if len(p.portClears)+len(p.vlanClears) > 0 && !p.now().Before(p.retryAt) {
		p.clearRequests()
	}
	return nil
}

// Wait wakes the loop on the next trigger or flush retry.
func (p *Plugin) Wait(_ *plugins.Host, pl *poll.Poller) {
	pl.Wait(p.trigger.Wait(p.seen))
	if len(p.portClears)+len(p.vlanClears) > 0 {
		pl.TimerWaitUntil(p.retryAt)
	}
}

// Destroy withdraws the trigger.
func (p *Plugin) Destroy(h *plugins.Host) error {
	if !p.registered {
		return nil
	}
	p.registered = false
	return h.Extensions.Unregister(asic.MACLearningPluginName)
}

func (p *Plugin) asicPlugin() asic.ASICPlugin {
	a, err := extension.Lookup[asic.ASICPlugin](p.exts, asic.ASICPluginName, asic.ASICPluginMajor, asic.ASICPluginMinor)
	if err != nil {
		return nil
	}
	return a
}

func (p *Plugin) bridgeInit(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
	p.world = params.World
	return nil
}

// ─── Learning ───────────────────────────────────────────────────────────────

// drain applies one buffer's worth of records in a single transaction. A
// failed commit is dropped; the ASIC's next trigger brings a fresh batch.
func (p *Plugin) drain() {
	a := p.asicPlugin()
	if a == nil || p.world == nil {
		return
	}
	recs, err := a.MACLearningDrain()
	if err != nil {
		p.log.Warnw("draining mac learning buffer", "error", err)
		return
	}
	if len(recs) == asic.MACLearningBufferSize {
		// More may be waiting.
		p.trigger.Change()
	}
	if len(recs) == 0 {
		return
	}

	txn := p.st.NewTxn()
	b := newBatch(p.st, txn)
	for _, r := range recs {
		port := p.world.FindPort(r.PortName)
		if port == nil || port.Bridge == nil {
			p.warn.Warnw("learned mac on unknown port", "port", r.PortName, "mac", r.MAC, "vlan", r.VLAN)
			continue
		}
		switch r.Op {
		case asic.MACLearnAdd, asic.MACLearnMove:
			b.upsert(r.MAC, r.VLAN, port.Bridge.UUID, port.UUID)
		case asic.MACLearnDel:
			b.remove(r.MAC, r.VLAN)
		default:
			p.warn.Warnw("unknown mac learning event", "op", r.Op.String(), "mac", r.MAC)
		}
	}
	if st := txn.Commit(); !st.OK() {
		p.log.Warnw("mac table update not committed", "status", st.String(), "error", txn.Err(), "records", len(recs))
	}
}

// batch tracks rows staged in one drain so that several records for the same
// address resolve against each other before the commit.
type batch struct {
	st     *store.Store
	txn    *store.Txn
	staged map[string]uuid.UUID
}

func newBatch(st *store.Store, txn *store.Txn) *batch {
	return &batch{st: st, txn: txn, staged: make(map[string]uuid.UUID)}
}

func batchKey(mac string, vlan int) string { return fmt.Sprintf("%s|%d", mac, vlan) }

func (b *batch) lookup(mac string, vlan int) (uuid.UUID, bool) {
	if id, ok := b.staged[batchKey(mac, vlan)]; ok {
		return id, id != uuid.Nil
	}
	ids := b.st.MACIndex().LookupVLAN(mac, store.MACFromDynamic, vlan)
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	return ids[0], true
}

func (b *batch) upsert(mac string, vlan int, bridge, port uuid.UUID) {
	if id, ok := b.lookup(mac, vlan); ok {
		b.st.MACs.Update(b.txn, id, func(m *store.MAC) {
			m.Bridge = bridge
			m.Port = &port
		})
		return
	}
	id := b.st.MACs.Insert(b.txn, store.MAC{
		Bridge:  bridge,
		Port:    &port,
		From:    store.MACFromDynamic,
		MACAddr: mac,
		VLAN:    vlan,
	})
	b.staged[batchKey(mac, vlan)] = id
}

func (b *batch) remove(mac string, vlan int) {
	id, ok := b.lookup(mac, vlan)
	if !ok {
		return
	}
	b.st.MACs.Delete(b.txn, id)
	b.staged[batchKey(mac, vlan)] = uuid.Nil
}

// ─── Flushes ────────────────────────────────────────────────────────────────

// deletePorts flushes the MAC entries of every VLAN and port about to leave
// the bridge.
func (p *Plugin) deletePorts(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
	b := params.Bridge
	if b == nil || b.DP == nil {
		return nil
	}

	wanted := make(map[int]bool)
	if b.Cfg != nil {
		for _, id := range b.Cfg.VLANs {
			if row := p.st.VLANs.Get(id); row != nil {
				wanted[row.ID] = true
			}
		}
	}
	for vid := range b.VLANs {
		if !wanted[vid] {
			p.flush(b, &asic.FlushParams{Kind: asic.FlushByVLAN, VLAN: vid})
		}
	}

	for name, port := range b.Ports {
		if _, keep := b.Wanted[name]; keep {
			continue
		}
		p.flush(b, portFlush(port, false))
	}
	return nil
}

func portFlush(port *world.Port, all bool) *asic.FlushParams {
	if port.LAG && port.BondHandle >= 0 {
		return &asic.FlushParams{Kind: asic.FlushByTrunk, BondHandle: port.BondHandle, Port: port.Name, All: all}
	}
	return &asic.FlushParams{Kind: asic.FlushByPort, Port: port.Name, All: all}
}

func (p *Plugin) flush(b *world.Bridge, fp *asic.FlushParams) {
	if err := b.DP.L2Flush(fp); err != nil {
		p.log.Warnw("flushing mac table", "bridge", b.Name, "kind", fp.Kind.String(),
			"port", fp.Port, "vlan", fp.VLAN, "error", err)
	}
}

// flushRequests acts on non-empty mac_flush_request columns of the bridge's
// ports and VLANs. The columns are cleared afterwards.
func (p *Plugin) flushRequests(b *world.Bridge) {
	for _, name := range sortedPortNames(b) {
		port := b.Ports[name]
		if port.Cfg == nil || port.Cfg.MACFlushRequest == "" || p.portClears[port.UUID] {
			continue
		}
		p.flush(b, portFlush(port, port.Cfg.MACFlushRequest == store.FlushAll))
		p.portClears[port.UUID] = true
	}
	for vid, v := range b.VLANs {
		row := p.st.VLANs.Get(v.UUID)
		if row == nil || row.MACFlushRequest == "" || p.vlanClears[v.UUID] {
			continue
		}
		p.flush(b, &asic.FlushParams{Kind: asic.FlushByVLAN, VLAN: vid, All: row.MACFlushRequest == store.FlushAll})
		p.vlanClears[v.UUID] = true
	}
}

func sortedPortNames(b *world.Bridge) []string {
	out := make([]string, 0, len(b.Ports))
	for name := range b.Ports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// clearRequests empties the flush-request columns acted on. TryAgain
// schedules a retry; any other failure drops the clears.
func (p *Plugin) clearRequests() {
	txn := p.st.NewTxn()
	for id := range p.portClears {
		p.st.Ports.UpdateIfExists(txn, id, func(r *store.Port) { r.MACFlushRequest = "" })
	}
	for id := range p.vlanClears {
		p.st.VLANs.UpdateIfExists(txn, id, func(r *store.VLAN) { r.MACFlushRequest = "" })
	}

	st := txn.Commit()
	switch {
	case st.OK():
	case st == store.TryAgain:
		p.retryAt = p.now().Add(FlushRetry)
		return
	default:
		p.log.Warnw("clearing mac flush requests", "status", st.String(), "error", txn.Err())
	}
	p.portClears = make(map[uuid.UUID]bool)
	p.vlanClears = make(map[uuid.UUID]bool)
	p.retryAt = time.Time{}
}

// ─── Static entries ─────────────────────────────────────────────────────────

func (p *Plugin) featureReconfig(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
	b := params.Bridge
	if b == nil || b.DP == nil {
		return nil
	}
	p.flushRequests(b)
	if len(p.portClears)+len(p.vlanClears) > 0 {
		p.clearRequests()
	}
	p.pushStatic(b)
	return nil
}

// pushStatic reflects the bridge's non-dynamic MAC rows into the ASIC,
// sweeping the last pushed set to find deletes.
func (p *Plugin) pushStatic(b *world.Bridge) {
	a := p.asicPlugin()
	if a == nil {
		return
	}

	want := make(map[uuid.UUID]asic.MACTableUpdate)
	for _, row := range p.st.MACs.All() {
		if row.Bridge != b.UUID || row.From == store.MACFromDynamic {
			continue
		}
		u := asic.MACTableUpdate{MAC: row.MACAddr, VLAN: row.VLAN}
		if row.Port != nil {
			if port := p.st.Ports.Get(*row.Port); port != nil {
				u.PortName = port.Name
			}
		}
		want[row.UUID] = u
	}

	have := p.pushed[b.Name]
	var updates []asic.MACTableUpdate
	for id, u := range want {
		old, ok := have[id]
		switch {
		case !ok:
			u.Action = asic.MACTableAdd
		case old.MAC != u.MAC || old.VLAN != u.VLAN || old.PortName != u.PortName:
			u.Action = asic.MACTableModify
		default:
			continue
		}
		updates = append(updates, u)
	}
	for id, u := range have {
		if _, ok := want[id]; !ok {
			u.Action = asic.MACTableDelete
			updates = append(updates, u)
		}
	}
	if len(updates) == 0 {
		return
	}
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].VLAN != updates[j].VLAN {
			return updates[i].VLAN < updates[j].VLAN
		}
		return updates[i].MAC < updates[j].MAC
	})

	err := a.UpdateL2MACTable(b.DP, updates)
	switch {
	case err == nil:
		p.pushed[b.Name] = want
	case errors.Is(err, asic.ErrNotSupported):
		p.log.Debugw("static mac entries not supported", "bridge", b.Name)
		p.pushed[b.Name] = want
	default:
		p.log.Warnw("updating asic mac table", "bridge", b.Name, "updates", len(updates), "error", err)
	}
}
