package engine

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Bridge other_config keys.
const (
	keyHWAddr     = "hwaddr"
	keyDatapathID = "datapath-id"
	keyMACAging   = "mac-aging-time"
	keyDPDesc     = "dp-desc"

	defaultMACAging = 300
)

// ─── Bridge and VRF diff ────────────────────────────────────────────────────

// collectBridges destroys bridges whose row is gone or whose datapath type
// changed, and creates model entries for new rows. Datapaths are created
// later, once every delete has run.
func (e *Engine) collectBridges(sys *store.System) {
	wanted := make(map[string]*store.Bridge)
	if sys != nil {
		for _, id := range sys.Bridges {
			row := e.st.Bridges.Get(id)
			if row == nil {
				continue
			}
			if _, dup := wanted[row.Name]; dup {
				e.warn.Warnw("bridge specified twice", "bridge", row.Name)
				continue
			}
			wanted[row.Name] = row
		}
	}

	for name, b := range e.world.Bridges {
		row, ok := wanted[name]
		if !ok || e.classes.NormalizeType(row.DatapathType) != b.Type {
			e.log.Infow("destroying bridge", "bridge", name)
			e.destroyBridge(b)
		}
	}

	for _, name := range sortedKeys(wanted) {
		row := wanted[name]
		if b := e.world.Bridge(name); b != nil {
			b.Cfg = row
			b.UUID = row.UUID
			continue
		}
		b := world.NewBridge(name, e.classes.NormalizeType(row.DatapathType), row.UUID)
		b.Cfg = row
		if err := e.world.AddBridge(b); err != nil {
			e.warn.Warnw("skipping bridge", "bridge", name, "error", err)
			continue
		}
		e.log.Infow("created bridge", "bridge", name, "type", b.Type)
	}
}

func (e *Engine) collectVRFs(sys *store.System) {
	wanted := make(map[string]*store.VRF)
	if sys != nil {
		for _, id := range sys.VRFs {
			row := e.st.VRFs.Get(id)
			if row == nil {
				continue
			}
			if _, dup := wanted[row.Name]; dup {
				e.warn.Warnw("vrf specified twice", "vrf", row.Name)
				continue
			}
			wanted[row.Name] = row
		}
	}

	for name, v := range e.world.VRFs {
		if _, ok := wanted[name]; !ok {
			e.log.Infow("destroying vrf", "vrf", name)
			e.destroyVRF(v)
		}
	}

	for _, name := range sortedKeys(wanted) {
		row := wanted[name]
		if v := e.world.VRF(name); v != nil {
			v.Cfg = row
			v.Up.UUID = row.UUID
			continue
		}
		v := world.NewVRF(name, VRFDatapathType, row.UUID)
		v.Cfg = row
		if err := e.world.AddVRF(v); err != nil {
			e.warn.Warnw("skipping vrf", "vrf", name, "error", err)
			continue
		}
		e.log.Infow("created vrf", "vrf", name)
	}
}

// destroyBridge removes b from the model. Its datapath is queued and torn
// down after the port deletes of the running pass.
func (e *Engine) destroyBridge(b *world.Bridge) {
	e.releaseBridge(b)
	e.world.RemoveBridge(b)
}

func (e *Engine) destroyVRF(v *world.VRF) {
	e.releaseBridge(v.Up)
	e.l3.Forget(v.Name())
	e.world.RemoveVRF(v)
}

func (e *Engine) releaseBridge(b *world.Bridge) {
	for _, i := range b.Ifaces {
		if err := i.Netdev.Close(); err != nil {
			e.log.Debugw("closing netdev", "iface", i.Name, "error", err)
		}
	}
	if b.DP != nil {
		e.staleDPs = append(e.staleDPs, b.DP)
		b.DP = nil
	}
}

func (e *Engine) destroyStaleDatapaths() {
	for _, dp := range e.staleDPs {
		if err := dp.Destroy(); err != nil {
			e.log.Warnw("destroying datapath", "datapath", dp.Name(), "error", err)
		}
	}
	e.staleDPs = nil
}

// createDatapaths gives every bridge and VRF without a datapath one. An
// entity the provider refuses is dropped from the model and retried once
// its row changes again.
func (e *Engine) createDatapaths(sys *store.System) {
	for _, b := range e.bridges() {
		if b.DP != nil {
			continue
		}
		if !e.createDatapath(b, sys) {
			e.destroyBridge(b)
		}
	}
	for _, v := range e.vrfs() {
		if v.Up.DP != nil {
			continue
		}
		if !e.createDatapath(v.Up, sys) {
			e.destroyVRF(v)
		}
	}
}

func (e *Engine) createDatapath(b *world.Bridge, sys *store.System) bool {
	dp, err := e.classes.Create(b.Name, b.Type)
	if err != nil {
		e.log.Errorw("creating datapath", "name", b.Name, "type", b.Type, "error", err)
		return false
	}
	b.DP = dp
	b.EA = e.bridgeEA(b, sys)
	b.DefaultEA = b.EA
	e.newDPs[b] = true
	return true
}

// bridgeEA picks other_config:hwaddr, then the system MAC, then an address
// derived from the row UUID.
func (e *Engine) bridgeEA(b *world.Bridge, sys *store.System) net.HardwareAddr {
	if s := store.SmapGet(bridgeOtherConfig(b), keyHWAddr, ""); s != "" {
		if ea, err := net.ParseMAC(s); err == nil && len(ea) == 6 {
			return ea
		}
		e.warn.Warnw("invalid hwaddr", "bridge", b.Name, "hwaddr", s)
	}
	if sys != nil && sys.SystemMAC != "" {
		if ea, err := net.ParseMAC(sys.SystemMAC); err == nil && len(ea) == 6 {
			return ea
		}
	}
	return eaFromUUID(b.UUID)
}

func eaFromUUID(id uuid.UUID) net.HardwareAddr {
	ea := make(net.HardwareAddr, 6)
	copy(ea, id[:6])
	ea[0] = ea[0]&^0x01 | 0x02
	return ea
}

func bridgeOtherConfig(b *world.Bridge) map[string]string {
	if b.Cfg != nil {
		return b.Cfg.OtherConfig
	}
	if b.VRF != nil && b.VRF.Cfg != nil {
		return b.VRF.Cfg.OtherConfig
	}
	return nil
}

// bridgeChanged reports whether b needs its bridge-wide settings pushed.
func (e *Engine) bridgeChanged(b *world.Bridge) bool {
	if e.newDPs[b] {
		return true
	}
	if b.VRF != nil {
		return e.st.VRFs.IsModified(b.UUID, e.since)
	}
	return e.st.Bridges.IsModified(b.UUID, e.since)
}

// configureBridge pushes the datapath id and, for bridges, writes it back
// with the provider version.
func (e *Engine) configureBridge(b *world.Bridge) {
	if b.DP == nil || !e.bridgeChanged(b) {
		return
	}
	dpid := datapathID(b, e)
	b.DP.SetDatapathID(dpid)
	if b.VRF != nil {
		return
	}

	id, version := b.UUID, b.DP.DatapathVersion()
	hex := fmt.Sprintf("%016x", dpid)
	if b.Cfg.DatapathID == hex && b.Cfg.DatapathVersion == version {
		return
	}
	e.wb.Set("bridge-dpid/"+id.String(), func(txn *store.Txn) {
		e.st.Bridges.UpdateIfExists(txn, id, func(r *store.Bridge) {
			r.DatapathID = hex
			r.DatapathVersion = version
		})
	})
}

func datapathID(b *world.Bridge, e *Engine) uint64 {
	if s := store.SmapGet(bridgeOtherConfig(b), keyDatapathID, ""); s != "" {
		if n, err := strconv.ParseUint(s, 16, 64); err == nil && len(s) == 16 {
			return n
		}
		e.warn.Warnw("invalid datapath-id", "bridge", b.Name, "datapath_id", s)
	}
	var n uint64
	for _, octet := range b.EA {
		n = n<<8 | uint64(octet)
	}
	return n
}

// ─── Root row ───────────────────────────────────────────────────────────────

// reconfigureSystem pushes the system-wide QoS maps and profiles when the
// root row changed.
func (e *Engine) reconfigureSystem(sys *store.System) {
	if sys == nil || !e.st.System.IsModified(sys.UUID, e.since) {
		return
	}

	if p := e.asicPlugin(); p != nil {
		if len(sys.QoSCOSMap) > 0 {
			e.qosResult("cos map", p.SetCOSMap(nil, "", cosMap(sys.QoSCOSMap)))
		}
		if len(sys.QoSDSCPMap) > 0 {
			e.qosResult("dscp map", p.SetDSCPMap(nil, "", dscpMap(sys.QoSDSCPMap)))
		}
	}
	if p := e.qosPlugin(); p != nil && (len(sys.ScheduleProfile) > 0 || len(sys.QueueProfile) > 0) {
		e.qosResult("qos profile", p.ApplyQoSProfile(nil, "", scheduleProfile(sys.ScheduleProfile), queueProfile(sys.QueueProfile)))
	}
}

func (e *Engine) qosResult(what string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, asic.ErrNotSupported):
		e.log.Debugw("qos not supported by provider", "what", what)
	default:
		e.log.Warnw("applying qos", "what", what, "error", err)
	}
}

func cosMap(rows []store.QoSMapEntry) []asic.COSMapEntry {
	out := make([]asic.COSMapEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, asic.COSMapEntry{CodePoint: r.Code, Color: asic.ParseColor(r.Color), LocalPriority: r.LocalPriority})
	}
	return out
}

func dscpMap(rows []store.QoSMapEntry) []asic.DSCPMapEntry {
	out := make([]asic.DSCPMapEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, asic.DSCPMapEntry{
			CodePoint:     r.Code,
			Color:         asic.ParseColor(r.Color),
			LocalPriority: r.LocalPriority,
			COS:           r.COS,
		})
	}
	return out
}

func scheduleProfile(rows []store.ScheduleProfileEntry) []asic.ScheduleProfileEntry {
	out := make([]asic.ScheduleProfileEntry, 0, len(rows))
	for _, r := range rows {
		alg := asic.ScheduleStrict
		if r.Algorithm == "dwrr" {
			alg = asic.ScheduleDWRR
		}
		out = append(out, asic.ScheduleProfileEntry{Queue: r.Queue, Algorithm: alg, Weight: r.Weight})
	}
	return out
}

func queueProfile(rows []store.QueueProfileEntry) []asic.QueueProfileEntry {
	out := make([]asic.QueueProfileEntry, 0, len(rows))
	for _, r := range rows {
		mode := asic.QueueProfileDefault
		switch r.Mode {
		case "lossless":
			mode = asic.QueueProfileLossless
		case "low-latency":
			mode = asic.QueueProfileLowLatency
		}
		out = append(out, asic.QueueProfileEntry{
			Queue:           r.Queue,
			LocalPriorities: append([]int(nil), r.LocalPriorities...),
			Mode:            mode,
		})
	}
	return out
}
