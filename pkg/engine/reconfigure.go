package engine

import (
	"sort"

	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Reconfigure runs one pass of the pipeline over everything that changed
// since the previous pass. Deletes always complete before creates, so a
// renamed interface frees its forwarding port number before the new name
// claims one.
func (e *Engine) Reconfigure() {
	cur := e.st.Seqno()
	since := e.seqno
	if e.reconfAll {
		since = 0
	}
	e.since = since
	e.configured = make(map[*world.Port]bool)
	e.touched = make(map[*world.Port]bool)
	e.newDPs = make(map[*world.Bridge]bool)

	sys := e.st.System.First()
	e.log.Debugw("reconfigure", "since", since, "seqno", cur)

	// 1. Global knobs.
	e.reconfigureSystem(sys)

	// 2, 3. Bridge and VRF diffs.
	e.collectBridges(sys)
	e.collectVRFs(sys)

	// 4.
	e.buses.Reconfigure.Execute(blocks.InitReconfigure, e.params())

	// 5, 6. Port deletes.
	e.collectPorts()
	for _, b := range e.bridges() {
		e.buses.Reconfigure.Execute(blocks.BrDeletePorts, e.bridgeParams(b))
		e.deletePorts(b)
	}
	for _, v := range e.vrfs() {
		e.buses.Reconfigure.Execute(blocks.VRFDeletePorts, e.vrfParams(v))
		e.deletePorts(v.Up)
	}

	// 7.
	e.destroyStaleDatapaths()

	// 8, 9. Surviving ports.
	for _, b := range e.bridges() {
		if b.DP == nil {
			continue
		}
		e.reconfigurePorts(b)
		e.buses.Reconfigure.Execute(blocks.BrReconfigurePorts, e.bridgeParams(b))
	}
	for _, v := range e.vrfs() {
		if v.Up.DP == nil {
			continue
		}
		e.reconfigurePorts(v.Up)
		e.buses.Reconfigure.Execute(blocks.VRFReconfigurePorts, e.vrfParams(v))
	}

	// 10.
	e.createDatapaths(sys)

	// 11, 12. Port adds.
	for _, b := range e.bridges() {
		e.addPorts(b)
		e.buses.Reconfigure.Execute(blocks.BrAddPorts, e.bridgeParams(b))
	}
	for _, v := range e.vrfs() {
		e.addPorts(v.Up)
		e.buses.Reconfigure.Execute(blocks.VRFAddPorts, e.vrfParams(v))
	}

	// 13. Bridge settings and features.
	for _, b := range e.bridges() {
		e.configureBridge(b)
		e.configurePorts(b, blocks.BrPortUpdate)
		e.configureVLANs(b)
		e.configureMirrors(b)
		e.configureFeatures(b)
		e.buses.Reconfigure.Execute(blocks.BrFeatureReconfig, e.bridgeParams(b))
	}

	// 14. VRF ports and L3.
	for _, v := range e.vrfs() {
		e.configureBridge(v.Up)
		if e.configurePorts(v.Up, blocks.VRFPortUpdate) {
			e.l3.AddNeighbors(v)
			e.buses.Reconfigure.Execute(blocks.VRFAddNeighbors, e.vrfParams(v))
		}
		// A datapath created this pass has none of the existing L3 rows yet.
		l3since := since
		if e.newDPs[v.Up] {
			l3since = 0
		}
		e.l3.Reconfigure(v, l3since)
		e.buses.Reconfigure.Execute(blocks.ReconfigureNeighbors, e.vrfParams(v))
	}

	// 15.
	e.runDatapaths()

	if sys != nil && sys.CurCfg != sys.NextCfg {
		id, next := sys.UUID, sys.NextCfg
		e.wb.Set("cur-cfg", func(txn *store.Txn) {
			e.st.System.UpdateIfExists(txn, id, func(s *store.System) { s.CurCfg = next })
		})
	}

	e.seqno = cur
	e.reconfAll = false
}

func (e *Engine) params() *blocks.ReconfigureParams {
	return &blocks.ReconfigureParams{Store: e.st, Seqno: e.since, World: e.world}
}

func (e *Engine) bridgeParams(b *world.Bridge) *blocks.ReconfigureParams {
	p := e.params()
	p.Bridge = b
	p.Datapath = b.DP
	return p
}

func (e *Engine) vrfParams(v *world.VRF) *blocks.ReconfigureParams {
	p := e.params()
	p.VRF = v
	p.Datapath = v.Up.DP
	return p
}

// bridges returns the bridges sorted by name so passes are reproducible.
func (e *Engine) bridges() []*world.Bridge {
	out := make([]*world.Bridge, 0, len(e.world.Bridges))
	for _, b := range e.world.Bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) vrfs() []*world.VRF {
	out := make([]*world.VRF, 0, len(e.world.VRFs))
	for _, v := range e.world.VRFs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (e *Engine) runDatapaths() {
	for _, b := range e.bridges() {
		if b.DP == nil {
			continue
		}
		if err := b.DP.Run(); err != nil {
			e.log.Warnw("datapath run", "bridge", b.Name, "error", err)
		}
	}
	for _, v := range e.vrfs() {
		if v.Up.DP == nil {
			continue
		}
		if err := v.Up.DP.Run(); err != nil {
			e.log.Warnw("datapath run", "vrf", v.Name(), "error", err)
		}
	}
}
