package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// Status values written back for VLANs and mirrors.
const (
	vlanAdminDown   = "down"
	vlanOperUp      = "up"
	vlanOperDown    = "down"
	vlanReasonOK    = "ok"
	vlanReasonAdmin = "admin_down"

	mirrorOperState     = "operation_state"
	mirrorActive        = "active"
	mirrorShutdown      = "shutdown"
	mirrorExternalError = "external-error"
	mirrorInternalError = "internal-error"
	mirrorUnknownError  = "unknown-error"
)

// ─── VLANs ──────────────────────────────────────────────────────────────────

// configureVLANs adds, removes and enables bridge VLANs. A VLAN is enabled
// unless its admin column is "down".
func (e *Engine) configureVLANs(b *world.Bridge) {
	if b.DP == nil || b.Cfg == nil {
		return
	}

	wanted := make(map[int]*store.VLAN)
	for _, id := range b.Cfg.VLANs {
		row := e.st.VLANs.Get(id)
		if row == nil {
			continue
		}
		if row.ID < 1 || row.ID > 4094 {
			e.warn.Warnw("vlan id out of range", "bridge", b.Name, "vlan", row.Name, "id", row.ID)
			continue
		}
		if _, dup := wanted[row.ID]; dup {
			e.warn.Warnw("vlan specified twice", "bridge", b.Name, "id", row.ID)
			continue
		}
		wanted[row.ID] = row
	}

	for vid, v := range b.VLANs {
		if _, keep := wanted[vid]; keep {
			continue
		}
		if v.Enabled {
			e.vlanSet(b, vid, false)
		}
		delete(b.VLANs, vid)
	}

	vids := make([]int, 0, len(wanted))
	for vid := range wanted {
		vids = append(vids, vid)
	}
	sort.Ints(vids)

	for _, vid := range vids {
		row := wanted[vid]
		enabled := row.Admin != vlanAdminDown
		v := b.VLANs[vid]
		switch {
		case v == nil:
			v = &world.VLAN{ID: vid, Bridge: b}
			b.VLANs[vid] = v
			if enabled && !e.vlanSet(b, vid, true) {
				enabled = false
			}
			v.Enabled = enabled
		case v.Enabled != enabled:
			if e.vlanSet(b, vid, enabled) {
				v.Enabled = enabled
			}
		}
		v.Name, v.UUID, v.Cfg = row.Name, row.UUID, row

		oper, reason := vlanOperUp, vlanReasonOK
		if !v.Enabled {
			oper, reason = vlanOperDown, vlanReasonAdmin
		}
		if row.OperState != oper || row.OperStateReason != reason {
			id := row.UUID
			e.wb.Set("vlan-state/"+id.String(), func(txn *store.Txn) {
				e.st.VLANs.UpdateIfExists(txn, id, func(r *store.VLAN) {
					r.OperState = oper
					r.OperStateReason = reason
				})
			})
		}
	}
}

func (e *Engine) vlanSet(b *world.Bridge, vid int, add bool) bool {
	if err := b.DP.VLANSet(vid, add); err != nil {
		e.log.Warnw("setting vlan", "bridge", b.Name, "vlan", vid, "add", add, "error", err)
		return false
	}
	return true
}

// ─── Mirrors ────────────────────────────────────────────────────────────────

// configureMirrors keeps the provider's mirror sessions in step with the
// bridge's mirror rows and reports each session's state.
func (e *Engine) configureMirrors(b *world.Bridge) {
	if b.DP == nil || b.Cfg == nil {
		return
	}

	wanted := make(map[uuid.UUID]*store.Mirror)
	var order []*store.Mirror
	for _, id := range b.Cfg.Mirrors {
		row := e.st.Mirrors.Get(id)
		if row == nil || wanted[id] != nil {
			continue
		}
		wanted[id] = row
		order = append(order, row)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Name < order[j].Name })

	for id, m := range b.Mirrors {
		if _, keep := wanted[id]; !keep {
			e.log.Infow("deleting mirror", "bridge", b.Name, "mirror", m.Name)
			e.mirrorDestroy(b, m)
		}
	}

	for _, row := range order {
		m := b.Mirrors[row.UUID]
		if !store.BoolDefault(row.Active, false) {
			if m != nil {
				e.mirrorDestroy(b, m)
			}
			e.mirrorStatus(row, mirrorShutdown)
			continue
		}
		if m != nil && !e.st.Mirrors.IsModified(row.UUID, e.since) {
			m.Cfg = row
			continue
		}

		s, err := e.mirrorSettings(row)
		if err == nil {
			err = b.DP.MirrorRegister(row.UUID, s)
		}
		if err != nil {
			e.warn.Warnw("configuring mirror", "bridge", b.Name, "mirror", row.Name, "error", err)
			if m != nil {
				e.mirrorDestroy(b, m)
			}
			e.mirrorStatus(row, mirrorErrorState(err))
			continue
		}

		if m == nil {
			m = &world.Mirror{UUID: row.UUID, Bridge: b}
			b.Mirrors[row.UUID] = m
		}
		m.Name, m.Cfg = row.Name, row
		e.mirrorStatus(row, mirrorActive)
	}
}

func (e *Engine) mirrorDestroy(b *world.Bridge, m *world.Mirror) {
	if err := b.DP.MirrorUnregister(m.UUID); err != nil && !errors.Is(err, asic.ErrNotFound) {
		e.log.Warnw("unregistering mirror", "bridge", b.Name, "mirror", m.Name, "error", err)
	}
	delete(b.Mirrors, m.UUID)
}

func mirrorErrorState(err error) string {
	switch {
	case errors.Is(err, asic.ErrMirrorExternal):
		return mirrorExternalError
	case errors.Is(err, asic.ErrMirrorInternal):
		return mirrorInternalError
	default:
		return mirrorUnknownError
	}
}

func (e *Engine) mirrorStatus(row *store.Mirror, state string) {
	if row.MirrorStatus[mirrorOperState] == state {
		return
	}
	id := row.UUID
	e.wb.Set("mirror-status/"+id.String(), func(txn *store.Txn) {
		e.st.Mirrors.UpdateIfExists(txn, id, func(r *store.Mirror) {
			if r.MirrorStatus == nil {
				r.MirrorStatus = make(map[string]string)
			}
			r.MirrorStatus[mirrorOperState] = state
		})
	})
}

// mirrorSettings resolves the row's port references to bundle names. Ports
// may live on any bridge or VRF. Configuration problems are reported as
// asic.ErrMirrorExternal.
func (e *Engine) mirrorSettings(row *store.Mirror) (*asic.MirrorSettings, error) {
	s := &asic.MirrorSettings{Name: row.Name, OutVLAN: -1}

	switch {
	case row.OutputPort != nil && row.OutputVLAN != nil:
		return nil, fmt.Errorf("output port and output vlan are both set: %w", asic.ErrMirrorExternal)
	case row.OutputPort != nil:
		name, ok := e.resolvePort(*row.OutputPort)
		if !ok {
			return nil, fmt.Errorf("output port does not resolve: %w", asic.ErrMirrorExternal)
		}
		s.OutPort = name
	case row.OutputVLAN != nil:
		s.OutVLAN = *row.OutputVLAN
	default:
		return nil, fmt.Errorf("no output: %w", asic.ErrMirrorExternal)
	}

	resolve := func(ids []uuid.UUID) []string {
		var out []string
		for _, id := range ids {
			if name, ok := e.resolvePort(id); ok {
				out = append(out, name)
			} else {
				e.warn.Warnw("mirror source port does not resolve", "mirror", row.Name, "port", id)
			}
		}
		sort.Strings(out)
		return out
	}
	s.SrcPorts = resolve(row.SelectSrcPort)
	s.DstPorts = resolve(row.SelectDstPort)
	if len(s.SrcPorts) == 0 && len(s.DstPorts) == 0 {
		return nil, fmt.Errorf("no source ports: %w", asic.ErrMirrorExternal)
	}
	return s, nil
}

func (e *Engine) resolvePort(id uuid.UUID) (string, bool) {
	row := e.st.Ports.Get(id)
	if row == nil || e.world.FindPort(row.Name) == nil {
		return "", false
	}
	return row.Name, true
}

// ─── Bridge features ────────────────────────────────────────────────────────

// configureFeatures pushes MAC aging, sFlow, controllers and the datapath
// description when the bridge or a row it references changed.
func (e *Engine) configureFeatures(b *world.Bridge) {
	if b.DP == nil || b.Cfg == nil {
		return
	}
	changed := e.bridgeChanged(b)

	if changed {
		aging := store.SmapGetInt(b.Cfg.OtherConfig, keyMACAging, defaultMACAging)
		e.featureResult(b, "mac aging", b.DP.SetMACAgingTime(aging))
		b.DP.SetDPDesc(store.SmapGet(b.Cfg.OtherConfig, keyDPDesc, ""))
	}

	if changed || (b.Cfg.SFlow != nil && e.st.SFlows.IsModified(*b.Cfg.SFlow, e.since)) {
		e.featureResult(b, "sflow", b.DP.SetSFlow(e.sflowOptions(b.Cfg)))
	}

	ctlChanged := changed
	var targets []string
	for _, id := range b.Cfg.Controllers {
		row := e.st.Controllers.Get(id)
		if row == nil {
			continue
		}
		targets = append(targets, row.Target)
		if e.st.Controllers.IsModified(id, e.since) {
			ctlChanged = true
		}
	}
	if ctlChanged {
		sort.Strings(targets)
		b.DP.SetControllers(targets)
	}
}

func (e *Engine) sflowOptions(cfg *store.Bridge) *asic.SFlowOptions {
	if cfg.SFlow == nil {
		return nil
	}
	row := e.st.SFlows.Get(*cfg.SFlow)
	if row == nil || len(row.Targets) == 0 {
		return nil
	}
	return &asic.SFlowOptions{
		Targets:    append([]string(nil), row.Targets...),
		Sampling:   row.Sampling,
		Polling:    row.Polling,
		HeaderSize: row.HeaderSize,
		Agent:      row.Agent,
	}
}

func (e *Engine) featureResult(b *world.Bridge, what string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, asic.ErrNotSupported):
		e.log.Debugw("feature not supported by provider", "bridge", b.Name, "feature", what)
	default:
		e.log.Warnw("configuring bridge feature", "bridge", b.Name, "feature", what, "error", err)
	}
}
