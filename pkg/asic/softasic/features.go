package softasic

import (
	"fmt"
	"strconv"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/extension"
)

// qosState is the QoS programming of the whole ASIC.
type qosState struct {
	ports    map[string]asic.QoSPortSettings
	cosMap   []asic.COSMapEntry
	dscpMap  []asic.DSCPMapEntry
	sched    []asic.ScheduleProfileEntry
	queues   []asic.QueueProfileEntry
	profiles int
}

func dpName(dp asic.Datapath) string {
	if dp == nil {
		return ""
	}
	return dp.Name()
}

// ─── QoS ────────────────────────────────────────────────────────────────────

func (a *ASIC) SetPortQoSCfg(dp asic.Datapath, aux string, s *asic.QoSPortSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("set-port-qos")
	if err == nil {
		if a.qos.ports == nil {
			a.qos.ports = make(map[string]asic.QoSPortSettings)
		}
		a.qos.ports[aux] = *s
	}
	a.recordLocked(Call{Op: "set-port-qos", Datapath: dpName(dp), Aux: aux, Args: *s, Err: err})
	return err
}

func (a *ASIC) SetCOSMap(dp asic.Datapath, aux string, entries []asic.COSMapEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("set-cos-map")
	cp := append([]asic.COSMapEntry(nil), entries...)
	if err == nil {
		a.qos.cosMap = cp
	}
	a.recordLocked(Call{Op: "set-cos-map", Datapath: dpName(dp), Aux: aux, Args: cp, Err: err})
	return err
}

func (a *ASIC) SetDSCPMap(dp asic.Datapath, aux string, entries []asic.DSCPMapEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("set-dscp-map")
	cp := append([]asic.DSCPMapEntry(nil), entries...)
	if err == nil {
		a.qos.dscpMap = cp
	}
	a.recordLocked(Call{Op: "set-dscp-map", Datapath: dpName(dp), Aux: aux, Args: cp, Err: err})
	return err
}

func (a *ASIC) ApplyQoSProfile(dp asic.Datapath, aux string, sched []asic.ScheduleProfileEntry, queues []asic.QueueProfileEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("apply-qos-profile")
	if err == nil {
		a.qos.sched = append([]asic.ScheduleProfileEntry(nil), sched...)
		a.qos.queues = append([]asic.QueueProfileEntry(nil), queues...)
		a.qos.profiles++
	}
	a.recordLocked(Call{Op: "apply-qos-profile", Datapath: dpName(dp), Aux: aux, Args: len(queues), Err: err})
	return err
}

// PortQoS returns the QoS settings last pushed for aux.
func (a *ASIC) PortQoS(aux string) (asic.QoSPortSettings, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.qos.ports[aux]
	return s, ok
}

// ─── MAC learning ───────────────────────────────────────────────────────────

// Learn queues learning records and signals the MAC-learning consumer. The
// records also update the datapath's MAC table: adds and moves install a
// dynamic entry, deletes remove it. It may be called from any goroutine.
func (a *ASIC) Learn(bridge string, recs ...asic.MACLearnRecord) {
	a.mu.Lock()
	if dp := a.dps[bridge]; dp != nil {
		for _, r := range recs {
			k := l2Key{mac: r.MAC, vlan: r.VLAN}
			switch r.Op {
			case asic.MACLearnAdd, asic.MACLearnMove:
				dp.l2[k] = L2Entry{MAC: r.MAC, VLAN: r.VLAN, Port: r.PortName, Dynamic: true}
			case asic.MACLearnDel:
				delete(dp.l2, k)
			}
		}
	}
	a.learning = append(a.learning, recs...)
	trig := a.triggerLocked()
	a.mu.Unlock()

	if trig != nil {
		trig.Trigger()
	}
}

func (a *ASIC) triggerLocked() asic.MACLearningTrigger {
	if a.trigger != nil || a.host == nil || a.host.Extensions == nil {
		return a.trigger
	}
	t, err := extension.Lookup[asic.MACLearningTrigger](a.host.Extensions,
		asic.MACLearningPluginName, asic.MACLearningPluginMajor, asic.MACLearningPluginMinor)
	if err != nil {
		return nil
	}
	a.trigger = t
	return t
}

func (a *ASIC) MACLearningDrain() ([]asic.MACLearnRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injectedLocked("mac-learning-drain"); err != nil {
		return nil, err
	}
	n := len(a.learning)
	if n > asic.MACLearningBufferSize {
		n = asic.MACLearningBufferSize
	}
	out := append([]asic.MACLearnRecord(nil), a.learning[:n]...)
	a.learning = a.learning[n:]
	return out, nil
}

// PendingLearning returns the number of undrained records.
func (a *ASIC) PendingLearning() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.learning)
}

func (a *ASIC) UpdateL2MACTable(dp asic.Datapath, updates []asic.MACTableUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("update-l2-mac-table")
	d := a.dps[dpName(dp)]
	if err == nil && d == nil {
		err = fmt.Errorf("datapath %s: %w", dpName(dp), asic.ErrNotFound)
	}
	if err == nil {
		for _, u := range updates {
			k := l2Key{mac: u.MAC, vlan: u.VLAN}
			switch u.Action {
			case asic.MACTableAdd, asic.MACTableModify:
				d.l2[k] = L2Entry{MAC: u.MAC, VLAN: u.VLAN, Port: u.PortName}
			case asic.MACTableDelete:
				delete(d.l2, k)
			}
		}
	}
	a.recordLocked(Call{Op: "update-l2-mac-table", Datapath: dpName(dp),
		Args: append([]asic.MACTableUpdate(nil), updates...), Err: err})
	return err
}

// ─── Logical switches and VXLAN ─────────────────────────────────────────────

func (a *ASIC) SetLogicalSwitch(dp asic.Datapath, aux string, action asic.LSwitchAction, node *asic.LogicalSwitchNode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.injectedLocked("set-logical-switch")
	d := a.dps[dpName(dp)]
	if err == nil && d == nil {
		err = fmt.Errorf("datapath %s: %w", dpName(dp), asic.ErrNotFound)
	}
	if err == nil {
		_, have := d.lswitches[node.TunnelKey]
		switch action {
		case asic.LSwitchAdd:
			if have {
				err = fmt.Errorf("logical switch %d exists: %w", node.TunnelKey, asic.ErrInvalid)
			} else {
				d.lswitches[node.TunnelKey] = *node
			}
		case asic.LSwitchMod:
			if !have {
				err = fmt.Errorf("logical switch %d: %w", node.TunnelKey, asic.ErrNotFound)
			} else {
				d.lswitches[node.TunnelKey] = *node
			}
		case asic.LSwitchDel:
			if !have {
				err = fmt.Errorf("logical switch %d: %w", node.TunnelKey, asic.ErrNotFound)
			}
			delete(d.lswitches, node.TunnelKey)
		default:
			err = fmt.Errorf("logical switch action %s: %w", action, asic.ErrInvalid)
		}
	}
	a.recordLocked(Call{Op: "set-logical-switch", Datapath: dpName(dp), Aux: action.String(), Args: *node, Err: err})
	return err
}

func (a *ASIC) VportBindAllPortsOnVLAN(vni, vlan int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vni[vni] == nil {
		a.vni[vni] = make(map[int]bool)
	}
	a.vni[vni][vlan] = true
	a.recordLocked(Call{Op: "vport-bind-all", Aux: strconv.Itoa(vni), Args: vlan})
	return nil
}

func (a *ASIC) VportUnbindAllPortsOnVLAN(vni, vlan int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.vni[vni][vlan] {
		return fmt.Errorf("vni %d vlan %d: %w", vni, vlan, asic.ErrNotFound)
	}
	delete(a.vni[vni], vlan)
	a.recordLocked(Call{Op: "vport-unbind-all", Aux: strconv.Itoa(vni), Args: vlan})
	return nil
}

func portVLANKey(vlan int, port string) string { return strconv.Itoa(vlan) + "/" + port }

func (a *ASIC) VportBindPortOnVLAN(vni, vlan int, port string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vniP[vni] == nil {
		a.vniP[vni] = make(map[string]bool)
	}
	a.vniP[vni][portVLANKey(vlan, port)] = true
	a.recordLocked(Call{Op: "vport-bind-port", Aux: strconv.Itoa(vni), Args: portVLANKey(vlan, port)})
	return nil
}

func (a *ASIC) VportUnbindPortOnVLAN(vni, vlan int, port string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.vniP[vni], portVLANKey(vlan, port))
	a.recordLocked(Call{Op: "vport-unbind-port", Aux: strconv.Itoa(vni), Args: portVLANKey(vlan, port)})
	return nil
}

// VNIBound reports whether vni is bound to vlan on all ports.
func (a *ASIC) VNIBound(vni, vlan int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vni[vni][vlan]
}

// ─── CoPP ───────────────────────────────────────────────────────────────────

func (a *ASIC) StatsGet(_ int, class asic.CoPPClass) (asic.CoPPStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if class < 0 || class >= asic.CoPPNumClasses {
		return asic.CoPPStats{}, fmt.Errorf("copp class %d: %w", int(class), asic.ErrInvalid)
	}
	if a.coppUnsupported[class] {
		return asic.CoPPStats{}, asic.ErrNotSupported
	}
	return a.copp[class], nil
}

func (a *ASIC) HWStatusGet(_ int, class asic.CoPPClass) (asic.CoPPHWStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if class < 0 || class >= asic.CoPPNumClasses {
		return asic.CoPPHWStatus{}, fmt.Errorf("copp class %d: %w", int(class), asic.ErrInvalid)
	}
	if a.coppUnsupported[class] {
		return asic.CoPPHWStatus{}, asic.ErrNotSupported
	}
	// Every class is policed at a flat 1000 pps with priority by class.
	return asic.CoPPHWStatus{Rate: 1000, Burst: 1000, LocalPriority: uint64(class) % 8}, nil
}

// SetCoPPStats sets the counters reported for class.
func (a *ASIC) SetCoPPStats(class asic.CoPPClass, st asic.CoPPStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.copp[class] = st
}

// SetCoPPUnsupported marks class as not policed.
func (a *ASIC) SetCoPPUnsupported(class asic.CoPPClass) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.coppUnsupported[class] = true
}

// ─── Buffer monitoring ──────────────────────────────────────────────────────

func bufmonKey(unit int, name string) string { return strconv.Itoa(unit) + "/" + name }

func (a *ASIC) SystemConfig(cfg *asic.BufmonSystemConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufmonCfg = *cfg
}

func (a *ASIC) CounterConfig(c *asic.BufmonCounter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufmonCounter[bufmonKey(c.HWUnitID, c.Name)] = *c
}

// CounterStats reports the values set with SetBufmonValue. In peak mode
// the reported value is cleared after each read.
func (a *ASIC) CounterStats(counters []asic.BufmonCounter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range counters {
		k := bufmonKey(counters[i].HWUnitID, counters[i].Name)
		counters[i].Value = a.bufmonValues[k]
		if a.bufmonCfg.CountersMode == asic.ModePeak {
			a.bufmonValues[k] = 0
		}
	}
}

func (a *ASIC) TriggerRegister(enable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufmonTrigger = enable
}

// BufmonConfig returns the last system configuration pushed.
func (a *ASIC) BufmonConfig() asic.BufmonSystemConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufmonCfg
}

// BufmonTriggerEnabled reports whether threshold notifications are on.
func (a *ASIC) BufmonTriggerEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufmonTrigger
}

// SetBufmonValue sets a counter's occupancy. When threshold notifications
// are on and the value crosses the counter's threshold the buffer-monitor
// trigger sequence changes.
func (a *ASIC) SetBufmonValue(unit int, name string, v int64) {
	a.mu.Lock()
	k := bufmonKey(unit, name)
	a.bufmonValues[k] = v
	c, ok := a.bufmonCounter[k]
	fire := ok && a.bufmonTrigger && c.Enabled && c.TriggerThreshold > 0 && v >= c.TriggerThreshold
	host := a.host
	a.mu.Unlock()

	if fire && host != nil && host.Classes != nil {
		host.Classes.BufmonTrigger().Change()
	}
}
