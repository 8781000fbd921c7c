package asic

import "fmt"

// Extension names and the versions this build exports and requests.
const (
	ASICPluginName  = "ASIC_PLUGIN"
	ASICPluginMajor = 1
	ASICPluginMinor = 1

	LSwitchPluginName  = "LSWITCH_ASIC_PLUGIN"
	LSwitchPluginMajor = 1
	LSwitchPluginMinor = 1

	CoPPPluginName  = "COPP_ASIC_PLUGIN"
	CoPPPluginMajor = 1
	CoPPPluginMinor = 1

	QoSPluginName  = "QOS_ASIC_PLUGIN"
	QoSPluginMajor = 1
	QoSPluginMinor = 1

	VXLANPluginName  = "VXLAN_ASIC_PLUGIN"
	VXLANPluginMajor = 1
	VXLANPluginMinor = 1

	MACLearningPluginName  = "MAC_LEARNING_PLUGIN"
	MACLearningPluginMajor = 1
	MACLearningPluginMinor = 0
)

// ─── QoS ────────────────────────────────────────────────────────────────────

// QoSTrust is the field a port trusts for classification.
type QoSTrust int

const (
	QoSTrustNone QoSTrust = iota
	QoSTrustCOS
	QoSTrustDSCP
)

// ParseQoSTrust maps a qos_trust value. ok is false for unknown values.
func ParseQoSTrust(s string) (QoSTrust, bool) {
	switch s {
	case "none":
		return QoSTrustNone, true
	case "cos":
		return QoSTrustCOS, true
	case "dscp":
		return QoSTrustDSCP, true
	}
	return QoSTrustNone, false
}

// QoSPortSettings are the per-port QoS knobs.
type QoSPortSettings struct {
	Trust              QoSTrust
	COSOverrideEnable  bool
	COSOverride        int
	DSCPOverrideEnable bool
	DSCPOverride       int
	OtherConfig        map[string]string
}

// Color is the drop precedence of a map entry.
type Color int

const (
	ColorGreen Color = iota
	ColorYellow
	ColorRed
)

// ParseColor maps a color value, defaulting to green.
func ParseColor(s string) Color {
	switch s {
	case "yellow":
		return ColorYellow
	case "red":
		return ColorRed
	default:
		return ColorGreen
	}
}

// COSMapEntry maps one 802.1p code point.
type COSMapEntry struct {
	CodePoint     int
	Color         Color
	LocalPriority int
}

// DSCPMapEntry maps one DSCP code point.
type DSCPMapEntry struct {
	CodePoint     int
	Color         Color
	LocalPriority int
	COS           int
}

// QueueProfileMode selects queue behaviour.
type QueueProfileMode int

const (
	QueueProfileDefault QueueProfileMode = iota
	QueueProfileLossless
	QueueProfileLowLatency
)

// QueueProfileEntry assigns local priorities to one queue.
type QueueProfileEntry struct {
	Queue           int
	LocalPriorities []int
	Mode            QueueProfileMode
}

// ScheduleAlgorithm is how one queue is serviced.
type ScheduleAlgorithm int

const (
	ScheduleStrict ScheduleAlgorithm = iota
	ScheduleDWRR
)

// ScheduleProfileEntry sets the algorithm for one queue.
type ScheduleProfileEntry struct {
	Queue     int
	Algorithm ScheduleAlgorithm
	Weight    int
}

// QoSMapper programs trust settings and code point maps. aux names the
// bundle, or is empty for system-wide settings.
type QoSMapper interface {
	SetPortQoSCfg(dp Datapath, aux string, s *QoSPortSettings) error
	SetCOSMap(dp Datapath, aux string, entries []COSMapEntry) error
	SetDSCPMap(dp Datapath, aux string, entries []DSCPMapEntry) error
}

// ─── ASIC_PLUGIN ────────────────────────────────────────────────────────────

// MACEvent is the kind of one learning record.
type MACEvent int

const (
	MACLearnAdd MACEvent = iota + 1
	MACLearnDel
	MACLearnMove
)

func (e MACEvent) String() string {
	switch e {
	case MACLearnAdd:
		return "add"
	case MACLearnDel:
		return "del"
	case MACLearnMove:
		return "move"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// MACLearningBufferSize bounds one drain of the learning buffer.
const MACLearningBufferSize = 16384

// MACLearnRecord is one entry of the learning buffer.
type MACLearnRecord struct {
	Op       MACEvent
	VLAN     int
	PortName string
	MAC      string
	HWUnit   int
}

// MACTableAction is how a store MAC row changed.
type MACTableAction int

const (
	MACTableAdd MACTableAction = iota + 1
	MACTableDelete
	MACTableModify
)

// MACTableUpdate pushes one store MAC change down to the ASIC.
type MACTableUpdate struct {
	Action   MACTableAction
	MAC      string
	VLAN     int
	PortName string
}

// ASICPlugin is the unique per-ASIC extension.
type ASICPlugin interface {
	QoSMapper

	// MACLearningDrain returns and clears up to MACLearningBufferSize
	// pending learning records.
	MACLearningDrain() ([]MACLearnRecord, error)
	// UpdateL2MACTable reflects configured MAC rows into the ASIC.
	UpdateL2MACTable(dp Datapath, updates []MACTableUpdate) error
}

// ─── LSWITCH_ASIC_PLUGIN ────────────────────────────────────────────────────

// LSwitchAction is the change set_logical_switch applies.
type LSwitchAction int

const (
	LSwitchUndef LSwitchAction = iota
	LSwitchAdd
	LSwitchDel
	LSwitchMod
)

func (a LSwitchAction) String() string {
	switch a {
	case LSwitchAdd:
		return "add"
	case LSwitchDel:
		return "del"
	case LSwitchMod:
		return "mod"
	default:
		return "undef"
	}
}

// LSwitchType is the overlay a logical switch uses.
type LSwitchType int

const (
	LSwitchTypeUndef LSwitchType = iota
	LSwitchTypeVXLAN
)

// LogicalSwitchNode describes a logical switch to the ASIC.
type LogicalSwitchNode struct {
	Name        string
	Description string
	TunnelKey   int64
	Type        LSwitchType
}

// LSwitchPlugin programs logical switches. aux is the bridge name.
type LSwitchPlugin interface {
	SetLogicalSwitch(dp Datapath, aux string, action LSwitchAction, node *LogicalSwitchNode) error
}

// ─── COPP_ASIC_PLUGIN ───────────────────────────────────────────────────────

// CoPPClass is a control-plane protocol class.
type CoPPClass int

const (
	CoPPACLLogging CoPPClass = iota
	CoPPARPBroadcast
	CoPPARPMyUnicast
	CoPPARPSnoop
	CoPPBGP
	CoPPDefaultUnknown
	CoPPDHCPv4
	CoPPDHCPv6
	CoPPICMPv4MultiDest
	CoPPICMPv4Unicast
	CoPPICMPv6Multicast
	CoPPICMPv6Unicast
	CoPPLACP
	CoPPLLDP
	CoPPOSPFv2Multicast
	CoPPOSPFv2Unicast
	CoPPsFlowSamples
	CoPPSTPBPDU
	CoPPBFD
	CoPPUnknownIPUnicast
	CoPPIPv4Options
	CoPPIPv6Options

	CoPPNumClasses
)

var coppClassNames = [CoPPNumClasses]string{
	"acl-logging",
	"arp-broadcast",
	"arp-my-unicast",
	"arp-snoop",
	"bgp",
	"default-unknown",
	"dhcpv4",
	"dhcpv6",
	"icmpv4-multidest",
	"icmpv4-unicast",
	"icmpv6-multicast",
	"icmpv6-unicast",
	"lacp",
	"lldp",
	"ospfv2-multicast",
	"ospfv2-unicast",
	"sflow-samples",
	"stp-bpdu",
	"bfd",
	"unknown-ip-unicast",
	"ipv4-options",
	"ipv6-options",
}

func (c CoPPClass) String() string {
	if c >= 0 && c < CoPPNumClasses {
		return coppClassNames[c]
	}
	return fmt.Sprintf("copp(%d)", int(c))
}

// CoPPStats are the counters of one class.
type CoPPStats struct {
	PacketsPassed  uint64
	BytesPassed    uint64
	PacketsDropped uint64
	BytesDropped   uint64
}

// CoPPHWStatus is the programmed policer of one class.
type CoPPHWStatus struct {
	Rate          uint64
	Burst         uint64
	LocalPriority uint64
}

// CoPPPlugin reads CoPP state. ErrNotSupported marks classes the ASIC
// does not police.
type CoPPPlugin interface {
	StatsGet(hwASIC int, class CoPPClass) (CoPPStats, error)
	HWStatusGet(hwASIC int, class CoPPClass) (CoPPHWStatus, error)
}

// ─── QOS_ASIC_PLUGIN ────────────────────────────────────────────────────────

// QoSPlugin adds queue and scheduling profiles to the QoS maps.
type QoSPlugin interface {
	QoSMapper
	ApplyQoSProfile(dp Datapath, aux string, sched []ScheduleProfileEntry, queues []QueueProfileEntry) error
}

// ─── VXLAN_ASIC_PLUGIN ──────────────────────────────────────────────────────

// VXLANPlugin binds VNIs to access VLANs.
type VXLANPlugin interface {
	LSwitchPlugin
	VportBindAllPortsOnVLAN(vni, vlan int) error
	VportUnbindAllPortsOnVLAN(vni, vlan int) error
	VportBindPortOnVLAN(vni, vlan int, port string) error
	VportUnbindPortOnVLAN(vni, vlan int, port string) error
}

// ─── MAC_LEARNING_PLUGIN ────────────────────────────────────────────────────

// MACLearningTrigger is exported by the MAC-learning plugin. The ASIC calls
// Trigger from any goroutine when new learning records are waiting.
type MACLearningTrigger interface {
	Trigger()
}
