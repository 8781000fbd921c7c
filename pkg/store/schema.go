package store

import (
	"github.com/google/uuid"
)

// Header carries the row identity shared by every table.
type Header struct {
	UUID uuid.UUID `yaml:"uuid"`
}

func (h *Header) header() *Header { return h }

// Record is implemented by pointers to every row type in this package.
type Record interface {
	header() *Header
}

// ID returns the row's UUID.
func ID(r Record) uuid.UUID {
	return r.header().UUID
}

// Well-known values for string-enum columns.
const (
	VLANModeAccess         = "access"
	VLANModeTrunk          = "trunk"
	VLANModeNativeTagged   = "native-tagged"
	VLANModeNativeUntagged = "native-untagged"

	LACPOff     = "off"
	LACPActive  = "active"
	LACPPassive = "passive"

	MACFromDynamic = "dynamic"
	MACFromStatic  = "static"

	AddressFamilyIPv4 = "ipv4"
	AddressFamilyIPv6 = "ipv6"

	FlushDynamic = "dynamic"
	FlushAll     = "all"
)

// System is the root row. There is at most one.
type System struct {
	Header `yaml:",inline"`

	Bridges    []uuid.UUID `yaml:"bridges,omitempty"`
	VRFs       []uuid.UUID `yaml:"vrfs,omitempty"`
	Subsystems []uuid.UUID `yaml:"subsystems,omitempty"`

	SystemMAC    string            `yaml:"system_mac,omitempty"`
	OtherConfig  map[string]string `yaml:"other_config,omitempty"`
	ECMPConfig   map[string]string `yaml:"ecmp_config,omitempty"`
	BufmonConfig map[string]string `yaml:"bufmon_config,omitempty"`

	QoSTrust        string                 `yaml:"qos_trust,omitempty"`
	QoSCOSMap       []QoSMapEntry          `yaml:"qos_cos_map,omitempty"`
	QoSDSCPMap      []QoSMapEntry          `yaml:"qos_dscp_map,omitempty"`
	QueueProfile    []QueueProfileEntry    `yaml:"q_profile,omitempty"`
	ScheduleProfile []ScheduleProfileEntry `yaml:"qos,omitempty"`

	NextCfg int64 `yaml:"next_cfg,omitempty"`

	// Written by the daemon.
	CurCfg         int64             `yaml:"cur_cfg,omitempty"`
	Statistics     map[string]int64  `yaml:"statistics,omitempty"`
	BufmonInfo     map[string]string `yaml:"bufmon_info,omitempty"`
	CoPPStatistics map[string]string `yaml:"copp_statistics,omitempty"`
}

// QoSMapEntry is one row of the COS or DSCP map.
type QoSMapEntry struct {
	Code          int    `yaml:"code_point"`
	Color         string `yaml:"color,omitempty"`
	LocalPriority int    `yaml:"local_priority"`
	COS           int    `yaml:"cos,omitempty"`
	Description   string `yaml:"description,omitempty"`
}

// QueueProfileEntry maps local priorities to a queue.
type QueueProfileEntry struct {
	Queue           int    `yaml:"queue"`
	LocalPriorities []int  `yaml:"local_priorities,omitempty"`
	Mode            string `yaml:"mode,omitempty"`
}

// ScheduleProfileEntry sets the algorithm for one queue.
type ScheduleProfileEntry struct {
	Queue     int    `yaml:"queue"`
	Algorithm string `yaml:"algorithm"`
	Weight    int    `yaml:"weight,omitempty"`
}

// Bridge is an L2 switching domain.
type Bridge struct {
	Header `yaml:",inline"`

	Name         string            `yaml:"name"`
	DatapathType string            `yaml:"datapath_type,omitempty"`
	Ports        []uuid.UUID       `yaml:"ports,omitempty"`
	VLANs        []uuid.UUID       `yaml:"vlans,omitempty"`
	Mirrors      []uuid.UUID       `yaml:"mirrors,omitempty"`
	Controllers  []uuid.UUID       `yaml:"controller,omitempty"`
	SFlow        *uuid.UUID        `yaml:"sflow,omitempty"`
	OtherConfig  map[string]string `yaml:"other_config,omitempty"`

	// Written by the daemon.
	DatapathID      string            `yaml:"datapath_id,omitempty"`
	DatapathVersion string            `yaml:"datapath_version,omitempty"`
	Status          map[string]string `yaml:"status,omitempty"`
}

// VRF is an L3 routing domain.
type VRF struct {
	Header `yaml:",inline"`

	Name        string            `yaml:"name"`
	Ports       []uuid.UUID       `yaml:"ports,omitempty"`
	OtherConfig map[string]string `yaml:"other_config,omitempty"`

	Status map[string]string `yaml:"status,omitempty"`
}

// Port aggregates one or more interfaces.
type Port struct {
	Header `yaml:",inline"`

	Name                string            `yaml:"name"`
	Interfaces          []uuid.UUID       `yaml:"interfaces,omitempty"`
	VLANMode            string            `yaml:"vlan_mode,omitempty"`
	Tag                 *int              `yaml:"tag,omitempty"`
	Trunks              []int             `yaml:"trunks,omitempty"`
	LACP                string            `yaml:"lacp,omitempty"`
	BondMode            string            `yaml:"bond_mode,omitempty"`
	IP4Address          string            `yaml:"ip4_address,omitempty"`
	IP4AddressSecondary []string          `yaml:"ip4_address_secondary,omitempty"`
	IP6Address          string            `yaml:"ip6_address,omitempty"`
	IP6AddressSecondary []string          `yaml:"ip6_address_secondary,omitempty"`
	HWConfig            map[string]string `yaml:"hw_config,omitempty"`
	QoSConfig           map[string]string `yaml:"qos_config,omitempty"`
	OtherConfig         map[string]string `yaml:"other_config,omitempty"`
	MACFlushRequest     string            `yaml:"mac_flush_request,omitempty"`

	Status map[string]string `yaml:"status,omitempty"`
}

// Interface is one physical or logical device.
type Interface struct {
	Header `yaml:",inline"`

	Name          string            `yaml:"name"`
	Type          string            `yaml:"type,omitempty"`
	Options       map[string]string `yaml:"options,omitempty"`
	HWIntfInfo    map[string]string `yaml:"hw_intf_info,omitempty"`
	HWIntfConfig  map[string]string `yaml:"hw_intf_config,omitempty"`
	HWBondConfig  map[string]string `yaml:"hw_bond_config,omitempty"`
	UserConfig    map[string]string `yaml:"user_config,omitempty"`
	OtherConfig   map[string]string `yaml:"other_config,omitempty"`
	SplitParent   *uuid.UUID        `yaml:"split_parent,omitempty"`
	OFPortRequest *int              `yaml:"ofport_request,omitempty"`

	// Written by the daemon.
	OFPort     *int              `yaml:"ofport,omitempty"`
	Statistics map[string]int64  `yaml:"statistics,omitempty"`
	Status     map[string]string `yaml:"status,omitempty"`
	AdminState string            `yaml:"admin_state,omitempty"`
	LinkState  string            `yaml:"link_state,omitempty"`
	LinkSpeed  int64             `yaml:"link_speed,omitempty"`
	LinkResets int64             `yaml:"link_resets,omitempty"`
	Duplex     string            `yaml:"duplex,omitempty"`
	MTU        int               `yaml:"mtu,omitempty"`
	MACInUse   string            `yaml:"mac_in_use,omitempty"`
	Error      string            `yaml:"error,omitempty"`
}

// VLAN is a bridge VLAN.
type VLAN struct {
	Header `yaml:",inline"`

	Name            string `yaml:"name"`
	ID              int    `yaml:"id"`
	Admin           string `yaml:"admin,omitempty"`
	Description     string `yaml:"description,omitempty"`
	MACFlushRequest string `yaml:"mac_flush_request,omitempty"`

	OperState       string `yaml:"oper_state,omitempty"`
	OperStateReason string `yaml:"oper_state_reason,omitempty"`
}

// Mirror copies traffic from source ports to an output port or VLAN.
type Mirror struct {
	Header `yaml:",inline"`

	Name          string      `yaml:"name"`
	Active        *bool       `yaml:"active,omitempty"`
	SelectSrcPort []uuid.UUID `yaml:"select_src_port,omitempty"`
	SelectDstPort []uuid.UUID `yaml:"select_dst_port,omitempty"`
	OutputPort    *uuid.UUID  `yaml:"output_port,omitempty"`
	OutputVLAN    *int        `yaml:"output_vlan,omitempty"`

	Statistics   map[string]int64  `yaml:"statistics,omitempty"`
	MirrorStatus map[string]string `yaml:"mirror_status,omitempty"`
}

// LogicalSwitch is a tunnel-keyed overlay segment attached to a bridge.
type LogicalSwitch struct {
	Header `yaml:",inline"`

	Bridge      uuid.UUID         `yaml:"bridge"`
	TunnelKey   int64             `yaml:"tunnel_key"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	OtherConfig map[string]string `yaml:"other_config,omitempty"`
}

// Route is one prefix installed by an origin protocol.
type Route struct {
	Header `yaml:",inline"`

	VRF              uuid.UUID   `yaml:"vrf"`
	From             string      `yaml:"from"`
	Prefix           string      `yaml:"prefix"`
	AddressFamily    string      `yaml:"address_family,omitempty"`
	SubAddressFamily string      `yaml:"sub_address_family,omitempty"`
	Selected         *bool       `yaml:"selected,omitempty"`
	Nexthops         []uuid.UUID `yaml:"nexthops,omitempty"`
	Distance         int         `yaml:"distance,omitempty"`
	Metric           int         `yaml:"metric,omitempty"`
}

// Nexthop is one destination of a Route: an IP address or egress ports.
type Nexthop struct {
	Header `yaml:",inline"`

	IPAddress string      `yaml:"ip_address,omitempty"`
	Ports     []uuid.UUID `yaml:"ports,omitempty"`
	Selected  *bool       `yaml:"selected,omitempty"`
	Weight    int         `yaml:"weight,omitempty"`

	Status map[string]string `yaml:"status,omitempty"`
}

// Neighbor is an IP to MAC binding on an egress port.
type Neighbor struct {
	Header `yaml:",inline"`

	VRF           uuid.UUID  `yaml:"vrf"`
	IPAddress     string     `yaml:"ip_address"`
	MAC           string     `yaml:"mac,omitempty"`
	Port          *uuid.UUID `yaml:"port,omitempty"`
	AddressFamily string     `yaml:"address_family,omitempty"`

	Status map[string]string `yaml:"status,omitempty"`
}

// MAC is one entry of the L2 MAC table.
type MAC struct {
	Header `yaml:",inline"`

	Bridge    uuid.UUID  `yaml:"bridge"`
	Port      *uuid.UUID `yaml:"port,omitempty"`
	From      string     `yaml:"from"`
	MACAddr   string     `yaml:"mac_addr"`
	VLAN      int        `yaml:"vlan"`
	TunnelKey *int64     `yaml:"tunnel_key,omitempty"`

	Status map[string]string `yaml:"status,omitempty"`
}

// SFlow configures packet sampling on a bridge.
type SFlow struct {
	Header `yaml:",inline"`

	Targets    []string `yaml:"targets,omitempty"`
	Sampling   int      `yaml:"sampling,omitempty"`
	Polling    int      `yaml:"polling,omitempty"`
	HeaderSize int      `yaml:"header,omitempty"`
	Agent      string   `yaml:"agent,omitempty"`
}

// Controller is an OpenFlow controller target.
type Controller struct {
	Header `yaml:",inline"`

	Target string `yaml:"target"`

	IsConnected bool              `yaml:"is_connected,omitempty"`
	Role        string            `yaml:"role,omitempty"`
	Status      map[string]string `yaml:"status,omitempty"`
}

// Subsystem owns system interfaces that belong to no bridge.
type Subsystem struct {
	Header `yaml:",inline"`

	Name       string            `yaml:"name"`
	Interfaces []uuid.UUID       `yaml:"interfaces,omitempty"`
	OtherInfo  map[string]string `yaml:"other_info,omitempty"`
}

// BufmonCounter is one buffer-monitoring counter.
type BufmonCounter struct {
	Header `yaml:",inline"`

	Name                      string            `yaml:"name"`
	HWUnitID                  int               `yaml:"hw_unit_id"`
	Enabled                   bool              `yaml:"enabled"`
	TriggerThreshold          *int64            `yaml:"trigger_threshold,omitempty"`
	CounterVendorSpecificInfo map[string]string `yaml:"counter_vendor_specific_info,omitempty"`

	CounterValue int64  `yaml:"counter_value,omitempty"`
	Status       string `yaml:"status,omitempty"`
}
