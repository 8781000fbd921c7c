package blocks

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// ─── Reconfigure ────────────────────────────────────────────────────────────

// ReconfigureBlock names a point in the reconfigure pipeline.
type ReconfigureBlock int

const (
	InitReconfigure ReconfigureBlock = iota
	BrDeletePorts
	VRFDeletePorts
	BrReconfigurePorts
	VRFReconfigurePorts
	BrAddPorts
	VRFAddPorts
	BrFeatureReconfig
	VRFAddNeighbors
	ReconfigureNeighbors
	BridgeInit
	BrPortUpdate
	VRFPortUpdate

	numReconfigureBlocks
)

var reconfigureNames = [numReconfigureBlocks]string{
	"INIT_RECONFIGURE",
	"BR_DELETE_PORTS",
	"VRF_DELETE_PORTS",
	"BR_RECONFIGURE_PORTS",
	"VRF_RECONFIGURE_PORTS",
	"BR_ADD_PORTS",
	"VRF_ADD_PORTS",
	"BR_FEATURE_RECONFIG",
	"VRF_ADD_NEIGHBORS",
	"RECONFIGURE_NEIGHBORS",
	"BRIDGE_INIT",
	"BR_PORT_UPDATE",
	"VRF_PORT_UPDATE",
}

func (b ReconfigureBlock) String() string {
	if b >= 0 && b < numReconfigureBlocks {
		return reconfigureNames[b]
	}
	return fmt.Sprintf("RECONFIGURE_BLOCK_%d", int(b))
}

// ReconfigureParams is shared by the callbacks of one reconfigure block.
// Bridge is set only for BR_* blocks and VRF only for VRF_* blocks; Port
// only for the port update blocks.
type ReconfigureParams struct {
	Store    *store.Store
	Seqno    uint64
	Datapath asic.Datapath
	Bridge   *world.Bridge
	VRF      *world.VRF
	Port     *world.Port
	World    *world.World
}

// ─── Run / wait ─────────────────────────────────────────────────────────────

// RunBlock names a point in the main loop.
type RunBlock int

const (
	InitRun RunBlock = iota
	RunComplete
	WaitComplete

	numRunBlocks
)

func (b RunBlock) String() string {
	switch b {
	case InitRun:
		return "INIT_RUN"
	case RunComplete:
		return "RUN_COMPLETE"
	case WaitComplete:
		return "WAIT_COMPLETE"
	default:
		return fmt.Sprintf("RUN_BLOCK_%d", int(b))
	}
}

// RunParams is passed to run and wait callbacks. Poller is only set on the
// wait bus.
type RunParams struct {
	Store  *store.Store
	Seqno  uint64
	Poller *poll.Poller
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// StatsBlock names a point in the statistics sweep.
type StatsBlock int

const (
	StatsBridgeCreateNetdev StatsBlock = iota
	StatsBegin
	StatsPerBridge
	StatsPerBridgePort
	StatsPerBridgeNetdev
	StatsPerVRF
	StatsPerVRFPort
	StatsPerVRFNetdev
	StatsEnd
	StatsSubsystemCreateNetdev
	StatsSubsystemBegin
	StatsPerSubsystem
	StatsPerSubsystemNetdev
	StatsSubsystemEnd

	numStatsBlocks
)

var statsNames = [numStatsBlocks]string{
	"STATS_BRIDGE_CREATE_NETDEV",
	"STATS_BEGIN",
	"STATS_PER_BRIDGE",
	"STATS_PER_BRIDGE_PORT",
	"STATS_PER_BRIDGE_NETDEV",
	"STATS_PER_VRF",
	"STATS_PER_VRF_PORT",
	"STATS_PER_VRF_NETDEV",
	"STATS_END",
	"STATS_SUBSYSTEM_CREATE_NETDEV",
	"STATS_SUBSYSTEM_BEGIN",
	"STATS_PER_SUBSYSTEM",
	"STATS_PER_SUBSYSTEM_NETDEV",
	"STATS_SUBSYSTEM_END",
}

func (b StatsBlock) String() string {
	if b >= 0 && b < numStatsBlocks {
		return statsNames[b]
	}
	return fmt.Sprintf("STATS_BLOCK_%d", int(b))
}

// StatsParams is shared by the callbacks of one stats block. Txn is the
// sweep's open transaction when there is one.
type StatsParams struct {
	Store     *store.Store
	Seqno     uint64
	Txn       *store.Txn
	Bridge    *world.Bridge
	VRF       *world.VRF
	Port      *world.Port
	Netdev    netdev.Netdev
	Interface *store.Interface
	Subsystem *store.Subsystem
}

// ─── Bus set ────────────────────────────────────────────────────────────────

// Buses is the engine's set of four buses.
type Buses struct {
	Reconfigure *Bus[ReconfigureBlock, ReconfigureParams]
	Run         *Bus[RunBlock, RunParams]
	Wait        *Bus[RunBlock, RunParams]
	Stats       *Bus[StatsBlock, StatsParams]
}

// New returns empty buses.
func New(log *zap.SugaredLogger) *Buses {
	return &Buses{
		Reconfigure: NewBus[ReconfigureBlock, ReconfigureParams]("reconfigure", int(numReconfigureBlocks), log),
		Run:         NewBus[RunBlock, RunParams]("run", int(numRunBlocks), log),
		Wait:        NewBus[RunBlock, RunParams]("wait", int(numRunBlocks), log),
		Stats:       NewBus[StatsBlock, StatsParams]("stats", int(numStatsBlocks), log),
	}
}
