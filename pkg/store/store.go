// Package store is the daemon's view of the versioned configuration
// database: typed tables of rows, a global sequence number that advances
// whenever a committed change is worth reacting to, per-row change tracking
// relative to a caller's last-seen sequence, and transactions that write
// status back.
package store

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/seq"
)

// Store holds every table. All methods are safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	seq *seq.Seq
	log *zap.SugaredLogger

	System          *Table[System, *System]
	Bridges         *Table[Bridge, *Bridge]
	VRFs            *Table[VRF, *VRF]
	Ports           *Table[Port, *Port]
	Interfaces      *Table[Interface, *Interface]
	VLANs           *Table[VLAN, *VLAN]
	Mirrors         *Table[Mirror, *Mirror]
	LogicalSwitches *Table[LogicalSwitch, *LogicalSwitch]
	Routes          *Table[Route, *Route]
	Nexthops        *Table[Nexthop, *Nexthop]
	Neighbors       *Table[Neighbor, *Neighbor]
	MACs            *Table[MAC, *MAC]
	SFlows          *Table[SFlow, *SFlow]
	Controllers     *Table[Controller, *Controller]
	Subsystems      *Table[Subsystem, *Subsystem]
	BufmonCounters  *Table[BufmonCounter, *BufmonCounter]

	macIndex *MACIndex

	lockRequired bool
	lockOwner    string
	injected     []Status
}

// New returns an empty store.
func New(log *zap.SugaredLogger) *Store {
	s := &Store{
		seq: seq.New(),
		log: log.Named("store"),
	}
	s.System = newTable[System](s, "System")
	s.Bridges = newTable[Bridge](s, "Bridge")
	s.VRFs = newTable[VRF](s, "VRF")
	s.Ports = newTable[Port](s, "Port")
	s.Interfaces = newTable[Interface](s, "Interface")
	s.VLANs = newTable[VLAN](s, "VLAN")
	s.Mirrors = newTable[Mirror](s, "Mirror")
	s.LogicalSwitches = newTable[LogicalSwitch](s, "Logical_Switch")
	s.Routes = newTable[Route](s, "Route")
	s.Nexthops = newTable[Nexthop](s, "Nexthop")
	s.Neighbors = newTable[Neighbor](s, "Neighbor")
	s.MACs = newTable[MAC](s, "MAC")
	s.SFlows = newTable[SFlow](s, "sFlow")
	s.Controllers = newTable[Controller](s, "Controller")
	s.Subsystems = newTable[Subsystem](s, "Subsystem")
	s.BufmonCounters = newTable[BufmonCounter](s, "bufmon")

	s.macIndex = newMACIndex()
	s.MACs.Watch(s.macIndex.update)

	// Columns the daemon writes back never trigger a reconfigure.
	s.System.OmitAlert("CurCfg", "Statistics", "BufmonInfo", "CoPPStatistics")
	s.Bridges.OmitAlert("DatapathID", "DatapathVersion", "Status")
	s.VRFs.OmitAlert("Status")
	s.Ports.OmitAlert("Status")
	s.Interfaces.OmitAlert("OFPort", "Statistics", "Status", "AdminState", "LinkState",
		"LinkSpeed", "LinkResets", "Duplex", "MTU", "MACInUse", "Error")
	s.VLANs.OmitAlert("OperState", "OperStateReason")
	s.Mirrors.OmitAlert("Statistics", "MirrorStatus")
	s.Nexthops.OmitAlert("Status")
	s.Neighbors.OmitAlert("Status")
	s.Controllers.OmitAlert("IsConnected", "Role", "Status")
	s.BufmonCounters.OmitAlert("CounterValue", "Status")
	return s
}

// Seqno returns the current sequence number. It advances on every commit
// that inserts or deletes a row or changes an alerting column.
func (s *Store) Seqno() uint64 {
	return s.seq.Read()
}

// Changed returns a channel closed once the sequence moves past seqno.
func (s *Store) Changed(seqno uint64) <-chan struct{} {
	return s.seq.Wait(seqno)
}

// MACIndex returns the ordered (mac_addr, from) index over the MAC table.
func (s *Store) MACIndex() *MACIndex {
	return s.macIndex
}

// ─── Lock ───────────────────────────────────────────────────────────────────

// RequireLock makes commits fail with NotLocked while nobody holds the lock.
func (s *Store) RequireLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockRequired = true
}

// TryLock takes the store lock for owner. It reports false when another
// owner holds it.
func (s *Store) TryLock(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner != "" && s.lockOwner != owner {
		return false
	}
	s.lockOwner = owner
	return true
}

// Unlock releases the lock if owner holds it.
func (s *Store) Unlock(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner == owner {
		s.lockOwner = ""
	}
}

// HasLock reports whether owner holds the lock.
func (s *Store) HasLock(owner string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockOwner == owner
}

// ─── Fault injection ────────────────────────────────────────────────────────

// InjectStatus queues commit results. Each non-empty commit consumes one
// entry; a queued Success commits normally.
func (s *Store) InjectStatus(st ...Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, st...)
}

func (s *Store) popInjected() (Status, bool) {
	if len(s.injected) == 0 {
		return Success, false
	}
	st := s.injected[0]
	s.injected = s.injected[1:]
	return st, true
}

// ─── Column helpers ─────────────────────────────────────────────────────────

// SmapGet returns m[key] or def.
func SmapGet(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// SmapGetBool parses m[key] as "true"/"false", returning def otherwise.
func SmapGetBool(m map[string]string, key string, def bool) bool {
	switch m[key] {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// SmapGetInt parses m[key] as an integer, returning def otherwise.
func SmapGetInt(m map[string]string, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// BoolDefault dereferences b, returning def when nil.
func BoolDefault(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
