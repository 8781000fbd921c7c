package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot is the on-disk form of the store: one list per table.
type Snapshot struct {
	System          []System        `yaml:"system,omitempty"`
	Bridges         []Bridge        `yaml:"bridges,omitempty"`
	VRFs            []VRF           `yaml:"vrfs,omitempty"`
	Ports           []Port          `yaml:"ports,omitempty"`
	Interfaces      []Interface     `yaml:"interfaces,omitempty"`
	VLANs           []VLAN          `yaml:"vlans,omitempty"`
	Mirrors         []Mirror        `yaml:"mirrors,omitempty"`
	LogicalSwitches []LogicalSwitch `yaml:"logical_switches,omitempty"`
	Routes          []Route         `yaml:"routes,omitempty"`
	Nexthops        []Nexthop       `yaml:"nexthops,omitempty"`
	Neighbors       []Neighbor      `yaml:"neighbors,omitempty"`
	MACs            []MAC           `yaml:"macs,omitempty"`
	SFlows          []SFlow         `yaml:"sflows,omitempty"`
	Controllers     []Controller    `yaml:"controllers,omitempty"`
	Subsystems      []Subsystem     `yaml:"subsystems,omitempty"`
	BufmonCounters  []BufmonCounter `yaml:"bufmon,omitempty"`
}

func stageRows[T any, P interface {
	*T
	Record
}](txn *Txn, t *Table[T, P], rows []T) {
	for _, r := range rows {
		t.Insert(txn, r)
	}
}

func dumpRows[T any, P interface {
	*T
	Record
}](t *Table[T, P]) []T {
	all := t.All()
	out := make([]T, 0, len(all))
	for _, p := range all {
		out = append(out, *p)
	}
	return out
}

// Apply inserts every row of snap in one transaction.
func (s *Store) Apply(snap *Snapshot) Status {
	txn := s.NewTxn()
	stageRows(txn, s.System, snap.System)
	stageRows(txn, s.Bridges, snap.Bridges)
	stageRows(txn, s.VRFs, snap.VRFs)
	stageRows(txn, s.Ports, snap.Ports)
	stageRows(txn, s.Interfaces, snap.Interfaces)
	stageRows(txn, s.VLANs, snap.VLANs)
	stageRows(txn, s.Mirrors, snap.Mirrors)
	stageRows(txn, s.LogicalSwitches, snap.LogicalSwitches)
	stageRows(txn, s.Routes, snap.Routes)
	stageRows(txn, s.Nexthops, snap.Nexthops)
	stageRows(txn, s.Neighbors, snap.Neighbors)
	stageRows(txn, s.MACs, snap.MACs)
	stageRows(txn, s.SFlows, snap.SFlows)
	stageRows(txn, s.Controllers, snap.Controllers)
	stageRows(txn, s.Subsystems, snap.Subsystems)
	stageRows(txn, s.BufmonCounters, snap.BufmonCounters)
	return txn.Commit()
}

// Snapshot copies the current contents of every table.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{
		System:          dumpRows(s.System),
		Bridges:         dumpRows(s.Bridges),
		VRFs:            dumpRows(s.VRFs),
		Ports:           dumpRows(s.Ports),
		Interfaces:      dumpRows(s.Interfaces),
		VLANs:           dumpRows(s.VLANs),
		Mirrors:         dumpRows(s.Mirrors),
		LogicalSwitches: dumpRows(s.LogicalSwitches),
		Routes:          dumpRows(s.Routes),
		Nexthops:        dumpRows(s.Nexthops),
		Neighbors:       dumpRows(s.Neighbors),
		MACs:            dumpRows(s.MACs),
		SFlows:          dumpRows(s.SFlows),
		Controllers:     dumpRows(s.Controllers),
		Subsystems:      dumpRows(s.Subsystems),
		BufmonCounters:  dumpRows(s.BufmonCounters),
	}
}

// Load reads a YAML snapshot from path and applies it. An empty path is a
// no-op.
func (s *Store) Load(path string) error {
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parsing store snapshot: %w", err)
	}

	if st := s.Apply(&snap); !st.OK() {
		return fmt.Errorf("applying store snapshot %s: %s", path, st)
	}
	s.log.Infow("store snapshot loaded", "path", path, "seqno", s.Seqno())
	return nil
}

// Save writes the current contents to path as YAML. An empty path is a no-op.
func (s *Store) Save(path string) error {
	if path == "" {
		return nil
	}

	raw, err := yaml.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("marshaling store snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("writing store snapshot to %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing store snapshot %s: %w", path, err)
	}
	return nil
}
