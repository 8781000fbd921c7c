package store

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	iradix "github.com/hashicorp/go-immutable-radix"
)

// MACIndex is an ordered index over the MAC table keyed by
// (mac_addr, from, vlan). Readers work on an immutable snapshot of the tree,
// so lookups never contend with commits.
type MACIndex struct {
	tree atomic.Pointer[iradix.Tree]
}

func newMACIndex() *MACIndex {
	ix := &MACIndex{}
	ix.tree.Store(iradix.New())
	return ix
}

func macPrefix(mac, from string) []byte {
	return []byte(strings.ToLower(mac) + "|" + from + "|")
}

func macVLANPrefix(mac, from string, vlan int) []byte {
	return append(macPrefix(mac, from), []byte(fmt.Sprintf("%04d|", vlan))...)
}

func macKey(m *MAC) []byte {
	return append(macVLANPrefix(m.MACAddr, m.From, m.VLAN), m.UUID[:]...)
}

func (ix *MACIndex) update(old, new *MAC) {
	t := ix.tree.Load()
	if old != nil {
		t, _, _ = t.Delete(macKey(old))
	}
	if new != nil {
		t, _, _ = t.Insert(macKey(new), new.UUID)
	}
	ix.tree.Store(t)
}

func (ix *MACIndex) walk(prefix []byte) []uuid.UUID {
	var out []uuid.UUID
	ix.tree.Load().Root().WalkPrefix(prefix, func(_ []byte, v interface{}) bool {
		out = append(out, v.(uuid.UUID))
		return false
	})
	return out
}

// Lookup returns the rows for mac learned from the given source, ordered by
// VLAN.
func (ix *MACIndex) Lookup(mac, from string) []uuid.UUID {
	return ix.walk(macPrefix(mac, from))
}

// LookupVLAN narrows Lookup to one VLAN.
func (ix *MACIndex) LookupVLAN(mac, from string, vlan int) []uuid.UUID {
	return ix.walk(macVLANPrefix(mac, from, vlan))
}

// Len returns the number of indexed rows.
func (ix *MACIndex) Len() int {
	return ix.tree.Load().Len()
}
