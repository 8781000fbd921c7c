package store

import "sort"

// Writeback collects the status writes of one engine pass so they can be
// replayed into a later transaction when a commit fails. Writes are keyed:
// a newer write under the same key replaces the older one.
type Writeback struct {
	ops map[string]func(*Txn)
	seq map[string]int
	n   int
}

// NewWriteback returns an empty Writeback.
func NewWriteback() *Writeback {
	return &Writeback{ops: make(map[string]func(*Txn)), seq: make(map[string]int)}
}

// Set records fn under key.
func (w *Writeback) Set(key string, fn func(*Txn)) {
	w.n++
	w.ops[key] = fn
	w.seq[key] = w.n
}

// Apply stages every write into txn in the order they were last set.
func (w *Writeback) Apply(txn *Txn) {
	keys := make([]string, 0, len(w.ops))
	for k := range w.ops {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return w.seq[keys[i]] < w.seq[keys[j]] })
	for _, k := range keys {
		w.ops[k](txn)
	}
}

// Has reports whether a write is pending under key.
func (w *Writeback) Has(key string) bool {
	_, ok := w.ops[key]
	return ok
}

// Mark returns the position of the latest write, for ResetTo.
func (w *Writeback) Mark() int { return w.n }

// ResetTo drops the writes set at or before mark. Writes set later, while a
// transaction built from the earlier ones was in flight, are kept.
func (w *Writeback) ResetTo(mark int) {
	for k, s := range w.seq {
		if s <= mark {
			delete(w.ops, k)
			delete(w.seq, k)
		}
	}
}

// Len returns the number of pending writes.
func (w *Writeback) Len() int { return len(w.ops) }

// Reset drops every write.
func (w *Writeback) Reset() {
	w.ops = make(map[string]func(*Txn))
	w.seq = make(map[string]int)
}
