package store

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

type rowMeta struct {
	inserted uint64
	modified uint64
}

// Table holds the rows of one type. Rows handed out by Get and All are
// immutable snapshots: updates replace the stored pointer with a modified copy,
// so callers may keep a pointer across ticks but must never write through it.
type Table[T any, P interface {
	*T
	Record
}] struct {
	s     *Store
	name  string
	rows  map[uuid.UUID]P
	order []uuid.UUID
	meta  map[uuid.UUID]*rowMeta
	omit  map[string]bool

	lastInsert uint64
	lastModify uint64
	lastDelete uint64

	watchers []func(old, new P)
}

func newTable[T any, P interface {
	*T
	Record
}](s *Store, name string) *Table[T, P] {
	return &Table[T, P]{
		s:    s,
		name: name,
		rows: make(map[uuid.UUID]P),
		meta: make(map[uuid.UUID]*rowMeta),
		omit: make(map[string]bool),
	}
}

// Name returns the table name.
func (t *Table[T, P]) Name() string { return t.name }

// Get returns the row with id, or nil.
func (t *Table[T, P]) Get(id uuid.UUID) P {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.rows[id]
}

// All returns every row in insertion order.
func (t *Table[T, P]) All() []P {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make([]P, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.rows[id])
	}
	return out
}

// First returns the oldest row, or nil for an empty table.
func (t *Table[T, P]) First() P {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if len(t.order) == 0 {
		return nil
	}
	return t.rows[t.order[0]]
}

// Find returns the first row for which match returns true.
func (t *Table[T, P]) Find(match func(P) bool) P {
	for _, r := range t.All() {
		if match(r) {
			return r
		}
	}
	return nil
}

// Len returns the row count.
func (t *Table[T, P]) Len() int {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return len(t.rows)
}

// IsInserted reports whether id was inserted after seqno since.
func (t *Table[T, P]) IsInserted(id uuid.UUID, since uint64) bool {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	m := t.meta[id]
	return m != nil && m.inserted > since
}

// IsModified reports whether id was inserted or had an alerting column
// change after seqno since.
func (t *Table[T, P]) IsModified(id uuid.UUID, since uint64) bool {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	m := t.meta[id]
	return m != nil && m.modified > since
}

// Changed reports whether any row was inserted, modified or deleted after since.
func (t *Table[T, P]) Changed(since uint64) bool {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.lastInsert > since || t.lastModify > since || t.lastDelete > since
}

// HasDeletes reports whether any row was deleted after since.
func (t *Table[T, P]) HasDeletes(since uint64) bool {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.lastDelete > since
}

// OmitAlert stops changes to the named struct fields from counting as row
// modifications or advancing the store sequence. The new values are still
// stored. Used for columns the daemon itself writes.
func (t *Table[T, P]) OmitAlert(fields ...string) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	typ := reflect.TypeOf((*T)(nil)).Elem()
	for _, f := range fields {
		if _, ok := typ.FieldByName(f); !ok {
			panic(fmt.Sprintf("store: table %s has no column %q", t.name, f))
		}
		t.omit[f] = true
	}
}

// Watch registers fn to observe committed changes. old is nil for inserts,
// new is nil for deletes. fn runs with the store locked and must not call
// back into the store.
func (t *Table[T, P]) Watch(fn func(old, new P)) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.watchers = append(t.watchers, fn)
}

// ─── Transactional writes ───────────────────────────────────────────────────

// Insert stages row in txn and returns its UUID. A nil UUID is replaced with
// a fresh one.
func (t *Table[T, P]) Insert(txn *Txn, row T) uuid.UUID {
	p := cloneRow[T, P](P(&row))
	h := p.header()
	if h.UUID == uuid.Nil {
		h.UUID = uuid.New()
	}
	id := h.UUID
	txn.stage(id, stagedInsert)

	txn.ops = append(txn.ops, txnOp{
		check: func() error {
			if _, dup := t.rows[id]; dup {
				return fmt.Errorf("%s: insert %s: %w", t.name, id, ErrDuplicateRow)
			}
			return nil
		},
		apply: func(seq uint64) (bool, bool) {
			t.rows[id] = p
			t.order = append(t.order, id)
			t.meta[id] = &rowMeta{inserted: seq, modified: seq}
			t.lastInsert = seq
			t.notify(nil, p)
			return true, true
		},
	})
	return id
}

// Update stages fn to run against a private copy of row id at commit time.
// fn may freely modify maps and slices of the copy.
func (t *Table[T, P]) Update(txn *Txn, id uuid.UUID, fn func(P)) {
	if txn.staged(id) == stagedDelete {
		txn.fail(fmt.Errorf("%s: update %s after delete: %w", t.name, id, ErrNoSuchRow))
		return
	}
	pendingInsert := txn.staged(id) == stagedInsert

	txn.ops = append(txn.ops, txnOp{
		check: func() error {
			if _, ok := t.rows[id]; !ok && !pendingInsert {
				return fmt.Errorf("%s: update %s: %w", t.name, id, ErrNoSuchRow)
			}
			return nil
		},
		apply: func(seq uint64) (bool, bool) {
			old := t.rows[id]
			if old == nil {
				return false, false
			}
			cp := cloneRow[T, P](old)
			fn(cp)
			cp.header().UUID = id

			changed, alert := t.diff(old, cp)
			if !changed {
				return false, false
			}
			t.rows[id] = cp
			if alert {
				t.meta[id].modified = seq
				t.lastModify = seq
			}
			t.notify(old, cp)
			return true, alert
		},
	})
}

// UpdateIfExists is Update for status write-back: a row deleted before the
// commit is skipped instead of failing the transaction.
func (t *Table[T, P]) UpdateIfExists(txn *Txn, id uuid.UUID, fn func(P)) {
	if txn.staged(id) == stagedDelete {
		return
	}
	txn.ops = append(txn.ops, txnOp{
		check: func() error { return nil },
		apply: func(seq uint64) (bool, bool) {
			old := t.rows[id]
			if old == nil {
				return false, false
			}
			cp := cloneRow[T, P](old)
			fn(cp)
			cp.header().UUID = id

			changed, alert := t.diff(old, cp)
			if !changed {
				return false, false
			}
			t.rows[id] = cp
			if alert {
				t.meta[id].modified = seq
				t.lastModify = seq
			}
			t.notify(old, cp)
			return true, alert
		},
	})
}

// Delete stages removal of row id.
func (t *Table[T, P]) Delete(txn *Txn, id uuid.UUID) {
	pendingInsert := txn.staged(id) == stagedInsert
	txn.stage(id, stagedDelete)

	txn.ops = append(txn.ops, txnOp{
		check: func() error {
			if _, ok := t.rows[id]; !ok && !pendingInsert {
				return fmt.Errorf("%s: delete %s: %w", t.name, id, ErrNoSuchRow)
			}
			return nil
		},
		apply: func(seq uint64) (bool, bool) {
			old, ok := t.rows[id]
			if !ok {
				return false, false
			}
			delete(t.rows, id)
			delete(t.meta, id)
			for i, o := range t.order {
				if o == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
			t.lastDelete = seq
			t.notify(old, nil)
			return true, true
		},
	})
}

func (t *Table[T, P]) notify(old, new P) {
	for _, w := range t.watchers {
		w(old, new)
	}
}

// diff compares two versions of a row column by column.
func (t *Table[T, P]) diff(old, new P) (changed, alert bool) {
	ov := reflect.ValueOf(old).Elem()
	nv := reflect.ValueOf(new).Elem()
	typ := ov.Type()

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.Anonymous && f.Type == reflect.TypeOf(Header{}) {
			continue
		}
		if fieldEqual(ov.Field(i), nv.Field(i)) {
			continue
		}
		changed = true
		if !t.omit[f.Name] {
			alert = true
			return changed, alert
		}
	}
	return changed, alert
}

func fieldEqual(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Map, reflect.Slice:
		if a.Len() == 0 && b.Len() == 0 {
			return true
		}
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

// cloneRow copies a row including its maps, slices and pointer fields.
func cloneRow[T any, P interface {
	*T
	Record
}](src P) P {
	dst := P(new(T))
	*dst = *src
	v := reflect.ValueOf(dst).Elem()
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanSet() {
			continue
		}
		f.Set(deepCopy(f))
	}
	return dst
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		m := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			m.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return m
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		s := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			s.Index(i).Set(deepCopy(v.Index(i)))
		}
		return s
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		p := reflect.New(v.Type().Elem())
		p.Elem().Set(deepCopy(v.Elem()))
		return p
	case reflect.Struct:
		s := reflect.New(v.Type()).Elem()
		s.Set(v)
		for i := 0; i < s.NumField(); i++ {
			if s.Field(i).CanSet() {
				s.Field(i).Set(deepCopy(v.Field(i)))
			}
		}
		return s
	default:
		return v
	}
}
