package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoSuchRow is returned when a transaction touches a row that does not exist.
	ErrNoSuchRow = errors.New("no such row")
	// ErrDuplicateRow is returned when an insert reuses an existing UUID.
	ErrDuplicateRow = errors.New("duplicate row")
)

// Status is the outcome of a commit.
type Status int

const (
	Unchanged Status = iota
	Success
	TryAgain
	Incomplete
	Aborted
	Error
	NotLocked
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Success:
		return "success"
	case TryAgain:
		return "try again"
	case Incomplete:
		return "incomplete"
	case Aborted:
		return "aborted"
	case Error:
		return "error"
	case NotLocked:
		return "not locked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Done reports whether the commit reached a final state.
func (s Status) Done() bool { return s != Incomplete }

// OK reports whether the commit succeeded, with or without changes.
func (s Status) OK() bool { return s == Success || s == Unchanged }

type stagedState int

const (
	stagedNone stagedState = iota
	stagedInsert
	stagedDelete
)

type txnOp struct {
	check func() error
	apply func(seq uint64) (changed, alert bool)
}

// Txn batches writes across tables. Nothing is visible to readers until
// Commit returns Success.
type Txn struct {
	s      *Store
	ops    []txnOp
	state  map[uuid.UUID]stagedState
	status Status
	done   bool
	err    error
}

// NewTxn starts a transaction.
func (s *Store) NewTxn() *Txn {
	return &Txn{
		s:     s,
		state: make(map[uuid.UUID]stagedState),
	}
}

func (t *Txn) stage(id uuid.UUID, st stagedState) { t.state[id] = st }

func (t *Txn) staged(id uuid.UUID) stagedState { return t.state[id] }

func (t *Txn) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// Empty reports whether nothing has been staged.
func (t *Txn) Empty() bool { return len(t.ops) == 0 && t.err == nil }

// Err returns the error that made the commit fail, if any.
func (t *Txn) Err() error { return t.err }

// Status returns the last commit status.
func (t *Txn) Status() Status { return t.status }

// Abort discards the transaction.
func (t *Txn) Abort() {
	if !t.done {
		t.finish(Aborted)
	}
}

// Commit applies all staged writes atomically. An Incomplete result leaves the
// transaction open; call Commit again on a later tick to learn the outcome.
// Every other result is final and repeated calls return it unchanged.
func (t *Txn) Commit() Status {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.done {
		return t.status
	}
	if t.err != nil {
		return t.finish(Error)
	}
	if len(t.ops) == 0 {
		return t.finish(Unchanged)
	}
	if s.lockRequired && s.lockOwner == "" {
		return t.finish(NotLocked)
	}
	if st, ok := s.popInjected(); ok && st != Success {
		if st == Incomplete {
			t.status = Incomplete
			return Incomplete
		}
		return t.finish(st)
	}

	for _, op := range t.ops {
		if err := op.check(); err != nil {
			t.err = err
			return t.finish(Error)
		}
	}

	next := s.seq.Read() + 1
	var changed, alert bool
	for _, op := range t.ops {
		c, a := op.apply(next)
		changed = changed || c
		alert = alert || a
	}
	if alert {
		s.seq.Change()
	}
	if !changed {
		return t.finish(Unchanged)
	}
	return t.finish(Success)
}

func (t *Txn) finish(st Status) Status {
	t.status = st
	t.done = true
	return st
}
