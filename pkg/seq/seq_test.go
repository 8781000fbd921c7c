package seq

import (
	"testing"
	"time"
)

func TestChangeWakesWaiter(t *testing.T) {
	s := New()
	v := s.Read()
	ch := s.Wait(v)

	select {
	case <-ch:
		t.Fatal("wait fired before change")
	default:
	}

	go s.Change()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("wait did not fire after change")
	}
	if s.Read() != v+1 {
		t.Errorf("expected %d, got %d", v+1, s.Read())
	}
}

func TestWaitOnStaleValue(t *testing.T) {
	s := New()
	old := s.Read()
	s.Change()

	select {
	case <-s.Wait(old):
	default:
		t.Error("wait on stale value should be ready")
	}
}
