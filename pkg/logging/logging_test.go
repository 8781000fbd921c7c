package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLimitedSuppressesBurst(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := NewLimited(zap.New(core).Sugar(), 0.0001, 2)

	for i := 0; i < 5; i++ {
		l.Warnw("bad row", "i", i)
	}

	if logs.Len() != 2 {
		t.Fatalf("expected 2 lines through the limiter, got %d", logs.Len())
	}
	if l.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", l.Dropped())
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("loud", false); err == nil {
		t.Error("expected error for unknown level")
	}
	log, err := New("debug", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = log.Sync()
}
