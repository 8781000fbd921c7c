package blocks

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func TestPriorityOrder(t *testing.T) {
	buses := New(zap.NewNop().Sugar())
	bus := buses.Reconfigure

	var order []string
	reg := func(name string, prio uint32) {
		t.Helper()
		err := bus.Register(BrFeatureReconfig, prio, name, func(ReconfigureBlock, *ReconfigureParams) error {
			order = append(order, name)
			return nil
		})
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	reg("last", NoPriority)
	reg("p10", 10)
	reg("p5", 5)
	reg("p10b", 10)
	reg("p0", 0)
	reg("p20", 20)

	bus.Execute(BrFeatureReconfig, &ReconfigureParams{})

	want := []string{"p0", "p5", "p10", "p10b", "p20", "last"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	if bus.Len(BrFeatureReconfig) != 6 || bus.Len(BrAddPorts) != 0 {
		t.Error("unexpected block lengths")
	}
}

func TestFailuresDoNotStopBlock(t *testing.T) {
	bus := New(zap.NewNop().Sugar()).Stats

	var ran []StatsBlock
	bus.Register(StatsBegin, 1, "err", func(StatsBlock, *StatsParams) error {
		return errors.New("boom")
	})
	bus.Register(StatsBegin, 2, "panic", func(StatsBlock, *StatsParams) error {
		panic("kaboom")
	})
	bus.Register(StatsBegin, 3, "ok", func(blk StatsBlock, _ *StatsParams) error {
		ran = append(ran, blk)
		return nil
	})

	bus.Execute(StatsBegin, &StatsParams{})
	if len(ran) != 1 || ran[0] != StatsBegin {
		t.Errorf("last callback did not run with its block id: %v", ran)
	}
}

func TestRegisterValidation(t *testing.T) {
	bus := New(zap.NewNop().Sugar()).Run
	if err := bus.Register(InitRun, NoPriority, "nil", nil); err == nil {
		t.Error("expected nil callback to fail")
	}
	noop := func(RunBlock, *RunParams) error { return nil }
	if err := bus.Register(RunBlock(99), NoPriority, "bad", noop); err == nil {
		t.Error("expected invalid block to fail")
	}
	if err := bus.Register(WaitComplete, NoPriority, "ok", noop); err != nil {
		t.Errorf("Register: %v", err)
	}
	// Invalid ids are ignored at execution time.
	bus.Execute(RunBlock(-1), &RunParams{})
}

func TestBlockNames(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{InitReconfigure.String(), "INIT_RECONFIGURE"},
		{ReconfigureNeighbors.String(), "RECONFIGURE_NEIGHBORS"},
		{VRFPortUpdate.String(), "VRF_PORT_UPDATE"},
		{StatsSubsystemEnd.String(), "STATS_SUBSYSTEM_END"},
		{WaitComplete.String(), "WAIT_COMPLETE"},
		{ReconfigureBlock(42).String(), "RECONFIGURE_BLOCK_42"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
