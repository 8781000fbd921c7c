package bufmon

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/asic/softasic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	h     *plugins.Host
	st    *store.Store
	asic  *softasic.ASIC
	p     *Plugin
	clock *clock
	sysID uuid.UUID
}

func newFixture(t *testing.T, cfg map[string]string, counters ...store.BufmonCounter) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	h := &plugins.Host{
		Log:        log,
		Extensions: extension.NewRegistry(),
		Buses:      blocks.New(log),
		Store:      store.New(log),
		Netdevs:    netdev.NewRegistry(),
		Classes:    asic.NewClasses(),
	}
	a := softasic.New(softasic.Options{})
	if err := a.Init(h, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.BufmonRegister(h); err != nil {
		t.Fatal(err)
	}

	f := &fixture{t: t, h: h, st: h.Store, asic: a, clock: &clock{now: time.Unix(5000, 0)}}
	f.p = New()
	f.p.now = f.clock.Now
	if err := f.p.Init(h, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := f.p.Destroy(h); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})

	txn := f.st.NewTxn()
	f.sysID = f.st.System.Insert(txn, store.System{BufmonConfig: cfg})
	for _, c := range counters {
		f.st.BufmonCounters.Insert(txn, c)
	}
	if st := txn.Commit(); !st.OK() {
		t.Fatalf("commit: %s: %v", st, txn.Err())
	}
	return f
}

func (f *fixture) run() {
	f.t.Helper()
	if err := f.p.Run(f.h); err != nil {
		f.t.Fatalf("Run: %v", err)
	}
}

// collected waits for the worker to finish a collection and lets the main
// loop pick it up.
func (f *fixture) collected() {
	f.t.Helper()
	select {
	case <-f.p.ready.Wait(f.p.seen):
	case <-time.After(5 * time.Second):
		f.t.Fatal("no collection")
	}
	f.run()
}

func (f *fixture) counter(name string) *store.BufmonCounter {
	return f.st.BufmonCounters.Find(func(r *store.BufmonCounter) bool { return r.Name == name })
}

func threshold(v int64) *int64 { return &v }

func TestParseConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   map[string]string
		want asic.BufmonSystemConfig
	}{
		{
			name: "defaults",
			want: asic.BufmonSystemConfig{CollectionPeriod: 5, ThresholdTriggerRateLimit: 60},
		},
		{
			name: "full",
			in: map[string]string{
				"enabled": "true", "counters_mode": "peak", "periodic_collection_enabled": "true",
				"collection_period": "30", "threshold_trigger_collection_enabled": "true",
				"threshold_trigger_rate_limit": "10", "snapshot_on_threshold_trigger": "true",
			},
			want: asic.BufmonSystemConfig{
				Enabled: true, CountersMode: asic.ModePeak, PeriodicCollectionEnabled: true,
				CollectionPeriod: 30, ThresholdTriggerCollectionEnabled: true,
				ThresholdTriggerRateLimit: 10, SnapshotOnThresholdTrigger: true,
			},
		},
		{
			name: "clamped",
			in:   map[string]string{"collection_period": "1", "threshold_trigger_rate_limit": "0"},
			want: asic.BufmonSystemConfig{CollectionPeriod: 5, ThresholdTriggerRateLimit: 60},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, ParseConfig(tc.in).BufmonSystemConfig); diff != "" {
				t.Errorf("ParseConfig (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigurationPushedToProvider(t *testing.T) {
	f := newFixture(t, map[string]string{"enabled": "true", "counters_mode": "peak"})
	f.run()
	got := f.asic.BufmonConfig()
	if !got.Enabled || got.CountersMode != asic.ModePeak {
		t.Errorf("provider config = %+v", got)
	}
	if f.asic.BufmonTriggerEnabled() {
		t.Error("threshold notifications on without threshold_trigger_collection_enabled")
	}
}

func TestThresholdCrossingCollects(t *testing.T) {
	f := newFixture(t,
		map[string]string{"enabled": "true", "threshold_trigger_collection_enabled": "true"},
		store.BufmonCounter{Name: "q0", HWUnitID: 0, Enabled: true, TriggerThreshold: threshold(100)},
		store.BufmonCounter{Name: "q1", HWUnitID: 0, Enabled: false},
	)
	f.run()
	if !f.asic.BufmonTriggerEnabled() {
		t.Fatal("threshold notifications not registered")
	}
	f.collected()
	if c := f.counter("q0"); c.CounterValue != 0 || c.Status != "ok" {
		t.Errorf("q0 = %+v", c)
	}
	if ts := f.st.System.First().BufmonInfo[keyLastCollection]; ts != "5000" {
		t.Errorf("last_collection_timestamp = %q", ts)
	}

	f.asic.SetBufmonValue(0, "q0", 150)
	f.run()
	f.collected()
	if c := f.counter("q0"); c.CounterValue != 150 || c.Status != "triggered" {
		t.Errorf("q0 after crossing = %+v", c)
	}
	if c := f.counter("q1"); c.Status != "" {
		t.Errorf("disabled counter written: %+v", c)
	}
}

func TestTriggerRateLimit(t *testing.T) {
	f := newFixture(t,
		map[string]string{
			"enabled": "true", "threshold_trigger_collection_enabled": "true",
			"threshold_trigger_rate_limit": "1",
		},
		store.BufmonCounter{Name: "q0", Enabled: true, TriggerThreshold: threshold(10)},
	)
	f.run()
	f.collected()

	f.asic.SetBufmonValue(0, "q0", 20)
	f.run()
	if !f.asic.BufmonTriggerEnabled() {
		t.Fatal("first notification should be within the limit")
	}
	f.asic.SetBufmonValue(0, "q0", 30)
	f.run()
	if f.asic.BufmonTriggerEnabled() {
		t.Fatal("notifications still on over the rate limit")
	}

	f.clock.Add(TriggerHoldoff)
	f.run()
	if !f.asic.BufmonTriggerEnabled() {
		t.Error("notifications not re-enabled after the holdoff")
	}
}

func TestDisablingTurnsNotificationsOff(t *testing.T) {
	f := newFixture(t,
		map[string]string{"enabled": "true", "threshold_trigger_collection_enabled": "true"},
		store.BufmonCounter{Name: "q0", Enabled: true},
	)
	f.run()
	if !f.asic.BufmonTriggerEnabled() {
		t.Fatal("threshold notifications not registered")
	}

	txn := f.st.NewTxn()
	f.st.System.Update(txn, f.sysID, func(s *store.System) { s.BufmonConfig = map[string]string{"enabled": "false"} })
	if st := txn.Commit(); !st.OK() {
		t.Fatalf("commit: %s", st)
	}
	f.run()
	if f.asic.BufmonTriggerEnabled() {
		t.Error("threshold notifications still on")
	}
}
