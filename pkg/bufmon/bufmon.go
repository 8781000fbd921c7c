// Package bufmon is the built-in buffer-monitor plugin. A single worker
// goroutine reads buffer occupancy counters from the provider, either
// periodically or when a counter crosses its threshold, and the main loop
// copies the results into the store.
//
// The worker and the main loop share the configuration and the counter
// list under mu. The main loop wakes the worker through kick; the worker
// announces new results by changing ready.
package bufmon

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/seq"
	"github.com/glennswest/switchd/pkg/store"
)

// PluginName is the built-in name used in plugin manifests.
const PluginName = "bufmon"

const (
	// MinCollectionPeriod is the shortest periodic collection accepted.
	MinCollectionPeriod = 5 * time.Second
	// TriggerHoldoff is how long threshold notifications stay off after the
	// rate limit is exceeded.
	TriggerHoldoff = 60 * time.Second

	defaultRateLimit = 60

	keyEnabled        = "enabled"
	keyCountersMode   = "counters_mode"
	keyPeriodic       = "periodic_collection_enabled"
	keyPeriod         = "collection_period"
	keyTrigger        = "threshold_trigger_collection_enabled"
	keyRateLimit      = "threshold_trigger_rate_limit"
	keySnapshot       = "snapshot_on_threshold_trigger"
	keyLastCollection = "last_collection_timestamp"
)

var counterValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "switchd",
	Subsystem: "bufmon",
	Name:      "counter_value",
	Help:      "Last collected buffer occupancy.",
}, []string{"hw_unit", "counter"})

// Collectors returns the metrics kept by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{counterValue}
}

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin { return New() })
}

// Config is the parsed bufmon_config column.
type Config struct {
	asic.BufmonSystemConfig
}

// ParseConfig reads the root row's bufmon_config column.
func ParseConfig(m map[string]string) Config {
	c := Config{asic.BufmonSystemConfig{
		Enabled:                           store.SmapGetBool(m, keyEnabled, false),
		PeriodicCollectionEnabled:         store.SmapGetBool(m, keyPeriodic, false),
		CollectionPeriod:                  store.SmapGetInt(m, keyPeriod, int(MinCollectionPeriod/time.Second)),
		ThresholdTriggerCollectionEnabled: store.SmapGetBool(m, keyTrigger, false),
		ThresholdTriggerRateLimit:         store.SmapGetInt(m, keyRateLimit, defaultRateLimit),
		SnapshotOnThresholdTrigger:        store.SmapGetBool(m, keySnapshot, false),
	}}
	if store.SmapGet(m, keyCountersMode, "current") == "peak" {
		c.CountersMode = asic.ModePeak
	}
	if min := int(MinCollectionPeriod / time.Second); c.CollectionPeriod < min {
		c.CollectionPeriod = min
	}
	if c.ThresholdTriggerRateLimit <= 0 {
		c.ThresholdTriggerRateLimit = defaultRateLimit
	}
	return c
}

// Period is the periodic collection interval.
func (c Config) Period() time.Duration {
	return time.Duration(c.CollectionPeriod) * time.Second
}

type counter struct {
	id uuid.UUID
	asic.BufmonCounter
}

type Plugin struct {
	log  *zap.SugaredLogger
	warn *logging.Limited
	st   *store.Store
	cls  *asic.Classes

	// Guarded by mu.
	mu       sync.Mutex
	cfg      Config
	counters []counter
	results  []counter
	takenAt  time.Time

	kick  chan struct{}
	ready *seq.Seq
	seen  uint64

	trigger     *seq.Seq
	triggerSeen uint64
	limiter     *rate.Limiter
	triggerOn   bool
	holdUntil   time.Time

	cancel  context.CancelFunc
	group   *errgroup.Group
	pending []counter
	pendAt  time.Time

	storeSeq   uint64
	registered bool
	now        func() time.Time
}

var _ plugins.Plugin = (*Plugin)(nil)

func New() *Plugin {
	return &Plugin{
		log:   zap.NewNop().Sugar(),
		kick:  make(chan struct{}, 1),
		ready: seq.New(),
		now:   time.Now,
	}
}

func (p *Plugin) Init(h *plugins.Host, phaseID int) error {
	if p.registered || phaseID != 0 {
		return nil
	}
	p.log = h.Log.Named(PluginName)
	p.warn = logging.Default(p.log)
	p.st = h.Store
	p.cls = h.Classes
	p.trigger = h.Classes.BufmonTrigger()
	p.triggerSeen = p.trigger.Read()
	p.seen = p.ready.Read()
	p.registered = true
	return nil
}

func (p *Plugin) provider() asic.BufmonProvider {
	if p.cls == nil {
		return nil
	}
	return p.cls.Bufmon()
}

// Run applies configuration changes, handles threshold notifications and
// writes finished collections to the store.
func (p *Plugin) Run(*plugins.Host) error {
	prov := p.provider()
	if prov == nil {
		return nil
	}
	if p.group == nil {
		p.start(prov)
	}
	now := p.now()

	if s := p.st.Seqno(); s != p.storeSeq {
		p.storeSeq = s
		p.reconfigure(prov)
	}

	if !p.holdUntil.IsZero() && !now.Before(p.holdUntil) {
		p.holdUntil = time.Time{}
		p.setTrigger(prov, true)
	}

	if t := p.trigger.Read(); t != p.triggerSeen {
		p.triggerSeen = t
		p.thresholdCrossed(prov, now)
	}

	if r := p.ready.Read(); r != p.seen {
		p.seen = r
		p.mu.Lock()
		p.pending, p.pendAt = p.results, p.takenAt
		p.results = nil
		p.mu.Unlock()
	}
	if p.pending != nil {
		p.write()
	}
	return nil
}

func (p *Plugin) Wait(_ *plugins.Host, poller *poll.Poller) {
	if p.provider() == nil {
		return
	}
	poller.Wait(p.ready.Wait(p.seen))
	poller.Wait(p.trigger.Wait(p.triggerSeen))
	poller.Wait(p.st.Changed(p.storeSeq))
	if !p.holdUntil.IsZero() {
		poller.TimerWaitUntil(p.holdUntil)
	}
	if p.pending != nil {
		poller.TimerWait(100 * time.Millisecond)
	}
}

// Destroy stops the worker and turns threshold notifications off.
func (p *Plugin) Destroy(*plugins.Host) error {
	if p.group == nil {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	p.group = nil
	if prov := p.provider(); prov != nil && p.triggerOn {
		prov.TriggerRegister(false)
		p.triggerOn = false
	}
	return err
}

func (p *Plugin) start(prov asic.BufmonProvider) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cancel, p.group = cancel, g
	g.Go(func() error { return p.worker(ctx, prov) })
}

func (p *Plugin) reconfigure(prov asic.BufmonProvider) {
	var cfg Config
	if sys := p.st.System.First(); sys != nil {
		cfg = ParseConfig(sys.BufmonConfig)
	}

	rows := p.st.BufmonCounters.All()
	counters := make([]counter, 0, len(rows))
	for _, r := range rows {
		c := counter{id: r.UUID, BufmonCounter: asic.BufmonCounter{
			Name:       r.Name,
			HWUnitID:   r.HWUnitID,
			Enabled:    r.Enabled,
			VendorInfo: r.CounterVendorSpecificInfo,
		}}
		if r.TriggerThreshold != nil {
			c.TriggerThreshold = *r.TriggerThreshold
		}
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool {
		if counters[i].HWUnitID != counters[j].HWUnitID {
			return counters[i].HWUnitID < counters[j].HWUnitID
		}
		return counters[i].Name < counters[j].Name
	})

	p.mu.Lock()
	cfgChanged := cfg != p.cfg
	old := p.counters
	p.mu.Unlock()

	var pushed bool
	if cfgChanged {
		p.log.Infow("buffer monitoring configured", "enabled", cfg.Enabled,
			"periodic", cfg.PeriodicCollectionEnabled, "period", cfg.Period(),
			"threshold_trigger", cfg.ThresholdTriggerCollectionEnabled)
		prov.SystemConfig(&cfg.BufmonSystemConfig)
		limit := rate.Limit(float64(cfg.ThresholdTriggerRateLimit) / 60)
		p.limiter = rate.NewLimiter(limit, cfg.ThresholdTriggerRateLimit)
		pushed = true
	}
	for i := range counters {
		if !cfgChanged && i < len(old) && reflect.DeepEqual(old[i], counters[i]) {
			continue
		}
		prov.CounterConfig(&counters[i].BufmonCounter)
		pushed = true
	}
	if !pushed && len(old) == len(counters) {
		return
	}

	p.mu.Lock()
	p.cfg = cfg
	p.counters = counters
	p.mu.Unlock()

	want := cfg.Enabled && cfg.ThresholdTriggerCollectionEnabled
	if p.holdUntil.IsZero() {
		p.setTrigger(prov, want)
	} else if !want {
		p.holdUntil = time.Time{}
	}
	p.wake()
}

func (p *Plugin) setTrigger(prov asic.BufmonProvider, on bool) {
	if p.triggerOn == on {
		return
	}
	prov.TriggerRegister(on)
	p.triggerOn = on
}

// thresholdCrossed starts a collection unless notifications arrive faster
// than the configured rate. Over the limit, notifications are switched off
// for TriggerHoldoff.
func (p *Plugin) thresholdCrossed(prov asic.BufmonProvider, now time.Time) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	if !cfg.Enabled || !cfg.ThresholdTriggerCollectionEnabled || p.limiter == nil {
		return
	}
	if !p.limiter.AllowN(now, 1) {
		p.warn.Warnw("threshold notifications over rate limit, pausing",
			"limit_per_minute", cfg.ThresholdTriggerRateLimit, "holdoff", TriggerHoldoff)
		p.setTrigger(prov, false)
		p.holdUntil = now.Add(TriggerHoldoff)
		return
	}
	if cfg.SnapshotOnThresholdTrigger || !cfg.PeriodicCollectionEnabled {
		p.wake()
	}
}

func (p *Plugin) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Plugin) worker(ctx context.Context, prov asic.BufmonProvider) error {
	for {
		p.mu.Lock()
		cfg := p.cfg
		p.mu.Unlock()

		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if cfg.Enabled && cfg.PeriodicCollectionEnabled {
			timer = time.NewTimer(cfg.Period())
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-p.kick:
		case <-tick:
		}
		if timer != nil {
			timer.Stop()
		}
		p.collect(prov)
	}
}

func (p *Plugin) collect(prov asic.BufmonProvider) {
	p.mu.Lock()
	if !p.cfg.Enabled || len(p.counters) == 0 {
		p.mu.Unlock()
		return
	}
	batch := make([]asic.BufmonCounter, 0, len(p.counters))
	ids := make([]uuid.UUID, 0, len(p.counters))
	for _, c := range p.counters {
		if c.Enabled {
			batch = append(batch, c.BufmonCounter)
			ids = append(ids, c.id)
		}
	}
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	prov.CounterStats(batch)
	out := make([]counter, len(batch))
	for i, c := range batch {
		if c.Status == asic.BufmonStatusOK && c.TriggerThreshold > 0 && c.Value >= c.TriggerThreshold {
			c.Status = asic.BufmonStatusTriggered
		}
		out[i] = counter{id: ids[i], BufmonCounter: c}
	}

	p.mu.Lock()
	p.results = out
	p.takenAt = p.now()
	p.mu.Unlock()
	p.ready.Change()
}

// write copies the last collection into the store. A commit that should be
// retried keeps the results for the next Run.
func (p *Plugin) write() {
	txn := p.st.NewTxn()
	for _, c := range p.pending {
		c := c
		p.st.BufmonCounters.UpdateIfExists(txn, c.id, func(r *store.BufmonCounter) {
			r.CounterValue = c.Value
			r.Status = c.Status.String()
		})
		counterValue.WithLabelValues(strconv.Itoa(c.HWUnitID), c.Name).Set(float64(c.Value))
	}
	if sys := p.st.System.First(); sys != nil {
		ts := strconv.FormatInt(p.pendAt.Unix(), 10)
		p.st.System.UpdateIfExists(txn, sys.UUID, func(r *store.System) {
			if r.BufmonInfo == nil {
				r.BufmonInfo = make(map[string]string)
			}
			r.BufmonInfo[keyLastCollection] = ts
		})
	}
	switch st := txn.Commit(); {
	case st.OK():
		p.pending = nil
	case st == store.TryAgain || st == store.Incomplete:
		p.log.Debugw("buffer counters not committed, retrying", "status", st.String())
	default:
		p.log.Warnw("writing buffer counters", "status", st.String(), "error", txn.Err())
		p.pending = nil
	}
}
