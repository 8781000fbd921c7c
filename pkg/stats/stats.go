// Package stats runs the periodic statistics sweep: interface counters and
// status, mirror counters and controller connection state are copied into
// the store in one transaction, and the stats bus is emitted along the way
// so plugins can add their own columns to the same transaction.
package stats

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/subsystem"
	"github.com/glennswest/switchd/pkg/world"
)

const (
	// MinInterval is the shortest sweep period accepted.
	MinInterval = 5 * time.Second
	// KeyInterval is the root other_config key holding the period in ms.
	KeyInterval = "stats-update-interval"

	pendingRecheck = 100 * time.Millisecond
)

// SubsystemSource lists the subsystems to sweep.
type SubsystemSource interface {
	Subsystems() []*subsystem.Subsystem
}

// Options configures a Sweeper.
type Options struct {
	// Interval is used when the root row sets no period.
	Interval   time.Duration
	Subsystems SubsystemSource
	Metrics    *Metrics
}

// Sweeper implements the engine's Job interface.
type Sweeper struct {
	log   *zap.SugaredLogger
	st    *store.Store
	buses *blocks.Buses
	world *world.World
	opts  Options

	txn  *store.Txn
	next time.Time
}

// New returns a sweeper that runs on its first Run call.
func New(log *zap.SugaredLogger, st *store.Store, buses *blocks.Buses, w *world.World, opts Options) *Sweeper {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &Sweeper{log: log.Named("stats"), st: st, buses: buses, world: w, opts: opts}
}

func (s *Sweeper) Name() string { return "statistics" }

// Interval returns the sweep period from the root row, never shorter than
// MinInterval.
func (s *Sweeper) Interval() time.Duration {
	d := s.opts.Interval
	if sys := s.st.System.First(); sys != nil {
		if ms := store.SmapGetInt(sys.OtherConfig, KeyInterval, 0); ms > 0 {
			d = time.Duration(ms) * time.Millisecond
		}
	}
	if d < MinInterval {
		d = MinInterval
	}
	return d
}

// Run finishes a pending transaction, or sweeps when the period elapsed.
func (s *Sweeper) Run(now time.Time) {
	if s.txn != nil {
		s.finish(s.txn.Commit())
		return
	}
	if now.Before(s.next) {
		return
	}
	s.next = now.Add(s.Interval())
	s.sweep()
}

// Wait wakes the loop for the pending transaction or the next sweep.
func (s *Sweeper) Wait(p *poll.Poller) {
	switch {
	case s.txn != nil:
		p.TimerWait(pendingRecheck)
	case s.next.IsZero():
		p.Immediate()
	default:
		p.TimerWaitUntil(s.next)
	}
}

func (s *Sweeper) finish(st store.Status) {
	if st == store.Incomplete {
		return
	}
	if !st.OK() {
		s.opts.Metrics.failures.Inc()
		s.log.Debugw("statistics not committed", "status", st.String(), "error", s.txn.Err())
	}
	s.txn = nil
}

func (s *Sweeper) sweep() {
	m := s.opts.Metrics
	m.sweeps.Inc()
	m.reset()

	txn := s.st.NewTxn()
	params := func() *blocks.StatsParams {
		return &blocks.StatsParams{Store: s.st, Seqno: s.st.Seqno(), Txn: txn}
	}
	bus := s.buses.Stats
	var nPorts, nIfaces int

	bus.Execute(blocks.StatsBegin, params())
	for _, b := range sortedBridges(s.world.Bridges) {
		p := params()
		p.Bridge = b
		bus.Execute(blocks.StatsPerBridge, p)
		nPorts, nIfaces = s.sweepPorts(txn, b, nil, blocks.StatsPerBridgePort, blocks.StatsPerBridgeNetdev, params, nPorts, nIfaces)
		s.sweepMirrors(txn, b)
		s.sweepControllers(txn, b)
	}
	for _, v := range sortedVRFs(s.world.VRFs) {
		p := params()
		p.VRF = v
		bus.Execute(blocks.StatsPerVRF, p)
		nPorts, nIfaces = s.sweepPorts(txn, v.Up, v, blocks.StatsPerVRFPort, blocks.StatsPerVRFNetdev, params, nPorts, nIfaces)
	}
	bus.Execute(blocks.StatsEnd, params())

	if src := s.opts.Subsystems; src != nil {
		bus.Execute(blocks.StatsSubsystemBegin, params())
		for _, sub := range src.Subsystems() {
			p := params()
			p.Subsystem = sub.Cfg
			bus.Execute(blocks.StatsPerSubsystem, p)
			for _, i := range sub.SortedIfaces() {
				s.writeIface(txn, i.UUID, i.Name, i.Netdev)
				p := params()
				p.Subsystem, p.Netdev, p.Interface = sub.Cfg, i.Netdev, i.Cfg
				bus.Execute(blocks.StatsPerSubsystemNetdev, p)
			}
		}
		bus.Execute(blocks.StatsSubsystemEnd, params())
	}

	if sys := s.st.System.First(); sys != nil {
		counts := map[string]int64{
			"bridges":    int64(len(s.world.Bridges)),
			"vrfs":       int64(len(s.world.VRFs)),
			"ports":      int64(nPorts),
			"interfaces": int64(nIfaces),
		}
		s.st.System.UpdateIfExists(txn, sys.UUID, func(r *store.System) {
			if r.Statistics == nil {
				r.Statistics = make(map[string]int64)
			}
			for k, v := range counts {
				r.Statistics[k] = v
			}
		})
	}

	s.txn = txn
	s.finish(txn.Commit())
}

func (s *Sweeper) sweepPorts(txn *store.Txn, b *world.Bridge, v *world.VRF, portBlk, netdevBlk blocks.StatsBlock,
	params func() *blocks.StatsParams, nPorts, nIfaces int) (int, int) {

	names := make([]string, 0, len(b.Ports))
	for name := range b.Ports {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		port := b.Ports[name]
		nPorts++
		p := params()
		p.Bridge, p.VRF, p.Port = b, v, port
		s.buses.Stats.Execute(portBlk, p)

		for _, i := range port.Ifaces {
			nIfaces++
			s.writeIface(txn, i.UUID, i.Name, i.Netdev)
			p := params()
			p.Bridge, p.VRF, p.Port, p.Netdev, p.Interface = b, v, port, i.Netdev, i.Cfg
			s.buses.Stats.Execute(netdevBlk, p)
		}
	}
	return nPorts, nIfaces
}

func (s *Sweeper) writeIface(txn *store.Txn, id uuid.UUID, name string, nd netdev.Netdev) {
	if nd == nil {
		return
	}
	counters, err := nd.Stats()
	if err != nil && !errors.Is(err, netdev.ErrNotSupported) {
		s.log.Debugw("reading interface statistics", "iface", name, "error", err)
		return
	}
	status, _ := nd.Status()
	up, _ := nd.Carrier()
	s.opts.Metrics.setIface(name, counters, up)

	s.st.Interfaces.UpdateIfExists(txn, id, func(r *store.Interface) {
		r.Statistics = counters.Map()
		if status != nil {
			r.Status = status
		}
	})
}

func (s *Sweeper) sweepMirrors(txn *store.Txn, b *world.Bridge) {
	if b.DP == nil {
		return
	}
	for id, m := range b.Mirrors {
		ms, err := b.DP.MirrorStats(id)
		if err != nil {
			if !errors.Is(err, asic.ErrNotSupported) && !errors.Is(err, asic.ErrNotFound) {
				s.log.Debugw("reading mirror statistics", "bridge", b.Name, "mirror", m.Name, "error", err)
			}
			continue
		}
		s.opts.Metrics.setMirror(b.Name, m.Name, ms)
		s.st.Mirrors.UpdateIfExists(txn, id, func(r *store.Mirror) {
			r.Statistics = map[string]int64{
				"tx_packets": int64(ms.TxPackets),
				"tx_bytes":   int64(ms.TxBytes),
			}
		})
	}
}

func (s *Sweeper) sweepControllers(txn *store.Txn, b *world.Bridge) {
	if b.DP == nil || b.Cfg == nil || len(b.Cfg.Controllers) == 0 {
		return
	}
	infos := b.DP.ControllerStatus()
	for _, id := range b.Cfg.Controllers {
		row := s.st.Controllers.Get(id)
		if row == nil {
			continue
		}
		info := infos[row.Target]
		s.opts.Metrics.setController(b.Name, row.Target, info.IsConnected)
		s.st.Controllers.UpdateIfExists(txn, id, func(r *store.Controller) {
			r.IsConnected = info.IsConnected
			r.Role = info.Role
		})
	}
}

func sortedBridges(m map[string]*world.Bridge) []*world.Bridge {
	out := make([]*world.Bridge, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedVRFs(m map[string]*world.VRF) []*world.VRF {
	out := make([]*world.VRF, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
