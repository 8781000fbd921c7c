// Package engine runs the reconfiguration pipeline. Every time the store
// sequence advances it diffs bridges, VRFs, ports and interfaces against the
// world model, programs the datapath provider in a fixed phase order, emits
// the reconfigure blocks plugins hook into, and writes operational state back
// to the store.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/l3"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
	"github.com/glennswest/switchd/pkg/world"
)

// VRFDatapathType is the datapath type every VRF is created with.
const VRFDatapathType = "vrf"

// Job is periodic work the loop drives between reconfigures, such as the
// statistics sweep or neighbor hit-bit polling.
type Job interface {
	Name() string
	Run(now time.Time)
	Wait(p *poll.Poller)
}

// Lifecycle is the plugin fan-out the loop calls each iteration.
type Lifecycle interface {
	Run()
	Wait(p *poll.Poller)
}

// Options configures an Engine.
type Options struct {
	Host *plugins.Host
	// Plugins is driven on every loop iteration when set.
	Plugins Lifecycle
	// LockName is the store lock owner. Empty means the lock is not used.
	LockName string
}

// Engine owns the world model and runs on a single goroutine.
type Engine struct {
	log  *zap.SugaredLogger
	warn *logging.Limited

	host    *plugins.Host
	st      *store.Store
	buses   *blocks.Buses
	classes *asic.Classes
	netdevs *netdev.Registry
	exts    *extension.Registry
	plugins Lifecycle

	world *world.World
	l3    *l3.Reconciler
	wb    *store.Writeback

	// seqno is the store sequence the last reconfigure caught up to; since
	// is what the running pass diffs against.
	seqno     uint64
	since     uint64
	reconfAll bool
	staleDPs  []asic.Datapath
	// Per-pass state.
	configured map[*world.Port]bool
	touched    map[*world.Port]bool
	newDPs     map[*world.Bridge]bool

	lockName    string
	locked      bool
	lockChecked bool

	jobs   []Job
	status *statusUpdater

	wbTxn     *store.Txn
	wbMark    int
	wbRetryAt time.Time

	initialized bool
}

// New returns an engine bound to the daemon's host. The neighbor hit-bit job
// is always installed; AddJob adds more.
func New(opts Options) *Engine {
	h := opts.Host
	log := h.Log.Named("engine")
	wb := store.NewWriteback()
	e := &Engine{
		log:        log,
		warn:       logging.Default(log),
		host:       h,
		st:         h.Store,
		buses:      h.Buses,
		classes:    h.Classes,
		netdevs:    h.Netdevs,
		exts:       h.Extensions,
		plugins:    opts.Plugins,
		world:      world.New(),
		wb:         wb,
		reconfAll:  true,
		configured: make(map[*world.Port]bool),
		touched:    make(map[*world.Port]bool),
		lockName:   opts.LockName,
	}
	e.l3 = l3.New(h.Log, h.Store, wb)
	e.status = newStatusUpdater(log, h.Store, e.world)
	e.jobs = append(e.jobs, l3.NewHitBit(h.Log, h.Store, e.world))
	return e
}

// World returns the model. It must only be touched from the loop goroutine.
func (e *Engine) World() *world.World { return e.world }

// Seqno returns the store sequence the last reconfigure caught up to.
func (e *Engine) Seqno() uint64 { return e.seqno }

// Locked reports whether the engine holds the store lock.
func (e *Engine) Locked() bool { return e.locked }

// AddJob installs a periodic job.
func (e *Engine) AddJob(j Job) { e.jobs = append(e.jobs, j) }

// Init registers the engine's own reconfigure callbacks and runs the
// one-shot BRIDGE_INIT and INIT_RUN blocks. It must be called after plugins
// have initialized and before the first RunOnce.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	if err := e.l3.Register(e.buses); err != nil {
		return err
	}
	e.buses.Reconfigure.Execute(blocks.BridgeInit, &blocks.ReconfigureParams{Store: e.st, World: e.world})
	e.buses.Run.Execute(blocks.InitRun, &blocks.RunParams{Store: e.st, Seqno: e.st.Seqno()})
	e.initialized = true
	return nil
}

// Close destroys every datapath, closes every netdev and releases the store
// lock.
func (e *Engine) Close() {
	e.destroyAll()
	if e.lockName != "" && e.locked {
		e.st.Unlock(e.lockName)
		e.locked = false
	}
}

func (e *Engine) asicPlugin() asic.ASICPlugin {
	p, err := extension.Lookup[asic.ASICPlugin](e.exts, asic.ASICPluginName, asic.ASICPluginMajor, asic.ASICPluginMinor)
	if err != nil {
		return nil
	}
	return p
}

func (e *Engine) qosPlugin() asic.QoSPlugin {
	p, err := extension.Lookup[asic.QoSPlugin](e.exts, asic.QoSPluginName, asic.QoSPluginMajor, asic.QoSPluginMinor)
	if err != nil {
		return nil
	}
	return p
}

// destroyAll tears down the whole model, as when the store lock is lost.
func (e *Engine) destroyAll() {
	for _, b := range e.world.Bridges {
		e.destroyBridge(b)
	}
	for _, v := range e.world.VRFs {
		e.destroyVRF(v)
	}
	e.destroyStaleDatapaths()
}
