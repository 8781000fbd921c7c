// Package subsystem is the built-in plugin for subsystems: system parts
// such as a management module whose interfaces belong to no bridge or VRF.
// Their netdevs are opened as "system" devices so the statistics sweep can
// report on them.
package subsystem

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
)

// PluginName is the built-in name used in plugin manifests.
const PluginName = "subsystem"

const netdevType = "system"

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin { return New() })
}

// Subsystem is one configured subsystem and its open interfaces.
type Subsystem struct {
	Name   string
	UUID   uuid.UUID
	Cfg    *store.Subsystem
	Ifaces map[string]*Interface
}

// Interface is an open subsystem interface.
type Interface struct {
	Name   string
	UUID   uuid.UUID
	Cfg    *store.Interface
	Netdev netdev.Netdev
}

// SortedIfaces returns the interfaces ordered by name.
func (s *Subsystem) SortedIfaces() []*Interface {
	out := make([]*Interface, 0, len(s.Ifaces))
	for _, i := range s.Ifaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Plugin reconciles subsystems at INIT_RECONFIGURE. It is only touched from
// the main loop.
type Plugin struct {
	log     *zap.SugaredLogger
	warn    *logging.Limited
	st      *store.Store
	netdevs *netdev.Registry
	buses   *blocks.Buses

	subsystems map[string]*Subsystem
	registered bool
}

var _ plugins.Plugin = (*Plugin)(nil)

// New returns an uninitialized plugin.
func New() *Plugin {
	return &Plugin{
		log:        zap.NewNop().Sugar(),
		subsystems: make(map[string]*Subsystem),
	}
}

// Init hooks INIT_RECONFIGURE on phase 0.
func (p *Plugin) Init(h *plugins.Host, phaseID int) error {
	if p.registered || phaseID != 0 {
		return nil
	}
	p.log = h.Log.Named(PluginName)
	p.warn = logging.Default(p.log)
	p.st = h.Store
	p.netdevs = h.Netdevs
	p.buses = h.Buses

	err := h.Buses.Reconfigure.Register(blocks.InitReconfigure, blocks.NoPriority, PluginName,
		func(_ blocks.ReconfigureBlock, params *blocks.ReconfigureParams) error {
			p.Reconfigure(params.Seqno)
			return nil
		})
	if err != nil {
		return err
	}
	p.registered = true
	return nil
}

func (p *Plugin) Run(*plugins.Host) error { return nil }

func (p *Plugin) Wait(*plugins.Host, *poll.Poller) {}

// Destroy closes every subsystem netdev.
func (p *Plugin) Destroy(*plugins.Host) error {
	for _, s := range p.subsystems {
		p.remove(s)
	}
	return nil
}

// Subsystems returns the configured subsystems ordered by name.
func (p *Plugin) Subsystems() []*Subsystem {
	out := make([]*Subsystem, 0, len(p.subsystems))
	for _, s := range p.subsystems {
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Reconfigure brings the subsystems in line with the root row, looking at
// rows changed after seqno.
func (p *Plugin) Reconfigure(seqno uint64) {
	wanted := make(map[string]*store.Subsystem)
	if sys := p.st.System.First(); sys != nil {
		for _, id := range sys.Subsystems {
			row := p.st.Subsystems.Get(id)
			if row == nil {
				continue
			}
			if _, dup := wanted[row.Name]; dup {
				p.warn.Warnw("subsystem specified twice", "subsystem", row.Name)
				continue
			}
			wanted[row.Name] = row
		}
	}

	for name, s := range p.subsystems {
		if _, keep := wanted[name]; !keep {
			p.log.Infow("deleting subsystem", "subsystem", name)
			p.remove(s)
		}
	}

	names := make([]string, 0, len(wanted))
	for name := range wanted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := wanted[name]
		s := p.subsystems[name]
		if s == nil {
			p.log.Infow("adding subsystem", "subsystem", name)
			s = &Subsystem{Name: name, Ifaces: make(map[string]*Interface)}
			p.subsystems[name] = s
		}
		s.UUID, s.Cfg = row.UUID, row
		p.reconfigureIfaces(s, seqno)
	}
}

func (p *Plugin) reconfigureIfaces(s *Subsystem, seqno uint64) {
	wanted := make(map[string]*store.Interface)
	for _, id := range s.Cfg.Interfaces {
		row := p.st.Interfaces.Get(id)
		if row == nil {
			continue
		}
		if _, dup := wanted[row.Name]; dup {
			p.warn.Warnw("subsystem interface specified twice", "subsystem", s.Name, "iface", row.Name)
			continue
		}
		wanted[row.Name] = row
	}

	for name, i := range s.Ifaces {
		if _, keep := wanted[name]; !keep {
			p.closeIface(s, i)
			delete(s.Ifaces, name)
		}
	}

	names := make([]string, 0, len(wanted))
	for name := range wanted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := wanted[name]
		i := s.Ifaces[name]
		if i == nil {
			if p.netdevs.IsReservedName(name) {
				p.warn.Warnw("subsystem interface name is reserved", "subsystem", s.Name, "iface", name)
				continue
			}
			nd, err := p.netdevs.Open(name, netdevType)
			if err != nil {
				p.warn.Warnw("opening subsystem interface", "subsystem", s.Name, "iface", name, "error", err)
				continue
			}
			i = &Interface{Name: name, Netdev: nd}
			s.Ifaces[name] = i
			i.UUID, i.Cfg = row.UUID, row
			p.pushHWInfo(s, i)
			p.buses.Stats.Execute(blocks.StatsSubsystemCreateNetdev, &blocks.StatsParams{
				Store:     p.st,
				Seqno:     seqno,
				Netdev:    nd,
				Interface: row,
				Subsystem: s.Cfg,
			})
			continue
		}
		i.UUID, i.Cfg = row.UUID, row
		if p.st.Interfaces.IsModified(row.UUID, seqno) {
			p.pushHWInfo(s, i)
		}
	}
}

func (p *Plugin) pushHWInfo(s *Subsystem, i *Interface) {
	if err := i.Netdev.SetHWIntfInfo(i.Cfg.HWIntfInfo); err != nil {
		p.log.Warnw("setting hw_intf_info", "subsystem", s.Name, "iface", i.Name, "error", err)
	}
}

func (p *Plugin) remove(s *Subsystem) {
	for _, i := range s.Ifaces {
		p.closeIface(s, i)
	}
	delete(p.subsystems, s.Name)
}

func (p *Plugin) closeIface(s *Subsystem, i *Interface) {
	if err := i.Netdev.Close(); err != nil {
		p.log.Debugw("closing subsystem interface", "subsystem", s.Name, "iface", i.Name, "error", err)
	}
}
