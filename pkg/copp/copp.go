// Package copp is the built-in plugin that reports control-plane policing
// state. At the start of every statistics sweep it reads each protocol
// class from COPP_ASIC_PLUGIN and writes the result into the root row's
// copp_statistics column.
package copp

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/logging"
	"github.com/glennswest/switchd/pkg/plugins"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
)

// PluginName is the built-in name used in plugin manifests.
const PluginName = "copp"

// hwASIC is the unit queried. Multi-unit systems are not modelled.
const hwASIC = 0

var (
	packets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "switchd",
		Subsystem: "copp",
		Name:      "packets",
		Help:      "Packets seen by the control-plane policer of a class.",
	}, []string{"class", "result"})
	bytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "switchd",
		Subsystem: "copp",
		Name:      "bytes",
		Help:      "Bytes seen by the control-plane policer of a class.",
	}, []string{"class", "result"})
	rate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "switchd",
		Subsystem: "copp",
		Name:      "rate_pps",
		Help:      "Programmed policer rate of a class.",
	}, []string{"class"})
)

// Collectors returns the metrics kept by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{packets, bytes, rate}
}

func init() {
	plugins.RegisterBuiltin(PluginName, func() plugins.Plugin { return New() })
}

type Plugin struct {
	log        *zap.SugaredLogger
	warn       *logging.Limited
	exts       *extension.Registry
	registered bool
}

var _ plugins.Plugin = (*Plugin)(nil)

func New() *Plugin {
	return &Plugin{log: zap.NewNop().Sugar()}
}

func (p *Plugin) Init(h *plugins.Host, phaseID int) error {
	if p.registered || phaseID != 0 {
		return nil
	}
	p.log = h.Log.Named(PluginName)
	p.warn = logging.Default(p.log)
	p.exts = h.Extensions
	if err := h.Buses.Stats.Register(blocks.StatsBegin, blocks.NoPriority, PluginName, p.statsBegin); err != nil {
		return err
	}
	p.registered = true
	return nil
}

func (p *Plugin) Run(*plugins.Host) error { return nil }

func (p *Plugin) Wait(*plugins.Host, *poll.Poller) {}

func (p *Plugin) Destroy(*plugins.Host) error { return nil }

func (p *Plugin) statsBegin(_ blocks.StatsBlock, params *blocks.StatsParams) error {
	if params.Txn == nil {
		return nil
	}
	sys := params.Store.System.First()
	if sys == nil {
		return nil
	}
	cp, err := extension.Lookup[asic.CoPPPlugin](p.exts, asic.CoPPPluginName, asic.CoPPPluginMajor, asic.CoPPPluginMinor)
	if err != nil {
		return nil
	}

	out := Collect(cp, p.warn)
	params.Store.System.UpdateIfExists(params.Txn, sys.UUID, func(r *store.System) {
		r.CoPPStatistics = out
	})
	return nil
}

// Collect reads every class and returns the copp_statistics column. Each
// value is "rate,burst,local_priority,packets_passed,bytes_passed,
// packets_dropped,bytes_dropped". Classes the ASIC does not police are
// left out.
func Collect(cp asic.CoPPPlugin, warn *logging.Limited) map[string]string {
	out := make(map[string]string, asic.CoPPNumClasses)
	for c := asic.CoPPClass(0); c < asic.CoPPNumClasses; c++ {
		name := c.String()
		st, err := cp.StatsGet(hwASIC, c)
		if err == nil {
			var hw asic.CoPPHWStatus
			hw, err = cp.HWStatusGet(hwASIC, c)
			if err == nil {
				out[name] = fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d", hw.Rate, hw.Burst, hw.LocalPriority,
					st.PacketsPassed, st.BytesPassed, st.PacketsDropped, st.BytesDropped)
				export(name, st, hw)
				continue
			}
		}
		if !errors.Is(err, asic.ErrNotSupported) && warn != nil {
			warn.Warnw("reading copp class", "class", name, "error", err)
		}
		packets.DeleteLabelValues(name, "passed")
		packets.DeleteLabelValues(name, "dropped")
		bytes.DeleteLabelValues(name, "passed")
		bytes.DeleteLabelValues(name, "dropped")
		rate.DeleteLabelValues(name)
	}
	return out
}

func export(class string, st asic.CoPPStats, hw asic.CoPPHWStatus) {
	packets.WithLabelValues(class, "passed").Set(float64(st.PacketsPassed))
	packets.WithLabelValues(class, "dropped").Set(float64(st.PacketsDropped))
	bytes.WithLabelValues(class, "passed").Set(float64(st.BytesPassed))
	bytes.WithLabelValues(class, "dropped").Set(float64(st.BytesDropped))
	rate.WithLabelValues(class).Set(float64(hw.Rate))
}
