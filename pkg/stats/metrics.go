package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/netdev"
)

const (
	namespace = "switchd"

	labelInterface = "interface"
	labelCounter   = "counter"
	labelBridge    = "bridge"
	labelMirror    = "mirror"
	labelTarget    = "target"
)

// Metrics are the gauges refreshed by every sweep. Series of entities that
// disappear are dropped on the next sweep.
type Metrics struct {
	iface      *prometheus.GaugeVec
	linkUp     *prometheus.GaugeVec
	mirror     *prometheus.GaugeVec
	controller *prometheus.GaugeVec
	sweeps     prometheus.Counter
	failures   prometheus.Counter
}

// NewMetrics returns unregistered gauges.
func NewMetrics() *Metrics {
	return &Metrics{
		iface: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interface_statistic",
			Help:      "Interface counters read from the netdev at the last sweep.",
		}, []string{labelInterface, labelCounter}),
		linkUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interface_link_up",
			Help:      "1 when the interface has carrier.",
		}, []string{labelInterface}),
		mirror: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirror_statistic",
			Help:      "Mirror session counters.",
		}, []string{labelBridge, labelMirror, labelCounter}),
		controller: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_connected",
			Help:      "1 when the bridge is connected to the controller target.",
		}, []string{labelBridge, labelTarget}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_sweeps_total",
			Help:      "Statistics sweeps started.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_commit_failures_total",
			Help:      "Statistics transactions that did not commit.",
		}),
	}
}

// Collectors returns everything to register with a prometheus registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.iface, m.linkUp, m.mirror, m.controller, m.sweeps, m.failures}
}

func (m *Metrics) reset() {
	m.iface.Reset()
	m.linkUp.Reset()
	m.mirror.Reset()
	m.controller.Reset()
}

func (m *Metrics) setIface(name string, st netdev.Stats, up bool) {
	for k, v := range st.Map() {
		m.iface.WithLabelValues(name, k).Set(float64(v))
	}
	m.linkUp.WithLabelValues(name).Set(boolGauge(up))
}

func (m *Metrics) setMirror(bridge, mirror string, st asic.MirrorStats) {
	m.mirror.WithLabelValues(bridge, mirror, "tx_packets").Set(float64(st.TxPackets))
	m.mirror.WithLabelValues(bridge, mirror, "tx_bytes").Set(float64(st.TxBytes))
}

func (m *Metrics) setController(bridge, target string, connected bool) {
	m.controller.WithLabelValues(bridge, target).Set(boolGauge(connected))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
