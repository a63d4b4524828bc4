// Package monitor exposes gossip runtime counters to Prometheus.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every exported metric name.
const Namespace = "gossipnet"

// ExporterConf gates and addresses the scrape endpoint.
type ExporterConf struct {
	Enable  bool   `mapstructure:"enable"`
	Address string `mapstructure:"address"`
}

// Source yields cumulative counters keyed by metric name.
type Source interface {
	Snapshot() map[string]uint64
}

// NewDesc builds a descriptor under the package namespace.
func NewDesc(subsystem, metricName, docString string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, subsystem, metricName),
		docString,
		labels,
		nil)
}

// StatsExporter republishes a Source's counter snapshot, one counter
// per key. The key set is fixed at construction.
type StatsExporter struct {
	source Source
	descs  map[string]*prometheus.Desc
}

func NewStatsExporter(subsystem string, src Source) *StatsExporter {
	descs := make(map[string]*prometheus.Desc)
	for name := range src.Snapshot() {
		descs[name] = NewDesc(subsystem, name, "Cumulative "+name+".", nil)
	}
	return &StatsExporter{source: src, descs: descs}
}

func (e *StatsExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range e.descs {
		ch <- d
	}
}

func (e *StatsExporter) Collect(ch chan<- prometheus.Metric) {
	for name, v := range e.source.Snapshot() {
		d, ok := e.descs[name]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
}

// NewGaugeFunc exports a live reading under the package namespace.
func NewGaugeFunc(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// RunPrometheusExporter registers the collectors with the default
// registry and serves the scrape endpoint until the listener fails.
func RunPrometheusExporter(c *ExporterConf, collectors ...prometheus.Collector) error {
	prometheus.MustRegister(collectors...)
	http.Handle("/metrics", promhttp.Handler())
	logrus.Infof("prometheus exporter listening on http://%s/metrics", c.Address)
	return http.ListenAndServe(c.Address, nil)
}
