package callmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "callmetrics"

// PrometheusCollector exposes the aggregate table and the persistence
// pipeline counters of a Collector to a Prometheus registry.
type PrometheusCollector struct {
	table    *Table
	pipeline *pipelineMetrics

	calls    *prometheus.Desc
	duration *prometheus.Desc
	errors   *prometheus.Desc
	pipe     map[string]pipelineDesc
}

type pipelineDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
}

// Ensure PrometheusCollector satisfies prometheus.Collector at compile time.
var _ prometheus.Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a Prometheus collector reading from c
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	p := &PrometheusCollector{
		table:    c.table,
		pipeline: c.metrics,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "", "function_calls_total"),
			"Total number of instrumented calls per function",
			[]string{"function"}, nil),
		duration: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "", "function_duration_seconds_total"),
			"Cumulative execution time in seconds per function",
			[]string{"function"}, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(promNamespace, "", "function_errors_total"),
			"Total number of failed instrumented calls per function",
			[]string{"function"}, nil),
		pipe: make(map[string]pipelineDesc),
	}

	help := map[string]string{
		"queue_depth":               "Snapshots waiting in the persistence queue",
		"queue_capacity":            "Capacity of the persistence queue",
		"queue_pending":             "Snapshots accepted but not yet handled by the worker",
		"snapshots_enqueued_total":  "Snapshots accepted by the persistence queue",
		"snapshots_dropped_total":   "Snapshots dropped because the queue stayed full",
		"snapshots_refused_total":   "Snapshots refused after shutdown began",
		"snapshots_persisted_total": "Snapshots written to the durable store",
		"store_write_retries_total": "Retried durable store writes",
		"store_write_faults_total":  "Snapshots dropped after exhausting write retries",
	}
	for _, m := range p.pipeline.Collect() {
		vt := prometheus.CounterValue
		if m.MetricType == Gauge {
			vt = prometheus.GaugeValue
		}
		p.pipe[m.Name] = pipelineDesc{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(promNamespace, "", m.Name), help[m.Name], nil, nil),
			valueType: vt,
		}
	}
	return p
}

// Describe implements prometheus.Collector
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.calls
	ch <- p.duration
	ch <- p.errors
	for _, d := range p.pipe {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range p.table.Snapshots() {
		ch <- prometheus.MustNewConstMetric(p.calls, prometheus.CounterValue, float64(s.Calls), s.Function)
		ch <- prometheus.MustNewConstMetric(p.duration, prometheus.CounterValue, s.TotalTime, s.Function)
		ch <- prometheus.MustNewConstMetric(p.errors, prometheus.CounterValue, float64(s.Errors), s.Function)
	}
	for _, m := range p.pipeline.Collect() {
		if d, ok := p.pipe[m.Name]; ok {
			ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, m.Value)
		}
	}
}
