package callmetrics

import "time"

// pipelineMetrics reports the health of the persistence pipeline: queue
// occupancy, drops, and the worker's write outcomes.
type pipelineMetrics struct {
	queue  *Queue
	worker *Worker
}

func newPipelineMetrics(c *Collector) *pipelineMetrics {
	return &pipelineMetrics{queue: c.queue, worker: c.worker}
}

// Name implements MetricSource
func (p *pipelineMetrics) Name() string {
	return "pipeline"
}

// Collect implements MetricSource
func (p *pipelineMetrics) Collect() []Metric {
	now := time.Now()
	qs := p.queue.Stats()
	ws := p.worker.Stats()

	gauge := func(name string, v float64) Metric {
		return Metric{Name: name, Value: v, Labels: map[string]string{}, MetricType: Gauge, Timestamp: now}
	}
	counter := func(name string, v float64) Metric {
		return Metric{Name: name, Value: v, Labels: map[string]string{}, MetricType: Counter, Timestamp: now}
	}

	return []Metric{
		gauge("queue_depth", float64(qs.Depth)),
		gauge("queue_capacity", float64(qs.Capacity)),
		gauge("queue_pending", float64(qs.Pending)),
		counter("snapshots_enqueued_total", float64(qs.Accepted)),
		counter("snapshots_dropped_total", float64(qs.Dropped)),
		counter("snapshots_refused_total", float64(qs.Refused)),
		counter("snapshots_persisted_total", float64(ws.Persisted)),
		counter("store_write_retries_total", float64(ws.Retried)),
		counter("store_write_faults_total", float64(ws.Faults)),
	}
}
