// Package metrics provides a small abstraction for recording operational
// metrics, with a Prometheus-backed implementation. Components record against
// well-known metric names; the backend owns registration and exposition.
package metrics

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
	RegisterWithLabels(name, metricType, help string, labels []string)
	RecordWithLabels(name string, value float64, labelValues ...string)
}

// Metric names recorded by the ingestion pipeline.
const (
	JobsProcessedTotal   = "tenderflow_jobs_processed_total"
	JobFailuresTotal     = "tenderflow_job_failures_total"
	JobDurationSeconds   = "tenderflow_job_duration_seconds"
	BatchesFinalized     = "tenderflow_batches_finalized_total"
	QueueReadyDepth      = "tenderflow_queue_ready_depth"
	QueueProcessingDepth = "tenderflow_queue_processing_depth"
	QueueDelayedDepth    = "tenderflow_queue_delayed_depth"
	QueueDeadDepth       = "tenderflow_queue_dead_depth"
)

// RegisterPipelineMetrics registers every metric the worker records.
func RegisterPipelineMetrics(m Metrics) {
	m.RegisterWithLabels(JobsProcessedTotal, "Counter", "Settled queue jobs by type and outcome", []string{"type", "outcome"})
	m.RegisterWithLabels(JobFailuresTotal, "Counter", "File processing failures by error kind", []string{"kind"})
	m.Register(JobDurationSeconds, "Histogram", "Wallclock duration of file processing attempts")
	m.Register(BatchesFinalized, "Counter", "Batches moved to a terminal state")
	m.Register(QueueReadyDepth, "Gauge", "Envelopes waiting on the main queue")
	m.Register(QueueProcessingDepth, "Gauge", "Envelopes reserved and in flight")
	m.Register(QueueDelayedDepth, "Gauge", "Envelopes parked for delayed retry")
	m.Register(QueueDeadDepth, "Gauge", "Envelopes on the dead-letter list")
}

// Noop discards every recording. Used where metrics are not wired, such as
// tests.
type Noop struct{}

func (Noop) Register(name, metricType, help string)                             {}
func (Noop) Record(name string, value float64)                                  {}
func (Noop) RegisterWithLabels(name, metricType, help string, labels []string)  {}
func (Noop) RecordWithLabels(name string, value float64, labelValues ...string) {}
