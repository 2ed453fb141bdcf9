package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memoir_pipelines_total",
			Help: "Total number of pipelines by state",
		},
		[]string{"state"},
	)

	StepsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_steps_executed_total",
			Help: "Total number of pipeline steps executed by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memoir_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	PipelinesPoisonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoir_pipelines_poisoned_total",
			Help: "Total number of pipelines moved to the poisoned state",
		},
	)

	// Queue metrics
	MessagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_queue_messages_enqueued_total",
			Help: "Total number of messages enqueued by queue",
		},
		[]string{"queue"},
	)

	MessagesPoisonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_queue_messages_poisoned_total",
			Help: "Total number of messages moved to a poison queue",
		},
		[]string{"queue"},
	)

	// Write-engine metrics
	OperationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_operations_enqueued_total",
			Help: "Total number of write operations enqueued by kind",
		},
		[]string{"kind"},
	)

	OperationsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoir_operations_cancelled_total",
			Help: "Total number of write operations superseded by a newer upsert",
		},
	)

	OperationsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoir_operations_completed_total",
			Help: "Total number of write operations completed",
		},
	)

	OperationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoir_operations_failed_total",
			Help: "Total number of write operations left failed-locked",
		},
	)

	OperationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoir_operation_duration_seconds",
			Help:    "Write operation execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Service metrics
	DocumentsImportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_documents_imported_total",
			Help: "Total number of documents imported by source kind",
		},
		[]string{"source"},
	)

	// Search metrics
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_searches_total",
			Help: "Total number of searches by result",
		},
		[]string{"result"},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoir_search_duration_seconds",
			Help:    "End-to-end ask/search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Embedding metrics
	EmbeddingsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoir_embeddings_generated_total",
			Help: "Total number of embeddings generated by model",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(PipelinesTotal)
	prometheus.MustRegister(StepsExecutedTotal)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(PipelinesPoisonedTotal)
	prometheus.MustRegister(MessagesEnqueuedTotal)
	prometheus.MustRegister(MessagesPoisonedTotal)
	prometheus.MustRegister(OperationsEnqueuedTotal)
	prometheus.MustRegister(OperationsCancelledTotal)
	prometheus.MustRegister(OperationsCompletedTotal)
	prometheus.MustRegister(OperationsFailedTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(DocumentsImportedTotal)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(EmbeddingsGeneratedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
