/*
Package metrics exposes Prometheus collectors for Memoir.

All metrics use the memoir_ prefix and are registered at package load. The
orchestrator reports pipeline and step counters, the queue drivers report
enqueue/poison counters, the write engine reports operation lifecycle
counters, and the search client reports query latency.

Scrape endpoint wiring:

	http.Handle("/metrics", metrics.Handler())

Timing a section:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StepDuration.WithLabelValues(step))
*/
package metrics
