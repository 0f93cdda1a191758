// Package metrics exposes Prometheus collectors for the pipeline,
// generalizing the teacher's provider/queue-depth gauges from an AI
// dispatch domain to the five-stage plan-processing pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planpipeline",
			Name:      "stage_job_outcomes_total",
			Help:      "Stage job outcomes by stage and result (ack, retry, dlq)",
		},
		[]string{"stage", "result"},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "planpipeline",
			Name:      "stage_job_duration_seconds",
			Help:      "Duration of one stage job handler invocation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "planpipeline",
			Name:      "queue_depth",
			Help:      "Queue depth gauges per stage and queue type (stream, delayed, dlq)",
		},
		[]string{"stage", "type"},
	)

	planOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planpipeline",
			Name:      "plan_outcomes_total",
			Help:      "Completed plans by terminal outcome (complete, failed)",
		},
		[]string{"outcome"},
	)

	eventCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planpipeline",
			Name:      "event_commits_total",
			Help:      "Domain event commits by event name and result (ok, error)",
		},
		[]string{"event", "result"},
	)
)

// Init registers every collector. Call once at process startup.
func Init() {
	prometheus.MustRegister(stageOutcomes, stageLatency, queueDepth, planOutcomes, eventCommits)
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

func IncStageOutcome(stage, result string) { stageOutcomes.WithLabelValues(stage, result).Inc() }

func ObserveStageLatency(stage string, dur time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(dur.Seconds())
}

func SetQueueDepth(stage, kind string, v int64) { queueDepth.WithLabelValues(stage, kind).Set(float64(v)) }

func IncPlanOutcome(outcome string) { planOutcomes.WithLabelValues(outcome).Inc() }

func IncEventCommit(event, result string) { eventCommits.WithLabelValues(event, result).Inc() }
