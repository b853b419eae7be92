// Package metrics exposes the link's operational counters and
// histograms via prometheus/client_golang, the same metrics stack the
// teacher's go.mod pins. Nothing here is exercised by the protocol
// itself; it is read-only observability for an operator's monitoring
// stack, per SPEC_FULL.md's ambient DOMAIN STACK wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics a bridge or device process reports.
// Both roles share it; a metric that only makes sense on one side
// simply stays at zero on the other.
type Registry struct {
	reg *prometheus.Registry

	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	DispatchTotal   *prometheus.CounterVec
	JobOutcomes     *prometheus.CounterVec
	RetryAttempts   prometheus.Counter
	JobDuration     *prometheus.HistogramVec
	DedupHits       prometheus.Counter
	ReassemblyDrops prometheus.Counter
}

// New registers and returns a fresh Registry. Callers typically create
// one per process.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "frames_received_total",
			Help:      "Frames accepted off the transport, by msg_type.",
		}, []string{"msg_type"}),

		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded at the wire layer, by reason.",
		}, []string{"reason"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport, by msg_type.",
		}, []string{"msg_type"}),

		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "dispatch_total",
			Help:      "Dispatcher invocations, by msg_type and outcome.",
		}, []string{"msg_type", "outcome"}),

		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "job_outcomes_total",
			Help:      "Bridge job completions, by operator-facing status code.",
		}, []string{"code"}),

		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "retry_attempts_total",
			Help:      "Send-wait-ack retries issued by the bridge dispatcher.",
		}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provlink",
			Name:      "job_duration_seconds",
			Help:      "Wall time from job acceptance to terminal status, by op.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "dedup_hits_total",
			Help:      "Requests answered from the reply-replay cache instead of re-dispatched.",
		}),

		ReassemblyDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "provlink",
			Name:      "reassembly_drops_total",
			Help:      "Fragments rejected by reassembly (duplicate index or over the total payload cap).",
		}),
	}
}

// Handler returns the HTTP handler to mount at a metrics scrape path.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
