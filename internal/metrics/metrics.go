// Package metrics exposes Prometheus instrumentation for forward calls.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Candidate stages recorded by ObserveCandidates.
const (
	StageScored   = "scored"
	StageSelected = "selected"
)

// Recorder holds the forward-call metrics registered on one registry.
type Recorder struct {
	forwardTotal    *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	candidates      *prometheus.HistogramVec
}

// NewRecorder registers the metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		forwardTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detpost_forward_total",
				Help: "Total number of post-processing forward calls",
			},
			[]string{"head", "mode", "status"}, // status: ok, error
		),
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "detpost_forward_duration_seconds",
				Help:    "Post-processing forward duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"head", "mode"},
		),
		candidates: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "detpost_candidates",
				Help:    "Number of boxes per image at a pipeline stage",
				Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 2000, 5000},
			},
			[]string{"head", "stage"},
		),
	}
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the recorder registered on the global Prometheus registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// ObserveForward records one forward call.
func (r *Recorder) ObserveForward(head, mode string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.forwardTotal.WithLabelValues(head, mode, status).Inc()
	r.forwardDuration.WithLabelValues(head, mode).Observe(elapsed.Seconds())
}

// ObserveCandidates records the per-image box counts at a stage.
func (r *Recorder) ObserveCandidates(head, stage string, counts []int) {
	h := r.candidates.WithLabelValues(head, stage)
	for _, n := range counts {
		h.Observe(float64(n))
	}
}
