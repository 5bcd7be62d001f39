// Package metrics provides Prometheus-based observability for the
// gateway. It does not change dispatch semantics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the gateway's Prometheus surface: live process counts
// by mode, queue depth by channel, and turn duration.
type Recorder struct {
	activeProcesses *prometheus.GaugeVec
	queuedMessages  *prometheus.GaugeVec
	turnDuration    *prometheus.HistogramVec
}

// NewRecorder registers the gateway's metrics against reg and returns a
// Recorder bound to them. Pass prometheus.DefaultRegisterer in
// production; tests should pass a fresh prometheus.NewRegistry() so
// repeated construction within one test binary doesn't collide on the
// global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		activeProcesses: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_processes",
				Help: "Number of live Agent processes, by process mode",
			},
			[]string{"mode"},
		),
		queuedMessages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queued_messages",
				Help: "Number of durably queued, unprocessed messages, by channel",
			},
			[]string{"channel"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turn_duration_seconds",
				Help:    "Wall-clock duration of one Agent turn, by channel and outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel", "outcome"},
		),
	}
}

// SetActiveProcesses sets the live-process gauge for a process mode.
func (r *Recorder) SetActiveProcesses(mode string, count int) {
	r.activeProcesses.WithLabelValues(mode).Set(float64(count))
}

// SetQueuedMessages sets the queue-depth gauge for a channel.
func (r *Recorder) SetQueuedMessages(channel string, count int) {
	r.queuedMessages.WithLabelValues(channel).Set(float64(count))
}

// ObserveTurn records the duration of one completed turn. outcome is
// typically "success" or "error".
func (r *Recorder) ObserveTurn(channel, outcome string, duration time.Duration) {
	r.turnDuration.WithLabelValues(channel, outcome).Observe(duration.Seconds())
}
