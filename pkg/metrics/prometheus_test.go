package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderSetActiveProcesses(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.SetActiveProcesses("oneshot", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.activeProcesses.WithLabelValues("oneshot")))
}

func TestRecorderSetQueuedMessages(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.SetQueuedMessages("C001", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(r.queuedMessages.WithLabelValues("C001")))
}

func TestRecorderObserveTurnDoesNotPanic(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	assert.NotPanics(t, func() { r.ObserveTurn("C001", "success", 2*time.Second) })
}
