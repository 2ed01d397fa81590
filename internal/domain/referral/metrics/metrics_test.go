package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncrementTransition("accept", "accepted")
	m.IncrementRejection("decline", "validation")
	m.IncrementConflict()
	m.IncrementPublishFailure()
	m.ObserveTransition(time.Now())
	m.ObserveTimeline(time.Now())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"referral_transitions_total",
		"referral_rejections_total",
		"referral_concurrent_modifications_total",
		"referral_event_publish_failures_total",
		"referral_transition_duration_seconds",
		"referral_timeline_duration_seconds",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("accept", "accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConflictsTotal))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementTransition("accept", "accepted")
		m.IncrementRejection("accept", "validation")
		m.IncrementConflict()
		m.IncrementPublishFailure()
		m.ObserveTransition(time.Now())
		m.ObserveTimeline(time.Now())
	})
}
