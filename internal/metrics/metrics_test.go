package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Datagram()
	m.Datagram()
	m.Event("exec")
	m.Drop(DropGone)
	m.Enrollment("league_game", nil)
	m.Enrollment("league_game", errors.New("permission denied"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.datagrams), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.events.WithLabelValues("exec")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.drops.WithLabelValues(DropGone)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.enrollments.WithLabelValues("league_game", ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.enrollments.WithLabelValues("league_game", ResultError)), 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Datagram()
		m.Event("exec")
		m.Drop(DropFraming)
		m.Enrollment("g", nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Event("fork")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `proc_enroller_events_decoded_total{kind="fork"} 1`))
}
