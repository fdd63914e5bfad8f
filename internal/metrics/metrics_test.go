package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager

	assert.NotPanics(t, func() {
		m.RecordPollCycle("timer", "ok")
		m.RecordProviderRequest("live", time.Second, errors.New("boom"))
		m.RecordBudgetDenied("live_scores")
		m.SetLiveFixtures(3)
		m.StreamClientConnected("sse")
		m.StreamClientDisconnected("sse", true)
		m.RecordBroadcast("score-update")
		m.RecordScoring(2, 1)
		m.RecordFixturesUpdated(4)
	})
}

func TestManagerRecords(t *testing.T) {
	m := NewManager(WithNamespace("test"))

	m.RecordPollCycle("timer", "ok")
	m.RecordPollCycle("timer", "ok")
	m.RecordProviderRequest("live", 10*time.Millisecond, errors.New("timeout"))
	m.RecordBudgetDenied("fixtures")
	m.SetLiveFixtures(2)
	m.StreamClientConnected("ws")
	m.StreamClientConnected("ws")
	m.StreamClientDisconnected("ws", true)
	m.RecordScoring(5, 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.pollCycles.WithLabelValues("timer", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.providerErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.budgetSkips.WithLabelValues("fixtures")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.liveFixtures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.streamClients.WithLabelValues("ws")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.streamDrops))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.predictionsScored))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewManager()
	m.SetLiveFixtures(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livescore_poller_live_fixtures 1")
}
