package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/memory"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/livescore-pipeline/internal/scoring"
	"github.com/livescore-pipeline/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	mu     sync.Mutex
	status domain.PollingStatus
	calls  []string
	ctxErr error
}

func (p *fakePoller) record(call string, active bool) domain.PollingStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	p.status.IsActive = active
	return p.status
}

func (p *fakePoller) Start(ctx context.Context) domain.PollingStatus {
	p.mu.Lock()
	p.ctxErr = ctx.Err()
	p.mu.Unlock()
	return p.record("start", true)
}

func (p *fakePoller) Stop() domain.PollingStatus { return p.record("stop", false) }

func (p *fakePoller) SmartStart(context.Context) domain.PollingStatus {
	return p.record("smart-start", p.Status().IsActive)
}

func (p *fakePoller) ForcePoll(context.Context) domain.PollingStatus {
	return p.record("force-poll", p.Status().IsActive)
}

func (p *fakePoller) Status() domain.PollingStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakePoller) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeStream struct{}

func (fakeStream) ServeSSE(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func (fakeStream) ServeWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (fakeStream) ClientCount() int { return 3 }

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	poller *fakePoller
	store  *memory.Store
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 4, 6, 12, 0, 0, 0, time.UTC))

	store := memory.NewStore()
	budget := ledger.New(ledger.NewMemoryStore(), ledger.Limits{
		DailyCap:   100,
		SourceCaps: map[ledger.Source]int{ledger.SourceFixtures: 20},
	}, clock, logger)
	_, err := budget.TryConsume(context.Background(), ledger.SourceLiveScores, 4)
	require.NoError(t, err)

	m := metrics.NewManager()
	m.SetLiveFixtures(2)

	poller := &fakePoller{}
	h := NewHandler(Deps{
		Poller:  poller,
		Budget:  budget,
		Scorer:  scoring.NewService(store, scoring.NewSimpleScheme(), 2, m, logger),
		Live:    service.NewLiveService(store, logger),
		Stream:  fakeStream{},
		Metrics: m.Handler(),
	}, logger)

	return &testServer{poller: poller, store: store, router: h.Router()}
}

func (s *testServer) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestPollingControls(t *testing.T) {
	s := newTestServer(t)

	for _, action := range []string{"start", "smart-start", "force-poll", "stop"} {
		rec, body := s.do(t, http.MethodPost, "/api/v1/polling/"+action)
		require.Equal(t, http.StatusOK, rec.Code, action)
		assert.True(t, body.Success, action)
	}
	assert.Equal(t, []string{"start", "smart-start", "force-poll", "stop"}, s.poller.Calls())
	assert.NoError(t, s.poller.ctxErr)

	rec, body := s.do(t, http.MethodGet, "/api/v1/polling/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.PollingStatus
	require.NoError(t, sonic.Unmarshal(body.Data, &status))
	assert.False(t, status.IsActive)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/polling/start")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBudgetUsage(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/v1/polling/budget")
	require.Equal(t, http.StatusOK, rec.Code)

	var usage ledger.Usage
	require.NoError(t, sonic.Unmarshal(body.Data, &usage))
	assert.Equal(t, 4, usage.Total)
	assert.Equal(t, 100, usage.DailyCap)
	assert.Equal(t, 96, usage.Remaining)
}

func TestScoreFixture(t *testing.T) {
	s := newTestServer(t)
	s.store.AddFixture(domain.Fixture{ID: 10, ProviderID: 1010, Status: domain.StatusFinished, HomeScore: domain.IntPtr(2), AwayScore: domain.IntPtr(1)})
	s.store.AddPrediction(domain.Prediction{UserID: "u1", FixtureID: 10, PredictedHome: 2, PredictedAway: 1, IsSubmitted: true})

	rec, body := s.do(t, http.MethodPost, "/api/v1/fixtures/10/score")
	require.Equal(t, http.StatusOK, rec.Code)
	var result scoring.BatchResult
	require.NoError(t, sonic.Unmarshal(body.Data, &result))
	assert.Equal(t, 1, result.Scored)

	rec, body = s.do(t, http.MethodPost, "/api/v1/fixtures/10/score")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, sonic.Unmarshal(body.Data, &result))
	assert.Zero(t, result.Scored)

	rec, body = s.do(t, http.MethodPost, "/api/v1/fixtures/999/score")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ErrFixtureNotFound.Error(), body.Error)

	rec, body = s.do(t, http.MethodPost, "/api/v1/fixtures/abc/score")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
}

func TestStreamAndOpsRoutes(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/api/live/stream")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	rec, body := s.do(t, http.MethodGet, "/api/v1/stream/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_connections":3}`, string(body.Data))

	rec, _ = s.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "livescore_poller_live_fixtures 2")

	rec, body = s.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/polling/start", nil)
	opts := httptest.NewRecorder()
	s.router.ServeHTTP(opts, req)
	assert.Equal(t, http.StatusOK, opts.Code)
	assert.Equal(t, "*", opts.Header().Get("Access-Control-Allow-Origin"))
}

func TestLiveReads(t *testing.T) {
	s := newTestServer(t)
	s.store.AddFixture(domain.Fixture{ID: 5, ProviderID: 55, HomeTeam: "Spurs", AwayTeam: "Leicester", Status: domain.StatusLive, HomeScore: domain.IntPtr(1), AwayScore: domain.IntPtr(1)})
	s.store.AddFixture(domain.Fixture{ID: 6, ProviderID: 66, Status: domain.StatusScheduled})

	rec, body := s.do(t, http.MethodGet, "/api/v1/live")
	require.Equal(t, http.StatusOK, rec.Code)
	var live struct {
		Matches []domain.LiveMatch `json:"matches"`
		Count   int                `json:"count"`
	}
	require.NoError(t, sonic.Unmarshal(body.Data, &live))
	require.Equal(t, 1, live.Count)
	assert.Equal(t, "Spurs", live.Matches[0].HomeTeam)

	rec, body = s.do(t, http.MethodGet, "/api/v1/fixtures/6")
	require.Equal(t, http.StatusOK, rec.Code)
	var fixture domain.Fixture
	require.NoError(t, sonic.Unmarshal(body.Data, &fixture))
	assert.Equal(t, domain.StatusScheduled, fixture.Status)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/fixtures/7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
