package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/memory"
	"github.com/livescore-pipeline/internal/provider"
	"github.com/livescore-pipeline/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 15 * time.Minute

type fakeSource struct {
	mu       sync.Mutex
	calls    int
	fixtures []provider.Fixture
	err      error

	idCalls [][]int64
	byID    map[int64]provider.Fixture
	idErr   error
}

func (f *fakeSource) LiveFixtures(ctx context.Context) ([]provider.Fixture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fixtures, f.err
}

func (f *fakeSource) FixturesByIDs(ctx context.Context, providerIDs []int64) ([]provider.Fixture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idCalls = append(f.idCalls, providerIDs)
	if f.idErr != nil {
		return nil, f.idErr
	}
	var out []provider.Fixture
	for _, id := range providerIDs {
		if fx, ok := f.byID[id]; ok {
			out = append(out, fx)
		}
	}
	return out, nil
}

func (f *fakeSource) resolve(fx provider.Fixture, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[int64]provider.Fixture)
	}
	f.byID[fx.ProviderID] = fx
	f.idErr = err
}

func (f *fakeSource) IDCalls() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.idCalls...)
}

func (f *fakeSource) set(fixtures []provider.Fixture, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixtures = fixtures
	f.err = err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	updates   [][]domain.ScoreUpdate
	statuses  []domain.PollingStatus
	snapshots [][]domain.LiveMatch
}

func (n *recordingNotifier) PublishScoreUpdates(updates []domain.ScoreUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, updates)
}

func (n *recordingNotifier) PublishStatus(status domain.PollingStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) UpdateLiveSnapshot(matches []domain.LiveMatch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, matches)
}

func (n *recordingNotifier) Updates() [][]domain.ScoreUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]domain.ScoreUpdate(nil), n.updates...)
}

func (n *recordingNotifier) Statuses() []domain.PollingStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.PollingStatus(nil), n.statuses...)
}

type harness struct {
	poller   *Poller
	store    *memory.Store
	source   *fakeSource
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
	budget   *ledger.Ledger
}

func newHarness(t *testing.T, dailyCap int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	source := &fakeSource{}
	notifier := &recordingNotifier{}

	store.AddFixture(domain.Fixture{
		ID: 1, ProviderID: 100, HomeTeam: "Arsenal", AwayTeam: "Chelsea",
		Status: domain.StatusScheduled,
	})

	budget := ledger.New(ledger.NewMemoryStore(), ledger.Limits{DailyCap: dailyCap}, clock, logger)
	p := NewPoller(PollerDeps{
		Budget:   budget,
		Source:   source,
		Applier:  ingest.NewApplier(store, clock, nil, logger),
		Scorer:   scoring.NewService(store, scoring.NewSimpleScheme(), 2, nil, logger),
		Fixtures: store,
		Notifier: notifier,
		Clock:    clock,
		Logger:   logger,
	}, testInterval, time.Second)
	t.Cleanup(p.Close)

	return &harness{poller: p, store: store, source: source, notifier: notifier, clock: clock, budget: budget}
}

func liveFixture(home, away int) provider.Fixture {
	return provider.Fixture{
		ProviderID: 100,
		Status:     domain.StatusLive,
		HomeScore:  domain.IntPtr(home),
		AwayScore:  domain.IntPtr(away),
	}
}

func finishedFixture(home, away int) provider.Fixture {
	f := liveFixture(home, away)
	f.Status = domain.StatusFinished
	return f
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.clock.BlockUntil(1)
	h.clock.Advance(testInterval)
}

func TestStart_RunsImmediatelyAndStopsWhenNothingLive(t *testing.T) {
	h := newHarness(t, 100)

	status := h.poller.Start(context.Background())

	assert.Equal(t, 1, h.source.Calls())
	assert.False(t, status.IsActive)
	assert.Equal(t, 1, status.TotalPolls)
	assert.Nil(t, status.NextPoll)

	h.clock.Advance(3 * testInterval)
	assert.Never(t, func() bool { return h.source.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPoller_FullMatchLifecycle(t *testing.T) {
	h := newHarness(t, 100)
	pred := h.store.AddPrediction(domain.Prediction{
		UserID: "alice", FixtureID: 1, PredictedHome: 2, PredictedAway: 1, IsSubmitted: true,
	})

	h.source.set([]provider.Fixture{liveFixture(1, 0)}, nil)
	status := h.poller.Start(context.Background())
	require.True(t, status.IsActive)
	assert.Equal(t, 1, status.CurrentlyLive)
	require.NotNil(t, status.NextPoll)

	h.source.set([]provider.Fixture{liveFixture(2, 1)}, nil)
	h.tick(t)
	require.Eventually(t, func() bool { return h.poller.Status().TotalPolls == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.poller.IsActive())

	h.source.set([]provider.Fixture{finishedFixture(2, 1)}, nil)
	h.tick(t)
	require.Eventually(t, func() bool { return !h.poller.IsActive() }, time.Second, 5*time.Millisecond)

	got, err := h.store.GetPrediction(context.Background(), pred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Points)
	assert.Equal(t, 3, *got.Points)

	updates := h.notifier.Updates()
	require.Len(t, updates, 2, "the status-only finish is not a score-update")
	assert.Equal(t, 1, *updates[0][0].HomeScore)
	assert.Equal(t, 2, *updates[1][0].HomeScore)

	h.clock.Advance(testInterval)
	assert.Never(t, func() bool { return h.source.Calls() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPoller_ResolvesMatchDroppedFromLiveFeed(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	pred := h.store.AddPrediction(domain.Prediction{
		UserID: "alice", FixtureID: 1, PredictedHome: 1, PredictedAway: 0, IsSubmitted: true,
	})

	h.source.set([]provider.Fixture{liveFixture(1, 0)}, nil)
	require.True(t, h.poller.Start(ctx).IsActive)

	// the feed stops listing a match as soon as it ends
	h.source.set(nil, nil)
	h.source.resolve(finishedFixture(1, 0), nil)
	h.tick(t)
	require.Eventually(t, func() bool { return !h.poller.IsActive() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, [][]int64{{100}}, h.source.IDCalls())

	fixture, err := h.store.GetFixture(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, fixture.Status)

	got, err := h.store.GetPrediction(ctx, pred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Points)
	assert.Equal(t, 3, *got.Points)

	for i := 0; i < 10; i++ {
		assert.False(t, h.poller.SmartStart(ctx).IsActive)
	}
	assert.Equal(t, 2, h.source.Calls())
	assert.Equal(t, 2, h.poller.Status().TotalPolls)

	usage, err := h.budget.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Total, "two feed polls and one id lookup")
}

func TestPoller_UnresolvedDroppedMatchKeepsPolling(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	h.source.set([]provider.Fixture{liveFixture(2, 2)}, nil)
	h.poller.Start(ctx)

	h.source.set(nil, nil)
	h.source.resolve(provider.Fixture{}, errors.New("provider timeout"))
	h.tick(t)
	require.Eventually(t, func() bool { return h.poller.Status().TotalPolls == 2 }, time.Second, 5*time.Millisecond)

	status := h.poller.Status()
	assert.True(t, status.IsActive, "stored row is still LIVE")
	assert.Equal(t, 1, status.CurrentlyLive)
	assert.True(t, h.poller.SmartStart(ctx).IsActive)
	assert.Equal(t, 2, h.source.Calls())
}

func TestPoller_BudgetExhaustedKeepsTimerArmed(t *testing.T) {
	h := newHarness(t, 1)
	h.source.set([]provider.Fixture{liveFixture(0, 0)}, nil)

	h.poller.Start(context.Background())
	require.Equal(t, 1, h.source.Calls())

	h.tick(t)
	require.Eventually(t, func() bool { return h.poller.Status().BudgetExhausted }, time.Second, 5*time.Millisecond)

	status := h.poller.Status()
	assert.True(t, status.IsActive)
	assert.Equal(t, 1, status.TotalPolls)
	assert.Zero(t, status.ErrorCount)
	assert.Equal(t, 1, h.source.Calls())
}

func TestPoller_ProviderFailureIsCountedNotThrown(t *testing.T) {
	h := newHarness(t, 100)
	h.source.set(nil, errors.New("provider timeout"))

	status := h.poller.Start(context.Background())

	assert.True(t, status.IsActive, "a failed cycle does not auto-stop")
	assert.Equal(t, 1, status.ErrorCount)
	assert.Equal(t, "provider timeout", status.LastError)

	h.source.set([]provider.Fixture{liveFixture(0, 0)}, nil)
	h.tick(t)
	require.Eventually(t, func() bool { return h.poller.Status().LastError == "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.poller.Status().ErrorCount)
}

func TestForcePoll_DoesNotChangeState(t *testing.T) {
	h := newHarness(t, 100)

	h.source.set(nil, nil)
	status := h.poller.ForcePoll(context.Background())
	assert.False(t, status.IsActive)
	assert.Equal(t, 1, status.TotalPolls)

	h.source.set([]provider.Fixture{liveFixture(1, 0)}, nil)
	status = h.poller.ForcePoll(context.Background())
	assert.False(t, status.IsActive)
	assert.Equal(t, 1, status.CurrentlyLive)

	h.poller.Start(context.Background())
	h.source.set(nil, nil)
	status = h.poller.ForcePoll(context.Background())
	assert.True(t, status.IsActive, "a manual cycle never auto-stops")
}

func TestSmartStart(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	status := h.poller.SmartStart(ctx)
	assert.False(t, status.IsActive)
	assert.Zero(t, h.source.Calls(), "no live rows means no provider call")

	require.NoError(t, h.store.UpdateFixtureState(ctx, 1, domain.FixtureState{Status: domain.StatusLive}))
	h.source.set([]provider.Fixture{liveFixture(0, 0)}, nil)

	status = h.poller.SmartStart(ctx)
	assert.True(t, status.IsActive)

	status = h.poller.SmartStart(ctx)
	assert.True(t, status.IsActive)
	assert.Equal(t, 1, h.source.Calls(), "smart start on an active poller is a no-op")

	require.NoError(t, h.store.UpdateFixtureState(ctx, 1, domain.FixtureState{Status: domain.StatusFinished}))
	status = h.poller.SmartStart(ctx)
	assert.False(t, status.IsActive)
}

func TestStop_NoCycleAfterReturn(t *testing.T) {
	h := newHarness(t, 100)
	h.source.set([]provider.Fixture{liveFixture(0, 0)}, nil)

	h.poller.Start(context.Background())
	h.clock.BlockUntil(1)

	status := h.poller.Stop()
	assert.False(t, status.IsActive)

	h.clock.Advance(2 * testInterval)
	assert.Never(t, func() bool { return h.source.Calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPoller_BroadcastsMaterialStatusChanges(t *testing.T) {
	h := newHarness(t, 100)
	h.source.set([]provider.Fixture{liveFixture(0, 0)}, nil)

	h.poller.Start(context.Background())
	h.poller.Stop()
	h.poller.Stop()

	statuses := h.notifier.Statuses()
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].IsActive)
	assert.Equal(t, 0, statuses[0].TotalPolls)
	assert.Equal(t, 1, statuses[1].TotalPolls)
	assert.False(t, statuses[2].IsActive)
}
