package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/livescore-pipeline/internal/provider"
	"github.com/livescore-pipeline/internal/scoring"
)

// Trigger names what started a poll cycle
type Trigger string

const (
	TriggerStart  Trigger = "start"
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// Budget gates provider calls
type Budget interface {
	TryConsume(ctx context.Context, source ledger.Source, cost int) (ledger.Decision, error)
}

// LiveSource fetches fixtures currently in play. FixturesByIDs resolves fixtures that left
// the live feed, which happens as soon as a match ends.
type LiveSource interface {
	LiveFixtures(ctx context.Context) ([]provider.Fixture, error)
	FixturesByIDs(ctx context.Context, providerIDs []int64) ([]provider.Fixture, error)
}

// SnapshotApplier persists provider state changes
type SnapshotApplier interface {
	ApplyProviderSnapshot(ctx context.Context, snapshot []provider.Fixture) (ingest.Result, error)
}

// Scorer scores a finished fixture
type Scorer interface {
	ScoreFixture(ctx context.Context, fixtureID int64) (scoring.BatchResult, error)
}

// FixtureLister reads stored fixtures by status
type FixtureLister interface {
	ListFixturesByStatus(ctx context.Context, status domain.FixtureStatus) ([]domain.Fixture, error)
}

// Notifier receives everything viewers need to see
type Notifier interface {
	PublishScoreUpdates(updates []domain.ScoreUpdate)
	PublishStatus(status domain.PollingStatus)
	UpdateLiveSnapshot(matches []domain.LiveMatch)
}

// UpdatePublisher forwards score updates to other systems
type UpdatePublisher interface {
	PublishScoreUpdates(ctx context.Context, updates []domain.ScoreUpdate) error
}

// PollerDeps are the collaborators of a Poller
type PollerDeps struct {
	Budget    Budget
	Source    LiveSource
	Applier   SnapshotApplier
	Scorer    Scorer
	Fixtures  FixtureLister
	Notifier  Notifier
	Publisher UpdatePublisher
	Clock     clockwork.Clock
	Metrics   *metrics.Manager
	Logger    *slog.Logger
}

// Poller drives live polling. It is Idle until started and stops itself once nothing is live.
type Poller struct {
	deps         PollerDeps
	interval     time.Duration
	cycleTimeout time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger

	// base context for timer driven cycles, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	active        bool
	gen           uint64
	stopCh        chan struct{}
	status        domain.PollingStatus
	lastPublished domain.PollingStatus

	// serializes cycles
	cycleMu sync.Mutex
}

// NewPoller creates an idle poller
func NewPoller(deps PollerDeps, interval, cycleTimeout time.Duration) *Poller {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if cycleTimeout <= 0 {
		cycleTimeout = 45 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		deps:         deps,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		clock:        deps.Clock,
		logger:       deps.Logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start arms the ticker and runs one cycle before returning. Starting an active poller is a no-op.
func (p *Poller) Start(ctx context.Context) domain.PollingStatus {
	p.mu.Lock()
	if p.active {
		status := p.status
		p.mu.Unlock()
		return status
	}
	p.active = true
	p.gen++
	gen := p.gen
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	ticker := p.clock.NewTicker(p.interval)
	p.status.IsActive = true
	p.setNextPollLocked()
	p.mu.Unlock()

	p.logger.Info("live polling started", "interval", p.interval)
	p.publishStatus()

	go p.run(gen, ticker, stopCh)
	p.runCycle(ctx, TriggerStart, gen)
	return p.Status()
}

// Stop cancels the ticker. An in-flight cycle finishes but starts nothing afterwards.
func (p *Poller) Stop() domain.PollingStatus {
	if p.stopGeneration(0) {
		p.logger.Info("live polling stopped")
		p.publishStatus()
	}
	return p.Status()
}

// SmartStart starts polling when a stored fixture is live and stops it when none is
func (p *Poller) SmartStart(ctx context.Context) domain.PollingStatus {
	live, err := p.deps.Fixtures.ListFixturesByStatus(ctx, domain.StatusLive)
	if err != nil {
		p.logger.Error("smart start could not read live fixtures", "error", err)
		return p.Status()
	}

	active := p.IsActive()
	switch {
	case len(live) > 0 && !active:
		p.logger.Info("live fixtures found, starting polling", "live", len(live))
		return p.Start(ctx)
	case len(live) == 0 && active:
		p.logger.Info("no live fixtures, stopping polling")
		return p.Stop()
	default:
		return p.Status()
	}
}

// ForcePoll runs one cycle synchronously without changing the Idle/Active state
func (p *Poller) ForcePoll(ctx context.Context) domain.PollingStatus {
	p.runCycle(ctx, TriggerManual, 0)
	return p.Status()
}

// Status returns a copy of the current polling status
func (p *Poller) Status() domain.PollingStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsActive reports whether the ticker is armed
func (p *Poller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close stops polling and cancels in-flight timer cycles
func (p *Poller) Close() {
	p.Stop()
	p.cancel()
}

// run fires a cycle per tick until stopCh closes
func (p *Poller) run(gen uint64, ticker clockwork.Ticker, stopCh chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.Chan():
			select {
			case <-stopCh:
				return
			default:
			}
			p.runCycle(p.ctx, TriggerTimer, gen)
		}
	}
}

// stopGeneration deactivates the poller. A non-zero gen only stops that generation.
func (p *Poller) stopGeneration(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || (gen != 0 && gen != p.gen) {
		return false
	}
	p.active = false
	p.gen++
	close(p.stopCh)
	p.stopCh = nil
	p.status.IsActive = false
	p.status.NextPoll = nil
	return true
}

func (p *Poller) isCurrent(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.gen == gen
}

// runCycle performs one poll: budget, fetch, diff, score, broadcast
func (p *Poller) runCycle(ctx context.Context, trigger Trigger, gen uint64) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if trigger != TriggerManual && !p.isCurrent(gen) {
		return
	}

	decision, err := p.deps.Budget.TryConsume(ctx, ledger.SourceLiveScores, 1)
	if err != nil {
		p.recordFailure(trigger, "ledger", err)
		return
	}
	if !decision.Allowed {
		p.mu.Lock()
		p.status.BudgetExhausted = true
		p.setNextPollLocked()
		p.mu.Unlock()
		p.deps.Metrics.RecordBudgetDenied(string(ledger.SourceLiveScores))
		p.deps.Metrics.RecordPollCycle(string(trigger), "budget_exhausted")
		p.logger.Warn("daily provider budget exhausted, skipping poll", "trigger", trigger)
		p.publishStatus()
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	fixtures, err := p.deps.Source.LiveFixtures(fetchCtx)
	if err == nil {
		fixtures = p.resolveDropped(fetchCtx, fixtures)
	}
	cancel()
	if err != nil {
		p.recordFailure(trigger, "provider", err)
		return
	}

	result, err := p.deps.Applier.ApplyProviderSnapshot(ctx, fixtures)
	if err != nil {
		p.recordFailure(trigger, "apply", err)
		return
	}

	for _, fixtureID := range result.JustFinished {
		if _, err := p.deps.Scorer.ScoreFixture(ctx, fixtureID); err != nil {
			p.logger.Error("failed to score finished fixture", "fixture_id", fixtureID, "error", err)
		}
	}

	if hasScoreChange(result.Messages) {
		p.deps.Notifier.PublishScoreUpdates(result.Messages)
		if p.deps.Publisher != nil {
			if err := p.deps.Publisher.PublishScoreUpdates(ctx, result.Messages); err != nil {
				p.logger.Warn("failed to publish score updates", "error", err)
			}
		}
	}

	// SmartStart reads the same stored LIVE rows, so the two never disagree
	liveCount, err := p.refreshSnapshot(ctx)
	if err != nil {
		liveCount = countLive(fixtures)
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.status.TotalPolls++
	p.status.LastPoll = &now
	p.status.CurrentlyLive = liveCount
	p.status.BudgetExhausted = false
	p.status.LastError = ""
	p.setNextPollLocked()
	p.mu.Unlock()

	p.deps.Metrics.SetLiveFixtures(liveCount)
	p.deps.Metrics.RecordPollCycle(string(trigger), "ok")
	p.logger.Info("poll cycle completed",
		"trigger", trigger,
		"fixtures", len(fixtures),
		"updated", result.Updated,
		"just_finished", len(result.JustFinished),
		"live", liveCount,
	)

	if liveCount == 0 && trigger != TriggerManual && p.stopGeneration(gen) {
		p.logger.Info("no live fixtures left, polling stopped")
	}
	p.publishStatus()
}

// resolveDropped looks up stored LIVE fixtures the live feed no longer lists and adds their
// current state to the snapshot. The lookup is a second provider call and is charged as one.
// Rows left unresolved stay LIVE and are retried on the next cycle.
func (p *Poller) resolveDropped(ctx context.Context, fixtures []provider.Fixture) []provider.Fixture {
	stored, err := p.deps.Fixtures.ListFixturesByStatus(ctx, domain.StatusLive)
	if err != nil {
		p.logger.Warn("failed to read stored live fixtures", "error", err)
		return fixtures
	}

	inFeed := make(map[int64]struct{}, len(fixtures))
	for _, f := range fixtures {
		inFeed[f.ProviderID] = struct{}{}
	}
	var missing []int64
	for _, f := range stored {
		if _, ok := inFeed[f.ProviderID]; !ok {
			missing = append(missing, f.ProviderID)
		}
	}
	if len(missing) == 0 {
		return fixtures
	}
	if len(missing) > provider.MaxIDsPerRequest {
		missing = missing[:provider.MaxIDsPerRequest]
	}

	decision, err := p.deps.Budget.TryConsume(ctx, ledger.SourceLiveScores, 1)
	if err != nil || !decision.Allowed {
		p.logger.Warn("cannot resolve fixtures missing from live feed", "missing", len(missing), "error", err)
		return fixtures
	}

	resolved, err := p.deps.Source.FixturesByIDs(ctx, missing)
	if err != nil {
		p.logger.Warn("failed to resolve fixtures missing from live feed", "missing", len(missing), "error", err)
		return fixtures
	}
	p.logger.Info("resolved fixtures missing from live feed", "missing", len(missing), "resolved", len(resolved))
	return append(fixtures, resolved...)
}

// refreshSnapshot pushes the stored live fixtures to the notifier for new viewers and
// returns how many there are
func (p *Poller) refreshSnapshot(ctx context.Context) (int, error) {
	live, err := p.deps.Fixtures.ListFixturesByStatus(ctx, domain.StatusLive)
	if err != nil {
		p.logger.Warn("failed to refresh live snapshot", "error", err)
		return 0, err
	}
	matches := make([]domain.LiveMatch, 0, len(live))
	for _, f := range live {
		matches = append(matches, f.ToLiveMatch())
	}
	p.deps.Notifier.UpdateLiveSnapshot(matches)
	return len(live), nil
}

func countLive(fixtures []provider.Fixture) int {
	n := 0
	for _, f := range fixtures {
		if f.Status == domain.StatusLive {
			n++
		}
	}
	return n
}

func (p *Poller) recordFailure(trigger Trigger, stage string, err error) {
	now := p.clock.Now()
	p.mu.Lock()
	p.status.ErrorCount++
	if stage != "ledger" {
		p.status.TotalPolls++
		p.status.LastPoll = &now
	}
	p.status.LastError = err.Error()
	p.setNextPollLocked()
	p.mu.Unlock()

	p.deps.Metrics.RecordPollCycle(string(trigger), "error")
	p.logger.Error("poll cycle failed", "trigger", trigger, "stage", stage, "error", err)
	p.publishStatus()
}

func (p *Poller) setNextPollLocked() {
	if !p.active {
		p.status.NextPoll = nil
		return
	}
	next := p.clock.Now().Add(p.interval)
	p.status.NextPoll = &next
}

// publishStatus notifies only when the status changed materially since the last publish
func (p *Poller) publishStatus() {
	p.mu.Lock()
	status := p.status
	changed := status.MateriallyDiffers(p.lastPublished)
	if changed {
		p.lastPublished = status
	}
	p.mu.Unlock()

	if changed {
		p.deps.Notifier.PublishStatus(status)
	}
}

func hasScoreChange(updates []domain.ScoreUpdate) bool {
	for _, u := range updates {
		if u.ScoreChanged {
			return true
		}
	}
	return false
}
