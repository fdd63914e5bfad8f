package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/livescore-pipeline/internal/provider"
)

// DateSource fetches the fixtures of one calendar day
type DateSource interface {
	FixturesByDate(ctx context.Context, date time.Time) ([]provider.Fixture, error)
}

// ScheduleRefresher pulls today's fixtures so kickoffs and results land in the store
// even while live polling is idle
type ScheduleRefresher struct {
	budget   Budget
	source   DateSource
	applier  SnapshotApplier
	scorer   Scorer
	notifier Notifier
	clock    clockwork.Clock
	location *time.Location
	timeout  time.Duration
	metrics  *metrics.Manager
	logger   *slog.Logger
}

// NewScheduleRefresher creates a refresher. notifier may be nil.
func NewScheduleRefresher(
	budget Budget,
	source DateSource,
	applier SnapshotApplier,
	scorer Scorer,
	notifier Notifier,
	clock clockwork.Clock,
	location *time.Location,
	timeout time.Duration,
	m *metrics.Manager,
	logger *slog.Logger,
) *ScheduleRefresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if location == nil {
		location = time.UTC
	}
	return &ScheduleRefresher{
		budget:   budget,
		source:   source,
		applier:  applier,
		scorer:   scorer,
		notifier: notifier,
		clock:    clock,
		location: location,
		timeout:  timeout,
		metrics:  m,
		logger:   logger,
	}
}

// Refresh applies today's provider fixtures and scores any that just finished
func (r *ScheduleRefresher) Refresh(ctx context.Context) (ingest.Result, error) {
	decision, err := r.budget.TryConsume(ctx, ledger.SourceFixtures, 1)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("consulting ledger: %w", err)
	}
	if !decision.Allowed {
		r.metrics.RecordBudgetDenied(string(ledger.SourceFixtures))
		return ingest.Result{}, fmt.Errorf("schedule refresh: %w", domain.ErrBudgetExhausted)
	}

	fetchCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	today := r.clock.Now().In(r.location)
	fixtures, err := r.source.FixturesByDate(fetchCtx, today)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("fetching schedule: %w", err)
	}

	result, err := r.applier.ApplyProviderSnapshot(ctx, fixtures)
	if err != nil {
		return result, fmt.Errorf("applying schedule: %w", err)
	}

	for _, fixtureID := range result.JustFinished {
		if _, err := r.scorer.ScoreFixture(ctx, fixtureID); err != nil {
			r.logger.Error("failed to score finished fixture", "fixture_id", fixtureID, "error", err)
		}
	}

	if r.notifier != nil && hasScoreChange(result.Messages) {
		r.notifier.PublishScoreUpdates(result.Messages)
	}

	r.logger.Info("schedule refreshed",
		"date", today.Format(time.DateOnly),
		"fixtures", len(fixtures),
		"updated", result.Updated,
		"just_finished", len(result.JustFinished),
		"unknown", result.Unknown,
	)
	return result, nil
}
