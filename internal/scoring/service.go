package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/panjf2000/ants/v2"
)

// Store is the persistence the scoring batch needs
type Store interface {
	GetFixture(ctx context.Context, fixtureID int64) (*domain.Fixture, error)
	ListUnscoredPredictions(ctx context.Context, fixtureID int64) ([]domain.Prediction, error)
	// SetPredictionPointsIfNull writes points only when the row is still unscored and
	// reports whether the write happened.
	SetPredictionPointsIfNull(ctx context.Context, predictionID int64, points int, isCorrect bool) (bool, error)
	RecomputeUserAggregate(ctx context.Context, userID string) (*domain.UserAggregate, error)
	// ListFixturesPendingScoring returns finished fixtures that still have unscored
	// submitted predictions.
	ListFixturesPendingScoring(ctx context.Context) ([]int64, error)
	// ListUsersWithStaleAggregates returns users with predictions scored after their
	// aggregate was last recomputed.
	ListUsersWithStaleAggregates(ctx context.Context) ([]string, error)
}

// BatchResult summarises one ScoreFixture run
type BatchResult struct {
	FixtureID       int64    `json:"fixture_id"`
	Scored          int      `json:"scored"`
	AlreadyScored   int      `json:"already_scored"`
	Failed          int      `json:"failed"`
	AffectedUsers   []string `json:"affected_users"`
	AggregateErrors int      `json:"aggregate_errors"`
}

// SweepResult summarises one Sweep run
type SweepResult struct {
	Fixtures        int `json:"fixtures"`
	Scored          int `json:"scored"`
	FixtureErrors   int `json:"fixture_errors"`
	Aggregates      int `json:"aggregates"`
	AggregateErrors int `json:"aggregate_errors"`
}

// Service scores predictions of finished fixtures
type Service struct {
	store   Store
	scheme  Scheme
	workers int
	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewService creates a scoring service
func NewService(store Store, scheme Scheme, workers int, m *metrics.Manager, logger *slog.Logger) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		store:   store,
		scheme:  scheme,
		workers: workers,
		metrics: m,
		logger:  logger,
	}
}

// Scheme returns the configured scheme
func (s *Service) Scheme() Scheme {
	return s.scheme
}

// ScoreFixture awards points to every unscored submitted prediction of a finished fixture.
// It is a no-op for fixtures that are not finished with both scores known, and safe to
// call repeatedly: rows scored by an earlier or concurrent run are left alone.
func (s *Service) ScoreFixture(ctx context.Context, fixtureID int64) (BatchResult, error) {
	result := BatchResult{FixtureID: fixtureID}

	fixture, err := s.store.GetFixture(ctx, fixtureID)
	if err != nil {
		return result, fmt.Errorf("loading fixture %d: %w", fixtureID, err)
	}
	if !fixture.HasFinalScore() {
		s.logger.Debug("fixture not ready for scoring", "fixture_id", fixtureID, "status", fixture.Status)
		return result, nil
	}

	predictions, err := s.store.ListUnscoredPredictions(ctx, fixtureID)
	if err != nil {
		return result, fmt.Errorf("loading predictions for fixture %d: %w", fixtureID, err)
	}

	actual := Scoreline{Home: *fixture.HomeScore, Away: *fixture.AwayScore}
	affected := make(map[string]struct{})

	for _, p := range predictions {
		if !p.IsSubmitted || p.Points != nil {
			continue
		}

		award := s.scheme.Score(Scoreline{Home: p.PredictedHome, Away: p.PredictedAway}, actual)
		written, err := s.store.SetPredictionPointsIfNull(ctx, p.ID, award.Points, award.IsCorrect)
		if err != nil {
			s.logger.Warn("failed to score prediction",
				"prediction_id", p.ID,
				"fixture_id", fixtureID,
				"error", err,
			)
			result.Failed++
			continue
		}
		if !written {
			result.AlreadyScored++
			continue
		}

		result.Scored++
		affected[p.UserID] = struct{}{}
	}

	for userID := range affected {
		result.AffectedUsers = append(result.AffectedUsers, userID)
	}
	sort.Strings(result.AffectedUsers)

	failures, err := s.recomputeAggregates(ctx, result.AffectedUsers)
	if err != nil {
		return result, err
	}
	result.AggregateErrors = failures

	s.metrics.RecordScoring(result.Scored, result.Failed)
	s.logger.Info("fixture scored",
		"fixture_id", fixtureID,
		"scheme", s.scheme.Name(),
		"scored", result.Scored,
		"already_scored", result.AlreadyScored,
		"failed", result.Failed,
		"users", len(result.AffectedUsers),
	)

	return result, nil
}

// Sweep scores finished fixtures an earlier run left incomplete and recomputes aggregates
// that fell behind their predictions
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	fixtureIDs, err := s.store.ListFixturesPendingScoring(ctx)
	if err != nil {
		return result, fmt.Errorf("listing fixtures pending scoring: %w", err)
	}
	result.Fixtures = len(fixtureIDs)
	for _, fixtureID := range fixtureIDs {
		batch, err := s.ScoreFixture(ctx, fixtureID)
		result.Scored += batch.Scored
		if err != nil {
			result.FixtureErrors++
			s.logger.Warn("sweep failed to score fixture", "fixture_id", fixtureID, "error", err)
		}
	}

	userIDs, err := s.store.ListUsersWithStaleAggregates(ctx)
	if err != nil {
		return result, fmt.Errorf("listing stale aggregates: %w", err)
	}
	failures, err := s.recomputeAggregates(ctx, userIDs)
	if err != nil {
		return result, err
	}
	result.Aggregates = len(userIDs) - failures
	result.AggregateErrors = failures

	if result.Fixtures > 0 || len(userIDs) > 0 {
		s.logger.Info("scoring sweep completed",
			"fixtures", result.Fixtures,
			"scored", result.Scored,
			"aggregates", result.Aggregates,
			"aggregate_errors", result.AggregateErrors,
		)
	}
	return result, nil
}

// recomputeAggregates refreshes user rollups on a bounded pool and returns the failure count
func (s *Service) recomputeAggregates(ctx context.Context, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(min(s.workers, len(userIDs)))
	if err != nil {
		return 0, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	for _, userID := range userIDs {
		userID := userID
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if _, err := s.store.RecomputeUserAggregate(ctx, userID); err != nil {
				failures.Add(1)
				s.logger.Warn("failed to recompute user aggregate", "user_id", userID, "error", err)
			}
		}); err != nil {
			wg.Done()
			failures.Add(1)
			s.logger.Warn("failed to submit aggregate recompute", "user_id", userID, "error", err)
		}
	}
	wg.Wait()

	return int(failures.Load()), nil
}
