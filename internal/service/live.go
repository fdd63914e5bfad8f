package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/livescore-pipeline/internal/domain"
)

// FixtureStore is the read side of the fixture store
type FixtureStore interface {
	GetFixture(ctx context.Context, fixtureID int64) (*domain.Fixture, error)
	ListFixturesByStatus(ctx context.Context, status domain.FixtureStatus) ([]domain.Fixture, error)
}

// SnapshotSink receives the live match snapshot served to new stream consumers
type SnapshotSink interface {
	UpdateLiveSnapshot(matches []domain.LiveMatch)
}

// LiveService serves the current state of matches to readers that do not hold a stream open
type LiveService struct {
	store  FixtureStore
	logger *slog.Logger
}

// NewLiveService creates a new live match service
func NewLiveService(store FixtureStore, logger *slog.Logger) *LiveService {
	return &LiveService{
		store:  store,
		logger: logger,
	}
}

// LiveMatches returns the stored LIVE fixtures ordered by kickoff
func (s *LiveService) LiveMatches(ctx context.Context) ([]domain.LiveMatch, error) {
	fixtures, err := s.store.ListFixturesByStatus(ctx, domain.StatusLive)
	if err != nil {
		return nil, fmt.Errorf("listing live fixtures: %w", err)
	}

	matches := make([]domain.LiveMatch, 0, len(fixtures))
	for _, f := range fixtures {
		matches = append(matches, f.ToLiveMatch())
	}
	return matches, nil
}

// GetFixture returns one fixture
func (s *LiveService) GetFixture(ctx context.Context, fixtureID int64) (*domain.Fixture, error) {
	if fixtureID <= 0 {
		return nil, domain.ErrInvalidRequest
	}
	return s.store.GetFixture(ctx, fixtureID)
}

// SeedSnapshot loads the live matches into sink, so consumers connecting before the
// first poll cycle still get the current state
func (s *LiveService) SeedSnapshot(ctx context.Context, sink SnapshotSink) error {
	matches, err := s.LiveMatches(ctx)
	if err != nil {
		return err
	}
	sink.UpdateLiveSnapshot(matches)
	s.logger.Info("live snapshot seeded", "matches", len(matches))
	return nil
}
