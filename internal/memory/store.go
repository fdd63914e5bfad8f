// Package memory provides an in-process fixture and prediction store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/livescore-pipeline/internal/domain"
)

// Store keeps fixtures, predictions and user aggregates in maps
type Store struct {
	mu          sync.RWMutex
	fixtures    map[int64]domain.Fixture
	byProvider  map[int64]int64
	predictions map[int64]domain.Prediction
	aggregates  map[string]domain.UserAggregate
	stale       map[string]struct{}
	nextID      int64

	// FailUpdates makes UpdateFixtureState fail for the listed fixture ids
	FailUpdates map[int64]error

	// FailScores makes SetPredictionPointsIfNull fail for the listed prediction ids
	FailScores map[int64]error

	// FailAggregates makes RecomputeUserAggregate fail for the listed users
	FailAggregates map[string]error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		fixtures:    make(map[int64]domain.Fixture),
		byProvider:  make(map[int64]int64),
		predictions: make(map[int64]domain.Prediction),
		aggregates:  make(map[string]domain.UserAggregate),
		stale:       make(map[string]struct{}),
		FailUpdates: make(map[int64]error),
		FailScores:  make(map[int64]error),

		FailAggregates: make(map[string]error),
	}
}

// AddFixture inserts or replaces a fixture
func (s *Store) AddFixture(f domain.Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[f.ID] = f
	if f.ProviderID != 0 {
		s.byProvider[f.ProviderID] = f.ID
	}
}

// AddPrediction inserts a prediction and returns it with its assigned id
func (s *Store) AddPrediction(p domain.Prediction) domain.Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.predictions[p.ID] = p
	return p
}

// GetFixture returns a fixture by id
func (s *Store) GetFixture(_ context.Context, fixtureID int64) (*domain.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fixtures[fixtureID]
	if !ok {
		return nil, domain.ErrFixtureNotFound
	}
	return &f, nil
}

// FixturesByProviderIDs returns the stored fixtures matching providerIDs keyed by provider id
func (s *Store) FixturesByProviderIDs(_ context.Context, providerIDs []int64) (map[int64]domain.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]domain.Fixture, len(providerIDs))
	for _, providerID := range providerIDs {
		if id, ok := s.byProvider[providerID]; ok {
			out[providerID] = s.fixtures[id]
		}
	}
	return out, nil
}

// UpdateFixtureState writes the mutable fixture fields
func (s *Store) UpdateFixtureState(_ context.Context, fixtureID int64, state domain.FixtureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailUpdates[fixtureID]; err != nil {
		return err
	}
	f, ok := s.fixtures[fixtureID]
	if !ok {
		return domain.ErrFixtureNotFound
	}
	f.Status = state.Status
	f.HomeScore = state.HomeScore
	f.AwayScore = state.AwayScore
	f.UpdatedAt = state.UpdatedAt
	s.fixtures[fixtureID] = f
	return nil
}

// ListFixturesByStatus returns fixtures in status ordered by kickoff
func (s *Store) ListFixturesByStatus(_ context.Context, status domain.FixtureStatus) ([]domain.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Fixture
	for _, f := range s.fixtures {
		if f.Status == status {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].KickoffAt.Equal(out[j].KickoffAt) {
			return out[i].KickoffAt.Before(out[j].KickoffAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListUnscoredPredictions returns submitted predictions of a fixture that have no points yet
func (s *Store) ListUnscoredPredictions(_ context.Context, fixtureID int64) ([]domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Prediction
	for _, p := range s.predictions {
		if p.FixtureID == fixtureID && p.IsSubmitted && p.Points == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetPredictionPointsIfNull writes points only when the prediction is still unscored
func (s *Store) SetPredictionPointsIfNull(_ context.Context, predictionID int64, points int, isCorrect bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailScores[predictionID]; err != nil {
		return false, err
	}
	p, ok := s.predictions[predictionID]
	if !ok {
		return false, domain.ErrPredictionNotFound
	}
	if p.Points != nil {
		return false, nil
	}
	p.Points = &points
	p.IsCorrect = &isCorrect
	s.predictions[predictionID] = p
	s.stale[p.UserID] = struct{}{}
	return true, nil
}

// RecomputeUserAggregate rebuilds a user's rollup from their scored predictions
func (s *Store) RecomputeUserAggregate(_ context.Context, userID string) (*domain.UserAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailAggregates[userID]; err != nil {
		return nil, err
	}
	var preds []domain.Prediction
	for _, p := range s.predictions {
		if p.UserID == userID {
			preds = append(preds, p)
		}
	}
	agg := domain.Aggregate(userID, preds)
	s.aggregates[userID] = agg
	delete(s.stale, userID)
	return &agg, nil
}

// ListFixturesPendingScoring returns finished fixtures with unscored submitted predictions
func (s *Store) ListFixturesPendingScoring(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make(map[int64]struct{})
	for _, p := range s.predictions {
		if !p.IsSubmitted || p.Points != nil {
			continue
		}
		if f, ok := s.fixtures[p.FixtureID]; ok && f.HasFinalScore() {
			pending[p.FixtureID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(pending))
	for id := range pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListUsersWithStaleAggregates returns users scored since their last successful recompute
func (s *Store) ListUsersWithStaleAggregates(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stale))
	for userID := range s.stale {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// GetPrediction returns a prediction by id
func (s *Store) GetPrediction(_ context.Context, predictionID int64) (*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.predictions[predictionID]
	if !ok {
		return nil, domain.ErrPredictionNotFound
	}
	return &p, nil
}

// GetUserAggregate returns the last computed rollup for a user
func (s *Store) GetUserAggregate(_ context.Context, userID string) (*domain.UserAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[userID]
	if !ok {
		return &domain.UserAggregate{UserID: userID}, nil
	}
	return &agg, nil
}
