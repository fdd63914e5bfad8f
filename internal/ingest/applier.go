// Package ingest diffs provider snapshots against stored fixtures and persists the changes.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/livescore-pipeline/internal/provider"
)

// Store is the fixture persistence the applier needs
type Store interface {
	FixturesByProviderIDs(ctx context.Context, providerIDs []int64) (map[int64]domain.Fixture, error)
	UpdateFixtureState(ctx context.Context, fixtureID int64, state domain.FixtureState) error
}

// Result reports what one snapshot changed
type Result struct {
	Updated      int                  `json:"updated"`
	JustFinished []int64              `json:"just_finished"`
	Messages     []domain.ScoreUpdate `json:"messages"`
	Unknown      int                  `json:"unknown"`
	Failed       int                  `json:"failed"`
}

// Applier writes provider state changes to the store
type Applier struct {
	store   Store
	clock   clockwork.Clock
	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewApplier creates an applier
func NewApplier(store Store, clock clockwork.Clock, m *metrics.Manager, logger *slog.Logger) *Applier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Applier{
		store:   store,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// ApplyProviderSnapshot persists every fixture whose status or score differs from the stored
// row. Fixtures the store does not know are skipped, and a failed write only skips that fixture.
func (a *Applier) ApplyProviderSnapshot(ctx context.Context, snapshot []provider.Fixture) (Result, error) {
	var result Result
	if len(snapshot) == 0 {
		return result, nil
	}

	ids := make([]int64, 0, len(snapshot))
	for _, f := range snapshot {
		ids = append(ids, f.ProviderID)
	}
	stored, err := a.store.FixturesByProviderIDs(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("loading stored fixtures: %w", err)
	}

	now := a.clock.Now()
	for _, incoming := range snapshot {
		current, ok := stored[incoming.ProviderID]
		if !ok {
			result.Unknown++
			continue
		}

		scoreChanged := !domain.EqualScore(current.HomeScore, incoming.HomeScore) ||
			!domain.EqualScore(current.AwayScore, incoming.AwayScore)
		if current.Status == incoming.Status && !scoreChanged {
			continue
		}

		state := domain.FixtureState{
			Status:    incoming.Status,
			HomeScore: incoming.HomeScore,
			AwayScore: incoming.AwayScore,
			UpdatedAt: now,
		}
		if err := a.store.UpdateFixtureState(ctx, current.ID, state); err != nil {
			a.logger.Warn("failed to persist fixture change",
				"fixture_id", current.ID,
				"provider_id", incoming.ProviderID,
				"error", err,
			)
			result.Failed++
			continue
		}

		result.Updated++
		if current.Status != domain.StatusFinished && incoming.Status == domain.StatusFinished {
			result.JustFinished = append(result.JustFinished, current.ID)
		}
		result.Messages = append(result.Messages, domain.ScoreUpdate{
			FixtureID:    current.ID,
			HomeTeamName: firstNonEmpty(current.HomeTeam, incoming.HomeTeam),
			AwayTeamName: firstNonEmpty(current.AwayTeam, incoming.AwayTeam),
			HomeScore:    incoming.HomeScore,
			AwayScore:    incoming.AwayScore,
			Status:       incoming.Status,
			ScoreChanged: scoreChanged,
			Timestamp:    now,
		})

		a.logger.Debug("fixture changed",
			"fixture_id", current.ID,
			"from_status", current.Status,
			"to_status", incoming.Status,
			"score_changed", scoreChanged,
		)
	}

	a.metrics.RecordFixturesUpdated(result.Updated)
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
