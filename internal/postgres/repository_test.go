package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepository connects to LIVESCORE_TEST_POSTGRES_DSN and resets the tables
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("LIVESCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVESCORE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewRepositoryWithPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, repo.RunMigrations(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE user_stats, predictions, fixtures RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return repo
}

func insertFixture(t *testing.T, repo *Repository, providerID int64, status domain.FixtureStatus, kickoff time.Time) int64 {
	t.Helper()
	var id int64
	err := repo.Pool().QueryRow(context.Background(),
		`INSERT INTO fixtures (provider_id, home_team, away_team, kickoff_at, status)
		 VALUES ($1, 'Home', 'Away', $2, $3) RETURNING id`,
		providerID, kickoff, string(status),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertPrediction(t *testing.T, repo *Repository, userID string, fixtureID int64, home, away int, submitted bool) int64 {
	t.Helper()
	var id int64
	err := repo.Pool().QueryRow(context.Background(),
		`INSERT INTO predictions (user_id, fixture_id, predicted_home, predicted_away, is_submitted)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		userID, fixtureID, home, away, submitted,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestRepository_FixtureState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	kickoff := time.Date(2024, 5, 19, 15, 0, 0, 0, time.UTC)

	first := insertFixture(t, repo, 1001, domain.StatusScheduled, kickoff.Add(time.Hour))
	second := insertFixture(t, repo, 1002, domain.StatusScheduled, kickoff)

	byProvider, err := repo.FixturesByProviderIDs(ctx, []int64{1001, 1002, 9999})
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, first, byProvider[1001].ID)

	for _, id := range []int64{first, second} {
		require.NoError(t, repo.UpdateFixtureState(ctx, id, domain.FixtureState{
			Status:    domain.StatusLive,
			HomeScore: domain.IntPtr(0),
			AwayScore: domain.IntPtr(0),
			UpdatedAt: kickoff,
		}))
	}

	live, err := repo.ListFixturesByStatus(ctx, domain.StatusLive)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, second, live[0].ID, "ordered by kickoff")

	got, err := repo.GetFixture(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, got.Status)
	require.NotNil(t, got.HomeScore)
	assert.Equal(t, 0, *got.HomeScore)

	_, err = repo.GetFixture(ctx, 424242)
	assert.ErrorIs(t, err, domain.ErrFixtureNotFound)
	assert.ErrorIs(t, repo.UpdateFixtureState(ctx, 424242, domain.FixtureState{Status: domain.StatusLive}), domain.ErrFixtureNotFound)
}

func TestRepository_ConditionalScoringAndAggregate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	fixtureID := insertFixture(t, repo, 2001, domain.StatusFinished, time.Now())
	exact := insertPrediction(t, repo, "alice", fixtureID, 2, 1, true)
	insertPrediction(t, repo, "bob", fixtureID, 0, 0, false)

	unscored, err := repo.ListUnscoredPredictions(ctx, fixtureID)
	require.NoError(t, err)
	require.Len(t, unscored, 1, "unsubmitted predictions are excluded")
	assert.Equal(t, exact, unscored[0].ID)

	written, err := repo.SetPredictionPointsIfNull(ctx, exact, 3, true)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = repo.SetPredictionPointsIfNull(ctx, exact, 1, false)
	require.NoError(t, err)
	assert.False(t, written, "second write is rejected")

	unscored, err = repo.ListUnscoredPredictions(ctx, fixtureID)
	require.NoError(t, err)
	assert.Empty(t, unscored)

	agg, err := repo.RecomputeUserAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.UserAggregate{
		UserID:             "alice",
		TotalPoints:        3,
		TotalPredictions:   1,
		CorrectPredictions: 1,
		AccuracyRate:       100,
	}, *agg)

	// recomputing is idempotent
	again, err := repo.RecomputeUserAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, agg, again)

	stored, err := repo.GetUserAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalPoints)

	empty, err := repo.RecomputeUserAggregate(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalPredictions)
}

func TestRepository_ConcurrentConditionalWrites(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	fixtureID := insertFixture(t, repo, 3001, domain.StatusFinished, time.Now())
	predictionID := insertPrediction(t, repo, "alice", fixtureID, 1, 0, true)

	const writers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(points int) {
			defer wg.Done()
			ok, err := repo.SetPredictionPointsIfNull(ctx, predictionID, points, true)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				written++
				mu.Unlock()
			}
			_, err = repo.RecomputeUserAggregate(ctx, "alice")
			assert.NoError(t, err)
		}(i + 1)
	}
	wg.Wait()

	assert.Equal(t, 1, written)

	agg, err := repo.GetUserAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalPredictions)
	assert.Equal(t, 1, agg.CorrectPredictions)
	assert.Positive(t, agg.TotalPoints)
}

func TestRepository_PendingScoringAndStaleAggregates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	finished := insertFixture(t, repo, 4001, domain.StatusScheduled, time.Now())
	require.NoError(t, repo.UpdateFixtureState(ctx, finished, domain.FixtureState{
		Status:    domain.StatusFinished,
		HomeScore: domain.IntPtr(1),
		AwayScore: domain.IntPtr(0),
		UpdatedAt: time.Now(),
	}))
	live := insertFixture(t, repo, 4002, domain.StatusLive, time.Now())

	alice := insertPrediction(t, repo, "alice", finished, 1, 0, true)
	insertPrediction(t, repo, "bob", finished, 0, 0, false)
	insertPrediction(t, repo, "carol", live, 2, 2, true)

	pending, err := repo.ListFixturesPendingScoring(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{finished}, pending)

	_, err = repo.SetPredictionPointsIfNull(ctx, alice, 3, true)
	require.NoError(t, err)

	pending, err = repo.ListFixturesPendingScoring(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stale, err := repo.ListUsersWithStaleAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, stale)

	_, err = repo.RecomputeUserAggregate(ctx, "alice")
	require.NoError(t, err)

	stale, err = repo.ListUsersWithStaleAggregates(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
