package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livescore-pipeline/internal/config"
	"github.com/livescore-pipeline/internal/domain"
)

// Repository provides PostgreSQL-based access to fixtures, predictions and user stats
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryWithPool(pool, logger), nil
}

// NewRepositoryWithPool wraps an existing pool
func NewRepositoryWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fixtures (
			id BIGSERIAL PRIMARY KEY,
			provider_id BIGINT NOT NULL UNIQUE,
			home_team_id BIGINT NOT NULL DEFAULT 0,
			away_team_id BIGINT NOT NULL DEFAULT 0,
			home_team VARCHAR(128) NOT NULL DEFAULT '',
			away_team VARCHAR(128) NOT NULL DEFAULT '',
			kickoff_at TIMESTAMPTZ NOT NULL,
			gameweek INT NOT NULL DEFAULT 0,
			season INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'SCHEDULED',
			home_score INT,
			away_score INT,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			fixture_id BIGINT NOT NULL REFERENCES fixtures(id) ON DELETE CASCADE,
			predicted_home INT NOT NULL,
			predicted_away INT NOT NULL,
			is_submitted BOOLEAN NOT NULL DEFAULT FALSE,
			points INT,
			is_correct BOOLEAN,
			scored_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, fixture_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_stats (
			user_id VARCHAR(64) PRIMARY KEY,
			total_points INT NOT NULL DEFAULT 0,
			total_predictions INT NOT NULL DEFAULT 0,
			correct_predictions INT NOT NULL DEFAULT 0,
			accuracy_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`ALTER TABLE predictions ADD COLUMN IF NOT EXISTS scored_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_fixtures_status ON fixtures(status, kickoff_at)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_unscored ON predictions(fixture_id) WHERE points IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_user ON predictions(user_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const fixtureColumns = `id, provider_id, home_team_id, away_team_id, home_team, away_team,
	kickoff_at, gameweek, season, status, home_score, away_score, updated_at`

func scanFixture(row pgx.Row) (domain.Fixture, error) {
	var f domain.Fixture
	var updatedAt *time.Time
	err := row.Scan(
		&f.ID,
		&f.ProviderID,
		&f.HomeTeamID,
		&f.AwayTeamID,
		&f.HomeTeam,
		&f.AwayTeam,
		&f.KickoffAt,
		&f.Gameweek,
		&f.Season,
		&f.Status,
		&f.HomeScore,
		&f.AwayScore,
		&updatedAt,
	)
	if updatedAt != nil {
		f.UpdatedAt = *updatedAt
	}
	return f, err
}

// GetFixture retrieves a fixture by id
func (r *Repository) GetFixture(ctx context.Context, fixtureID int64) (*domain.Fixture, error) {
	query := `SELECT ` + fixtureColumns + ` FROM fixtures WHERE id = $1`
	f, err := scanFixture(r.pool.QueryRow(ctx, query, fixtureID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFixtureNotFound
		}
		return nil, fmt.Errorf("getting fixture: %w", err)
	}
	return &f, nil
}

// FixturesByProviderIDs returns the stored fixtures for the given provider ids, keyed by provider id
func (r *Repository) FixturesByProviderIDs(ctx context.Context, providerIDs []int64) (map[int64]domain.Fixture, error) {
	fixtures := make(map[int64]domain.Fixture, len(providerIDs))
	if len(providerIDs) == 0 {
		return fixtures, nil
	}

	query := `SELECT ` + fixtureColumns + ` FROM fixtures WHERE provider_id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, providerIDs)
	if err != nil {
		return nil, fmt.Errorf("loading fixtures by provider id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFixture(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fixture: %w", err)
		}
		fixtures[f.ProviderID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading fixtures by provider id: %w", err)
	}
	return fixtures, nil
}

// UpdateFixtureState writes the status and scores of a fixture
func (r *Repository) UpdateFixtureState(ctx context.Context, fixtureID int64, state domain.FixtureState) error {
	query := `
		UPDATE fixtures
		SET status = $2, home_score = $3, away_score = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, fixtureID, string(state.Status), state.HomeScore, state.AwayScore, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating fixture state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrFixtureNotFound
	}
	return nil
}

// ListFixturesByStatus returns fixtures with the given status ordered by kickoff
func (r *Repository) ListFixturesByStatus(ctx context.Context, status domain.FixtureStatus) ([]domain.Fixture, error) {
	query := `SELECT ` + fixtureColumns + ` FROM fixtures WHERE status = $1 ORDER BY kickoff_at, id`
	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing fixtures: %w", err)
	}
	defer rows.Close()

	var fixtures []domain.Fixture
	for rows.Next() {
		f, err := scanFixture(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fixture: %w", err)
		}
		fixtures = append(fixtures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing fixtures: %w", err)
	}
	return fixtures, nil
}

// ListUnscoredPredictions returns the submitted predictions of a fixture that have no points yet
func (r *Repository) ListUnscoredPredictions(ctx context.Context, fixtureID int64) ([]domain.Prediction, error) {
	query := `
		SELECT id, user_id, fixture_id, predicted_home, predicted_away, is_submitted, points, is_correct
		FROM predictions
		WHERE fixture_id = $1 AND is_submitted AND points IS NULL
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, fixtureID)
	if err != nil {
		return nil, fmt.Errorf("listing unscored predictions: %w", err)
	}
	defer rows.Close()

	var predictions []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.FixtureID,
			&p.PredictedHome,
			&p.PredictedAway,
			&p.IsSubmitted,
			&p.Points,
			&p.IsCorrect,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing unscored predictions: %w", err)
	}
	return predictions, nil
}

// SetPredictionPointsIfNull stores the result of a prediction only if it has not been scored.
// It reports whether this call wrote the row.
func (r *Repository) SetPredictionPointsIfNull(ctx context.Context, predictionID int64, points int, isCorrect bool) (bool, error) {
	query := `
		UPDATE predictions
		SET points = $2, is_correct = $3, scored_at = $4
		WHERE id = $1 AND points IS NULL
	`
	result, err := r.pool.Exec(ctx, query, predictionID, points, isCorrect, time.Now())
	if err != nil {
		return false, fmt.Errorf("setting prediction points: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListFixturesPendingScoring returns finished fixtures that still have unscored submitted predictions
func (r *Repository) ListFixturesPendingScoring(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT f.id
		FROM fixtures f
		JOIN predictions p ON p.fixture_id = f.id
		WHERE f.status = $1
			AND f.home_score IS NOT NULL
			AND f.away_score IS NOT NULL
			AND p.is_submitted
			AND p.points IS NULL
		ORDER BY f.id
	`
	rows, err := r.pool.Query(ctx, query, string(domain.StatusFinished))
	if err != nil {
		return nil, fmt.Errorf("listing fixtures pending scoring: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("listing fixtures pending scoring: %w", err)
	}
	return ids, nil
}

// ListUsersWithStaleAggregates returns users whose latest scored prediction is newer than their stats
func (r *Repository) ListUsersWithStaleAggregates(ctx context.Context) ([]string, error) {
	query := `
		SELECT p.user_id
		FROM predictions p
		LEFT JOIN user_stats s ON s.user_id = p.user_id
		WHERE p.scored_at IS NOT NULL
		GROUP BY p.user_id, s.updated_at
		HAVING s.updated_at IS NULL OR MAX(p.scored_at) > s.updated_at
		ORDER BY p.user_id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing stale aggregates: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing stale aggregates: %w", err)
	}
	return users, nil
}

const recomputeAggregateSQL = `
	INSERT INTO user_stats (user_id, total_points, total_predictions, correct_predictions, accuracy_rate, updated_at)
	SELECT $1::varchar,
		COALESCE(SUM(points), 0),
		COUNT(*),
		COUNT(*) FILTER (WHERE is_correct),
		CASE WHEN COUNT(*) > 0
			THEN COUNT(*) FILTER (WHERE is_correct) * 100.0 / COUNT(*)
			ELSE 0
		END,
		$2::timestamptz
	FROM predictions
	WHERE user_id = $1 AND points IS NOT NULL
	ON CONFLICT (user_id)
	DO UPDATE SET
		total_points = EXCLUDED.total_points,
		total_predictions = EXCLUDED.total_predictions,
		correct_predictions = EXCLUDED.correct_predictions,
		accuracy_rate = EXCLUDED.accuracy_rate,
		updated_at = EXCLUDED.updated_at`

// RecomputeUserAggregate rebuilds a user's stats from their scored predictions
func (r *Repository) RecomputeUserAggregate(ctx context.Context, userID string) (*domain.UserAggregate, error) {
	query := recomputeAggregateSQL + `
		RETURNING total_points, total_predictions, correct_predictions, accuracy_rate
	`
	agg := domain.UserAggregate{UserID: userID}
	err := r.pool.QueryRow(ctx, query, userID, time.Now()).Scan(
		&agg.TotalPoints,
		&agg.TotalPredictions,
		&agg.CorrectPredictions,
		&agg.AccuracyRate,
	)
	if err != nil {
		return nil, fmt.Errorf("recomputing user aggregate: %w", err)
	}
	return &agg, nil
}

// GetUserAggregate returns a user's stored stats
func (r *Repository) GetUserAggregate(ctx context.Context, userID string) (*domain.UserAggregate, error) {
	query := `
		SELECT total_points, total_predictions, correct_predictions, accuracy_rate
		FROM user_stats
		WHERE user_id = $1
	`
	agg := domain.UserAggregate{UserID: userID}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&agg.TotalPoints,
		&agg.TotalPredictions,
		&agg.CorrectPredictions,
		&agg.AccuracyRate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &agg, nil
		}
		return nil, fmt.Errorf("getting user aggregate: %w", err)
	}
	return &agg, nil
}
