package domain

import "time"

// FixtureStatus is the normalized lifecycle state of a match
type FixtureStatus string

const (
	StatusScheduled FixtureStatus = "SCHEDULED"
	StatusLive      FixtureStatus = "LIVE"
	StatusFinished  FixtureStatus = "FINISHED"
	StatusPostponed FixtureStatus = "POSTPONED"
	StatusCancelled FixtureStatus = "CANCELLED"
)

// Fixture is the stored state of one match
type Fixture struct {
	ID         int64         `json:"id"`
	ProviderID int64         `json:"provider_id"`
	HomeTeamID int64         `json:"home_team_id"`
	AwayTeamID int64         `json:"away_team_id"`
	HomeTeam   string        `json:"home_team"`
	AwayTeam   string        `json:"away_team"`
	KickoffAt  time.Time     `json:"kickoff_at"`
	Gameweek   int           `json:"gameweek"`
	Season     int           `json:"season"`
	Status     FixtureStatus `json:"status"`
	HomeScore  *int          `json:"home_score"`
	AwayScore  *int          `json:"away_score"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// HasFinalScore reports whether the fixture is finished with both scores known
func (f Fixture) HasFinalScore() bool {
	return f.Status == StatusFinished && f.HomeScore != nil && f.AwayScore != nil
}

// FixtureState is the mutable subset written by the diff step
type FixtureState struct {
	Status    FixtureStatus
	HomeScore *int
	AwayScore *int
	UpdatedAt time.Time
}

// LiveMatch is the view of a live fixture shipped to stream consumers
type LiveMatch struct {
	FixtureID int64         `json:"fixture_id"`
	HomeTeam  string        `json:"home_team"`
	AwayTeam  string        `json:"away_team"`
	HomeScore *int          `json:"home_score"`
	AwayScore *int          `json:"away_score"`
	Status    FixtureStatus `json:"status"`
	KickoffAt time.Time     `json:"kickoff_at"`
}

// ToLiveMatch projects a fixture onto the stream view
func (f Fixture) ToLiveMatch() LiveMatch {
	return LiveMatch{
		FixtureID: f.ID,
		HomeTeam:  f.HomeTeam,
		AwayTeam:  f.AwayTeam,
		HomeScore: f.HomeScore,
		AwayScore: f.AwayScore,
		Status:    f.Status,
		KickoffAt: f.KickoffAt,
	}
}

// ScoreUpdate is produced once per detected fixture change and never persisted
type ScoreUpdate struct {
	FixtureID    int64         `json:"fixture_id"`
	HomeTeamName string        `json:"home_team_name"`
	AwayTeamName string        `json:"away_team_name"`
	HomeScore    *int          `json:"home_score"`
	AwayScore    *int          `json:"away_score"`
	Status       FixtureStatus `json:"status"`
	ScoreChanged bool          `json:"score_changed"`
	Timestamp    time.Time     `json:"timestamp"`
}

// IntPtr returns a pointer to a copy of v
func IntPtr(v int) *int {
	return &v
}

// EqualScore compares two nullable scores
func EqualScore(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
