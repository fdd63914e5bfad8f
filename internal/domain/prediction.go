package domain

// Prediction is a user's submitted guess for one fixture
type Prediction struct {
	ID            int64  `json:"id"`
	UserID        string `json:"user_id"`
	FixtureID     int64  `json:"fixture_id"`
	PredictedHome int    `json:"predicted_home"`
	PredictedAway int    `json:"predicted_away"`
	IsSubmitted   bool   `json:"is_submitted"`
	Points        *int   `json:"points,omitempty"`
	IsCorrect     *bool  `json:"is_correct,omitempty"`
}

// UserAggregate is the per-user rollup over scored predictions
type UserAggregate struct {
	UserID             string  `json:"user_id"`
	TotalPoints        int     `json:"total_points"`
	TotalPredictions   int     `json:"total_predictions"`
	CorrectPredictions int     `json:"correct_predictions"`
	AccuracyRate       float64 `json:"accuracy_rate"`
}

// Aggregate folds scored predictions into a UserAggregate. Unscored rows are ignored.
func Aggregate(userID string, predictions []Prediction) UserAggregate {
	agg := UserAggregate{UserID: userID}
	for _, p := range predictions {
		if p.Points == nil {
			continue
		}
		agg.TotalPredictions++
		agg.TotalPoints += *p.Points
		if p.IsCorrect != nil && *p.IsCorrect {
			agg.CorrectPredictions++
		}
	}
	if agg.TotalPredictions > 0 {
		agg.AccuracyRate = float64(agg.CorrectPredictions) / float64(agg.TotalPredictions) * 100
	}
	return agg
}
