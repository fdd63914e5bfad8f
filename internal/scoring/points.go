// Package scoring awards prediction points for finished fixtures.
package scoring

import "fmt"

// Tier is the base classification of a prediction against the final score
type Tier string

const (
	TierExact     Tier = "exact"
	TierOutcome   Tier = "outcome"
	TierIncorrect Tier = "incorrect"
)

// Scoreline is a home/away goal pair
type Scoreline struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

func (s Scoreline) outcome() int {
	switch {
	case s.Home > s.Away:
		return 1
	case s.Home < s.Away:
		return -1
	default:
		return 0
	}
}

func (s Scoreline) goalDifference() int {
	return s.Home - s.Away
}

// Bonus is one additive award layered on a correct tier
type Bonus struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Result is the award for one prediction
type Result struct {
	Points    int     `json:"points"`
	IsCorrect bool    `json:"is_correct"`
	Tier      Tier    `json:"tier"`
	Bonuses   []Bonus `json:"bonuses,omitempty"`
}

// Scheme maps a predicted and an actual score to an award
type Scheme interface {
	Name() string
	Score(predicted, actual Scoreline) Result
}

// ClassifyTier returns exact, outcome or incorrect
func ClassifyTier(predicted, actual Scoreline) Tier {
	switch {
	case predicted == actual:
		return TierExact
	case predicted.outcome() == actual.outcome():
		return TierOutcome
	default:
		return TierIncorrect
	}
}

// SimpleScheme awards a flat amount per tier
type SimpleScheme struct {
	ExactPoints   int
	OutcomePoints int
}

// NewSimpleScheme returns the 3/1 scheme
func NewSimpleScheme() SimpleScheme {
	return SimpleScheme{ExactPoints: 3, OutcomePoints: 1}
}

func (s SimpleScheme) Name() string { return "simple" }

func (s SimpleScheme) Score(predicted, actual Scoreline) Result {
	tier := ClassifyTier(predicted, actual)
	switch tier {
	case TierExact:
		return Result{Points: s.ExactPoints, IsCorrect: true, Tier: tier}
	case TierOutcome:
		return Result{Points: s.OutcomePoints, IsCorrect: true, Tier: tier}
	default:
		return Result{Tier: tier}
	}
}

// TieredScheme awards per tier and stacks bonuses on any correct tier
type TieredScheme struct {
	ExactPoints         int
	OutcomePoints       int
	GoalDifferenceBonus int
	CleanSheetBonus     int
	NilNilBonus         int
}

// NewTieredScheme returns the 5/2 scheme with +1 bonuses
func NewTieredScheme() TieredScheme {
	return TieredScheme{
		ExactPoints:         5,
		OutcomePoints:       2,
		GoalDifferenceBonus: 1,
		CleanSheetBonus:     1,
		NilNilBonus:         1,
	}
}

func (s TieredScheme) Name() string { return "tiered" }

func (s TieredScheme) Score(predicted, actual Scoreline) Result {
	tier := ClassifyTier(predicted, actual)
	result := Result{Tier: tier}

	switch tier {
	case TierExact:
		result.Points = s.ExactPoints
	case TierOutcome:
		result.Points = s.OutcomePoints
	default:
		return result
	}
	result.IsCorrect = true

	if predicted.goalDifference() == actual.goalDifference() {
		result.Bonuses = append(result.Bonuses, Bonus{Name: "goal_difference", Points: s.GoalDifferenceBonus})
	}
	if predicted.Away == 0 && actual.Away == 0 {
		result.Bonuses = append(result.Bonuses, Bonus{Name: "home_clean_sheet", Points: s.CleanSheetBonus})
	}
	if predicted.Home == 0 && actual.Home == 0 {
		result.Bonuses = append(result.Bonuses, Bonus{Name: "away_clean_sheet", Points: s.CleanSheetBonus})
	}
	if predicted == (Scoreline{}) && actual == (Scoreline{}) {
		result.Bonuses = append(result.Bonuses, Bonus{Name: "nil_nil", Points: s.NilNilBonus})
	}

	for _, b := range result.Bonuses {
		result.Points += b.Points
	}
	return result
}

// NewScheme returns the scheme registered under name
func NewScheme(name string) (Scheme, error) {
	switch name {
	case "", "simple":
		return NewSimpleScheme(), nil
	case "tiered":
		return NewTieredScheme(), nil
	default:
		return nil, fmt.Errorf("unknown scoring scheme %q", name)
	}
}
