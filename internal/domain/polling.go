package domain

import "time"

// PollingStatus is operational telemetry for the polling orchestrator
type PollingStatus struct {
	IsActive        bool       `json:"is_active"`
	LastPoll        *time.Time `json:"last_poll,omitempty"`
	NextPoll        *time.Time `json:"next_poll,omitempty"`
	TotalPolls      int        `json:"total_polls"`
	ErrorCount      int        `json:"error_count"`
	CurrentlyLive   int        `json:"currently_live"`
	BudgetExhausted bool       `json:"budget_exhausted"`
	LastError       string     `json:"last_error,omitempty"`
}

// MateriallyDiffers reports whether a status change is worth broadcasting
func (s PollingStatus) MateriallyDiffers(other PollingStatus) bool {
	return s.IsActive != other.IsActive ||
		s.TotalPolls != other.TotalPolls ||
		s.ErrorCount != other.ErrorCount ||
		s.CurrentlyLive != other.CurrentlyLive ||
		s.BudgetExhausted != other.BudgetExhausted
}
