package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for the outcome of one user's calls created in Range.
type CallsSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	TotalCalls int `json:"total_calls"`
	Placed     int `json:"placed"`
	Received   int `json:"received"`

	// Outcomes by current status. Answered counts calls that are active.
	Answered  int `json:"answered"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`

	InProgress int `json:"in_progress"`

	// AnsweredRate is Answered over calls that are no longer ringing.
	AnsweredRate float64 `json:"answered_rate"`
}
