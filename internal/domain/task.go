package domain

import "time"

// Task is a unit of intended work that sessions are planned against.
type Task struct {
	ID               string
	Title            string
	EstimatedMinutes int // target, not a running total
	TagIDs           []string
	Color            string
	ScheduledDate    time.Time
	Completed        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EstimatedSeconds returns the estimate in seconds.
func (t Task) EstimatedSeconds() int64 {
	return int64(t.EstimatedMinutes) * 60
}
