package models

import "time"

// FunnelStep is the persisted result of one step of the last funnel computation,
// unique by (Funnel, StepOrder). Name is the step's display name.
type FunnelStep struct {
	Funnel            string    `json:"funnel"`
	Name              string    `json:"name"`
	StepOrder         int       `json:"step_order"`
	EventPattern      string    `json:"event_pattern"`
	TotalSessions     int64     `json:"total_sessions"`
	CompletedSessions int64     `json:"completed_sessions"`
	DropOffRate       float64   `json:"drop_off_rate"`
	UpdatedAt         time.Time `json:"updated_at"`
}
