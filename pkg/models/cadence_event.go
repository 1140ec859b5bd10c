package models

import "time"

// CadenceEvent records one lifecycle transition of an applied cadence for auditing.
type CadenceEvent struct {
	ID               int64         `json:"id" db:"id"`                                 // Auto-incremented event ID
	AppliedCadenceID string        `json:"applied_cadence_id" db:"applied_cadence_id"` // Cadence being logged
	Action           string        `json:"action" db:"action"`                         // apply, pause, resume, clear, advance
	FromStatus       CadenceStatus `json:"from_status,omitempty" db:"from_status"`     // Empty for apply
	ToStatus         CadenceStatus `json:"to_status" db:"to_status"`
	StepIndex        int           `json:"step_index" db:"step_index"` // Current step index after the transition
	Message          string        `json:"message,omitempty" db:"message"`
	LoggedAt         time.Time     `json:"logged_at" db:"logged_at"`
}
