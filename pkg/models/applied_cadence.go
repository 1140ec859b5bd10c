package models

import "time"

type CadenceStatus string

const (
	ActiveCadenceStatus    CadenceStatus = "active"
	PausedCadenceStatus    CadenceStatus = "paused"
	CompletedCadenceStatus CadenceStatus = "completed"
	ClearedCadenceStatus   CadenceStatus = "cleared"
)

// Terminal reports whether no further transition may leave the status.
func (s CadenceStatus) Terminal() bool {
	return s == CompletedCadenceStatus || s == ClearedCadenceStatus
}

// AppliedCadence is a running instance of a template against one contact.
type AppliedCadence struct {
	ID                string        `json:"id" db:"id"`
	CadenceTemplateID string        `json:"cadence_template_id" db:"cadence_template_id"`
	TemplateVersion   int           `json:"template_version" db:"template_version"`
	ContactID         string        `json:"contact_id" db:"contact_id"`
	RelationshipID    *string       `json:"relationship_id,omitempty" db:"relationship_id"`
	OrganizationID    *string       `json:"organization_id,omitempty" db:"organization_id"` // Copied from the relationship onto generated tasks
	Assignee          string        `json:"assignee,omitempty" db:"assignee"`
	StartDate         time.Time     `json:"start_date" db:"start_date"`
	Status            CadenceStatus `json:"status" db:"status"`
	CurrentStepIndex  int           `json:"current_step_index" db:"current_step_index"`
	ClearReason       *string       `json:"clear_reason,omitempty" db:"clear_reason"`
	PausedAt          *time.Time    `json:"paused_at,omitempty" db:"paused_at"`
	Revision          int64         `json:"revision" db:"revision"` // bumped on every update, used for compare-and-set
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// AppliedCadencePatch is a conditional update of an AppliedCadence. The update only applies
// while the stored row still has ExpectedStatus and ExpectedRevision.
type AppliedCadencePatch struct {
	ExpectedStatus   CadenceStatus
	ExpectedRevision int64

	Status           *CadenceStatus
	CurrentStepIndex *int
	StartDate        *time.Time
	PausedAt         *time.Time
	ResetPausedAt    bool
	ClearReason      *string
}

// Apply returns a copy of ac with the patch fields set. It does not check the guard.
func (p AppliedCadencePatch) Apply(ac AppliedCadence) AppliedCadence {
	if p.Status != nil {
		ac.Status = *p.Status
	}
	if p.CurrentStepIndex != nil {
		ac.CurrentStepIndex = *p.CurrentStepIndex
	}
	if p.StartDate != nil {
		ac.StartDate = *p.StartDate
	}
	if p.ResetPausedAt {
		ac.PausedAt = nil
	} else if p.PausedAt != nil {
		pausedAt := *p.PausedAt
		ac.PausedAt = &pausedAt
	}
	if p.ClearReason != nil {
		reason := *p.ClearReason
		ac.ClearReason = &reason
	}
	ac.Revision++
	return ac
}
