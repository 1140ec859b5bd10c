package models

import (
	"slices"
	"time"
)

type TaskType string

const (
	CallTaskType       TaskType = "call"
	EmailTaskType      TaskType = "email"
	TextTaskType       TaskType = "text"
	MeetingTaskType    TaskType = "meeting"
	SendMailerTaskType TaskType = "send_mailer"
	OtherTaskType      TaskType = "other"
)

// TaskTypes lists every task type a cadence step may use.
var TaskTypes = []TaskType{
	CallTaskType,
	EmailTaskType,
	TextTaskType,
	MeetingTaskType,
	SendMailerTaskType,
	OtherTaskType,
}

func (t TaskType) Valid() bool {
	return slices.Contains(TaskTypes, t)
}

// RelationshipType categorises a business relationship between a contact and an organization.
type RelationshipType string

const (
	ProspectRelationship        RelationshipType = "prospect"
	ClientRelationship          RelationshipType = "client"
	PastClientRelationship      RelationshipType = "past_client"
	ReferralPartnerRelationship RelationshipType = "referral_partner"
	VendorRelationship          RelationshipType = "vendor"
	InvestorRelationship        RelationshipType = "investor"
	OtherRelationship           RelationshipType = "other"
)

var RelationshipTypes = []RelationshipType{
	ProspectRelationship,
	ClientRelationship,
	PastClientRelationship,
	ReferralPartnerRelationship,
	VendorRelationship,
	InvestorRelationship,
	OtherRelationship,
}

func (r RelationshipType) Valid() bool {
	return slices.Contains(RelationshipTypes, r)
}

// CadenceStep is one outreach step of a template. Steps have no identity outside their template.
type CadenceStep struct {
	StepNumber  int      `json:"step_number" db:"step_number" yaml:"step_number"`
	Name        string   `json:"name" db:"name" yaml:"name"`
	TaskType    TaskType `json:"task_type" db:"task_type" yaml:"task_type"`
	DayOffset   int      `json:"day_offset" db:"day_offset" yaml:"day_offset"`
	Description string   `json:"description,omitempty" db:"description" yaml:"description,omitempty"`
}

// CadenceTemplate is a reusable, ordered list of outreach steps.
type CadenceTemplate struct {
	ID                string             `json:"id" db:"id" yaml:"id,omitempty"`
	Name              string             `json:"name" db:"name" yaml:"name"`
	Description       string             `json:"description,omitempty" db:"description" yaml:"description,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationship_types" db:"-" yaml:"relationship_types"`
	IsActive          bool               `json:"is_active" db:"is_active" yaml:"is_active"`
	Version           int                `json:"version" db:"version" yaml:"-"`
	Steps             []CadenceStep      `json:"steps" db:"-" yaml:"steps"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Eligible reports whether the template may run against a relationship of type rt.
// An empty relationship type set accepts any relationship.
func (t CadenceTemplate) Eligible(rt RelationshipType) bool {
	if len(t.RelationshipTypes) == 0 {
		return true
	}
	return slices.Contains(t.RelationshipTypes, rt)
}
