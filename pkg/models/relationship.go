package models

import "time"

// Relationship links a contact to an organization with a business category.
type Relationship struct {
	ID             string           `json:"id" db:"id"`
	ContactID      string           `json:"contact_id" db:"contact_id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	Type           RelationshipType `json:"type" db:"type"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}
