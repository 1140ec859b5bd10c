package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/storage"
)

// RelationshipInput registers a business relationship mirrored from the CRM.
// An empty ID gets a generated one.
type RelationshipInput struct {
	ID             string `json:"id,omitempty"`
	ContactID      string `json:"contact_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Type           string `json:"type"`
}

type RelationshipService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewRelationshipService(store storage.Store, logger Logger) *RelationshipService {
	return &RelationshipService{store: store, logger: logger, now: time.Now}
}

func (s *RelationshipService) SaveRelationship(ctx context.Context, in RelationshipInput) (models.Relationship, error) {
	var errs ValidationErrors
	if strings.TrimSpace(in.ContactID) == "" {
		errs = append(errs, &ValidationError{Field: "contact_id", Reason: "is required"})
	}
	rt := models.RelationshipType(in.Type)
	if !rt.Valid() {
		errs = append(errs, &ValidationError{Field: "type", Reason: fmt.Sprintf("must be one of %v", models.RelationshipTypes)})
	}
	if err := errs.orNil(); err != nil {
		return models.Relationship{}, err
	}

	rel := models.Relationship{
		ID:             in.ID,
		ContactID:      strings.TrimSpace(in.ContactID),
		OrganizationID: in.OrganizationID,
		Type:           rt,
		CreatedAt:      s.now(),
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if err := s.store.SaveRelationship(ctx, rel); err != nil {
		return models.Relationship{}, storeError("save relationship", "", err)
	}
	s.logger.Infof("Saved %s relationship %s for contact %s", rel.Type, rel.ID, rel.ContactID)
	return rel, nil
}

func (s *RelationshipService) GetRelationship(ctx context.Context, id string) (models.Relationship, error) {
	rel, err := s.store.GetRelationship(ctx, id)
	if err != nil {
		return models.Relationship{}, storeError("get relationship", "", err)
	}
	return rel, nil
}
