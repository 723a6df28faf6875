// Package assistants manages the assistant lifecycle on both sides: the
// remote service and the local store.
package assistants

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/gateway"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/repository"
)

// Spec is the editable part of an assistant. Empty fields are left
// unchanged by Update.
type Spec struct {
	Name         string
	Model        string
	Instructions string
	Description  string
	Capability   string
}

// Upload is a file already placed in blob storage by the caller.
type Upload struct {
	Name        string
	Data        []byte
	BlobLocator string
}

type Service struct {
	repo    *repository.Repository
	gateway gateway.Gateway
	logger  *zap.Logger
}

func NewService(repo *repository.Repository, gw gateway.Gateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, gateway: gw, logger: logger}
}

// Create registers the assistant remotely and stores it. If the store write
// fails the remote assistant is deleted again.
func (s *Service) Create(ctx context.Context, ownerID string, spec Spec) (*models.Assistant, error) {
	spec = trimSpec(spec)
	if spec.Name == "" || spec.Model == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "assistants.create", "name and model are required")
	}

	id, err := s.gateway.CreateAssistant(ctx, remoteSpec(spec, ownerID, ""))
	if err != nil {
		return nil, err
	}

	asst, err := models.NewAssistant(id, ownerID, spec.Name, spec.Model)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "assistants.create", err)
	}
	asst.Instructions = spec.Instructions
	asst.Description = spec.Description
	asst.Capability = models.NormalizeCapability(spec.Capability)

	if err := s.repo.Assistants.Put(ctx, asst); err != nil {
		s.logger.Error("Failed to store assistant, removing remote copy", zap.String("assistant_id", id), zap.Error(err))
		s.compensate(id)
		return nil, err
	}

	s.logger.Info("Assistant created",
		zap.String("assistant_id", id),
		zap.String("owner_id", ownerID),
		zap.String("model", spec.Model))
	return asst, nil
}

func (s *Service) Update(ctx context.Context, id string, spec Spec) (*models.Assistant, error) {
	asst, err := s.require(ctx, "assistants.update", id)
	if err != nil {
		return nil, err
	}
	spec = trimSpec(spec)
	if spec.Name != "" {
		asst.Name = spec.Name
	}
	if spec.Model != "" {
		asst.Model = spec.Model
	}
	if spec.Instructions != "" {
		asst.Instructions = spec.Instructions
	}
	if spec.Description != "" {
		asst.Description = spec.Description
	}
	if spec.Capability != "" {
		asst.Capability = models.NormalizeCapability(spec.Capability)
	}
	if err := s.push(ctx, asst); err != nil {
		return nil, err
	}
	return asst, nil
}

// Delete removes the assistant remotely, then locally. Stored threads and
// messages are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.require(ctx, "assistants.delete", id); err != nil {
		return err
	}
	if err := s.gateway.DeleteAssistant(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Assistants.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Assistant deleted", zap.String("assistant_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Assistant, error) {
	return s.repo.Assistants.Get(ctx, id)
}

// List returns the owner's assistants, or every assistant for an empty owner.
func (s *Service) List(ctx context.Context, ownerID string) ([]*models.Assistant, error) {
	if strings.TrimSpace(ownerID) == "" {
		return s.repo.Assistants.List(ctx)
	}
	return s.repo.Assistants.ListByOwner(ctx, ownerID)
}

// Unregistered lists remote assistants that have no local record.
func (s *Service) Unregistered(ctx context.Context) ([]gateway.RemoteAssistant, error) {
	remote, err := s.gateway.ListAssistants(ctx)
	if err != nil {
		return nil, err
	}
	var out []gateway.RemoteAssistant
	for _, ra := range remote {
		local, err := s.repo.Assistants.Get(ctx, ra.ID)
		if err != nil {
			return nil, err
		}
		if local == nil {
			out = append(out, ra)
		}
	}
	return out, nil
}

// AttachFile uploads the file, builds a vector source from it and points the
// assistant's retrieval at that source.
func (s *Service) AttachFile(ctx context.Context, assistantID string, up Upload) (*models.VectorFile, error) {
	asst, err := s.require(ctx, "assistants.attach", assistantID)
	if err != nil {
		return nil, err
	}
	up.Name = strings.TrimSpace(up.Name)
	if up.Name == "" || len(up.Data) == 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "assistants.attach", "file name and content are required")
	}

	fileID, err := s.gateway.UploadFile(ctx, up.Name, up.Data)
	if err != nil {
		return nil, err
	}
	sourceID, err := s.gateway.RegisterVectorSource(ctx, []string{fileID}, up.Name)
	if err != nil {
		return nil, err
	}

	vf := &models.VectorFile{
		ID:             uuid.NewString(),
		FileID:         fileID,
		VectorSourceID: sourceID,
		Name:           up.Name,
		BlobLocator:    up.BlobLocator,
	}
	if err := s.repo.VectorFiles.Put(ctx, vf); err != nil {
		return nil, err
	}

	asst.VectorSourceID = sourceID
	asst.Capability = models.CapabilityFileSearch
	if err := s.push(ctx, asst); err != nil {
		return nil, err
	}

	s.logger.Info("File attached",
		zap.String("assistant_id", assistantID),
		zap.String("file_id", fileID),
		zap.String("vector_id", sourceID))
	return vf, nil
}

func (s *Service) require(ctx context.Context, op, id string) (*models.Assistant, error) {
	asst, err := s.repo.Assistants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if asst == nil {
		return nil, apperr.New(apperr.KindInvalidRequest, op, "unknown assistant %s", id)
	}
	return asst, nil
}

// push writes the assistant to the remote service, then to the store.
func (s *Service) push(ctx context.Context, asst *models.Assistant) error {
	spec := Spec{
		Name:         asst.Name,
		Model:        asst.Model,
		Instructions: asst.Instructions,
		Description:  asst.Description,
		Capability:   asst.Capability,
	}
	if _, err := s.gateway.UpdateAssistant(ctx, asst.ID, remoteSpec(spec, asst.UserID, asst.VectorSourceID)); err != nil {
		return err
	}
	return s.repo.Assistants.Put(ctx, asst)
}

func (s *Service) compensate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.gateway.DeleteAssistant(ctx, id); err != nil {
		s.logger.Error("Failed to remove orphaned remote assistant", zap.String("assistant_id", id), zap.Error(err))
	}
}

func remoteSpec(spec Spec, ownerID, vectorSourceID string) gateway.AssistantSpec {
	return gateway.AssistantSpec{
		Name:           spec.Name,
		Model:          spec.Model,
		Instructions:   spec.Instructions,
		Description:    spec.Description,
		Capability:     models.NormalizeCapability(spec.Capability),
		VectorSourceID: vectorSourceID,
		OwnerID:        ownerID,
	}
}

func trimSpec(spec Spec) Spec {
	return Spec{
		Name:         strings.TrimSpace(spec.Name),
		Model:        strings.TrimSpace(spec.Model),
		Instructions: strings.TrimSpace(spec.Instructions),
		Description:  strings.TrimSpace(spec.Description),
		Capability:   strings.TrimSpace(spec.Capability),
	}
}
