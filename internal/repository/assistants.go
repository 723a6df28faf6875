package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/storage"
)

type Assistants struct {
	store storage.Store
}

func (a *Assistants) Get(ctx context.Context, id string) (*models.Assistant, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	rec, err := a.store.Get(ctx, storage.AssistantsTable, storage.Key{Partition: id})
	if err != nil || rec == nil {
		return nil, err
	}
	return assistantFromRecord(rec), nil
}

// Put upserts the assistant. Name and model are required.
func (a *Assistants) Put(ctx context.Context, asst *models.Assistant) error {
	if err := asst.Validate(); err != nil {
		return invalid("assistants.put", err)
	}
	now := time.Now().UTC()
	if asst.CreatedAt.IsZero() {
		asst.CreatedAt = now
	}
	asst.UpdatedAt = now
	asst.Capability = models.NormalizeCapability(asst.Capability)
	return a.store.Put(ctx, storage.AssistantsTable, assistantToRecord(asst))
}

func (a *Assistants) Delete(ctx context.Context, id string) error {
	return a.store.Delete(ctx, storage.AssistantsTable, storage.Key{Partition: id})
}

func (a *Assistants) List(ctx context.Context) ([]*models.Assistant, error) {
	return a.scan(ctx, nil)
}

func (a *Assistants) ListByOwner(ctx context.Context, userID string) ([]*models.Assistant, error) {
	return a.scan(ctx, storage.Filter{storage.Eq("user_id", userID)})
}

func (a *Assistants) scan(ctx context.Context, filter storage.Filter) ([]*models.Assistant, error) {
	recs, err := a.store.Scan(ctx, storage.AssistantsTable, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Assistant, 0, len(recs))
	for _, rec := range recs {
		out = append(out, assistantFromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func assistantToRecord(a *models.Assistant) storage.Record {
	return storage.Record{
		"id":           a.ID,
		"user_id":      a.UserID,
		"name":         a.Name,
		"model":        a.Model,
		"instructions": a.Instructions,
		"description":  a.Description,
		"tools_type":   a.Capability,
		"vector_id":    a.VectorSourceID,
		"created_at":   models.FormatTime(a.CreatedAt),
		"updated_at":   models.FormatTime(a.UpdatedAt),
	}
}

func assistantFromRecord(rec storage.Record) *models.Assistant {
	return &models.Assistant{
		ID:             rec.String("id"),
		UserID:         rec.String("user_id"),
		Name:           rec.String("name"),
		Model:          rec.String("model"),
		Instructions:   rec.String("instructions"),
		Description:    rec.String("description"),
		Capability:     models.NormalizeCapability(rec.String("tools_type")),
		VectorSourceID: rec.String("vector_id"),
		CreatedAt:      models.ParseTime(rec.String("created_at")),
		UpdatedAt:      models.ParseTime(rec.String("updated_at")),
	}
}
