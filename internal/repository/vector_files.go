package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/storage"
)

var errVectorFileExists = errors.New("vector file already exists")

type VectorFiles struct {
	store storage.Store
}

// Put creates the record once; a second Put for the same id is rejected.
func (v *VectorFiles) Put(ctx context.Context, vf *models.VectorFile) error {
	if err := vf.Validate(); err != nil {
		return invalid("vector_files.put", err)
	}
	existing, err := v.store.Get(ctx, storage.VectorFilesTable, storage.Key{Partition: vf.ID})
	if err != nil {
		return err
	}
	if existing != nil {
		return invalid("vector_files.put", errVectorFileExists)
	}
	if vf.CreatedAt.IsZero() {
		vf.CreatedAt = time.Now().UTC()
	}
	return v.store.Put(ctx, storage.VectorFilesTable, vectorFileToRecord(vf))
}

func (v *VectorFiles) Get(ctx context.Context, id string) (*models.VectorFile, error) {
	rec, err := v.store.Get(ctx, storage.VectorFilesTable, storage.Key{Partition: id})
	if err != nil || rec == nil {
		return nil, err
	}
	return vectorFileFromRecord(rec), nil
}

func (v *VectorFiles) ListBySource(ctx context.Context, vectorSourceID string) ([]*models.VectorFile, error) {
	recs, err := v.store.Scan(ctx, storage.VectorFilesTable, storage.Filter{storage.Eq("vector_id", vectorSourceID)})
	if err != nil {
		return nil, err
	}
	out := make([]*models.VectorFile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, vectorFileFromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func vectorFileToRecord(vf *models.VectorFile) storage.Record {
	return storage.Record{
		"id":         vf.ID,
		"file_id":    vf.FileID,
		"vector_id":  vf.VectorSourceID,
		"name":       vf.Name,
		"file_path":  vf.BlobLocator,
		"created_at": models.FormatTime(vf.CreatedAt),
	}
}

func vectorFileFromRecord(rec storage.Record) *models.VectorFile {
	return &models.VectorFile{
		ID:             rec.String("id"),
		FileID:         rec.String("file_id"),
		VectorSourceID: rec.String("vector_id"),
		Name:           rec.String("name"),
		BlobLocator:    rec.String("file_path"),
		CreatedAt:      models.ParseTime(rec.String("created_at")),
	}
}
