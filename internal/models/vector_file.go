package models

import (
	"fmt"
	"strings"
	"time"
)

// VectorFile records one uploaded file and the vector source built from it.
// It is written once and never modified.
type VectorFile struct {
	ID             string    `json:"id"`
	FileID         string    `json:"file_id"`
	VectorSourceID string    `json:"vector_id"`
	Name           string    `json:"name"`
	BlobLocator    string    `json:"file_path"`
	CreatedAt      time.Time `json:"created_at"`
}

func (v *VectorFile) Validate() error {
	if strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.FileID) == "" {
		return fmt.Errorf("%w: vector file requires id and file id", ErrInvalid)
	}
	if strings.TrimSpace(v.VectorSourceID) == "" {
		return fmt.Errorf("%w: vector file requires a vector source", ErrInvalid)
	}
	return nil
}
