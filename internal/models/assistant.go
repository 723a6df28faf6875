package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	CapabilityFileSearch      = "file_search"
	CapabilityCodeInterpreter = "code_interpreter"
)

// Assistant is a configured remote completion persona.
type Assistant struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Model          string    `json:"model"`
	Instructions   string    `json:"instructions"`
	Description    string    `json:"description"`
	Capability     string    `json:"tools_type"`
	VectorSourceID string    `json:"vector_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeCapability maps the legacy "retrieval" tag onto file_search and
// defaults an empty tag to file_search.
func NormalizeCapability(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch tag {
	case "", "retrieval":
		return CapabilityFileSearch
	}
	return tag
}

// NewAssistant builds a validated assistant stamped with the current time.
func NewAssistant(id, userID, name, model string) (*Assistant, error) {
	now := time.Now().UTC()
	a := &Assistant{
		ID:         strings.TrimSpace(id),
		UserID:     strings.TrimSpace(userID),
		Name:       strings.TrimSpace(name),
		Model:      strings.TrimSpace(model),
		Capability: CapabilityFileSearch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Assistant) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: assistant id is required", ErrInvalid)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: assistant name is required", ErrInvalid)
	}
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("%w: assistant model is required", ErrInvalid)
	}
	return nil
}
