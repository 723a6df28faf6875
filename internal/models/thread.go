package models

import (
	"fmt"
	"strings"
	"time"
)

// Thread ties one user to one assistant through a remote thread handle. At
// most one thread is live per (assistant, user) pair.
type Thread struct {
	AssistantID string    `json:"assistant_id"`
	UserID      string    `json:"user_id"`
	Handle      string    `json:"thread_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewThread(assistantID, userID, handle string) (*Thread, error) {
	t := &Thread{
		AssistantID: strings.TrimSpace(assistantID),
		UserID:      strings.TrimSpace(userID),
		Handle:      strings.TrimSpace(handle),
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Thread) Validate() error {
	if t.AssistantID == "" || t.UserID == "" {
		return fmt.Errorf("%w: thread requires assistant and user", ErrInvalid)
	}
	if t.Handle == "" {
		return fmt.Errorf("%w: thread handle is required", ErrInvalid)
	}
	return nil
}

// ConversationKey identifies the (assistant, user) pair for caches and locks.
func ConversationKey(assistantID, userID string) string {
	return strings.TrimSpace(assistantID) + ":" + strings.TrimSpace(userID)
}
