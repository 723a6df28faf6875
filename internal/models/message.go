package models

import (
	"fmt"
	"strings"
	"time"
)

// Message is one entry of a thread's append-only log. Sequence orders the
// log; it is assigned by the repository on append.
type Message struct {
	ID           string    `json:"id"`
	ThreadHandle string    `json:"thread_id"`
	AssistantID  string    `json:"assistant_id"`
	UserID       string    `json:"user_id"`
	RunID        string    `json:"run_id"`
	Role         Role      `json:"role"`
	Text         string    `json:"message"`
	Sequence     string    `json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.ThreadHandle) == "" {
		return fmt.Errorf("%w: message thread is required", ErrInvalid)
	}
	if _, ok := ParseRole(string(m.Role)); !ok {
		return fmt.Errorf("%w: message role %q", ErrInvalid, m.Role)
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: message text is required", ErrInvalid)
	}
	return nil
}
