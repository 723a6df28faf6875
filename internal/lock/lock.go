// Package lock serializes work per conversation key.
package lock

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/assistant-hub/internal/apperr"
)

// Locker hands out one holder per key at a time. The release func is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Policy decides what a second caller for a held key does.
type Policy string

const (
	// PolicyWait blocks until the key is free or ctx is done.
	PolicyWait Policy = "wait"
	// PolicyReject fails at once with conversation_busy.
	PolicyReject Policy = "reject"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyWait:
		return PolicyWait, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", s)
	}
}

func busy(key string) error {
	return apperr.New(apperr.KindConversationBusy, "lock.acquire", "conversation %s is busy", key)
}

func canceled(err error) error {
	return apperr.Wrap(apperr.KindCanceled, "lock.acquire", err)
}
