// Package repository holds the typed collections built on storage.Store.
// Each collection owns its record schema and query patterns.
package repository

import (
	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/storage"
	"go.uber.org/zap"
)

type Repository struct {
	Users       *Users
	Assistants  *Assistants
	Threads     *Threads
	Messages    *Messages
	VectorFiles *VectorFiles
}

func New(store storage.Store, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		Users:       &Users{store: store},
		Assistants:  &Assistants{store: store},
		Threads:     &Threads{store: store, logger: logger},
		Messages:    newMessages(store),
		VectorFiles: &VectorFiles{store: store},
	}
}

func invalid(op string, err error) error {
	return apperr.Wrap(apperr.KindInvalidRequest, op, err)
}
