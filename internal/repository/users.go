package repository

import (
	"context"
	"sort"

	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/storage"
)

// Users is read by this service; accounts are written by the auth subsystem
// (Put exists for provisioning and tests).
type Users struct {
	store storage.Store
}

func (u *Users) Get(ctx context.Context, email string) (*models.User, error) {
	rec, err := u.store.Get(ctx, storage.UsersTable, storage.Key{Partition: email})
	if err != nil || rec == nil {
		return nil, err
	}
	return userFromRecord(rec), nil
}

// GetByID scans the table. Use it on rare paths only.
func (u *Users) GetByID(ctx context.Context, id string) (*models.User, error) {
	recs, err := u.store.Scan(ctx, storage.UsersTable, storage.Filter{storage.Eq("id", id)})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return userFromRecord(recs[0]), nil
}

func (u *Users) Put(ctx context.Context, user *models.User) error {
	if err := user.Validate(); err != nil {
		return invalid("users.put", err)
	}
	return u.store.Put(ctx, storage.UsersTable, userToRecord(user))
}

func (u *Users) ListByRole(ctx context.Context, role string) ([]*models.User, error) {
	recs, err := u.store.Scan(ctx, storage.UsersTable, storage.Filter{storage.Eq("user_type", role)})
	if err != nil {
		return nil, err
	}
	users := make([]*models.User, 0, len(recs))
	for _, rec := range recs {
		users = append(users, userFromRecord(rec))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

func userToRecord(u *models.User) storage.Record {
	return storage.Record{
		"id":        u.ID,
		"email":     u.Email,
		"password":  u.PasswordHash,
		"user_type": u.Role,
		"is_active": u.Active,
	}
}

func userFromRecord(rec storage.Record) *models.User {
	return &models.User{
		ID:           rec.String("id"),
		Email:        rec.String("email"),
		PasswordHash: rec.String("password"),
		Role:         rec.String("user_type"),
		Active:       rec.Bool("is_active"),
	}
}
