package repository

import (
	"context"
	"sort"

	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/storage"
	"go.uber.org/zap"
)

// Threads are partitioned by assistant. The sort key is user#handle so that
// stale duplicates for one pair stay visible instead of being overwritten.
type Threads struct {
	store  storage.Store
	logger *zap.Logger
}

func threadKey(userID, handle string) string {
	return userID + "#" + handle
}

// Find returns the live thread for the pair, or nil. When more than one row
// exists the earliest created wins and the anomaly is logged.
func (t *Threads) Find(ctx context.Context, assistantID, userID string) (*models.Thread, error) {
	threads, err := t.forUser(ctx, assistantID, userID)
	if err != nil || len(threads) == 0 {
		return nil, err
	}
	if len(threads) > 1 {
		handles := make([]string, 0, len(threads))
		for _, th := range threads {
			handles = append(handles, th.Handle)
		}
		t.logger.Warn("Multiple threads stored for one conversation",
			zap.String("assistant_id", assistantID),
			zap.String("user_id", userID),
			zap.Int("rows", len(threads)),
			zap.String("chosen_thread", threads[0].Handle),
			zap.Strings("threads", handles))
	}
	return threads[0], nil
}

func (t *Threads) Put(ctx context.Context, th *models.Thread) error {
	if err := th.Validate(); err != nil {
		return invalid("threads.put", err)
	}
	return t.store.Put(ctx, storage.ThreadsTable, threadToRecord(th))
}

func (t *Threads) Delete(ctx context.Context, th *models.Thread) error {
	return t.store.Delete(ctx, storage.ThreadsTable, storage.Key{
		Partition: th.AssistantID,
		Sort:      threadKey(th.UserID, th.Handle),
	})
}

// DeleteAll removes every stored thread of the pair and reports how many
// rows were removed.
func (t *Threads) DeleteAll(ctx context.Context, assistantID, userID string) (int, error) {
	threads, err := t.forUser(ctx, assistantID, userID)
	if err != nil {
		return 0, err
	}
	for i, th := range threads {
		if err := t.Delete(ctx, th); err != nil {
			return i, err
		}
	}
	return len(threads), nil
}

func (t *Threads) ListByAssistant(ctx context.Context, assistantID string) ([]*models.Thread, error) {
	recs, err := t.store.Query(ctx, storage.ThreadsTable, storage.KeyCondition{Partition: assistantID})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Thread, 0, len(recs))
	for _, rec := range recs {
		out = append(out, threadFromRecord(rec))
	}
	return out, nil
}

// forUser returns the pair's rows, earliest first.
func (t *Threads) forUser(ctx context.Context, assistantID, userID string) ([]*models.Thread, error) {
	recs, err := t.store.Query(ctx, storage.ThreadsTable, storage.KeyCondition{
		Partition:  assistantID,
		SortPrefix: userID + "#",
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Thread, 0, len(recs))
	for _, rec := range recs {
		th := threadFromRecord(rec)
		// A user id containing '#' can share the prefix with another user.
		if th.UserID != userID || th.Handle == "" {
			continue
		}
		out = append(out, th)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

func threadToRecord(th *models.Thread) storage.Record {
	return storage.Record{
		"assistant_id": th.AssistantID,
		"thread_key":   threadKey(th.UserID, th.Handle),
		"user_id":      th.UserID,
		"thread_id":    th.Handle,
		"created_at":   models.FormatTime(th.CreatedAt),
	}
}

func threadFromRecord(rec storage.Record) *models.Thread {
	return &models.Thread{
		AssistantID: rec.String("assistant_id"),
		UserID:      rec.String("user_id"),
		Handle:      rec.String("thread_id"),
		CreatedAt:   models.ParseTime(rec.String("created_at")),
	}
}
