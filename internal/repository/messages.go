package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/storage"
)

var errMessageExists = errors.New("message already exists")

// Messages is the append-only log of every thread. Records are keyed by
// (thread, sequence); the sequence is a zero-padded, strictly increasing
// timestamp so a partition query returns the conversation in order.
//
// A new sequence is always above the last one stored for the thread, so
// appends from several processes stay ordered as long as they are
// serialized by the conversation lock, whatever their clocks say.
type Messages struct {
	store storage.Store

	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newMessages(store storage.Store) *Messages {
	return &Messages{store: store, now: time.Now}
}

func (m *Messages) nextSequence(floor int64) (int64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	n := now.UnixNano()
	if n <= m.last {
		n = m.last + 1
	}
	if n <= floor {
		n = floor + 1
	}
	m.last = n
	return n, now
}

// lastSequence returns the numeric part of the thread's newest sequence,
// or 0 for an empty thread.
func (m *Messages) lastSequence(ctx context.Context, threadHandle string) (int64, error) {
	recs, err := m.store.Query(ctx, storage.MessagesTable, storage.KeyCondition{Partition: threadHandle})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	head, _, _ := strings.Cut(recs[len(recs)-1].String("sequence"), "#")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func formatSequence(n int64, id string) string {
	return fmt.Sprintf("%019d#%s", n, id)
}

// Append validates msg, assigns its id, timestamp and sequence, and writes
// it. Existing entries are never overwritten.
func (m *Messages) Append(ctx context.Context, msg *models.Message) error {
	role, ok := models.ParseRole(string(msg.Role))
	if ok {
		msg.Role = role
	}
	if err := msg.Validate(); err != nil {
		return invalid("messages.append", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.New().String()
	}

	floor, err := m.lastSequence(ctx, msg.ThreadHandle)
	if err != nil {
		return err
	}
	n, now := m.nextSequence(floor)
	msg.Sequence = formatSequence(n, msg.ID)
	msg.CreatedAt = now

	existing, err := m.store.Get(ctx, storage.MessagesTable, storage.Key{Partition: msg.ThreadHandle, Sort: msg.Sequence})
	if err != nil {
		return err
	}
	if existing != nil {
		return invalid("messages.append", errMessageExists)
	}
	return m.store.Put(ctx, storage.MessagesTable, messageToRecord(msg))
}

// History returns the full log of a thread in append order.
func (m *Messages) History(ctx context.Context, threadHandle string) ([]*models.Message, error) {
	recs, err := m.store.Query(ctx, storage.MessagesTable, storage.KeyCondition{Partition: threadHandle})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, messageFromRecord(rec))
	}
	return out, nil
}

func messageToRecord(msg *models.Message) storage.Record {
	return storage.Record{
		"thread_id":    msg.ThreadHandle,
		"sequence":     msg.Sequence,
		"id":           msg.ID,
		"assistant_id": msg.AssistantID,
		"user_id":      msg.UserID,
		"run_id":       msg.RunID,
		"role":         string(msg.Role),
		"message":      msg.Text,
		"created_at":   models.FormatTime(msg.CreatedAt),
	}
}

func messageFromRecord(rec storage.Record) *models.Message {
	role, ok := models.ParseRole(rec.String("role"))
	if !ok {
		role = models.Role(rec.String("role"))
	}
	return &models.Message{
		ID:           rec.String("id"),
		ThreadHandle: rec.String("thread_id"),
		AssistantID:  rec.String("assistant_id"),
		UserID:       rec.String("user_id"),
		RunID:        rec.String("run_id"),
		Role:         role,
		Text:         rec.String("message"),
		Sequence:     rec.String("sequence"),
		CreatedAt:    models.ParseTime(rec.String("created_at")),
	}
}
