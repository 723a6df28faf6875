// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xaenox/assistant-hub/internal/gateway"
	"github.com/xaenox/assistant-hub/internal/models"
)

type Posted struct {
	ThreadID string
	Role     models.Role
	Text     string
}

// Fake records every call. Any *Func field that is set replaces the default
// behaviour of the matching method.
type Fake struct {
	CreateThreadFunc     func(ctx context.Context) (string, error)
	PostMessageFunc      func(ctx context.Context, threadID string, role models.Role, text string) error
	StartRunFunc         func(ctx context.Context, threadID, assistantID string) (*models.Run, error)
	PollRunFunc          func(ctx context.Context, threadID, runID string) (models.RunStatus, error)
	FetchLatestReplyFunc func(ctx context.Context, threadID, runID string) (string, error)
	CreateAssistantFunc  func(ctx context.Context, spec gateway.AssistantSpec) (string, error)
	UpdateAssistantFunc  func(ctx context.Context, id string, spec gateway.AssistantSpec) (string, error)
	UploadFileFunc       func(ctx context.Context, name string, data []byte) (string, error)

	// Reply is returned by FetchLatestReply when no func is set.
	Reply string

	seq       atomic.Int64
	mu        sync.Mutex
	threads   []string
	posted    []Posted
	runs      []string
	polls     int
	cancelled []string
	deleted   []string
	specs     map[string]gateway.AssistantSpec
	files     map[string][]byte
	sources   map[string][]string
}

var _ gateway.Gateway = (*Fake)(nil)

func (f *Fake) next(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, f.seq.Add(1))
}

func (f *Fake) CreateAssistant(ctx context.Context, spec gateway.AssistantSpec) (string, error) {
	if f.CreateAssistantFunc != nil {
		return f.CreateAssistantFunc(ctx, spec)
	}
	id := f.next("asst")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.specs == nil {
		f.specs = make(map[string]gateway.AssistantSpec)
	}
	f.specs[id] = spec
	return id, nil
}

func (f *Fake) UpdateAssistant(ctx context.Context, id string, spec gateway.AssistantSpec) (string, error) {
	if f.UpdateAssistantFunc != nil {
		return f.UpdateAssistantFunc(ctx, id, spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.specs == nil {
		f.specs = make(map[string]gateway.AssistantSpec)
	}
	f.specs[id] = spec
	return id, nil
}

func (f *Fake) DeleteAssistant(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.specs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *Fake) ListAssistants(context.Context) ([]gateway.RemoteAssistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.RemoteAssistant, 0, len(f.specs))
	for id, spec := range f.specs {
		out = append(out, gateway.RemoteAssistant{ID: id, Name: spec.Name, Model: spec.Model})
	}
	return out, nil
}

func (f *Fake) CreateThread(ctx context.Context) (string, error) {
	if f.CreateThreadFunc != nil {
		return f.CreateThreadFunc(ctx)
	}
	id := f.next("thread")
	f.mu.Lock()
	f.threads = append(f.threads, id)
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) PostMessage(ctx context.Context, threadID string, role models.Role, text string) error {
	if f.PostMessageFunc != nil {
		if err := f.PostMessageFunc(ctx, threadID, role, text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.posted = append(f.posted, Posted{ThreadID: threadID, Role: role, Text: text})
	f.mu.Unlock()
	return nil
}

func (f *Fake) StartRun(ctx context.Context, threadID, assistantID string) (*models.Run, error) {
	if f.StartRunFunc != nil {
		return f.StartRunFunc(ctx, threadID, assistantID)
	}
	now := time.Now().UTC()
	run := &models.Run{
		ID:           f.next("run"),
		ThreadHandle: threadID,
		AssistantID:  assistantID,
		Status:       models.RunQueued,
		State:        models.StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.mu.Lock()
	f.runs = append(f.runs, run.ID)
	f.mu.Unlock()
	return run, nil
}

func (f *Fake) PollRun(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	if f.PollRunFunc != nil {
		return f.PollRunFunc(ctx, threadID, runID)
	}
	return models.RunCompleted, nil
}

func (f *Fake) CancelRun(_ context.Context, _, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *Fake) FetchLatestReply(ctx context.Context, threadID, runID string) (string, error) {
	if f.FetchLatestReplyFunc != nil {
		return f.FetchLatestReplyFunc(ctx, threadID, runID)
	}
	return f.Reply, nil
}

func (f *Fake) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	if f.UploadFileFunc != nil {
		return f.UploadFileFunc(ctx, name, data)
	}
	id := f.next("file")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[id] = append([]byte(nil), data...)
	return id, nil
}

func (f *Fake) RegisterVectorSource(_ context.Context, fileIDs []string, _ string) (string, error) {
	id := f.next("vs")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sources == nil {
		f.sources = make(map[string][]string)
	}
	f.sources[id] = append([]string(nil), fileIDs...)
	return id, nil
}

func (f *Fake) Threads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.threads...)
}

func (f *Fake) Posted() []Posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Posted(nil), f.posted...)
}

func (f *Fake) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *Fake) Spec(id string) (gateway.AssistantSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[id]
	return spec, ok
}

func (f *Fake) Source(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sources[id]...)
}
