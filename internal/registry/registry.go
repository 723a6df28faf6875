// Package registry resolves the live remote thread of an (assistant, user)
// conversation, creating and persisting one when none exists.
package registry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/repository"
)

// ThreadCreator is the part of the gateway the registry needs.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

type Config struct {
	// VerifyUsers rejects unknown or inactive users before a thread is
	// created for them.
	VerifyUsers bool
	// CreateTimeout bounds one thread creation. Creation runs detached from
	// the caller that started it, so waiters do not share its cancellation.
	CreateTimeout time.Duration
}

const defaultCreateTimeout = 30 * time.Second

// Registry owns the handle cache; the Threads repository stays the source
// of truth on a miss.
type Registry struct {
	threads *repository.Threads
	users   *repository.Users
	creator ThreadCreator
	cache   Cache
	config  Config
	logger  *zap.Logger

	group singleflight.Group
}

// New builds a registry. A nil cache disables caching.
func New(repo *repository.Repository, creator ThreadCreator, cache Cache, config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CreateTimeout <= 0 {
		config.CreateTimeout = defaultCreateTimeout
	}
	return &Registry{
		threads: repo.Threads,
		users:   repo.Users,
		creator: creator,
		cache:   cache,
		config:  config,
		logger:  logger,
	}
}

// Resolve returns the conversation's thread handle. Creation is collapsed
// per key so concurrent callers in one process share one remote thread.
func (r *Registry) Resolve(ctx context.Context, assistantID, userID string) (string, error) {
	assistantID, userID = strings.TrimSpace(assistantID), strings.TrimSpace(userID)
	if assistantID == "" || userID == "" {
		return "", apperr.New(apperr.KindInvalidRequest, "registry.resolve", "assistant and user are required")
	}
	key := models.ConversationKey(assistantID, userID)

	if handle, ok := r.cached(ctx, key); ok {
		return handle, nil
	}

	th, err := r.threads.Find(ctx, assistantID, userID)
	if err != nil {
		return "", err
	}
	if th != nil {
		r.remember(ctx, key, th.Handle)
		return th.Handle, nil
	}

	flight := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.CreateTimeout)
		defer cancel()

		// Another flight may have finished between the lookup and here.
		th, err := r.threads.Find(fctx, assistantID, userID)
		if err != nil {
			return "", err
		}
		if th != nil {
			return th.Handle, nil
		}
		return r.create(fctx, assistantID, userID)
	})

	select {
	case <-ctx.Done():
		return "", apperr.Wrap(apperr.KindCanceled, "registry.resolve", ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		handle := res.Val.(string)
		r.remember(ctx, key, handle)
		return handle, nil
	}
}

// Lookup returns the current handle without creating one. An empty handle
// means the conversation has no thread yet.
func (r *Registry) Lookup(ctx context.Context, assistantID, userID string) (string, error) {
	key := models.ConversationKey(assistantID, userID)
	if handle, ok := r.cached(ctx, key); ok {
		return handle, nil
	}
	th, err := r.threads.Find(ctx, assistantID, userID)
	if err != nil || th == nil {
		return "", err
	}
	r.remember(ctx, key, th.Handle)
	return th.Handle, nil
}

// Reset forgets the conversation's thread. The next Resolve starts a new
// remote thread; stored messages of the old one are kept.
func (r *Registry) Reset(ctx context.Context, assistantID, userID string) error {
	key := models.ConversationKey(assistantID, userID)
	n, err := r.threads.DeleteAll(ctx, assistantID, userID)
	if r.cache != nil {
		if cerr := r.cache.Delete(ctx, key); cerr != nil {
			r.logger.Warn("Failed to evict cached thread", zap.String("key", key), zap.Error(cerr))
		}
	}
	if err != nil {
		return err
	}
	r.logger.Info("Conversation reset",
		zap.String("assistant_id", assistantID),
		zap.String("user_id", userID),
		zap.Int("threads_removed", n))
	return nil
}

func (r *Registry) create(ctx context.Context, assistantID, userID string) (string, error) {
	if r.config.VerifyUsers {
		if err := r.verify(ctx, userID); err != nil {
			return "", err
		}
	}

	handle, err := r.creator.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	th, err := models.NewThread(assistantID, userID, handle)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGatewayRejected, "registry.create", err)
	}
	// Persisted before the handle is handed out, so a later miss finds it.
	if err := r.threads.Put(ctx, th); err != nil {
		r.logger.Error("Failed to store new thread",
			zap.String("assistant_id", assistantID),
			zap.String("user_id", userID),
			zap.String("thread_id", handle),
			zap.Error(err))
		return "", err
	}

	r.logger.Info("Thread created",
		zap.String("assistant_id", assistantID),
		zap.String("user_id", userID),
		zap.String("thread_id", handle))
	return handle, nil
}

func (r *Registry) verify(ctx context.Context, userID string) error {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return apperr.New(apperr.KindInvalidRequest, "registry.verify", "unknown user %s", userID)
	}
	if !user.Active {
		return apperr.New(apperr.KindInvalidRequest, "registry.verify", "user %s is inactive", userID)
	}
	return nil
}

func (r *Registry) cached(ctx context.Context, key string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	handle, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("Thread cache lookup failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return handle, ok && handle != ""
}

func (r *Registry) remember(ctx context.Context, key, handle string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, handle); err != nil {
		r.logger.Warn("Failed to cache thread", zap.String("key", key), zap.Error(err))
	}
}
