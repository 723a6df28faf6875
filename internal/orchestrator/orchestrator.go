// Package orchestrator drives one message exchange: it resolves the
// conversation's thread, submits the message, polls the remote run to a
// terminal state under a deadline and records both sides of the exchange.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/gateway"
	"github.com/xaenox/assistant-hub/internal/lock"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/repository"
)

const cancelTimeout = 5 * time.Second

// Threads resolves conversation keys to remote thread handles.
type Threads interface {
	Resolve(ctx context.Context, assistantID, userID string) (string, error)
	Lookup(ctx context.Context, assistantID, userID string) (string, error)
	Reset(ctx context.Context, assistantID, userID string) error
}

type Config struct {
	PollInterval time.Duration
	RunTimeout   time.Duration
	// PollRetries bounds the attempts of one poll that fails transiently.
	PollRetries int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 60 * time.Second
	}
	if c.PollRetries <= 0 {
		c.PollRetries = 3
	}
	return c
}

type ExchangeRequest struct {
	AssistantID string
	UserID      string
	// ThreadHandle is optional. When set it must match the conversation's
	// live thread.
	ThreadHandle string
	Text         string
}

type ExchangeResult struct {
	Reply        string
	RunID        string
	ThreadHandle string
}

type Orchestrator struct {
	assistants *repository.Assistants
	messages   *repository.Messages
	threads    Threads
	gateway    gateway.Gateway
	locker     lock.Locker
	config     Config
	logger     *zap.Logger
}

func New(repo *repository.Repository, threads Threads, gw gateway.Gateway, locker lock.Locker, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		assistants: repo.Assistants,
		messages:   repo.Messages,
		threads:    threads,
		gateway:    gw,
		locker:     locker,
		config:     config.withDefaults(),
		logger:     logger,
	}
}

// Exchange sends req.Text to the assistant and returns its reply. At most
// one exchange per conversation is in flight; the locker's policy decides
// whether a second caller waits or gets conversation_busy.
//
// The user message is recorded once it has been posted, whatever the run's
// outcome; it carries the run id when the run started. The assistant message
// is recorded only for a completed run.
func (o *Orchestrator) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	req.AssistantID = strings.TrimSpace(req.AssistantID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ThreadHandle = strings.TrimSpace(req.ThreadHandle)
	if req.AssistantID == "" || req.UserID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "exchange", "assistant and user are required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "exchange", "message text is empty")
	}

	asst, err := o.assistants.Get(ctx, req.AssistantID)
	if err != nil {
		return nil, err
	}
	if asst == nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "exchange", "unknown assistant %s", req.AssistantID)
	}

	key := models.ConversationKey(req.AssistantID, req.UserID)
	release, err := o.locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	handle, err := o.threads.Resolve(ctx, req.AssistantID, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.ThreadHandle != "" && req.ThreadHandle != handle {
		return nil, apperr.New(apperr.KindInvalidRequest, "exchange", "thread %s does not belong to this conversation", req.ThreadHandle)
	}

	logger := o.logger.With(
		zap.String("assistant_id", req.AssistantID),
		zap.String("user_id", req.UserID),
		zap.String("thread_id", handle))

	if err := o.gateway.PostMessage(ctx, handle, models.RoleUser, req.Text); err != nil {
		return nil, err
	}
	userMsg := &models.Message{
		ThreadHandle: handle,
		AssistantID:  req.AssistantID,
		UserID:       req.UserID,
		Role:         models.RoleUser,
		Text:         req.Text,
	}
	run, err := o.gateway.StartRun(ctx, handle, asst.ID)
	if err != nil {
		// The text is in the remote thread already.
		if serr := o.messages.Append(ctx, userMsg); serr != nil {
			logger.Error("Failed to store user message", zap.Error(serr))
		}
		return nil, err
	}
	logger = logger.With(zap.String("run_id", run.ID))
	o.advance(logger, run, models.StateSubmitted)

	userMsg.RunID = run.ID
	if err := o.messages.Append(ctx, userMsg); err != nil {
		logger.Error("Failed to store user message", zap.Error(err))
		o.cancelRun(logger, run)
		return nil, err
	}

	if err := o.await(ctx, logger, run); err != nil {
		return nil, err
	}

	var reply string
	err = o.retry(ctx, logger, "fetch_reply", func() error {
		var ferr error
		reply, ferr = o.gateway.FetchLatestReply(ctx, handle, run.ID)
		return ferr
	})
	if err != nil {
		o.advance(logger, run, models.StateFailed)
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		o.advance(logger, run, models.StateFailed)
		return nil, apperr.New(apperr.KindRunFailed, "exchange", "run %s completed without a reply", run.ID)
	}

	botMsg := &models.Message{
		ThreadHandle: handle,
		AssistantID:  req.AssistantID,
		UserID:       req.UserID,
		RunID:        run.ID,
		Role:         models.RoleAssistant,
		Text:         reply,
	}
	if err := o.messages.Append(ctx, botMsg); err != nil {
		logger.Error("Failed to store assistant reply", zap.Error(err))
		return nil, err
	}
	o.advance(logger, run, models.StateCompleted)

	return &ExchangeResult{Reply: reply, RunID: run.ID, ThreadHandle: handle}, nil
}

// History returns the stored log of the conversation's current thread,
// oldest first. A conversation without a thread has no history.
func (o *Orchestrator) History(ctx context.Context, assistantID, userID string) ([]*models.Message, error) {
	handle, err := o.threads.Lookup(ctx, assistantID, userID)
	if err != nil || handle == "" {
		return nil, err
	}
	return o.messages.History(ctx, handle)
}

// Reset forgets the conversation's thread under the conversation lock, so it
// never races an exchange that is still writing to the old thread.
func (o *Orchestrator) Reset(ctx context.Context, assistantID, userID string) error {
	assistantID = strings.TrimSpace(assistantID)
	userID = strings.TrimSpace(userID)
	if assistantID == "" || userID == "" {
		return apperr.New(apperr.KindInvalidRequest, "reset", "assistant and user are required")
	}
	release, err := o.locker.Acquire(ctx, models.ConversationKey(assistantID, userID))
	if err != nil {
		return err
	}
	defer release()
	return o.threads.Reset(ctx, assistantID, userID)
}

// await polls until the run is terminal. It returns nil only for a
// completed run.
func (o *Orchestrator) await(parent context.Context, logger *zap.Logger, run *models.Run) error {
	ctx, cancel := context.WithTimeout(parent, o.config.RunTimeout)
	defer cancel()

	o.advance(logger, run, models.StatePolling)
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.abandon(parent, logger, run)
		case <-ticker.C:
		}

		status, err := o.poll(ctx, logger, run)
		if err != nil {
			if ctx.Err() != nil {
				return o.abandon(parent, logger, run)
			}
			o.advance(logger, run, models.StateFailed)
			logger.Warn("Run failed", zap.Error(err))
			return err
		}
		if status != run.Status {
			logger.Debug("Run status changed", zap.String("from", string(run.Status)), zap.String("to", string(status)))
			run.Status = status
		}
		if !status.Terminal() {
			continue
		}

		switch status {
		case models.RunCompleted:
			return nil
		case models.RunCancelled:
			o.advance(logger, run, models.StateFailed)
			logger.Warn("Run cancelled remotely")
			return apperr.New(apperr.KindRunCancelled, "exchange", "run %s was cancelled", run.ID)
		default:
			o.advance(logger, run, models.StateFailed)
			logger.Warn("Run failed", zap.String("status", string(status)))
			return apperr.New(apperr.KindRunFailed, "exchange", "run %s ended with status %s", run.ID, status)
		}
	}
}

// poll asks for the run status, retrying transient failures a bounded number
// of times. Exhausted retries are promoted to run_failed.
func (o *Orchestrator) poll(ctx context.Context, logger *zap.Logger, run *models.Run) (models.RunStatus, error) {
	var status models.RunStatus
	err := o.retry(ctx, logger, "poll_run", func() error {
		s, err := o.gateway.PollRun(ctx, run.ThreadHandle, run.ID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil && apperr.IsTransient(err) && ctx.Err() == nil {
		return "", apperr.Wrap(apperr.KindRunFailed, "exchange.poll", err)
	}
	return status, err
}

// retry runs an idempotent gateway call, retrying transient failures at
// most PollRetries times in total, one poll interval apart.
func (o *Orchestrator) retry(ctx context.Context, logger *zap.Logger, call string, fn func() error) error {
	op := func() error {
		err := fn()
		if err != nil && (!apperr.IsTransient(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	retries := uint64(o.config.PollRetries - 1)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.config.PollInterval), retries), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn("Transient gateway error, retrying",
			zap.String("call", call), zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotify(op, policy, notify)
}

// abandon classifies a run left behind by the deadline or by the caller and
// asks the service to stop it.
func (o *Orchestrator) abandon(parent context.Context, logger *zap.Logger, run *models.Run) error {
	o.cancelRun(logger, run)
	if err := parent.Err(); err != nil {
		o.advance(logger, run, models.StateFailed)
		logger.Warn("Exchange cancelled by caller", zap.Error(err))
		return apperr.Wrap(apperr.KindCanceled, "exchange", err)
	}
	o.advance(logger, run, models.StateTimedOut)
	logger.Warn("Run timed out", zap.Duration("timeout", o.config.RunTimeout), zap.String("status", string(run.Status)))
	return apperr.New(apperr.KindRunTimedOut, "exchange", "run %s did not finish within %s", run.ID, o.config.RunTimeout)
}

// cancelRun is best effort and runs detached from the caller's ctx.
func (o *Orchestrator) cancelRun(logger *zap.Logger, run *models.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := o.gateway.CancelRun(ctx, run.ThreadHandle, run.ID); err != nil && !errors.Is(err, apperr.ErrGatewayRejected) {
		logger.Warn("Failed to cancel run", zap.Error(err))
	}
}

func (o *Orchestrator) advance(logger *zap.Logger, run *models.Run, state models.RunState) {
	from := run.State
	run.Advance(state)
	logger.Debug("Run state changed",
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.String("status", string(run.Status)))
}
