package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/models"
)

// OpenAIGateway talks to the OpenAI Assistants API.
type OpenAIGateway struct {
	client *openai.Client
	logger *zap.Logger
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

func NewOpenAIGateway(cfg OpenAIConfig, logger *zap.Logger) *OpenAIGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIGateway{
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

func assistantRequest(spec AssistantSpec) openai.AssistantRequest {
	req := openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &spec.Name,
		Instructions: &spec.Instructions,
		Tools: []openai.AssistantTool{
			{Type: openai.AssistantToolType(models.NormalizeCapability(spec.Capability))},
		},
	}
	if spec.Description != "" {
		req.Description = &spec.Description
	}
	if spec.OwnerID != "" {
		req.Metadata = map[string]any{"user_id": spec.OwnerID}
	}
	if spec.VectorSourceID != "" {
		req.ToolResources = &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{
				VectorStoreIDs: []string{spec.VectorSourceID},
			},
		}
	}
	return req
}

func (g *OpenAIGateway) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	a, err := g.client.CreateAssistant(ctx, assistantRequest(spec))
	if err != nil {
		return "", classify("create assistant", err)
	}
	return a.ID, nil
}

func (g *OpenAIGateway) UpdateAssistant(ctx context.Context, assistantID string, spec AssistantSpec) (string, error) {
	a, err := g.client.ModifyAssistant(ctx, assistantID, assistantRequest(spec))
	if err != nil {
		return "", classify("update assistant", err)
	}
	return a.ID, nil
}

func (g *OpenAIGateway) DeleteAssistant(ctx context.Context, assistantID string) error {
	if _, err := g.client.DeleteAssistant(ctx, assistantID); err != nil {
		return classify("delete assistant", err)
	}
	return nil
}

func (g *OpenAIGateway) ListAssistants(ctx context.Context) ([]RemoteAssistant, error) {
	var (
		out   []RemoteAssistant
		after *string
	)
	limit := 100
	for {
		page, err := g.client.ListAssistants(ctx, &limit, nil, after, nil)
		if err != nil {
			return nil, classify("list assistants", err)
		}
		for _, a := range page.Assistants {
			name := ""
			if a.Name != nil {
				name = *a.Name
			}
			out = append(out, RemoteAssistant{ID: a.ID, Name: name, Model: a.Model})
		}
		if !page.HasMore || page.LastID == nil {
			return out, nil
		}
		after = page.LastID
	}
}

func (g *OpenAIGateway) CreateThread(ctx context.Context) (string, error) {
	th, err := g.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", classify("create thread", err)
	}
	return th.ID, nil
}

func (g *OpenAIGateway) PostMessage(ctx context.Context, threadID string, role models.Role, text string) error {
	if _, err := g.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(role),
		Content: text,
	}); err != nil {
		return classify("post message", err)
	}
	return nil
}

func (g *OpenAIGateway) StartRun(ctx context.Context, threadID, assistantID string) (*models.Run, error) {
	run, err := g.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return nil, classify("start run", err)
	}
	created := time.Unix(run.CreatedAt, 0).UTC()
	status := models.RunStatus(run.Status)
	if status == "" {
		status = models.RunQueued
	}
	return &models.Run{
		ID:           run.ID,
		ThreadHandle: threadID,
		AssistantID:  assistantID,
		Status:       status,
		State:        models.StateCreated,
		CreatedAt:    created,
		UpdatedAt:    created,
	}, nil
}

func (g *OpenAIGateway) PollRun(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	run, err := g.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return "", classify("poll run", err)
	}
	return models.RunStatus(run.Status), nil
}

func (g *OpenAIGateway) CancelRun(ctx context.Context, threadID, runID string) error {
	if _, err := g.client.CancelRun(ctx, threadID, runID); err != nil {
		return classify("cancel run", err)
	}
	return nil
}

// FetchLatestReply returns the text of the newest assistant message produced
// by the run.
func (g *OpenAIGateway) FetchLatestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 20
	order := "desc"
	var filter *string
	if runID != "" {
		filter = &runID
	}
	list, err := g.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, filter)
	if err != nil {
		return "", classify("fetch reply", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != string(models.RoleAssistant) {
			continue
		}
		var parts []string
		for _, c := range msg.Content {
			if c.Text != nil && c.Text.Value != "" {
				parts = append(parts, c.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", apperr.New(apperr.KindRunFailed, "fetch reply", "run %s produced no text reply", runID)
}

func (g *OpenAIGateway) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	f, err := g.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", classify("upload file", err)
	}
	g.logger.Info("File uploaded", zap.String("file_id", f.ID), zap.String("name", name), zap.Int("bytes", len(data)))
	return f.ID, nil
}

func (g *OpenAIGateway) RegisterVectorSource(ctx context.Context, fileIDs []string, name string) (string, error) {
	vs, err := g.client.CreateVectorStore(ctx, openai.VectorStoreRequest{
		Name:    name,
		FileIDs: fileIDs,
	})
	if err != nil {
		return "", classify("register vector source", err)
	}
	return vs.ID, nil
}

// classify maps client errors onto gateway kinds. Only a 4xx response that
// is not about auth, timeouts or throttling counts as a rejection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if rejected(status) {
		return apperr.Wrap(apperr.KindGatewayRejected, op, fmt.Errorf("status %d: %w", status, err))
	}
	return apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
}

func rejected(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}
