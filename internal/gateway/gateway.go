// Package gateway is the client contract to the remote assistant service.
//
// Every operation returns an error classified as apperr.KindGatewayUnavailable
// (network, auth, throttling, server faults) or apperr.KindGatewayRejected
// (the service refused the request as malformed). No call swallows errors.
package gateway

import (
	"context"

	"github.com/xaenox/assistant-hub/internal/models"
)

// AssistantSpec is the remote-facing configuration of an assistant.
type AssistantSpec struct {
	Name           string
	Model          string
	Instructions   string
	Description    string
	Capability     string
	VectorSourceID string
	OwnerID        string
}

// RemoteAssistant is the service's view of an assistant, as listed.
type RemoteAssistant struct {
	ID    string
	Name  string
	Model string
}

type Gateway interface {
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	UpdateAssistant(ctx context.Context, assistantID string, spec AssistantSpec) (string, error)
	DeleteAssistant(ctx context.Context, assistantID string) error
	ListAssistants(ctx context.Context) ([]RemoteAssistant, error)

	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID string, role models.Role, text string) error

	// StartRun returns the run in its initial (queued) status.
	StartRun(ctx context.Context, threadID, assistantID string) (*models.Run, error)
	PollRun(ctx context.Context, threadID, runID string) (models.RunStatus, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	// FetchLatestReply is valid only once the run has completed.
	FetchLatestReply(ctx context.Context, threadID, runID string) (string, error)

	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	RegisterVectorSource(ctx context.Context, fileIDs []string, name string) (string, error)
}
