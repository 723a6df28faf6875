package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/models"
)

func newTestGateway(t *testing.T, mux *http.ServeMux) *OpenAIGateway {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewOpenAIGateway(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1/"}, zaptest.NewLogger(t))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "invalid_request_error"},
	})
}

func TestCreateAssistantSendsToolsAndResources(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assistants", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{"id": "asst_1", "object": "assistant", "model": "gpt-4o"})
	})
	gw := newTestGateway(t, mux)

	id, err := gw.CreateAssistant(context.Background(), AssistantSpec{
		Name:           "Helper",
		Model:          "gpt-4o",
		Instructions:   "be brief",
		Capability:     "retrieval",
		VectorSourceID: "vs_1",
		OwnerID:        "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "asst_1", id)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "Helper", body["name"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "file_search", tools[0].(map[string]any)["type"])
	resources := body["tool_resources"].(map[string]any)["file_search"].(map[string]any)
	assert.Equal(t, []any{"vs_1"}, resources["vector_store_ids"])
	assert.Equal(t, "u1", body["metadata"].(map[string]any)["user_id"])
}

func TestConversationCalls(t *testing.T) {
	var posted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "thread_1", "object": "thread"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "thread_1", r.PathValue("thread"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		writeJSON(w, http.StatusOK, map[string]any{"id": "msg_1", "object": "thread.message"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "asst_1", req["assistant_id"])
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "status": "queued", "created_at": 1700000000})
	})
	mux.HandleFunc("GET /v1/threads/{thread}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "run_1", r.PathValue("run"))
		writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "status": "completed"})
	})
	mux.HandleFunc("GET /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "run_1", r.URL.Query().Get("run_id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{
					"id":   "msg_2",
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "text", "text": map[string]any{"value": "Hello", "annotations": []any{}}},
						map[string]any{"type": "text", "text": map[string]any{"value": "there", "annotations": []any{}}},
					},
				},
			},
		})
	})
	gw := newTestGateway(t, mux)
	ctx := context.Background()

	thread, err := gw.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_1", thread)

	require.NoError(t, gw.PostMessage(ctx, thread, models.RoleUser, "hi"))
	assert.Equal(t, "user", posted["role"])
	assert.Equal(t, "hi", posted["content"])

	run, err := gw.StartRun(ctx, thread, "asst_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", run.ID)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, models.StateCreated, run.State)
	assert.Equal(t, int64(1700000000), run.CreatedAt.Unix())

	status, err := gw.PollRun(ctx, thread, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, status)

	reply, err := gw.FetchLatestReply(ctx, thread, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello\nthere", reply)
}

func TestFetchLatestReplyWithoutText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": []any{}})
	})
	gw := newTestGateway(t, mux)

	_, err := gw.FetchLatestReply(context.Background(), "thread_1", "run_1")
	assert.ErrorIs(t, err, apperr.ErrRunFailed)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, apperr.ErrGatewayRejected},
		{http.StatusNotFound, apperr.ErrGatewayRejected},
		{http.StatusUnauthorized, apperr.ErrGatewayUnavailable},
		{http.StatusTooManyRequests, apperr.ErrGatewayUnavailable},
		{http.StatusInternalServerError, apperr.ErrGatewayUnavailable},
		{http.StatusBadGateway, apperr.ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /v1/threads/{thread}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tc.status, "nope")
			})
			gw := newTestGateway(t, mux)

			_, err := gw.PollRun(context.Background(), "thread_1", "run_1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnparseableErrorBodyIsClassified(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, "{}")
	})
	gw := newTestGateway(t, mux)

	_, err := gw.CreateThread(context.Background())
	assert.ErrorIs(t, err, apperr.ErrGatewayRejected)
}

func TestUnreachableServiceIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()
	gw := NewOpenAIGateway(OpenAIConfig{APIKey: "k", BaseURL: url + "/v1"}, nil)

	_, err := gw.CreateThread(context.Background())
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
}

func TestUploadAndRegisterVectorSource(t *testing.T) {
	var vsBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "assistants", r.FormValue("purpose"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, "content", string(data))
		writeJSON(w, http.StatusOK, map[string]any{"id": "file_1", "object": "file", "purpose": "assistants"})
	})
	mux.HandleFunc("POST /v1/vector_stores", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&vsBody))
		writeJSON(w, http.StatusOK, map[string]any{"id": "vs_1", "object": "vector_store"})
	})
	gw := newTestGateway(t, mux)
	ctx := context.Background()

	fileID, err := gw.UploadFile(ctx, "notes.txt", []byte("content"))
	require.NoError(t, err)
	assert.Equal(t, "file_1", fileID)

	vsID, err := gw.RegisterVectorSource(ctx, []string{fileID}, "notes")
	require.NoError(t, err)
	assert.Equal(t, "vs_1", vsID)
	assert.Equal(t, "notes", vsBody["name"])
	assert.Equal(t, []any{"file_1"}, vsBody["file_ids"])
}

func TestListAssistantsFollowsPages(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/assistants", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("after") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"object":   "list",
				"data":     []any{map[string]any{"id": "asst_1", "name": "One", "model": "gpt-4o"}},
				"last_id":  "asst_1",
				"has_more": true,
			})
			return
		}
		assert.Equal(t, "asst_1", r.URL.Query().Get("after"))
		writeJSON(w, http.StatusOK, map[string]any{
			"object":   "list",
			"data":     []any{map[string]any{"id": "asst_2", "model": "gpt-4o-mini"}},
			"last_id":  "asst_2",
			"has_more": false,
		})
	})
	gw := newTestGateway(t, mux)

	list, err := gw.ListAssistants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []RemoteAssistant{
		{ID: "asst_1", Name: "One", Model: "gpt-4o"},
		{ID: "asst_2", Model: "gpt-4o-mini"},
	}, list)
}
