package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/queue"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/stream"
	"github.com/nadmax/convoq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	fragments []string
	err       error
}

func (b *fakeBackend) Generate(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range b.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if b.err != nil {
			yield("", b.err)
		}
	}
}

func setupTestAPI(t *testing.T) (*API, *queue.Queue) {
	mr := miniredis.RunT(t)

	q, err := queue.NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return NewAPI(q, nil, nil, nil), q
}

func setupTestAPIWithMockRepo(t *testing.T) (*API, *queue.Queue, *repository.MockRepository) {
	mr := miniredis.RunT(t)

	mockRepo := repository.NewMockRepository()
	q, err := queue.NewQueue(mr.Addr(), mockRepo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return NewAPI(q, nil, mockRepo, nil), q, mockRepo
}

func setupTestAPIWithBridge(t *testing.T, backend llm.Backend) (*API, *stream.Bridge) {
	mr := miniredis.RunT(t)

	q, err := queue.NewQueue(mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	bridge := stream.NewBridge(backend, stream.Config{
		FragmentTimeout: time.Second,
		IdleTimeout:     2 * time.Second,
		CancelGrace:     time.Second,
	}, nil)

	return NewAPI(q, bridge, nil, nil), bridge
}

func do(t *testing.T, api *API, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	api.ServeHTTP(w, r)
	return w
}

func readEvents(t *testing.T, body string) []stream.Event {
	t.Helper()

	var events []stream.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		require.True(t, ok, "unexpected line %q", line)

		var e stream.Event
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestCreateTask(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodPost, "/api/tasks", TaskRequest{
		Queue:   task.AnalyticsQueue,
		Type:    "record_analytics",
		Payload: map[string]any{"event": "session_started"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var tsk task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsk))
	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, task.AnalyticsQueue, tsk.Queue)
	assert.Equal(t, "record_analytics", tsk.Type)
	assert.Equal(t, task.PendingStatus, tsk.Status)
	assert.Equal(t, task.DefaultMaxAttempts, tsk.MaxAttempts)
}

func TestCreateTask_DefaultQueueAndMaxAttempts(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodPost, "/api/tasks", TaskRequest{Type: "evaluate_achievements", MaxAttempts: 7})
	require.Equal(t, http.StatusCreated, w.Code)

	var tsk task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsk))
	assert.Equal(t, task.DefaultQueue, tsk.Queue)
	assert.Equal(t, 7, tsk.MaxAttempts)
}

func TestCreateTaskWithHistory(t *testing.T) {
	api, _, mockRepo := setupTestAPIWithMockRepo(t)

	w := do(t, api, http.MethodPost, "/api/tasks", TaskRequest{Type: "send_feedback_email", Queue: task.FeedbackQueue})
	require.Equal(t, http.StatusCreated, w.Code)

	var tsk task.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tsk))

	assert.Equal(t, 1, mockRepo.GetSaveTaskCallCount())
	assert.True(t, mockRepo.WasTaskSaved(tsk.ID))

	status, exists := mockRepo.GetTaskStatus(tsk.ID)
	assert.True(t, exists)
	assert.Equal(t, task.PendingStatus, status)
}

func TestCreateTask_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "invalid json"},
		{"missing type", TaskRequest{Queue: task.DefaultQueue}},
		{"unknown queue", TaskRequest{Queue: "nope", Type: "evaluate_achievements"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, q := setupTestAPI(t)

			w := do(t, api, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])

			tasks, err := q.GetAllTasks(context.Background())
			require.NoError(t, err)
			assert.Empty(t, tasks)
		})
	}
}

func TestCreateTask_MethodNotAllowed(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodDelete, "/api/tasks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestListTasks(t *testing.T) {
	api, q := setupTestAPI(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, task.DefaultQueue, "task1", nil, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, task.LLMQueue, "task2", nil, 0)
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)
}

func TestListTasks_Empty(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Empty(t, tasks)
}

func TestGetTaskByID(t *testing.T) {
	api, q := setupTestAPI(t)

	created, err := q.Enqueue(context.Background(), task.DefaultQueue, "evaluate_achievements", nil, 0)
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tsk task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsk))
	assert.Equal(t, created.ID, tsk.ID)
	assert.Equal(t, task.PendingStatus, tsk.Status)
}

func TestGetTaskByID_NotFound(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListQueues(t *testing.T) {
	api, q := setupTestAPI(t)

	_, err := q.Enqueue(context.Background(), task.LLMQueue, "summarize_conversation", nil, 0)
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/queues", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats []queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Len(t, stats, len(task.KnownQueues))

	byName := make(map[string]queue.Stats)
	for _, s := range stats {
		byName[s.Queue] = s
	}
	assert.Equal(t, 1, byName[task.LLMQueue].Ready)
	assert.Equal(t, 0, byName[task.DefaultQueue].Ready)
}

func TestListDeadLetter(t *testing.T) {
	api, q := setupTestAPI(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, task.FeedbackQueue, "send_feedback_email", nil, 0)
	require.NoError(t, err)
	delivered, err := q.DequeueNext(ctx, task.FeedbackQueue, "w1")
	require.NoError(t, err)
	_, err = q.Fail(ctx, delivered, retry.ErrPermanent)
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/queues/feedback/dead-letter", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, delivered.ID, tasks[0].ID)
	assert.Equal(t, task.FailedStatus, tasks[0].Status)
}

func TestListDeadLetter_UnknownQueue(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodGet, "/api/queues/nope/dead-letter", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardRoutes(t *testing.T) {
	api, _ := setupTestAPI(t)

	assert.Equal(t, http.StatusOK, do(t, api, http.MethodGet, "/api/dashboard/stats", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, api, http.MethodGet, "/api/dashboard/history", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := setupTestAPI(t)

	do(t, api, http.MethodGet, "/api/tasks", nil)
	w := do(t, api, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "convoq_http_requests_total")
}

func TestStreamChat(t *testing.T) {
	api, bridge := setupTestAPIWithBridge(t, &fakeBackend{fragments: []string{"Hel", "lo"}})

	w := do(t, api, http.MethodPost, "/api/chat/stream", ChatRequest{Prompt: "hi", Model: llm.ModelFast})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("X-Session-ID"))
	assert.True(t, w.Flushed)

	assert.Equal(t, []stream.Event{
		{Content: "Hel"},
		{Content: "lo"},
		{Done: true},
	}, readEvents(t, w.Body.String()))
	assert.Equal(t, "data: {\"content\":\"Hel\"}\n\n", w.Body.String()[:len("data: {\"content\":\"Hel\"}\n\n")])
	assert.Equal(t, 0, bridge.Active())
}

func TestStreamChat_ProviderFailure(t *testing.T) {
	backend := &fakeBackend{
		fragments: []string{"partial"},
		err:       &retry.ProviderError{Provider: "gemini", StatusCode: http.StatusTooManyRequests, Message: "quota"},
	}
	api, _ := setupTestAPIWithBridge(t, backend)

	w := do(t, api, http.MethodPost, "/api/chat/stream", ChatRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	events := readEvents(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Content)
	assert.Equal(t, "model provider is busy, please retry shortly", events[1].Error)
}

func TestStreamChat_InvalidRequest(t *testing.T) {
	api, bridge := setupTestAPIWithBridge(t, &fakeBackend{})

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"empty prompt", ChatRequest{Prompt: "  "}},
		{"unknown model", ChatRequest{Prompt: "hi", Model: "huge"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, api, http.MethodPost, "/api/chat/stream", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, w.Header().Get("X-Session-ID"))
		})
	}
	assert.Equal(t, 0, bridge.Active())
}

func TestStreamChat_NotConfigured(t *testing.T) {
	api, _ := setupTestAPI(t)

	w := do(t, api, http.MethodPost, "/api/chat/stream", ChatRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, api, http.MethodPost, "/api/chat/sessions/abc/cancel", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCancelChat(t *testing.T) {
	api, bridge := setupTestAPIWithBridge(t, &fakeBackend{})
	sess := bridge.NewSession()

	w := do(t, api, http.MethodPost, "/api/chat/sessions/"+sess.ID+"/cancel", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, sess.IsCancelled())
}

func TestCancelChat_UnknownSession(t *testing.T) {
	api, _ := setupTestAPIWithBridge(t, &fakeBackend{})

	w := do(t, api, http.MethodPost, "/api/chat/sessions/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistory_NotConfigured(t *testing.T) {
	api, _ := setupTestAPI(t)

	for _, path := range []string{
		"/api/history/stats",
		"/api/history/recent",
		"/api/history/tasks/abc",
		"/api/history/queues/default",
	} {
		w := do(t, api, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestHistoryStats(t *testing.T) {
	api, _, mockRepo := setupTestAPIWithMockRepo(t)
	mockRepo.TaskStats = []models.TaskStats{
		{Queue: task.DefaultQueue, Type: "evaluate_achievements", Status: "succeeded", Count: 4, AvgAttempts: 1.25},
	}

	w := do(t, api, http.MethodGet, "/api/history/stats?hours=12", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats []models.TaskStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, mockRepo.TaskStats, stats)
}

func TestHistoryStats_Error(t *testing.T) {
	api, _, mockRepo := setupTestAPIWithMockRepo(t)
	mockRepo.GetTaskStatsError = errors.New("connection refused")

	w := do(t, api, http.MethodGet, "/api/history/stats", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHistory_InvalidParameters(t *testing.T) {
	api, _, _ := setupTestAPIWithMockRepo(t)

	for _, path := range []string{
		"/api/history/stats?hours=0",
		"/api/history/stats?hours=abc",
		"/api/history/stats?hours=10000",
		"/api/history/recent?limit=-1",
		"/api/history/recent?limit=501",
		"/api/history/queues/default?limit=x",
	} {
		w := do(t, api, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestRecentHistory(t *testing.T) {
	api, _, mockRepo := setupTestAPIWithMockRepo(t)
	mockRepo.RecentTasks = []models.RecentTask{
		{TaskID: "a", Queue: task.DefaultQueue},
		{TaskID: "b", Queue: task.LLMQueue},
		{TaskID: "c", Queue: task.DefaultQueue},
	}

	w := do(t, api, http.MethodGet, "/api/history/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var recent []models.RecentTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recent))
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].TaskID)
}

func TestQueueHistory(t *testing.T) {
	api, _, mockRepo := setupTestAPIWithMockRepo(t)
	mockRepo.RecentTasks = []models.RecentTask{
		{TaskID: "a", Queue: task.DefaultQueue},
		{TaskID: "b", Queue: task.LLMQueue},
	}

	w := do(t, api, http.MethodGet, "/api/history/queues/llm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []models.RecentTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].TaskID)

	w = do(t, api, http.MethodGet, "/api/history/queues/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskHistory(t *testing.T) {
	api, q, _ := setupTestAPIWithMockRepo(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, task.DefaultQueue, "evaluate_achievements", nil, 0)
	require.NoError(t, err)
	delivered, err := q.DequeueNext(ctx, task.DefaultQueue, "w1")
	require.NoError(t, err)
	_, err = q.Fail(ctx, delivered, errors.New("connection reset"))
	require.NoError(t, err)

	w := do(t, api, http.MethodGet, "/api/history/tasks/"+delivered.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var executions []models.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &executions))
	require.Len(t, executions, 1)
	assert.Equal(t, 1, executions[0].AttemptNumber)
	assert.Equal(t, "connection reset", executions[0].ErrorMessage)
	assert.Equal(t, "w1", executions[0].WorkerID)
}
