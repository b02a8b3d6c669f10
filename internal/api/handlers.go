// Package api exposes the chat stream, task submission and operator views
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nadmax/convoq/internal/dashboard"
	"github.com/nadmax/convoq/internal/httputil"
	"github.com/nadmax/convoq/internal/middleware"
	"github.com/nadmax/convoq/internal/queue"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type API struct {
	queue  *queue.Queue
	bridge *stream.Bridge
	repo   repository.TaskRepository
	dash   *dashboard.Dashboard
	router chi.Router
	logger *slog.Logger
}

type TaskRequest struct {
	Queue       string         `json:"queue"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
}

// NewAPI wires the routes. bridge and repo may be nil, in which case the
// chat and history endpoints answer 503.
func NewAPI(q *queue.Queue, bridge *stream.Bridge, repo repository.TaskRepository, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{
		queue:  q,
		bridge: bridge,
		repo:   repo,
		dash:   dashboard.NewDashboard(q),
		logger: logger,
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MetricsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/stream", a.streamChat)
		r.Post("/chat/sessions/{id}/cancel", a.cancelChat)

		r.Post("/tasks", a.createTask)
		r.Get("/tasks", a.listTasks)
		r.Get("/tasks/{id}", a.getTask)

		r.Get("/queues", a.listQueues)
		r.Get("/queues/{queue}/dead-letter", a.listDeadLetter)

		r.Get("/dashboard/stats", a.dash.GetStats)
		r.Get("/dashboard/history", a.dash.GetRecentTasks)

		r.Route("/history", func(r chi.Router) {
			r.Get("/stats", a.historyStats)
			r.Get("/recent", a.recentHistory)
			r.Get("/tasks/{id}", a.taskHistory)
			r.Get("/queues/{queue}", a.queueHistory)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	a.router = r
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}

	t, err := a.queue.Enqueue(r.Context(), req.Queue, req.Type, req.Payload, req.MaxAttempts)
	if err != nil {
		var validation *retry.ValidationError
		switch {
		case errors.Is(err, queue.ErrUnknownQueue):
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &validation):
			httputil.WriteJSONError(w, validation.Error(), http.StatusBadRequest)
		default:
			a.logger.ErrorContext(r.Context(), "failed to enqueue task", "error", err, "queue", req.Queue)
			httputil.WriteJSONError(w, "Failed to enqueue task", http.StatusInternalServerError)
		}
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.queue.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	names := a.queue.Queues()
	stats := make([]queue.Stats, 0, len(names))

	for _, name := range names {
		s, err := a.queue.Stats(r.Context(), name)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats = append(stats, s)
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.queue.GetDeadLetterTasks(r.Context(), chi.URLParam(r, "queue"))
	if errors.Is(err, queue.ErrUnknownQueue) {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _ = r.Body.Close() }()

	return json.NewDecoder(r.Body).Decode(v)
}
