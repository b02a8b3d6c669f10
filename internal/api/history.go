package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/convoq/internal/httputil"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (a *API) historyStats(w http.ResponseWriter, r *http.Request) {
	if !a.requireRepo(w) {
		return
	}

	hours, ok := intParam(w, r, "hours", defaultHistoryHours, maxHistoryHours)
	if !ok {
		return
	}

	stats, err := a.repo.GetTaskStats(r.Context(), hours)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to load task stats", "error", err)
		httputil.WriteJSONError(w, "Failed to load task stats", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) recentHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireRepo(w) {
		return
	}

	limit, ok := intParam(w, r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		return
	}

	tasks, err := a.repo.GetRecentTasks(r.Context(), limit)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to load recent tasks", "error", err)
		httputil.WriteJSONError(w, "Failed to load recent tasks", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) taskHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireRepo(w) {
		return
	}

	executions, err := a.repo.GetTaskHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to load task history", "error", err)
		httputil.WriteJSONError(w, "Failed to load task history", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, executions)
}

func (a *API) queueHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireRepo(w) {
		return
	}

	queueName := chi.URLParam(r, "queue")
	if _, err := a.queue.Config(queueName); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}

	limit, ok := intParam(w, r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		return
	}

	tasks, err := a.repo.GetTasksByQueue(r.Context(), queueName, limit)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to load queue history", "error", err, "queue", queueName)
		httputil.WriteJSONError(w, "Failed to load queue history", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) requireRepo(w http.ResponseWriter) bool {
	if a.repo == nil {
		httputil.WriteJSONError(w, "Task history is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// intParam reads a positive query parameter no larger than ceiling.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > ceiling {
		httputil.WriteJSONError(w, "Invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}
