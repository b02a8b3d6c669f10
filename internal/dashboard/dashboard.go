// Package dashboard serves queue statistics and recent task activity for
// operators.
package dashboard

import (
	"net/http"
	"time"

	"github.com/nadmax/convoq/internal/httputil"
	"github.com/nadmax/convoq/internal/queue"
	"github.com/nadmax/convoq/internal/task"
)

type Dashboard struct {
	queue *queue.Queue
	now   func() time.Time
}

type Stats struct {
	TotalTasks        int                    `json:"total_tasks"`
	PendingTasks      int                    `json:"pending_tasks"`
	RunningTasks      int                    `json:"running_tasks"`
	SucceededTasks    int                    `json:"succeeded_tasks"`
	FailedTasks       int                    `json:"failed_tasks"`
	DeadLetteredTasks int                    `json:"dead_lettered_tasks"`
	TasksByType       map[string]int         `json:"tasks_by_type"`
	Queues            map[string]queue.Stats `json:"queues"`
	AverageWaitTime   string                 `json:"average_wait_time"`
	LastUpdated       time.Time              `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string          `json:"task_id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Status      task.TaskStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
}

func NewDashboard(q *queue.Queue) *Dashboard {
	return &Dashboard{queue: q, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := d.queue.GetAllTasks(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:  len(tasks),
		TasksByType: make(map[string]int),
		Queues:      make(map[string]queue.Stats),
		LastUpdated: d.now(),
	}

	for _, name := range d.queue.Queues() {
		qs, err := d.queue.Stats(ctx, name)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats.Queues[name] = qs
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range tasks {
		switch t.Status {
		case task.PendingStatus:
			stats.PendingTasks++
		case task.RunningStatus:
			stats.RunningTasks++
		case task.SucceededStatus:
			stats.SucceededTasks++
		case task.FailedStatus:
			stats.FailedTasks++
		case task.DeadLetteredStatus:
			stats.DeadLetteredTasks++
		}

		stats.TasksByType[t.Type]++

		// Only first attempts measure queueing delay; retries wait on purpose.
		if t.StartedAt != nil && t.Attempts == 1 {
			totalWaitTime += t.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetRecentTasks lists tasks that reached a terminal state in the last day.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.now().Add(-24 * time.Hour)
	history := []TaskHistory{}

	for _, t := range tasks {
		if t.CompletedAt == nil || !t.Status.IsTerminal() {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if t.StartedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:      t.ID,
			Queue:       t.Queue,
			Type:        t.Type,
			Status:      t.Status,
			Attempts:    t.Attempts,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    duration,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}
