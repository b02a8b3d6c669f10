// Package task defines the deferred work item shared by the queue, the worker pool
// and the history archive. It contains status and queue name definitions and
// serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	Task       struct {
		ID            string         `json:"id"`
		Queue         string         `json:"queue"`
		Type          string         `json:"type"`
		Payload       map[string]any `json:"payload"`
		Status        TaskStatus     `json:"status"`
		Attempts      int            `json:"attempts"`
		MaxAttempts   int            `json:"max_attempts"`
		CreatedAt     time.Time      `json:"created_at"`
		NextRunAt     time.Time      `json:"next_run_at"`
		StartedAt     *time.Time     `json:"started_at,omitempty"`
		CompletedAt   *time.Time     `json:"completed_at,omitempty"`
		WorkerID      string         `json:"worker_id,omitempty"`
		LastErrorKind string         `json:"last_error_kind,omitempty"`
		LastError     string         `json:"last_error,omitempty"`
		// Lease identifies the current delivery. It is never serialized.
		Lease string `json:"-"`
	}
)

const (
	PendingStatus      TaskStatus = "pending"
	RunningStatus      TaskStatus = "running"
	SucceededStatus    TaskStatus = "succeeded"
	FailedStatus       TaskStatus = "failed"
	DeadLetteredStatus TaskStatus = "dead_lettered"
)

const (
	DefaultQueue   = "default"
	LLMQueue       = "llm"
	FeedbackQueue  = "feedback"
	AnalyticsQueue = "analytics"
)

const DefaultMaxAttempts = 3

// KnownQueues lists the queues a deployment always provisions.
var KnownQueues = []string{DefaultQueue, LLMQueue, FeedbackQueue, AnalyticsQueue}

func NewTask(queueName, taskType string, payload map[string]any, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now()
	return &Task{
		ID:          newID(),
		Queue:       queueName,
		Type:        taskType,
		Payload:     payload,
		Status:      PendingStatus,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextRunAt:   now,
	}
}

// newID returns a time-ordered UUIDv7 so that ids sort in creation order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case SucceededStatus, FailedStatus, DeadLetteredStatus:
		return true
	default:
		return false
	}
}

func (t *Task) AttemptsExhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
