// Package models contains data structures used by the repository layer.
package models

import "time"

type TaskStats struct {
	Queue         string  `json:"queue"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgAttempts   float64 `json:"avg_attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type RecentTask struct {
	TaskID        string     `json:"task_id"`
	Queue         string     `json:"queue"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Execution is one attempt of a task as recorded in the execution log.
type Execution struct {
	TaskID        string     `json:"task_id"`
	AttemptNumber int        `json:"attempt_number"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    int        `json:"duration_ms,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
}

type AnalyticsEvent struct {
	TaskID     string         `json:"task_id"`
	Event      string         `json:"event"`
	UserID     string         `json:"user_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Summary struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Model          string `json:"model"`
	TaskID         string `json:"task_id"`
}
