package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/task"
)

type AnalyticsPayload struct {
	Event      string         `json:"event" validate:"required"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type AnalyticsRecorder struct {
	repo repository.ActivityRepository
}

func NewAnalyticsRecorder(repo repository.ActivityRepository) *AnalyticsRecorder {
	return &AnalyticsRecorder{repo: repo}
}

// Handle stores one event per task id. Events without a timestamp are dated
// by the task's creation time so that every delivery writes the same row.
func (r *AnalyticsRecorder) Handle(ctx context.Context, t *task.Task) error {
	payload, err := decodePayload[AnalyticsPayload](t.Payload)
	if err != nil {
		return err
	}

	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = t.CreatedAt
	}

	err = r.repo.RecordAnalyticsEvent(ctx, models.AnalyticsEvent{
		TaskID:     t.ID,
		Event:      payload.Event,
		UserID:     payload.UserID,
		Properties: payload.Properties,
		OccurredAt: occurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record analytics event: %w", err)
	}

	return nil
}
