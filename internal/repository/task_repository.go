package repository

import (
	"context"

	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/task"
)

// TaskRepository archives task state transitions and attempts.
type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	MoveTaskToDLQ(ctx context.Context, taskID string, reason string) error
	LogExecution(ctx context.Context, e models.Execution) error
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error)
	GetTasksByQueue(ctx context.Context, queue string, limit int) ([]models.RecentTask, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error)
	Close() error
}

// ActivityRepository stores the side effects of background handlers. Every
// write is keyed so that a redelivered task leaves the same result.
type ActivityRepository interface {
	AwardAchievement(ctx context.Context, userID, code, taskID string) (bool, error)
	ListAchievements(ctx context.Context, userID string) ([]string, error)
	RecordAnalyticsEvent(ctx context.Context, e models.AnalyticsEvent) error
	SaveSummary(ctx context.Context, s models.Summary) error
}
