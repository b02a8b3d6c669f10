package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/task"
)

// MockRepository is an in-memory TaskRepository and ActivityRepository that
// records every call. It is used by queue, worker and handler tests.
type MockRepository struct {
	mu                 sync.Mutex
	GetTaskCalls       []string
	SaveTaskCalls      []SaveTaskCall
	MoveTaskToDLQCalls []MoveTaskToDLQCall
	LogExecutionCalls  []models.Execution
	Tasks              map[string]*task.Task
	TaskStats          []models.TaskStats
	RecentTasks        []models.RecentTask
	Achievements       map[string][]string
	AnalyticsEvents    map[string]models.AnalyticsEvent
	Summaries          map[string]models.Summary

	GetTaskError              error
	SaveTaskError             error
	MoveTaskToDLQError        error
	LogExecutionError         error
	GetTaskStatsError         error
	GetRecentTasksError       error
	GetTaskHistoryError       error
	GetTasksByQueueError      error
	AwardAchievementError     error
	RecordAnalyticsEventError error
	SaveSummaryError          error
}

type SaveTaskCall struct {
	Task   *task.Task
	Status task.TaskStatus
}

type MoveTaskToDLQCall struct {
	TaskID string
	Reason string
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Tasks:           make(map[string]*task.Task),
		TaskStats:       make([]models.TaskStats, 0),
		RecentTasks:     make([]models.RecentTask, 0),
		Achievements:    make(map[string][]string),
		AnalyticsEvents: make(map[string]models.AnalyticsEvent),
		Summaries:       make(map[string]models.Summary),
	}
}

func (m *MockRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = append(m.GetTaskCalls, taskID)

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockRepository) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskCopy := *t
	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: &taskCopy, Status: t.Status})

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = &taskCopy
	return nil
}

func (m *MockRepository) MoveTaskToDLQ(ctx context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MoveTaskToDLQCalls = append(m.MoveTaskToDLQCalls, MoveTaskToDLQCall{TaskID: taskID, Reason: reason})

	return m.MoveTaskToDLQError
}

func (m *MockRepository) LogExecution(ctx context.Context, e models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LogExecutionError != nil {
		return m.LogExecutionError
	}

	m.LogExecutionCalls = append(m.LogExecutionCalls, e)
	return nil
}

func (m *MockRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}

	return m.TaskStats, nil
}

func (m *MockRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}

	if limit > 0 && limit < len(m.RecentTasks) {
		return m.RecentTasks[:limit], nil
	}
	return m.RecentTasks, nil
}

func (m *MockRepository) GetTasksByQueue(ctx context.Context, queue string, limit int) ([]models.RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTasksByQueueError != nil {
		return nil, m.GetTasksByQueueError
	}

	var result []models.RecentTask
	for _, t := range m.RecentTasks {
		if t.Queue == queue {
			result = append(result, t)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}

	return result, nil
}

func (m *MockRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskHistoryError != nil {
		return nil, m.GetTaskHistoryError
	}

	var history []models.Execution
	for _, e := range m.LogExecutionCalls {
		if e.TaskID == taskID {
			history = append(history, e)
		}
	}

	return history, nil
}

func (m *MockRepository) Close() error {
	return nil
}

func (m *MockRepository) AwardAchievement(ctx context.Context, userID, code, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AwardAchievementError != nil {
		return false, m.AwardAchievementError
	}

	for _, c := range m.Achievements[userID] {
		if c == code {
			return false, nil
		}
	}

	m.Achievements[userID] = append(m.Achievements[userID], code)
	return true, nil
}

func (m *MockRepository) ListAchievements(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.Achievements[userID]...), nil
}

func (m *MockRepository) RecordAnalyticsEvent(ctx context.Context, e models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordAnalyticsEventError != nil {
		return m.RecordAnalyticsEventError
	}

	if _, exists := m.AnalyticsEvents[e.TaskID]; !exists {
		m.AnalyticsEvents[e.TaskID] = e
	}
	return nil
}

func (m *MockRepository) SaveSummary(ctx context.Context, s models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveSummaryError != nil {
		return m.SaveSummaryError
	}

	m.Summaries[s.ConversationID] = s
	return nil
}

func (m *MockRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

func (m *MockRepository) GetLogExecutionCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogExecutionCalls)
}

func (m *MockRepository) GetMoveToDLQCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.MoveTaskToDLQCalls)
}

func (m *MockRepository) WasTaskSaved(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.Tasks[taskID]
	return exists
}

func (m *MockRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[taskID]
	if !exists {
		return "", false
	}

	return t.Status, true
}

// SavedStatuses returns every status a task was archived with, in order.
func (m *MockRepository) SavedStatuses(taskID string) []task.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var statuses []task.TaskStatus
	for _, call := range m.SaveTaskCalls {
		if call.Task.ID == taskID {
			statuses = append(statuses, call.Status)
		}
	}

	return statuses
}

func (m *MockRepository) GetExecutionLogForTask(taskID string) []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []models.Execution
	for _, e := range m.LogExecutionCalls {
		if e.TaskID == taskID {
			logs = append(logs, e)
		}
	}

	return logs
}

func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = nil
	m.SaveTaskCalls = nil
	m.MoveTaskToDLQCalls = nil
	m.LogExecutionCalls = nil
	m.Tasks = make(map[string]*task.Task)
	m.Achievements = make(map[string][]string)
	m.AnalyticsEvents = make(map[string]models.AnalyticsEvent)
	m.Summaries = make(map[string]models.Summary)
}

var (
	_ TaskRepository     = (*MockRepository)(nil)
	_ ActivityRepository = (*MockRepository)(nil)
	_ TaskRepository     = (*PostgresRepository)(nil)
	_ ActivityRepository = (*PostgresRepository)(nil)
)
