// Package queue implements durable, per-queue task delivery on Redis with
// exclusive ownership, visibility timeouts and retry scheduling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/convoq/internal/metrics"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/task"
	"github.com/redis/go-redis/v9"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrTaskNotFound = errors.New("task not found")
	ErrLeaseLost    = errors.New("task is no longer owned by this delivery")
	ErrTaskFinished = errors.New("task already reached a terminal state")
)

// errUnknownFailure stands in for a nil cause passed to Fail.
var errUnknownFailure = errors.New("unknown failure")

// ExhaustedKind is recorded as the last error kind of dead-lettered tasks.
const ExhaustedKind = "exhausted"

const (
	tasksKey  = "convoq:tasks"
	keyPrefix = "convoq:queue:"

	// Ready scores pack the attempt count below the eligibility time so that,
	// at equal times, fewer attempts go first.
	attemptSlots = 16
)

type QueueConfig struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	Retention         time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:       task.DefaultMaxAttempts,
		VisibilityTimeout: 5 * time.Minute,
		Retention:         24 * time.Hour,
	}
}

type Option func(*Queue)

// WithQueues replaces the provisioned queues and their settings.
func WithQueues(queues map[string]QueueConfig) Option {
	return func(q *Queue) {
		q.queues = make(map[string]QueueConfig, len(queues))
		for name, cfg := range queues {
			q.queues[name] = normalize(cfg)
		}
	}
}

func WithBackoff(b *retry.Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides the time source used for eligibility and deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

type Queue struct {
	client  *redis.Client
	repo    repository.TaskRepository
	queues  map[string]QueueConfig
	backoff *retry.Backoff
	logger  *slog.Logger
	now     func() time.Time
}

func NewQueue(redisAddr string, repo repository.TaskRepository, opts ...Option) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := &Queue{
		client:  client,
		repo:    repo,
		backoff: retry.DefaultBackoff(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	q.queues = make(map[string]QueueConfig, len(task.KnownQueues))
	for _, name := range task.KnownQueues {
		q.queues[name] = DefaultQueueConfig()
	}

	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

func normalize(cfg QueueConfig) QueueConfig {
	def := DefaultQueueConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return cfg
}

// Queues returns the provisioned queue names in sorted order.
func (q *Queue) Queues() []string {
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (q *Queue) Config(queueName string) (QueueConfig, error) {
	cfg, ok := q.queues[queueName]
	if !ok {
		return QueueConfig{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	return cfg, nil
}

func (q *Queue) Enqueue(ctx context.Context, queueName, taskType string, payload map[string]any, maxAttempts int) (*task.Task, error) {
	cfg, err := q.Config(queueName)
	if err != nil {
		return nil, err
	}
	if taskType == "" {
		return nil, retry.Invalid("type", "must not be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}

	t := task.NewTask(queueName, taskType, payload, maxAttempts)
	now := q.now()
	t.CreatedAt = now
	t.NextRunAt = now

	taskJSON, err := t.ToJSON()
	if err != nil {
		return nil, err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tasksKey, t.ID, taskJSON)
		pipe.ZAdd(ctx, readyKey(queueName), redis.Z{Score: readyScore(t.NextRunAt, 0), Member: t.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.RecordTaskEnqueued(queueName, taskType)
	q.archive(ctx, t)
	q.logger.DebugContext(ctx, "task enqueued", "task_id", t.ID, "queue", queueName, "type", taskType)

	return t, nil
}

// DequeueNext hands the next eligible task to workerID, or returns nil when
// the queue has nothing eligible. The returned task carries the lease that
// Complete and Fail require.
func (q *Queue) DequeueNext(ctx context.Context, queueName, workerID string) (*task.Task, error) {
	cfg, err := q.Config(queueName)
	if err != nil {
		return nil, err
	}

	now := q.now()
	lease := uuid.NewString()
	maxScore := strconv.FormatInt(now.UnixMilli()*attemptSlots+attemptSlots-1, 10)
	deadline := now.Add(cfg.VisibilityTimeout).UnixMilli()

	id, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey(queueName), processingKey(queueName), leasesKey(queueName)},
		maxScore, deadline, lease,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	t, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}

	metrics.RecordTaskWaitTime(queueName, now.Sub(t.NextRunAt))

	t.Attempts++
	t.Status = task.RunningStatus
	t.WorkerID = workerID
	t.StartedAt = &now
	if err := q.store(ctx, t); err != nil {
		return nil, err
	}
	t.Lease = lease

	q.archive(ctx, t)
	return t, nil
}

// Complete marks a delivered task Succeeded. Completing a task that already
// succeeded is a no-op, including after retention purged it from Redis as
// long as the history archive still has it. Without an archive a purged task
// reports ErrTaskNotFound.
func (q *Queue) Complete(ctx context.Context, delivered *task.Task) error {
	t, err := q.load(ctx, delivered.ID)
	if errors.Is(err, ErrTaskNotFound) && q.repo != nil {
		archived, repoErr := q.repo.GetTask(ctx, delivered.ID)
		if repoErr == nil && archived.Status == task.SucceededStatus {
			return nil
		}
	}
	if err != nil {
		return err
	}
	if t.Status == task.SucceededStatus {
		return nil
	}
	if t.Status.IsTerminal() {
		return ErrTaskFinished
	}

	now := q.now()
	t.Status = task.SucceededStatus
	t.CompletedAt = &now
	t.LastErrorKind = ""
	t.LastError = ""

	if err := q.settle(ctx, t, delivered.Lease, doneKey(t.Queue), float64(now.UnixMilli()), ""); err != nil {
		return err
	}

	q.archive(ctx, t)
	q.logExecution(ctx, t, nil)
	return nil
}

// Fail records a failed attempt and decides the task's next state from the
// classification of cause: Failed for permanent errors, DeadLettered when the
// attempt ceiling is reached, otherwise Pending with a backoff delay.
func (q *Queue) Fail(ctx context.Context, delivered *task.Task, cause error) (task.TaskStatus, error) {
	t, err := q.load(ctx, delivered.ID)
	if err != nil {
		return "", err
	}
	if t.Status.IsTerminal() {
		return t.Status, ErrTaskFinished
	}
	if cause == nil {
		cause = errUnknownFailure
	}

	kind := retry.Classify(cause)
	now := q.now()
	t.LastErrorKind = kind.String()
	t.LastError = cause.Error()

	var target string
	var score float64
	switch {
	case kind == retry.Permanent:
		t.Status = task.FailedStatus
		t.CompletedAt = &now
		target, score = deadKey(t.Queue), float64(now.UnixMilli())
	case t.AttemptsExhausted():
		exhausted := fmt.Errorf("%w: %w", retry.ErrExhausted, cause)
		t.Status = task.DeadLetteredStatus
		t.CompletedAt = &now
		t.LastErrorKind = ExhaustedKind
		t.LastError = exhausted.Error()
		target, score = deadKey(t.Queue), float64(now.UnixMilli())
	default:
		t.Status = task.PendingStatus
		t.NextRunAt = now.Add(q.backoff.NextDelay(t.Attempts))
		target, score = readyKey(t.Queue), readyScore(t.NextRunAt, t.Attempts)
	}

	if err := q.settle(ctx, t, delivered.Lease, target, score, ""); err != nil {
		return "", err
	}

	q.archive(ctx, t)
	q.logExecution(ctx, t, cause)
	if t.Status == task.DeadLetteredStatus {
		q.moveToDLQ(ctx, t)
	}

	q.logger.InfoContext(ctx, "task attempt failed",
		"task_id", t.ID,
		"queue", t.Queue,
		"attempt", t.Attempts,
		"error_kind", kind.String(),
		"status", t.Status,
		"next_run_at", t.NextRunAt,
	)

	return t.Status, nil
}

// ReclaimExpired returns tasks whose visibility deadline passed to Pending,
// or dead-letters them when they already used every attempt.
func (q *Queue) ReclaimExpired(ctx context.Context, queueName string) (int, error) {
	if _, err := q.Config(queueName); err != nil {
		return 0, err
	}

	now := q.now()
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		lease, err := q.client.HGet(ctx, leasesKey(queueName), id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		t, err := q.load(ctx, id)
		if err != nil {
			return reclaimed, err
		}

		target, score := readyKey(queueName), readyScore(now, t.Attempts)
		t.LastErrorKind = retry.Transient.String()
		t.LastError = "visibility timeout expired"
		t.Status = task.PendingStatus
		t.NextRunAt = now
		if t.AttemptsExhausted() {
			t.Status = task.DeadLetteredStatus
			t.CompletedAt = &now
			t.LastErrorKind = ExhaustedKind
			t.LastError = fmt.Errorf("%w: visibility timeout expired", retry.ErrExhausted).Error()
			target, score = deadKey(queueName), float64(now.UnixMilli())
		}

		err = q.settle(ctx, t, lease, target, score, cutoff)
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		reclaimed++
		q.archive(ctx, t)
		if t.Status == task.DeadLetteredStatus {
			metrics.RecordTaskDeadLettered(queueName, t.Type, string(t.Status))
			q.moveToDLQ(ctx, t)
		}
		q.logger.WarnContext(ctx, "reclaimed expired task", "task_id", id, "queue", queueName, "status", t.Status)
	}

	metrics.RecordTaskReclaimed(queueName, reclaimed)
	return reclaimed, nil
}

// PurgeCompleted removes succeeded tasks older than the queue's retention.
func (q *Queue) PurgeCompleted(ctx context.Context, queueName string) (int, error) {
	cfg, err := q.Config(queueName)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-cfg.Retention).UnixMilli()
	return purgeScript.Run(ctx, q.client, []string{doneKey(queueName), tasksKey}, cutoff).Int()
}

// GetTask looks the task up in Redis, then in the history archive.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := q.load(ctx, taskID)
	if err == nil || !errors.Is(err, ErrTaskNotFound) || q.repo == nil {
		return t, err
	}

	archived, repoErr := q.repo.GetTask(ctx, taskID)
	if repoErr != nil {
		return nil, err
	}
	return archived, nil
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for _, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	slices.SortFunc(tasks, func(a, b *task.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks, nil
}

// GetDeadLetterTasks lists Failed and DeadLettered tasks, most recent first.
func (q *Queue) GetDeadLetterTasks(ctx context.Context, queueName string) ([]*task.Task, error) {
	if _, err := q.Config(queueName); err != nil {
		return nil, err
	}

	ids, err := q.client.ZRevRange(ctx, deadKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	values, err := q.client.HMGet(ctx, tasksKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t, err := task.TaskFromJSON(s)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

type Stats struct {
	Queue      string `json:"queue"`
	Ready      int    `json:"ready"`
	Scheduled  int    `json:"scheduled"`
	Processing int    `json:"processing"`
	Dead       int    `json:"dead"`
	Succeeded  int    `json:"succeeded"`
}

func (q *Queue) Stats(ctx context.Context, queueName string) (Stats, error) {
	if _, err := q.Config(queueName); err != nil {
		return Stats{}, err
	}

	maxReady := strconv.FormatInt(q.now().UnixMilli()*attemptSlots+attemptSlots-1, 10)

	var ready, total, processing, dead, done *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCount(ctx, readyKey(queueName), "-inf", maxReady)
		total = pipe.ZCard(ctx, readyKey(queueName))
		processing = pipe.ZCard(ctx, processingKey(queueName))
		dead = pipe.ZCard(ctx, deadKey(queueName))
		done = pipe.ZCard(ctx, doneKey(queueName))
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Queue:      queueName,
		Ready:      int(ready.Val()),
		Scheduled:  int(total.Val() - ready.Val()),
		Processing: int(processing.Val()),
		Dead:       int(dead.Val()),
		Succeeded:  int(done.Val()),
	}

	metrics.UpdateQueueDepth(queueName, map[string]int{
		"ready":      s.Ready,
		"scheduled":  s.Scheduled,
		"processing": s.Processing,
		"dead":       s.Dead,
	})

	return s, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) load(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) store(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err()
}

func (q *Queue) settle(ctx context.Context, t *task.Task, lease, target string, score float64, expiredBefore string) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	ok, err := settleScript.Run(ctx, q.client,
		[]string{processingKey(t.Queue), leasesKey(t.Queue), tasksKey, target},
		t.ID, lease, taskJSON, strconv.FormatFloat(score, 'f', 0, 64), expiredBefore,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to settle task %s: %w", t.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) archive(ctx context.Context, t *task.Task) {
	if q.repo == nil {
		return
	}
	if err := q.repo.SaveTask(ctx, t); err != nil {
		q.logger.WarnContext(ctx, "failed to archive task", "task_id", t.ID, "error", err)
	}
}

func (q *Queue) logExecution(ctx context.Context, t *task.Task, cause error) {
	if q.repo == nil {
		return
	}

	e := models.Execution{
		TaskID:        t.ID,
		AttemptNumber: t.Attempts,
		Status:        string(t.Status),
		StartedAt:     t.StartedAt,
		WorkerID:      t.WorkerID,
	}
	completed := q.now()
	e.CompletedAt = &completed
	if t.StartedAt != nil {
		e.DurationMs = int(completed.Sub(*t.StartedAt).Milliseconds())
	}
	if cause != nil {
		e.ErrorKind = t.LastErrorKind
		e.ErrorMessage = cause.Error()
	}

	if err := q.repo.LogExecution(ctx, e); err != nil {
		q.logger.WarnContext(ctx, "failed to log execution", "task_id", t.ID, "error", err)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, t *task.Task) {
	if q.repo == nil {
		return
	}
	if err := q.repo.MoveTaskToDLQ(ctx, t.ID, t.LastError); err != nil {
		q.logger.WarnContext(ctx, "failed to move task to DLQ", "task_id", t.ID, "error", err)
	}
}

func readyScore(eligible time.Time, attempts int) float64 {
	return float64(eligible.UnixMilli()*attemptSlots + int64(min(attempts, attemptSlots-1)))
}

func readyKey(queueName string) string      { return keyPrefix + queueName + ":ready" }
func processingKey(queueName string) string { return keyPrefix + queueName + ":processing" }
func leasesKey(queueName string) string     { return keyPrefix + queueName + ":leases" }
func deadKey(queueName string) string       { return keyPrefix + queueName + ":dead" }
func doneKey(queueName string) string       { return keyPrefix + queueName + ":done" }
