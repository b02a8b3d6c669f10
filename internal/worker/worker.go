// Package worker runs the background pool that consumes tasks from the queue
// and executes them with the registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/convoq/internal/metrics"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/task"
)

var ErrAlreadyStarted = errors.New("worker pool already started")

type TaskHandler func(ctx context.Context, t *task.Task) error

// Source is the part of the queue the pool depends on.
type Source interface {
	DequeueNext(ctx context.Context, queueName, workerID string) (*task.Task, error)
	Complete(ctx context.Context, t *task.Task) error
	Fail(ctx context.Context, t *task.Task, cause error) (task.TaskStatus, error)
	ReclaimExpired(ctx context.Context, queueName string) (int, error)
	PurgeCompleted(ctx context.Context, queueName string) (int, error)
}

type QueueSettings struct {
	Concurrency int
	// HandlerTimeout bounds one handler call. Keep it below the queue's
	// visibility timeout or a slow handler gets its task reclaimed.
	HandlerTimeout time.Duration
}

type Config struct {
	ID              string
	Queues          map[string]QueueSettings
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ReapInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ID:              "worker",
		PollInterval:    100 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
		ReapInterval:    10 * time.Second,
	}
}

type Pool struct {
	source   Source
	cfg      Config
	handlers map[string]TaskHandler
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running map[string]*atomic.Int32
}

func NewPool(source Source, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = max(def.MaxPollInterval, cfg.PollInterval)
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	running := make(map[string]*atomic.Int32, len(cfg.Queues))
	for name := range cfg.Queues {
		running[name] = &atomic.Int32{}
	}

	return &Pool{
		source:   source,
		cfg:      cfg,
		handlers: make(map[string]TaskHandler),
		logger:   logger.With("pool_id", cfg.ID),
		running:  running,
	}
}

// RegisterHandler must be called before Start.
func (p *Pool) RegisterHandler(taskType string, handler TaskHandler) {
	p.handlers[taskType] = handler
}

// Start launches the configured number of workers for every queue plus one
// reaper per queue. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for queueName, settings := range p.cfg.Queues {
		workers := max(settings.Concurrency, 1)
		for i := range workers {
			workerID := fmt.Sprintf("%s-%s-%d", p.cfg.ID, queueName, i)
			p.wg.Add(1)
			go p.runWorker(ctx, queueName, workerID, settings)
		}

		p.wg.Add(1)
		go p.reap(ctx, queueName)

		p.logger.InfoContext(ctx, "queue workers started", "queue", queueName, "concurrency", workers)
	}

	return nil
}

// Stop cancels every worker and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, queueName, workerID string, settings QueueSettings) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", workerID, "queue", queueName)
	logger.DebugContext(ctx, "worker started")

	delay := p.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			logger.DebugContext(ctx, "worker stopped")
			return
		}

		t, err := p.source.DequeueNext(ctx, queueName, workerID)
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "failed to dequeue task", "error", err)
		}
		if err != nil || t == nil {
			if !sleep(ctx, delay) {
				return
			}
			delay = nextPollDelay(delay, p.cfg.MaxPollInterval)
			continue
		}

		delay = p.cfg.PollInterval
		p.process(ctx, logger, t, settings)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, t *task.Task, settings QueueSettings) {
	logger = logger.With("task_id", t.ID, "type", t.Type, "attempt", t.Attempts)

	active := p.running[t.Queue]
	if active != nil {
		metrics.UpdateActiveWorkers(t.Queue, int(active.Add(1)))
		defer func() { metrics.UpdateActiveWorkers(t.Queue, int(active.Add(-1))) }()
	}

	start := time.Now()
	err := p.execute(ctx, t, settings.HandlerTimeout)
	duration := time.Since(start)

	// Settle even when the pool is shutting down so the attempt is recorded.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := p.source.Complete(settleCtx, t); err != nil {
			logger.ErrorContext(ctx, "failed to complete task", "error", err)
			return
		}
		metrics.RecordTaskCompleted(t.Queue, t.Type, duration)
		logger.InfoContext(ctx, "task completed", "duration", duration)
		return
	}

	kind := retry.Classify(err)
	status, failErr := p.source.Fail(settleCtx, t, err)
	if failErr != nil {
		logger.ErrorContext(ctx, "failed to record task failure", "error", failErr, "cause", err)
		return
	}

	metrics.RecordTaskFailed(t.Queue, t.Type, kind.String(), duration)
	switch status {
	case task.PendingStatus:
		metrics.RecordTaskRetried(t.Queue, t.Type)
		if kind == retry.RateLimited {
			metrics.RecordTaskRateLimited(t.Queue, t.Type)
		}
		logger.WarnContext(ctx, "task failed, will retry", "error", err, "error_kind", kind.String())
	case task.FailedStatus, task.DeadLetteredStatus:
		metrics.RecordTaskDeadLettered(t.Queue, t.Type, string(status))
		logger.ErrorContext(ctx, "task failed permanently", "error", err, "error_kind", kind.String(), "status", status)
	}
}

// execute runs the handler for t. A panic is reported as an ordinary error so
// that it is retried like any other transient failure.
func (p *Pool) execute(ctx context.Context, t *task.Task, timeout time.Duration) (err error) {
	handler, ok := p.handlers[t.Type]
	if !ok {
		return retry.MarkPermanent(fmt.Errorf("no handler for task type: %s", t.Type))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, t)
}

func (p *Pool) reap(ctx context.Context, queueName string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.source.ReclaimExpired(ctx, queueName); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "failed to reclaim expired tasks", "queue", queueName, "error", err)
		}
		if n, err := p.source.PurgeCompleted(ctx, queueName); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "failed to purge completed tasks", "queue", queueName, "error", err)
		} else if n > 0 {
			p.logger.DebugContext(ctx, "purged completed tasks", "queue", queueName, "count", n)
		}
	}
}

func nextPollDelay(current, ceiling time.Duration) time.Duration {
	return min(current*2, ceiling)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
