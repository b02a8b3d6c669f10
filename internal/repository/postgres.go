// Package repository provides PostgreSQL persistence for task history and
// the records written by background handlers.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/convoq/internal/repository/models"
	"github.com/nadmax/convoq/internal/task"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresRepository(connectionString string, logger *slog.Logger) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newPostgresRepository(db, logger), nil
}

func newPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresRepository{db: db, logger: logger}
}

// Migrate applies the embedded schema migrations.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, r.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, res := range results {
		r.logger.InfoContext(ctx, "applied migration", "source", res.Source.Path, "duration", res.Duration)
	}

	return nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `
		SELECT
			task_id, queue, type, payload, status,
			attempts, max_attempts, last_error_kind, last_error,
			worker_id, created_at, next_run_at, started_at, completed_at
		FROM task_history
		WHERE task_id = $1
	`

	var t task.Task
	var payload []byte
	var nextRunAt, startedAt, completedAt sql.NullTime
	var lastErrorKind, lastError, workerID sql.NullString

	err := r.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID,
		&t.Queue,
		&t.Type,
		&payload,
		&t.Status,
		&t.Attempts,
		&t.MaxAttempts,
		&lastErrorKind,
		&lastError,
		&workerID,
		&t.CreatedAt,
		&nextRunAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if nextRunAt.Valid {
		t.NextRunAt = nextRunAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	t.LastErrorKind = lastErrorKind.String
	t.LastError = lastError.String
	t.WorkerID = workerID.String

	return &t, nil
}

func (r *PostgresRepository) SaveTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO task_history (
			task_id, queue, type, payload, status,
			attempts, max_attempts, last_error_kind, last_error,
			worker_id, created_at, next_run_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error_kind = EXCLUDED.last_error_kind,
			last_error = EXCLUDED.last_error,
			worker_id = EXCLUDED.worker_id,
			next_run_at = EXCLUDED.next_run_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Queue,
		t.Type,
		payload,
		t.Status,
		t.Attempts,
		t.MaxAttempts,
		nullString(t.LastErrorKind),
		nullString(t.LastError),
		nullString(t.WorkerID),
		t.CreatedAt,
		nullTime(t.NextRunAt),
		nullTimePtr(t.StartedAt),
		nullTimePtr(t.CompletedAt),
	)

	return err
}

func (r *PostgresRepository) MoveTaskToDLQ(ctx context.Context, taskID string, reason string) error {
	query := `
		UPDATE task_history
		SET last_error = $1,
		    moved_to_dlq_at = NOW()
		WHERE task_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, reason, taskID)

	return err
}

func (r *PostgresRepository) LogExecution(ctx context.Context, e models.Execution) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, attempt_number, status, started_at, completed_at,
			duration_ms, error_kind, error_message, worker_id
		) VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), $6, $7, $8, $9)
	`

	var durationMs any
	if e.DurationMs > 0 {
		durationMs = e.DurationMs
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		e.TaskID,
		e.AttemptNumber,
		e.Status,
		nullTimePtr(e.StartedAt),
		nullTimePtr(e.CompletedAt),
		durationMs,
		nullString(e.ErrorKind),
		nullString(e.ErrorMessage),
		nullString(e.WorkerID),
	)

	return err
}

func (r *PostgresRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			h.queue, h.type, h.status, COUNT(*) AS count,
			COALESCE(AVG(h.attempts), 0) AS avg_attempts,
			COALESCE(MAX(h.attempts), 0) AS max_attempts,
			COALESCE(AVG(l.duration_ms), 0) AS avg_duration_ms
		FROM task_history h
		LEFT JOIN task_execution_log l ON l.task_id = h.task_id
		WHERE h.created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY h.queue, h.type, h.status
		ORDER BY h.queue, h.type, h.status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(ctx, rows)

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Queue,
			&s.Type,
			&s.Status,
			&s.Count,
			&s.AvgAttempts,
			&s.MaxAttempts,
			&s.AvgDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRepository) GetRecentTasks(ctx context.Context, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, queue, type, status, created_at, completed_at,
			attempts, COALESCE(last_error_kind, ''), COALESCE(last_error, '')
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(ctx, rows)

	return scanRecentTasks(rows)
}

func (r *PostgresRepository) GetTasksByQueue(ctx context.Context, queue string, limit int) ([]models.RecentTask, error) {
	query := `
		SELECT
			task_id, queue, type, status, created_at, completed_at,
			attempts, COALESCE(last_error_kind, ''), COALESCE(last_error, '')
		FROM task_history
		WHERE queue = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, queue, limit)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(ctx, rows)

	return scanRecentTasks(rows)
}

func scanRecentTasks(rows *sql.Rows) ([]models.RecentTask, error) {
	var tasks []models.RecentTask
	for rows.Next() {
		var t models.RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Queue,
			&t.Type,
			&t.Status,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.Attempts,
			&t.LastErrorKind,
			&t.LastError,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *PostgresRepository) GetTaskHistory(ctx context.Context, taskID string) ([]models.Execution, error) {
	query := `
		SELECT
			attempt_number, status, started_at, completed_at,
			duration_ms, error_kind, error_message, worker_id
		FROM task_execution_log
		WHERE task_id = $1
		ORDER BY attempt_number ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(ctx, rows)

	var history []models.Execution
	for rows.Next() {
		var startedAt, completedAt sql.NullTime
		var durationMs sql.NullInt64
		var errorKind, errorMessage, workerID sql.NullString

		e := models.Execution{TaskID: taskID}
		if err := rows.Scan(
			&e.AttemptNumber,
			&e.Status,
			&startedAt,
			&completedAt,
			&durationMs,
			&errorKind,
			&errorMessage,
			&workerID,
		); err != nil {
			return nil, err
		}

		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		e.DurationMs = int(durationMs.Int64)
		e.ErrorKind = errorKind.String
		e.ErrorMessage = errorMessage.String
		e.WorkerID = workerID.String

		history = append(history, e)
	}

	return history, rows.Err()
}

func (r *PostgresRepository) AwardAchievement(ctx context.Context, userID, code, taskID string) (bool, error) {
	query := `
		INSERT INTO achievements (user_id, code, task_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, code) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, userID, code, taskID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (r *PostgresRepository) ListAchievements(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT code FROM achievements WHERE user_id = $1 ORDER BY awarded_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer r.closeRows(ctx, rows)

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}

	return codes, rows.Err()
}

func (r *PostgresRepository) RecordAnalyticsEvent(ctx context.Context, e models.AnalyticsEvent) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := `
		INSERT INTO analytics_events (task_id, event, user_id, properties, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query, e.TaskID, e.Event, nullString(e.UserID), props, e.OccurredAt)

	return err
}

func (r *PostgresRepository) SaveSummary(ctx context.Context, s models.Summary) error {
	query := `
		INSERT INTO conversation_summaries (conversation_id, summary, model, task_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			model = EXCLUDED.model,
			task_id = EXCLUDED.task_id,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, s.ConversationID, s.Summary, s.Model, s.TaskID)

	return err
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.logger.WarnContext(ctx, "failed to close rows", "error", err)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
