package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/schedule"
)

var taskColumns = []string{
	"id", "user_id", "country", "category", "query", "params_version", "params_hash",
	"schedule_type", "schedule_run_at", "schedule_timezone", "created_at", "updated_at",
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanTask(sc interface{ Scan(...any) error }) (*models.Task, error) {
	var r taskRow
	if err := sc.Scan(r.dest()...); err != nil {
		return nil, err
	}
	t := r.task()
	return &t, nil
}

// taskRow holds the scanned columns of one task row.
type taskRow struct {
	id, userID, version, hash, schedType, tz string
	country, category, query, runAt          sql.NullString
	createdAt, updatedAt                     time.Time
}

func (r *taskRow) dest() []any {
	return []any{&r.id, &r.userID, &r.country, &r.category, &r.query, &r.version, &r.hash,
		&r.schedType, &r.runAt, &r.tz, &r.createdAt, &r.updatedAt}
}

func (r *taskRow) task() models.Task {
	t := models.Task{
		ID:         r.id,
		UserID:     r.userID,
		ParamsHash: r.hash,
		CreatedAt:  r.createdAt.UTC(),
		UpdatedAt:  r.updatedAt.UTC(),
	}
	t.Parameters.Country = stringPtr(r.country)
	t.Parameters.Category = stringPtr(r.category)
	t.Parameters.Query = stringPtr(r.query)
	t.Parameters.Version = r.version
	t.Schedule.Type = schedule.Kind(r.schedType)
	t.Schedule.RunAt = r.runAt.String
	t.Schedule.Timezone = r.tz
	return t
}

func runAtValue(s schedule.Schedule) any {
	if s.RunAt == "" {
		return nil
	}
	return s.RunAt
}

// CreateTask inserts t. A task with the same (user, params hash) yields an
// apperr conflict carrying the existing task's ID.
func (s *SQLStore) CreateTask(ctx context.Context, t *models.Task) error {
	p := t.Parameters
	_, err := exec(ctx, s.db, s.sb.Insert("tasks").Columns(taskColumns...).Values(
		t.ID, t.UserID, nullString(p.Country), nullString(p.Category), nullString(p.Query),
		p.Version, t.ParamsHash, string(t.Schedule.Type), runAtValue(t.Schedule),
		t.Schedule.Timezone, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	))
	if isUniqueViolation(err) {
		return s.conflict(ctx, t.UserID, t.ParamsHash)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) conflict(ctx context.Context, userID, hash string) error {
	existing, err := s.FindTaskByHash(ctx, userID, hash)
	if err != nil {
		return fmt.Errorf("lookup conflicting task: %w", err)
	}
	return apperr.Conflict(existing.ID, "a task with the same parameters already exists")
}

// FindTaskByHash returns the user's task with the given params hash.
func (s *SQLStore) FindTaskByHash(ctx context.Context, userID, hash string) (*models.Task, error) {
	row, err := queryRow(ctx, s.db, s.sb.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"user_id": userID, "params_hash": hash}))
	if err != nil {
		return nil, err
	}
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *SQLStore) getTask(ctx context.Context, q queryer, id string) (*models.Task, error) {
	row, err := queryRow(ctx, q, s.sb.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a user's tasks, newest first.
func (s *SQLStore) ListTasks(ctx context.Context, userID string) ([]models.Task, error) {
	return s.listTasks(ctx, s.sb.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"user_id": userID}).OrderBy("created_at DESC", "id"))
}

// ListAllTasks returns every task; the scheduler reconciles against it.
func (s *SQLStore) ListAllTasks(ctx context.Context) ([]models.Task, error) {
	return s.listTasks(ctx, s.sb.Select(taskColumns...).From("tasks").OrderBy("created_at", "id"))
}

func (s *SQLStore) listTasks(ctx context.Context, b sq.SelectBuilder) ([]models.Task, error) {
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask rewrites parameters and schedule. When purgeExecutions is set
// the task's execution history is dropped in the same transaction.
func (s *SQLStore) UpdateTask(ctx context.Context, t *models.Task, purgeExecutions bool) error {
	p := t.Parameters
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, s.sb.Update("tasks").SetMap(map[string]any{
			"country":           nullString(p.Country),
			"category":          nullString(p.Category),
			"query":             nullString(p.Query),
			"params_version":    p.Version,
			"params_hash":       t.ParamsHash,
			"schedule_type":     string(t.Schedule.Type),
			"schedule_run_at":   runAtValue(t.Schedule),
			"schedule_timezone": t.Schedule.Timezone,
			"updated_at":        t.UpdatedAt.UTC(),
		}).Where(sq.Eq{"id": t.ID}))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if purgeExecutions {
			if _, err := exec(ctx, tx, s.sb.Delete("task_executions").Where(sq.Eq{"task_id": t.ID})); err != nil {
				return fmt.Errorf("purge executions: %w", err)
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return s.conflict(ctx, t.UserID, t.ParamsHash)
	}
	return err
}

// DeleteTask removes the task and its executions.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.sb.Delete("task_executions").Where(sq.Eq{"task_id": id})); err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
		res, err := exec(ctx, tx, s.sb.Delete("tasks").Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
