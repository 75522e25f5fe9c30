package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/mohans/newsdigest/models"
)

// DefaultExecutionPageSize is used when ListExecutions gets no limit.
const DefaultExecutionPageSize = 10

var executionColumns = []string{
	"e.id", "e.task_id", "e.status", "e.created_at", "e.started_at", "e.completed_at",
	"e.result_json", "e.error_message",
}

func inFlightStatuses() []string {
	out := make([]string, 0, len(models.NonTerminal))
	for _, st := range models.NonTerminal {
		out = append(out, string(st))
	}
	return out
}

func scanExecution(sc interface{ Scan(...any) error }, extra ...any) (*models.Execution, error) {
	var (
		e                      models.Execution
		status                 string
		startedAt, completedAt sql.NullTime
		resultJSON, errMsg     sql.NullString
	)
	dest := append([]any{&e.ID, &e.TaskID, &status, &e.CreatedAt, &startedAt, &completedAt, &resultJSON, &errMsg}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	e.ErrorMessage = stringPtr(errMsg)
	if resultJSON.Valid && resultJSON.String != "" {
		var r models.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of execution %s: %w", e.ID, err)
		}
		e.Result = &r
	}
	return &e, nil
}

// CreateExecution inserts a PENDING execution for an existing task. It
// fails with ErrNotFound when the task is gone and ErrExecutionInFlight when
// the task already has a non-terminal execution.
func (s *SQLStore) CreateExecution(ctx context.Context, taskID string, at time.Time) (*models.Execution, error) {
	e := &models.Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    models.StatusPending,
		CreatedAt: at.UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getTask(ctx, tx, taskID); err != nil {
			return err
		}
		_, err := exec(ctx, tx, s.sb.Insert("task_executions").
			Columns("id", "task_id", "status", "created_at").
			Values(e.ID, e.TaskID, string(e.Status), e.CreatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrExecutionInFlight
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetExecution returns the execution joined with its task.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.ExecutionDetail, error) {
	cols := append(append([]string{}, executionColumns...),
		"t.id", "t.user_id", "t.country", "t.category", "t.query", "t.params_version", "t.params_hash",
		"t.schedule_type", "t.schedule_run_at", "t.schedule_timezone", "t.created_at", "t.updated_at")
	row, err := queryRow(ctx, s.db, s.sb.Select(cols...).
		From("task_executions e").
		Join("tasks t ON t.id = e.task_id").
		Where(sq.Eq{"e.id": id}))
	if err != nil {
		return nil, err
	}
	var d models.ExecutionDetail
	var tr taskRow
	e, err := scanExecution(row, tr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	d.Execution = *e
	d.Task = tr.task()
	return &d, nil
}

func (s *SQLStore) oneExecution(ctx context.Context, where sq.Sqlizer, order string) (*models.Execution, error) {
	row, err := queryRow(ctx, s.db, s.sb.Select(executionColumns...).
		From("task_executions e").Where(where).OrderBy(order, "e.id DESC").Limit(1))
	if err != nil {
		return nil, err
	}
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// InFlightExecution returns the task's non-terminal execution.
func (s *SQLStore) InFlightExecution(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.oneExecution(ctx, sq.Eq{"e.task_id": taskID, "e.status": inFlightStatuses()}, "e.created_at DESC")
}

func (s *SQLStore) LatestExecution(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.oneExecution(ctx, sq.Eq{"e.task_id": taskID}, "e.created_at DESC")
}

// LatestCompletedExecution returns the most recent COMPLETED execution.
func (s *SQLStore) LatestCompletedExecution(ctx context.Context, taskID string) (*models.Execution, error) {
	return s.oneExecution(ctx, sq.Eq{"e.task_id": taskID, "e.status": string(models.StatusCompleted)}, "e.completed_at DESC")
}

// ListExecutions pages through a task's executions, newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = DefaultExecutionPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := query(ctx, s.db, s.sb.Select(executionColumns...).
		From("task_executions e").
		Where(sq.Eq{"e.task_id": taskID}).
		OrderBy("e.created_at DESC", "e.id DESC").
		Limit(uint64(limit)).Offset(uint64(offset)))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	out := []models.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Update carries the optional column changes of a transition.
type Update struct {
	At           time.Time
	Result       *models.Result
	ErrorMessage *string
}

// Transition moves execution id to status to with a single conditional
// UPDATE. The source status must be one the state machine allows; otherwise
// a *TransitionError is returned. Entering FETCHING stamps started_at once,
// entering a terminal status stamps completed_at.
func (s *SQLStore) Transition(ctx context.Context, id string, to models.ExecutionStatus, u Update) error {
	allowed := models.AllowedFrom(to)
	if len(allowed) == 0 {
		return &TransitionError{ExecutionID: id, To: to}
	}
	from := make([]string, 0, len(allowed))
	for _, st := range allowed {
		from = append(from, string(st))
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := map[string]any{"status": string(to)}
	switch {
	case to == models.StatusFetching:
		set["started_at"] = sq.Expr("COALESCE(started_at, ?)", at)
	case to.Terminal():
		set["completed_at"] = at
	}
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		set["result_json"] = string(b)
	}
	if u.ErrorMessage != nil {
		set["error_message"] = *u.ErrorMessage
	}

	res, err := exec(ctx, s.db, s.sb.Update("task_executions").SetMap(set).
		Where(sq.Eq{"id": id, "status": from}))
	if err != nil {
		return fmt.Errorf("transition execution %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	row, err := queryRow(ctx, s.db, s.sb.Select("status").From("task_executions").Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	var current string
	if err := row.Scan(&current); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("read execution status: %w", err)
	}
	return &TransitionError{ExecutionID: id, From: models.ExecutionStatus(current), To: to}
}
