package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// JobStatus is the lifecycle state of a queue job.
// Valid values: created, in_progress, completed, failed.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobRecord is the audit row of one queue job. It outlives the queue's own
// retention so a pipeline run can be reconstructed later.
type JobRecord struct {
	ID          string // queue task ID, e.g. fetch:<execution id>
	Type        string // queue task type
	Queue       string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	ErrorMsg    *string // last error, if any
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// InsertCreated records a newly enqueued job. Re-enqueueing an ID that is
// already recorded leaves the existing row untouched.
func (s *SQLStore) InsertCreated(ctx context.Context, rec JobRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := exec(ctx, s.db, s.sb.Insert("job_records").
		Columns("id", "type", "queue", "payload_json", "status", "attempts", "created_at").
		Values(rec.ID, rec.Type, rec.Queue, rec.PayloadJSON, string(JobCreated), 0, created.UTC()).
		Suffix("ON CONFLICT (id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// MarkStarted moves the job to in_progress and records the attempt number
// (1-based).
func (s *SQLStore) MarkStarted(ctx context.Context, jobID string, attempt int, startedAt time.Time) error {
	return s.markJob(ctx, jobID, map[string]any{
		"status":     string(JobInProgress),
		"attempts":   attempt,
		"started_at": startedAt.UTC(),
	})
}

func (s *SQLStore) MarkCompleted(ctx context.Context, jobID string, finishedAt time.Time) error {
	return s.markJob(ctx, jobID, map[string]any{
		"status":      string(JobCompleted),
		"error_msg":   nil,
		"finished_at": finishedAt.UTC(),
	})
}

// MarkFailed stores the last error. A job that will be retried also passes
// through here; the next MarkStarted moves it back to in_progress.
func (s *SQLStore) MarkFailed(ctx context.Context, jobID string, errorMsg string, finishedAt time.Time) error {
	return s.markJob(ctx, jobID, map[string]any{
		"status":      string(JobFailed),
		"error_msg":   errorMsg,
		"finished_at": finishedAt.UTC(),
	})
}

func (s *SQLStore) markJob(ctx context.Context, jobID string, set map[string]any) error {
	set["updated_at"] = time.Now().UTC()
	_, err := exec(ctx, s.db, s.sb.Update("job_records").SetMap(set).Where(sq.Eq{"id": jobID}))
	if err != nil {
		return fmt.Errorf("update job record %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLStore) GetJobRecord(ctx context.Context, jobID string) (*JobRecord, error) {
	row, err := queryRow(ctx, s.db, s.sb.
		Select("id", "type", "queue", "payload_json", "status", "attempts", "error_msg", "created_at", "started_at", "finished_at").
		From("job_records").Where(sq.Eq{"id": jobID}))
	if err != nil {
		return nil, err
	}
	var (
		rec                   JobRecord
		status                string
		errorMsg              sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err = row.Scan(&rec.ID, &rec.Type, &rec.Queue, &rec.PayloadJSON, &status, &rec.Attempts, &errorMsg, &rec.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record: %w", err)
	}
	rec.Status = JobStatus(status)
	rec.ErrorMsg = stringPtr(errorMsg)
	rec.StartedAt = timePtr(startedAt)
	rec.FinishedAt = timePtr(finishedAt)
	return &rec, nil
}
