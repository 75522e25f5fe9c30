package newsdigest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/store"
)

// ErrJobExists is returned when a job with the same ID is already queued
// (or retained after completion). Callers treat it as success.
var ErrJobExists = errors.New("job already exists")

// Enqueuer puts jobs on the queue. Implementations return ErrJobExists
// (possibly wrapped) for duplicate job IDs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error
}

// Client wraps asynq.Client and records every accepted job.
type Client struct {
	client *asynq.Client
	jobs   store.JobRecorder
	log    *logger.Logger
}

func NewClient(redisOpt asynq.RedisConnOpt, jobs store.JobRecorder, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		jobs:   jobs,
		log:    log,
	}
}

// Enqueue JSON-encodes payload and enqueues it. The audit row is best
// effort; a failure to record it never fails the enqueue.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	if c.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, payloadBytes), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("enqueue %s: %w", taskType, ErrJobExists)
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	if c.jobs != nil {
		rec := store.JobRecord{
			ID:          info.ID,
			Type:        taskType,
			Queue:       info.Queue,
			PayloadJSON: string(payloadBytes),
			Status:      store.JobCreated,
			CreatedAt:   time.Now().UTC(),
		}
		if err := c.jobs.InsertCreated(ctx, rec); err != nil {
			c.log.Warn("record job failed", "job_id", info.ID, "error", err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// enqueueOnce enqueues and folds ErrJobExists into success. It reports
// whether a new job was created.
func enqueueOnce(ctx context.Context, q Enqueuer, taskType string, payload any, opts ...asynq.Option) (bool, error) {
	err := q.Enqueue(ctx, taskType, payload, opts...)
	if errors.Is(err, ErrJobExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
