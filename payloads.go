package newsdigest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/mohans/newsdigest/models"
)

// Queue task types.
const (
	TypeTick    = "news:tick"
	TypeFetch   = "news:fetch"
	TypeAnalyze = "news:analyze"
	TypeNotify  = "news:notify"
)

// Queue names. Each has its own worker pool.
const (
	QueueTick    = "tick"
	QueueFetch   = "fetch"
	QueueAnalyze = "analyze"
	QueueNotify  = "notify"
)

// Queues lists every queue in pipeline order.
var Queues = []string{QueueTick, QueueFetch, QueueAnalyze, QueueNotify}

// TickPayload asks for a new execution of a task.
type TickPayload struct {
	TaskID string `json:"taskId"`
}

// StagePayload addresses the fetch and analyze stages.
type StagePayload struct {
	TaskID      string `json:"taskId"`
	ExecutionID string `json:"executionId"`
}

// NotifyPayload asks for the notification of one status change.
type NotifyPayload struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
}

func (p TickPayload) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return nil
}

func (p StagePayload) validate() error {
	if p.TaskID == "" || p.ExecutionID == "" {
		return fmt.Errorf("taskId and executionId are required")
	}
	return nil
}

func (p NotifyPayload) validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("executionId is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// decodePayload strictly decodes a job payload. Malformed payloads never
// become valid on retry, so the error skips retries.
func decodePayload[T interface{ validate() error }](data []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, permanent(fmt.Errorf("decode payload: %w", err))
	}
	if dec.More() {
		return v, permanent(fmt.Errorf("decode payload: trailing data"))
	}
	if err := v.validate(); err != nil {
		return v, permanent(fmt.Errorf("invalid payload: %w", err))
	}
	return v, nil
}

// permanentError marks err as not worth retrying while keeping its message.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, asynq.SkipRetry} }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
