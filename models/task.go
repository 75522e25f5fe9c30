// Package models holds the persisted shapes shared by the store, the
// pipeline and the notification hub.
package models

import (
	"time"

	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/schedule"
)

// Task is a user's standing news-analysis request.
type Task struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Parameters params.Parameters `json:"parameters"`
	ParamsHash string            `json:"paramsHash"`
	Schedule   schedule.Schedule `json:"schedule"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// ExecutionStatus is the state of one pipeline run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusFetching  ExecutionStatus = "FETCHING"
	StatusAnalyzing ExecutionStatus = "ANALYZING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// NonTerminal lists the statuses of an in-flight execution.
var NonTerminal = []ExecutionStatus{StatusPending, StatusFetching, StatusAnalyzing}

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFetching, StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusFetching:  {StatusPending, StatusFetching},
	StatusAnalyzing: {StatusFetching},
	StatusCompleted: {StatusFetching, StatusAnalyzing},
	StatusFailed:    {StatusPending, StatusFetching, StatusAnalyzing},
}

// AllowedFrom returns the statuses from which to may be entered.
func AllowedFrom(to ExecutionStatus) []ExecutionStatus {
	return transitions[to]
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ExecutionStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Execution is one run of a task's pipeline.
type Execution struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	Status       ExecutionStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       *Result         `json:"result,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

// ExecutionDetail is an execution joined with its task, which carries the
// owning user for notifications.
type ExecutionDetail struct {
	Execution
	Task Task `json:"task"`
}
