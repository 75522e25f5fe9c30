// Package jobid derives queue and scheduler identifiers from domain IDs.
// Because the queue rejects a second job with an existing ID, re-submitting
// the same stage for the same execution is a no-op.
package jobid

import (
	"strconv"
	"strings"
	"time"
)

// SchedulerPrefix namespaces scheduler entries.
const SchedulerPrefix = "news-analysis.scheduler"

// Stage names a pipeline step that owns one job per execution.
type Stage string

const (
	Fetch   Stage = "fetch"
	Analyze Stage = "analysis"
)

// SchedulerID maps a task to its scheduler entry.
func SchedulerID(taskID string) string {
	return SchedulerPrefix + ":" + taskID
}

// TaskIDFromScheduler is the inverse of SchedulerID.
func TaskIDFromScheduler(schedulerID string) (string, bool) {
	return cut(schedulerID, SchedulerPrefix+":")
}

// JobID maps (execution, stage) to a job ID.
func JobID(executionID string, stage Stage) string {
	return string(stage) + ":" + executionID
}

// ParseExecutionID is the inverse of JobID.
func ParseExecutionID(jobID string, stage Stage) (string, bool) {
	return cut(jobID, string(stage)+":")
}

// TickID identifies one firing of a task's schedule. at is truncated to the
// minute so replicas firing the same tick produce the same ID.
func TickID(taskID string, at time.Time) string {
	return SchedulerID(taskID) + ":" + strconv.FormatInt(at.Truncate(time.Minute).Unix(), 10)
}

// ManualTickID identifies an out-of-cycle tick (create, refresh). Repeats
// within the same second collapse.
func ManualTickID(taskID string, at time.Time) string {
	return SchedulerID(taskID) + ":manual:" + strconv.FormatInt(at.Unix(), 10)
}

// NotifyID identifies the fan-out for one status of one execution.
func NotifyID(executionID, status string) string {
	return "notify:" + executionID + ":" + status
}

func cut(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
