package jobid

import (
	"testing"
	"time"
)

func TestSchedulerID_RoundTrip(t *testing.T) {
	id := SchedulerID("task-1")
	if id != "news-analysis.scheduler:task-1" {
		t.Fatalf("unexpected scheduler id %q", id)
	}
	got, ok := TaskIDFromScheduler(id)
	if !ok || got != "task-1" {
		t.Fatalf("unexpected task id %q ok=%v", got, ok)
	}
	if _, ok := TaskIDFromScheduler("other:task-1"); ok {
		t.Fatalf("foreign prefix must not parse")
	}
}

func TestJobID_StagesDoNotCollide(t *testing.T) {
	f := JobID("exec-1", Fetch)
	a := JobID("exec-1", Analyze)
	if f == a {
		t.Fatalf("fetch and analyze ids collide: %s", f)
	}
	if f != JobID("exec-1", Fetch) {
		t.Fatalf("job id must be stable")
	}
	if id, ok := ParseExecutionID(a, Analyze); !ok || id != "exec-1" {
		t.Fatalf("unexpected parse %q ok=%v", id, ok)
	}
	if _, ok := ParseExecutionID(a, Fetch); ok {
		t.Fatalf("analysis id must not parse as fetch")
	}
}

func TestTickID_SameMinute(t *testing.T) {
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if TickID("t", base) != TickID("t", base.Add(40*time.Second)) {
		t.Fatalf("ticks within the same minute must share an id")
	}
	if TickID("t", base) == TickID("t", base.Add(time.Hour)) {
		t.Fatalf("different ticks must differ")
	}
}

func TestNotifyID(t *testing.T) {
	if NotifyID("e", "COMPLETED") == NotifyID("e", "FAILED") {
		t.Fatalf("statuses must produce distinct ids")
	}
}
