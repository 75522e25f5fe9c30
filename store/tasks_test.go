package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/schedule"
)

func TestCreateTask_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", "Elections")
	task.Schedule = schedule.Schedule{Type: schedule.Daily, RunAt: "08:30", Timezone: "America/New_York"}
	mustCreateTask(t, s, task)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.UserID != "u1" || got.ParamsHash != task.ParamsHash {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.Parameters.QueryValue() != "Elections" || got.Parameters.CountryValue() != "us" || got.Parameters.Category != nil {
		t.Fatalf("parameters not preserved: %#v", got.Parameters)
	}
	if got.Schedule != task.Schedule {
		t.Fatalf("schedule not preserved: %#v", got.Schedule)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("created_at: want %v got %v", task.CreatedAt, got.CreatedAt)
	}
}

func TestCreateTask_DuplicateParamsReportsExistingID(t *testing.T) {
	s := openTestStore(t)
	first := newTask("u1", "elections")
	mustCreateTask(t, s, first)

	dup := newTask("u1", "elections")
	err := s.CreateTask(context.Background(), dup)
	id, ok := apperr.ConflictTaskID(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if id != first.ID {
		t.Fatalf("conflict must carry existing id %s, got %s", first.ID, id)
	}

	// same parameters for another user are fine
	mustCreateTask(t, s, newTask("u2", "elections"))
}

func TestUpdateTask_PurgesExecutionsOnlyWhenAsked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", "a")
	mustCreateTask(t, s, task)
	e, err := s.CreateExecution(ctx, task.ID, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	task.Schedule = schedule.Schedule{Type: schedule.Daily, RunAt: "07:00", Timezone: "UTC"}
	task.UpdatedAt = time.Now()
	if err := s.UpdateTask(ctx, task, false); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if _, err := s.GetExecution(ctx, e.ID); err != nil {
		t.Fatalf("schedule-only update must keep executions: %v", err)
	}

	task.Parameters = params.New("us", "", "b").Normalize()
	task.ParamsHash = params.Hash(task.Parameters)
	if err := s.UpdateTask(ctx, task, true); err != nil {
		t.Fatalf("UpdateTask purge: %v", err)
	}
	if _, err := s.GetExecution(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected executions purged, got %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Parameters.QueryValue() != "b" || got.Schedule.RunAt != "07:00" {
		t.Fatalf("update not persisted: %#v", got)
	}
}

func TestUpdateTask_ConflictLeavesTaskUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newTask("u1", "a")
	b := newTask("u1", "b")
	mustCreateTask(t, s, a)
	mustCreateTask(t, s, b)

	b.Parameters = a.Parameters
	b.ParamsHash = a.ParamsHash
	err := s.UpdateTask(ctx, b, true)
	if id, ok := apperr.ConflictTaskID(err); !ok || id != a.ID {
		t.Fatalf("expected conflict with %s, got %v", a.ID, err)
	}
	got, _ := s.GetTask(ctx, b.ID)
	if got.Parameters.QueryValue() != "b" {
		t.Fatalf("task changed despite conflict: %#v", got.Parameters)
	}
}

func TestUpdateTask_Missing(t *testing.T) {
	s := openTestStore(t)
	task := newTask("u1", "a")
	if err := s.UpdateTask(context.Background(), task, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTask_RemovesExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", "a")
	mustCreateTask(t, s, task)
	e, err := s.CreateExecution(ctx, task.ID, time.Now())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task still present: %v", err)
	}
	if _, err := s.GetExecution(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("execution still present: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound got %v", err)
	}
}

func TestListTasks_PerUserNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	older := newTask("u1", "a")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := newTask("u1", "b")
	mustCreateTask(t, s, older)
	mustCreateTask(t, s, newer)
	mustCreateTask(t, s, newTask("u2", "c"))

	got, err := s.ListTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 2 || got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
	all, err := s.ListAllTasks(ctx)
	if err != nil {
		t.Fatalf("ListAllTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("want 3 tasks got %d", len(all))
	}
}
