package newsdigest

import (
	"context"
	"testing"
	"time"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/schedule"
)

type staticTasks struct{ tasks []models.Task }

func (s *staticTasks) ListAllTasks(context.Context) ([]models.Task, error) { return s.tasks, nil }

func TestScheduler_UpsertIsIdempotent(t *testing.T) {
	q := newMemQueue()
	s := NewScheduler(&staticTasks{}, q, SchedulerConfig{}, logger.NewNop())
	ctx := context.Background()
	hourly := schedule.Rule{Cron: "0 * * * *", Timezone: "UTC"}

	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, "t1", hourly, false); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if s.Len() != 1 || len(s.cron.Entries()) != 1 {
		t.Fatalf("entries = %d / cron %d, want 1", s.Len(), len(s.cron.Entries()))
	}
	first := s.entries["t1"].id

	daily := schedule.Rule{Cron: "30 7 * * *", Timezone: "Asia/Tokyo"}
	if err := s.Upsert(ctx, "t1", daily, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries = %d after replace", len(s.cron.Entries()))
	}
	if r, _ := s.Rule("t1"); r != daily {
		t.Fatalf("rule = %v, want %v", r, daily)
	}
	if s.entries["t1"].id == first {
		t.Fatalf("entry not replaced")
	}
	if n := len(q.jobs(TypeTick)); n != 0 {
		t.Fatalf("ticks enqueued without fireImmediately: %d", n)
	}
}

func TestScheduler_RemoveToleratesMissing(t *testing.T) {
	s := NewScheduler(&staticTasks{}, newMemQueue(), SchedulerConfig{}, logger.NewNop())
	if err := s.Remove(context.Background(), "nope"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	s.OnOrphanedTrigger(context.Background(), "nope")
}

func TestScheduler_FiresCollapsePerMinute(t *testing.T) {
	q := newMemQueue()
	s := NewScheduler(&staticTasks{}, q, SchedulerConfig{}, logger.NewNop())
	at := time.Date(2025, 3, 1, 9, 0, 5, 0, time.UTC)
	s.now = func() time.Time { return at }

	// two replicas firing for the same minute
	s.fire("t1")
	at = at.Add(20 * time.Second)
	s.fire("t1")
	if n := len(q.jobs(TypeTick)); n != 1 {
		t.Fatalf("tick jobs = %d, want 1", n)
	}
	at = at.Add(time.Hour)
	s.fire("t1")
	if n := len(q.jobs(TypeTick)); n != 2 {
		t.Fatalf("tick jobs = %d, want 2", n)
	}
}

func TestScheduler_SyncReconciles(t *testing.T) {
	tasks := &staticTasks{tasks: []models.Task{
		{ID: "a", Schedule: schedule.Default},
		{ID: "b", Schedule: schedule.Schedule{Type: schedule.Daily, RunAt: "08:15", Timezone: "Europe/Berlin"}},
		{ID: "bad", Schedule: schedule.Schedule{Type: "weekly", Timezone: "UTC"}},
	}}
	s := NewScheduler(tasks, newMemQueue(), SchedulerConfig{}, logger.NewNop())
	ctx := context.Background()
	if err := s.Upsert(ctx, "gone", schedule.Rule{Cron: "0 * * * *"}, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("entries = %d, want 2", s.Len())
	}
	if _, ok := s.Rule("gone"); ok {
		t.Fatalf("stale entry kept")
	}
	r, ok := s.Rule("b")
	if !ok || r.Spec() != "CRON_TZ=Europe/Berlin 15 8 * * *" {
		t.Fatalf("rule b = %v", r)
	}
	next, ok := s.NextRunAt("b")
	if !ok || next.IsZero() {
		t.Fatalf("NextRunAt: %v %v", next, ok)
	}
	loc, _ := time.LoadLocation("Europe/Berlin")
	if l := next.In(loc); l.Hour() != 8 || l.Minute() != 15 {
		t.Fatalf("next fire = %v", l)
	}
}

func TestScheduler_TriggerNowEnqueuesTick(t *testing.T) {
	q := newMemQueue()
	s := NewScheduler(&staticTasks{}, q, SchedulerConfig{TickMaxRetry: 3}, logger.NewNop())
	if err := s.Upsert(context.Background(), "t1", schedule.Rule{Cron: "0 * * * *", Timezone: "UTC"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	jobs := q.jobs(TypeTick)
	if len(jobs) != 1 {
		t.Fatalf("tick jobs = %d", len(jobs))
	}
	if jobs[0].queue != QueueTick || jobs[0].maxRetry != 3 || string(jobs[0].payload) != `{"taskId":"t1"}` {
		t.Fatalf("job = %+v", jobs[0])
	}
}
