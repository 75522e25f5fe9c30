package newsdigest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mohans/newsdigest/jobid"
	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/metrics"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/schedule"
)

// TaskLister is the part of the task store the scheduler reconciles with.
type TaskLister interface {
	ListAllTasks(ctx context.Context) ([]models.Task, error)
}

type SchedulerConfig struct {
	// SyncInterval is how often entries are reconciled with the task table.
	SyncInterval time.Duration
	TickMaxRetry int
	// Retention keeps completed tick jobs so fires from other replicas for
	// the same minute collapse into one.
	Retention time.Duration
}

type entry struct {
	id   cron.EntryID
	rule schedule.Rule
}

// Scheduler keeps one cron entry per live task. A fire enqueues a tick job
// whose ID is derived from the task and the minute, so every replica's fire
// for the same minute lands on the same job.
type Scheduler struct {
	cron  *cron.Cron
	tasks TaskLister
	queue Enqueuer
	cfg   SchedulerConfig
	log   *logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(tasks TaskLister, queue Enqueuer, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	cl := log.Cron()
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		tasks:   tasks,
		queue:   queue,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
		now:     time.Now,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
}

// Start loads every task, starts the cron loop and the periodic sync.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("initial scheduler sync: %w", err)
	}
	s.cron.Start()
	s.wg.Add(1)
	go s.syncLoop()
	s.log.Info("scheduler started", "entries", s.Len())
	return nil
}

// Stop halts the sync loop and waits for running fires.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) syncLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncInterval)
			if err := s.Sync(ctx); err != nil {
				s.log.Warn("scheduler sync failed", "error", err)
			}
			cancel()
		}
	}
}

// Upsert registers the task's rule. An identical rule keeps the existing
// entry; a different rule replaces it. fireImmediately also enqueues a tick
// now.
func (s *Scheduler) Upsert(ctx context.Context, taskID string, rule schedule.Rule, fireImmediately bool) error {
	sched, err := schedule.ParseRule(rule.Spec())
	if err != nil {
		return err
	}
	s.mu.Lock()
	cur, ok := s.entries[taskID]
	if !ok || cur.rule != rule {
		if ok {
			s.cron.Remove(cur.id)
		}
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(taskID) }))
		s.entries[taskID] = entry{id: id, rule: rule}
		s.log.Info("scheduler entry registered", "task_id", taskID, "scheduler_id", jobid.SchedulerID(taskID), "rule", rule.Spec())
	}
	metrics.ScheduledTasks.Set(float64(len(s.entries)))
	s.mu.Unlock()

	if fireImmediately {
		return s.TriggerNow(ctx, taskID)
	}
	return nil
}

// Remove drops the task's entry. A missing entry is not an error.
func (s *Scheduler) Remove(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[taskID]
	if !ok {
		s.log.Debug("no scheduler entry to remove", "task_id", taskID)
		return nil
	}
	s.cron.Remove(cur.id)
	delete(s.entries, taskID)
	metrics.ScheduledTasks.Set(float64(len(s.entries)))
	s.log.Info("scheduler entry removed", "task_id", taskID)
	return nil
}

// OnOrphanedTrigger removes the entry of a task that no longer exists.
func (s *Scheduler) OnOrphanedTrigger(ctx context.Context, taskID string) {
	_ = s.Remove(ctx, taskID)
}

// TriggerNow enqueues an out-of-schedule tick. Repeated calls within the
// same second collapse into one job.
func (s *Scheduler) TriggerNow(ctx context.Context, taskID string) error {
	_, err := enqueueOnce(ctx, s.queue, TypeTick, TickPayload{TaskID: taskID},
		jobOptions(QueueTick, jobid.ManualTickID(taskID, s.now()), s.cfg.TickMaxRetry, s.cfg.Retention)...)
	if err != nil {
		return fmt.Errorf("trigger task %s: %w", taskID, err)
	}
	return nil
}

func (s *Scheduler) fire(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	created, err := enqueueOnce(ctx, s.queue, TypeTick, TickPayload{TaskID: taskID},
		jobOptions(QueueTick, jobid.TickID(taskID, s.now()), s.cfg.TickMaxRetry, s.cfg.Retention)...)
	switch {
	case err != nil:
		metrics.RecordTick("error")
		s.log.Error("enqueue tick failed", "task_id", taskID, "error", err)
	case created:
		metrics.RecordTick("enqueued")
	default:
		metrics.RecordTick("duplicate")
	}
}

// Sync makes the entries match the task table: every task gets its rule,
// entries without a task are dropped. Tasks with a bad schedule are logged
// and skipped.
func (s *Scheduler) Sync(ctx context.Context) error {
	tasks, err := s.tasks.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		live[t.ID] = struct{}{}
		rule, err := schedule.Compile(t.Schedule)
		if err != nil {
			s.log.Warn("skipping task with invalid schedule", "task_id", t.ID, "error", err)
			continue
		}
		if err := s.Upsert(ctx, t.ID, rule, false); err != nil {
			s.log.Warn("register task failed", "task_id", t.ID, "error", err)
		}
	}
	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		_ = s.Remove(ctx, id)
	}
	return nil
}

// NextRunAt returns the next fire time of the task's entry.
func (s *Scheduler) NextRunAt(taskID string) (time.Time, bool) {
	s.mu.Lock()
	cur, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next, err := schedule.NextRuleTime(cur.rule, s.now())
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// Rule returns the registered rule of a task.
func (s *Scheduler) Rule(taskID string) (schedule.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[taskID]
	return cur.rule, ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
