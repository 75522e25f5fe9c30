package newsdigest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/notify"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/schedule"
	"github.com/mohans/newsdigest/store"
)

// TaskScheduler is the part of the Scheduler the service drives.
type TaskScheduler interface {
	Upsert(ctx context.Context, taskID string, rule schedule.Rule, fireImmediately bool) error
	Remove(ctx context.Context, taskID string) error
	TriggerNow(ctx context.Context, taskID string) error
	NextRunAt(taskID string) (time.Time, bool)
}

// LiveHub registers live streams and reports how many a user holds.
type LiveHub interface {
	Register(userID string) *notify.Stream
	ConnectionCount(userID string) int
}

// TaskInput is the user-supplied part of a task. A nil Schedule means the
// default on create and "unchanged" on update; the same holds for nil
// Parameters on update.
type TaskInput struct {
	Parameters *params.Parameters `json:"parameters"`
	Schedule   *schedule.Schedule `json:"schedule"`
}

// ExecutionSummary is the short form of a run shown next to a task.
type ExecutionSummary struct {
	ID           string                 `json:"id"`
	Status       models.ExecutionStatus `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	ErrorMessage *string                `json:"errorMessage,omitempty"`
}

// TaskView is a task with its latest run and next fire time.
type TaskView struct {
	models.Task
	LastExecution *ExecutionSummary `json:"lastExecution"`
	NextRunAt     *time.Time        `json:"nextRunAt"`
}

// TaskUpdate is the outcome of UpdateTask. Changed is false when the input
// matched the stored task and nothing was written.
type TaskUpdate struct {
	TaskView
	Changed bool `json:"changed"`
}

// LatestResult is the newest completed run of a task, if any.
type LatestResult struct {
	TaskID    string            `json:"taskId"`
	Execution *models.Execution `json:"execution"`
	HasResult bool              `json:"hasResult"`
}

// PushSubscriptionInput is what a browser hands over when subscribing.
type PushSubscriptionInput struct {
	Endpoint       string     `json:"endpoint"`
	P256dh         string     `json:"p256dh"`
	Auth           string     `json:"auth"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
}

// ConnectionStatus reports a user's notification channels.
type ConnectionStatus struct {
	LiveStreams       int  `json:"liveStreams"`
	PushSubscriptions int  `json:"pushSubscriptions"`
	Connected         bool `json:"connected"`
}

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	Tasks      store.TaskStore
	Executions store.ExecutionStore
	Push       store.PushSubscriptionStore
	Scheduler  TaskScheduler
	Hub        LiveHub
}

// Service is the user-facing API over tasks, runs and notification
// channels. Every call is scoped to the calling user; tasks of other users
// read as not found.
type Service struct {
	ServiceDeps
	log *logger.Logger
	now func() time.Time
}

func NewService(deps ServiceDeps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{ServiceDeps: deps, log: log.With("component", "service"), now: time.Now}
}

// CreateTask stores a new task, registers its schedule and runs it once
// right away. Parameters already used by another task of the user yield a
// conflict naming that task.
func (s *Service) CreateTask(ctx context.Context, userID string, in TaskInput) (*TaskView, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if in.Parameters == nil {
		return nil, apperr.Validation("parameters are required")
	}
	p, err := prepareParams(*in.Parameters)
	if err != nil {
		return nil, err
	}
	sched := schedule.Default
	if in.Schedule != nil {
		sched = *in.Schedule
	}
	rule, err := schedule.Compile(sched)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &models.Task{
		ID:         uuid.NewString(),
		UserID:     userID,
		Parameters: p,
		ParamsHash: params.Hash(p),
		Schedule:   sched,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Tasks.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	log := s.log.With("task_id", t.ID, "user_id", userID)

	if err := s.Scheduler.Upsert(ctx, t.ID, rule, true); err != nil {
		log.Error("register schedule failed, rolling back task", "error", err)
		if derr := s.Tasks.DeleteTask(context.WithoutCancel(ctx), t.ID); derr != nil {
			log.Error("roll back task failed", "error", derr)
		}
		_ = s.Scheduler.Remove(ctx, t.ID)
		return nil, apperr.Transient("could not schedule task", err)
	}
	log.Info("task created", "params_hash", t.ParamsHash, "rule", rule.Spec())
	return s.view(ctx, *t)
}

// UpdateTask changes parameters and/or schedule. New parameters purge the
// task's history and run it immediately; a schedule change only moves the
// scheduler entry.
func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, in TaskInput) (*TaskUpdate, error) {
	t, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	next := *t
	if in.Parameters != nil {
		p, err := prepareParams(*in.Parameters)
		if err != nil {
			return nil, err
		}
		next.Parameters = p
		next.ParamsHash = params.Hash(p)
	}
	if in.Schedule != nil {
		next.Schedule = *in.Schedule
	}
	rule, err := schedule.Compile(next.Schedule)
	if err != nil {
		return nil, err
	}

	paramsChanged := next.ParamsHash != t.ParamsHash
	if !paramsChanged && next.Schedule == t.Schedule {
		return s.update(ctx, *t, false)
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.Tasks.UpdateTask(ctx, &next, paramsChanged); err != nil {
		return nil, s.mapNotFound(err, taskID)
	}
	if err := s.Scheduler.Upsert(ctx, next.ID, rule, paramsChanged); err != nil {
		// the periodic sync re-registers the stored schedule
		s.log.Error("update schedule failed", "task_id", taskID, "error", err)
		return nil, apperr.Transient("task saved but schedule not updated", err)
	}
	s.log.Info("task updated", "task_id", taskID, "params_changed", paramsChanged, "rule", rule.Spec())
	return s.update(ctx, next, true)
}

func (s *Service) update(ctx context.Context, t models.Task, changed bool) (*TaskUpdate, error) {
	v, err := s.view(ctx, t)
	if err != nil {
		return nil, err
	}
	return &TaskUpdate{TaskView: *v, Changed: changed}, nil
}

// CancelTask deletes the task and its history and stops its schedule.
// Running jobs finish on their own and find the task gone.
func (s *Service) CancelTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return err
	}
	if err := s.Tasks.DeleteTask(ctx, taskID); err != nil {
		return s.mapNotFound(err, taskID)
	}
	if err := s.Scheduler.Remove(ctx, taskID); err != nil {
		s.log.Warn("remove schedule failed", "task_id", taskID, "error", err)
	}
	s.log.Info("task cancelled", "task_id", taskID, "user_id", userID)
	return nil
}

// RefreshTask runs the task now. A run already in flight absorbs it.
func (s *Service) RefreshTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return err
	}
	if err := s.Scheduler.TriggerNow(ctx, taskID); err != nil {
		return apperr.Transient("could not trigger task", err)
	}
	return nil
}

func (s *Service) GetTask(ctx context.Context, userID, taskID string) (*TaskView, error) {
	t, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, *t)
}

// ListTasks returns the user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID string) ([]TaskView, error) {
	tasks, err := s.Tasks.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v, err := s.view(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// ListExecutions pages through a task's runs, newest first. A limit of zero
// uses the store default.
func (s *Service) ListExecutions(ctx context.Context, userID, taskID string, limit, offset int) ([]models.Execution, error) {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, apperr.Validation("limit and offset must not be negative")
	}
	return s.Executions.ListExecutions(ctx, taskID, limit, offset)
}

func (s *Service) GetExecution(ctx context.Context, userID, executionID string) (*models.ExecutionDetail, error) {
	d, err := s.Executions.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.Task.UserID != userID) {
		return nil, apperr.NotFound("execution %s not found", executionID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetLatestResult returns the newest completed run of a task. A task that
// has not completed a run yet yields HasResult false.
func (s *Service) GetLatestResult(ctx context.Context, userID, taskID string) (*LatestResult, error) {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	out := &LatestResult{TaskID: taskID}
	e, err := s.Executions.LatestCompletedExecution(ctx, taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return out, nil
	case err != nil:
		return nil, err
	}
	out.Execution = e
	out.HasResult = e.Result != nil
	return out, nil
}

// SubscribeLiveStream opens a live stream for the user. The caller drains
// Events and closes the stream when the client goes away.
func (s *Service) SubscribeLiveStream(userID string) (*notify.Stream, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	return s.Hub.Register(userID), nil
}

// SubscribePush stores a browser push endpoint for the user. Endpoints are
// shared; subscribing again refreshes the keys.
func (s *Service) SubscribePush(ctx context.Context, userID string, in PushSubscriptionInput) (*models.PushSubscription, error) {
	if in.Endpoint == "" || in.P256dh == "" || in.Auth == "" {
		return nil, apperr.Validation("endpoint, p256dh and auth are required")
	}
	u, err := url.Parse(in.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, apperr.Validation("endpoint must be an https URL")
	}
	now := s.now().UTC()
	sub := models.PushSubscription{
		EndpointHash:   notify.EndpointHash(in.Endpoint),
		Endpoint:       in.Endpoint,
		P256dh:         in.P256dh,
		Auth:           in.Auth,
		ExpirationTime: in.ExpirationTime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Push.UpsertPushSubscription(ctx, userID, sub); err != nil {
		return nil, err
	}
	s.log.Info("push subscription stored", "user_id", userID, "endpoint_hash", sub.EndpointHash)
	return &sub, nil
}

// UnsubscribePush detaches the endpoint from the user. The endpoint row goes
// away once no user references it.
func (s *Service) UnsubscribePush(ctx context.Context, userID, endpointHash string) error {
	if endpointHash == "" {
		return apperr.Validation("endpoint hash is required")
	}
	err := s.Push.UnsubscribePush(ctx, userID, endpointHash)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("push subscription not found")
	}
	return err
}

func (s *Service) NotificationStatus(ctx context.Context, userID string) (*ConnectionStatus, error) {
	n, err := s.Push.CountPushSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	live := s.Hub.ConnectionCount(userID)
	return &ConnectionStatus{LiveStreams: live, PushSubscriptions: n, Connected: live > 0}, nil
}

// NextRunAt returns the task's next scheduled fire. Tasks without a
// registered entry (not yet synced on this replica) are computed from their
// stored schedule.
func (s *Service) NextRunAt(ctx context.Context, userID, taskID string) (time.Time, error) {
	t, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return time.Time{}, err
	}
	return s.nextRun(*t)
}

func (s *Service) nextRun(t models.Task) (time.Time, error) {
	if next, ok := s.Scheduler.NextRunAt(t.ID); ok {
		return next, nil
	}
	return schedule.NextFireTime(t.Schedule, s.now())
}

func (s *Service) view(ctx context.Context, t models.Task) (*TaskView, error) {
	v := &TaskView{Task: t}
	last, err := s.Executions.LatestExecution(ctx, t.ID)
	switch {
	case err == nil:
		v.LastExecution = &ExecutionSummary{
			ID:           last.ID,
			Status:       last.Status,
			CreatedAt:    last.CreatedAt,
			CompletedAt:  last.CompletedAt,
			ErrorMessage: last.ErrorMessage,
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("latest execution of %s: %w", t.ID, err)
	}
	if next, err := s.nextRun(t); err == nil {
		v.NextRunAt = &next
	}
	return v, nil
}

func (s *Service) ownedTask(ctx context.Context, userID, taskID string) (*models.Task, error) {
	t, err := s.Tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && t.UserID != userID) {
		return nil, apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) mapNotFound(err error, taskID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("task %s not found", taskID)
	}
	return err
}

func prepareParams(p params.Parameters) (params.Parameters, error) {
	p = p.Normalize()
	if err := params.Validate(p); err != nil {
		return params.Parameters{}, err
	}
	return p, nil
}
