package newsdigest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/jobid"
	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/metrics"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/store"
)

// NewsSearcher finds articles matching a task's parameters.
type NewsSearcher interface {
	Search(ctx context.Context, p params.Parameters) ([]models.Article, error)
}

// Summarizer produces the structured analysis of a set of articles.
type Summarizer interface {
	Summarize(ctx context.Context, articles []models.Article) (*models.Analysis, error)
}

// NotificationSink delivers one notification to every channel of a user.
type NotificationSink interface {
	Deliver(ctx context.Context, userID string, n models.Notification) error
}

// OrphanHandler is told when a tick arrives for a task that no longer
// exists.
type OrphanHandler interface {
	OnOrphanedTrigger(ctx context.Context, taskID string)
}

// StageConfig sizes one stage. MaxRetry is attached to each job at enqueue
// time; Concurrency is used by the Processor.
type StageConfig struct {
	Concurrency int
	MaxRetry    int
}

type PipelineConfig struct {
	Tick    StageConfig
	Fetch   StageConfig
	Analyze StageConfig
	Notify  StageConfig
	// StaleAfter bounds how long an in-flight execution blocks new ticks.
	StaleAfter time.Duration
	// Retention keeps finished jobs, and so their IDs, in the queue.
	Retention time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	for _, st := range []*StageConfig{&c.Tick, &c.Fetch, &c.Analyze, &c.Notify} {
		if st.Concurrency <= 0 {
			st.Concurrency = 5
		}
		if st.MaxRetry < 0 {
			st.MaxRetry = 0
		}
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Concurrency returns the worker count per queue for ProcessorConfig.
func (c PipelineConfig) Concurrency() map[string]int {
	c = c.withDefaults()
	return map[string]int{
		QueueTick:    c.Tick.Concurrency,
		QueueFetch:   c.Fetch.Concurrency,
		QueueAnalyze: c.Analyze.Concurrency,
		QueueNotify:  c.Notify.Concurrency,
	}
}

func jobOptions(queue, id string, maxRetry int, retention time.Duration) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(id),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
	}
}

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Tasks      store.TaskStore
	Executions store.ExecutionStore
	Queue      Enqueuer
	Search     NewsSearcher
	Summarizer Summarizer
	Sink       NotificationSink
	Orphans    OrphanHandler
}

// Pipeline holds the stage handlers. Handlers never wait on downstream
// stages: they persist, enqueue the next job and return.
type Pipeline struct {
	PipelineDeps
	cfg PipelineConfig
	log *logger.Logger
	now func() time.Time
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{PipelineDeps: deps, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// Handlers is the task type to handler table served by the Processor.
func (p *Pipeline) Handlers() map[string]asynq.Handler {
	return map[string]asynq.Handler{
		TypeTick:    asynq.HandlerFunc(p.HandleTick),
		TypeFetch:   asynq.HandlerFunc(p.HandleFetch),
		TypeAnalyze: asynq.HandlerFunc(p.HandleAnalyze),
		TypeNotify:  asynq.HandlerFunc(p.HandleNotify),
	}
}

var errRunSkipped = errors.New("execution already in flight")

// HandleTick creates a PENDING execution and enqueues its fetch job.
func (p *Pipeline) HandleTick(ctx context.Context, t *asynq.Task) error {
	pl, err := decodePayload[TickPayload](t.Payload())
	if err != nil {
		return err
	}
	log := p.log.With("stage", "tick", "task_id", pl.TaskID)

	if _, err := p.Tasks.GetTask(ctx, pl.TaskID); errors.Is(err, store.ErrNotFound) {
		p.orphaned(ctx, pl.TaskID)
		return nil
	} else if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	exec, err := p.startExecution(ctx, pl.TaskID, log)
	switch {
	case errors.Is(err, errRunSkipped):
		return nil
	case errors.Is(err, store.ErrNotFound):
		p.orphaned(ctx, pl.TaskID)
		return nil
	case err != nil:
		return err
	}
	return p.enqueueStage(ctx, TypeFetch, exec.TaskID, exec.ID)
}

func (p *Pipeline) orphaned(ctx context.Context, taskID string) {
	p.log.Info("tick for deleted task", "task_id", taskID)
	if p.Orphans != nil {
		p.Orphans.OnOrphanedTrigger(ctx, taskID)
	}
}

// startExecution creates the run for a tick. An in-flight run younger than
// StaleAfter absorbs the tick; a PENDING one is returned so its fetch job
// gets (re)enqueued. An older run is failed and replaced.
func (p *Pipeline) startExecution(ctx context.Context, taskID string, log *logger.Logger) (*models.Execution, error) {
	for attempt := 0; attempt < 2; attempt++ {
		exec, err := p.Executions.CreateExecution(ctx, taskID, p.now())
		if err == nil {
			log.Info("execution created", "execution_id", exec.ID)
			return exec, nil
		}
		if !errors.Is(err, store.ErrExecutionInFlight) {
			return nil, err
		}
		cur, err := p.Executions.InFlightExecution(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load in-flight execution: %w", err)
		}
		if p.now().Sub(cur.CreatedAt) < p.cfg.StaleAfter {
			if cur.Status == models.StatusPending {
				return cur, nil
			}
			log.Info("skipping tick, execution in flight", "execution_id", cur.ID, "status", cur.Status)
			return nil, errRunSkipped
		}
		log.Warn("superseding stale execution", "execution_id", cur.ID, "status", cur.Status, "created_at", cur.CreatedAt)
		msg := "superseded by a newer run"
		d := &models.ExecutionDetail{Execution: *cur}
		if err := p.transition(ctx, d, models.StatusFailed, store.Update{ErrorMessage: &msg}); err != nil && !store.IsTransitionError(err) {
			return nil, err
		}
	}
	return nil, errRunSkipped
}

// HandleFetch searches for articles and either completes the run (no
// articles) or hands it to the analyze stage.
func (p *Pipeline) HandleFetch(ctx context.Context, t *asynq.Task) error {
	pl, err := decodePayload[StagePayload](t.Payload())
	if err != nil {
		return err
	}
	log := p.log.With("stage", "fetch", "task_id", pl.TaskID, "execution_id", pl.ExecutionID)

	d, err := p.loadExecution(ctx, pl)
	if err != nil {
		return err
	}
	switch d.Status {
	case models.StatusAnalyzing:
		// an earlier attempt got this far
		if err := p.notify(ctx, d.ID, d.Status); err != nil {
			return err
		}
		return p.enqueueStage(ctx, TypeAnalyze, d.TaskID, d.ID)
	case models.StatusCompleted, models.StatusFailed:
		return p.notify(ctx, d.ID, d.Status)
	}

	if err := p.transition(ctx, d, models.StatusFetching, store.Update{}); err != nil {
		return p.settle(err, log)
	}

	articles, err := p.Search.Search(ctx, d.Task.Parameters)
	if err != nil {
		return classify(fmt.Errorf("search news: %w", err))
	}
	result := models.NewFetchedResult(articles, p.now())
	log.Info("articles fetched", "count", len(result.Articles), "sources", len(result.Sources))

	if len(result.Articles) == 0 {
		return p.settle(p.transition(ctx, d, models.StatusCompleted, store.Update{Result: result}), log)
	}
	if err := p.transition(ctx, d, models.StatusAnalyzing, store.Update{Result: result}); err != nil {
		return p.settle(err, log)
	}
	return p.enqueueStage(ctx, TypeAnalyze, d.TaskID, d.ID)
}

// HandleAnalyze summarizes the fetched articles and completes the run. The
// analysis is appended to the stored result; fetched fields are kept as is.
func (p *Pipeline) HandleAnalyze(ctx context.Context, t *asynq.Task) error {
	pl, err := decodePayload[StagePayload](t.Payload())
	if err != nil {
		return err
	}
	log := p.log.With("stage", "analyze", "task_id", pl.TaskID, "execution_id", pl.ExecutionID)

	d, err := p.loadExecution(ctx, pl)
	if err != nil {
		return err
	}
	switch d.Status {
	case models.StatusCompleted, models.StatusFailed:
		return p.notify(ctx, d.ID, d.Status)
	case models.StatusFetching, models.StatusAnalyzing:
	default:
		return permanent(fmt.Errorf("execution %s is %s, not ready for analysis", d.ID, d.Status))
	}
	if err := d.Result.ValidateFetched(); err != nil {
		return permanent(fmt.Errorf("invalid fetched result: %w", err))
	}

	analysis, err := p.Summarizer.Summarize(ctx, d.Result.Articles)
	if err != nil {
		return classify(fmt.Errorf("summarize: %w", err))
	}
	if err := analysis.Validate(); err != nil {
		return permanent(fmt.Errorf("invalid analysis: %w", err))
	}
	log.Info("analysis ready", "sentiment", analysis.Sentiment, "entities", len(analysis.Entities))

	result := d.Result.WithAnalysis(*analysis, p.now())
	return p.settle(p.transition(ctx, d, models.StatusCompleted, store.Update{Result: result}), log)
}

// HandleNotify builds the notification for one status change and hands it
// to the sink.
func (p *Pipeline) HandleNotify(ctx context.Context, t *asynq.Task) error {
	pl, err := decodePayload[NotifyPayload](t.Payload())
	if err != nil {
		return err
	}
	d, err := p.Executions.GetExecution(ctx, pl.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Info("notification for purged execution dropped", "execution_id", pl.ExecutionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if p.Sink == nil {
		return nil
	}
	n := NotificationFor(d, pl.Status)
	if err := p.Sink.Deliver(ctx, d.Task.UserID, n); err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	return nil
}

// NotificationFor renders the event sent for execution d entering status.
func NotificationFor(d *models.ExecutionDetail, status models.ExecutionStatus) models.Notification {
	n := models.Notification{
		TaskID:   d.TaskID,
		Status:   models.NotifySuccess,
		PushType: models.PushRefresh,
	}
	switch status {
	case models.StatusPending:
		n.Message = "Task run scheduled"
	case models.StatusFetching:
		n.Message = "Fetching the latest news"
	case models.StatusAnalyzing:
		n.Message = "Analyzing articles"
	case models.StatusCompleted:
		n.PushType = models.PushNotification
		switch {
		case d.Result.Analyzed():
			n.Message = d.Result.Analysis.BriefSummary.Text
		case d.Result != nil && len(d.Result.Articles) == 0:
			n.Message = "No new articles matched this task"
		default:
			n.Message = "Task analysis completed successfully"
		}
	case models.StatusFailed:
		n.PushType = models.PushNotification
		n.Status = models.NotifyError
		reason := "Unknown error"
		if d.ErrorMessage != nil && *d.ErrorMessage != "" {
			reason = *d.ErrorMessage
		}
		n.Message = "Task analysis failed: " + reason
	}
	return n
}

// HandleFailure finalizes the execution of a fetch or analyze job that will
// not run again. Earlier attempts are left to the queue's retry.
func (p *Pipeline) HandleFailure(ctx context.Context, taskType string, payload []byte, err error, retried, maxRetry int) {
	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		return
	}
	if taskType != TypeFetch && taskType != TypeAnalyze {
		p.log.Error("job dropped after final failure", "type", taskType, "error", err)
		return
	}
	var pl StagePayload
	if jerr := json.Unmarshal(payload, &pl); jerr != nil || pl.ExecutionID == "" {
		p.log.Error("cannot finalize failed job without execution id", "type", taskType, "error", err)
		return
	}

	// the job context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := p.fail(ctx, pl.ExecutionID, err.Error()); ferr != nil {
		p.log.Error("mark execution failed", "execution_id", pl.ExecutionID, "error", ferr)
	}
}

func (p *Pipeline) fail(ctx context.Context, executionID, msg string) error {
	d, err := p.Executions.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}
	err = p.transition(ctx, d, models.StatusFailed, store.Update{ErrorMessage: &msg})
	if store.IsTransitionError(err) {
		return nil
	}
	return err
}

// transition applies the status change and enqueues its notify job.
func (p *Pipeline) transition(ctx context.Context, d *models.ExecutionDetail, to models.ExecutionStatus, u store.Update) error {
	if u.At.IsZero() {
		u.At = p.now()
	}
	if err := p.Executions.Transition(ctx, d.ID, to, u); err != nil {
		return err
	}
	metrics.RecordTransition(string(to))
	p.log.Info("execution transitioned", "execution_id", d.ID, "task_id", d.TaskID, "from", d.Status, "to", to)
	d.Status = to
	if u.Result != nil {
		d.Result = u.Result
	}
	return p.notify(ctx, d.ID, to)
}

func (p *Pipeline) notify(ctx context.Context, executionID string, status models.ExecutionStatus) error {
	_, err := enqueueOnce(ctx, p.Queue, TypeNotify,
		NotifyPayload{ExecutionID: executionID, Status: status},
		jobOptions(QueueNotify, jobid.NotifyID(executionID, string(status)), p.cfg.Notify.MaxRetry, p.cfg.Retention)...)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (p *Pipeline) enqueueStage(ctx context.Context, taskType, taskID, executionID string) error {
	var (
		queue string
		stage jobid.Stage
		cfg   StageConfig
	)
	switch taskType {
	case TypeFetch:
		queue, stage, cfg = QueueFetch, jobid.Fetch, p.cfg.Fetch
	case TypeAnalyze:
		queue, stage, cfg = QueueAnalyze, jobid.Analyze, p.cfg.Analyze
	default:
		return fmt.Errorf("not a stage task type: %s", taskType)
	}
	_, err := enqueueOnce(ctx, p.Queue, taskType,
		StagePayload{TaskID: taskID, ExecutionID: executionID},
		jobOptions(queue, jobid.JobID(executionID, stage), cfg.MaxRetry, p.cfg.Retention)...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

func (p *Pipeline) loadExecution(ctx context.Context, pl StagePayload) (*models.ExecutionDetail, error) {
	d, err := p.Executions.GetExecution(ctx, pl.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, permanent(fmt.Errorf("execution %s not found", pl.ExecutionID))
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if d.TaskID != pl.TaskID {
		return nil, permanent(fmt.Errorf("execution %s belongs to task %s, not %s", d.ID, d.TaskID, pl.TaskID))
	}
	return d, nil
}

// settle turns a lost race on the execution row into a no-op: some other
// actor already moved it on.
func (p *Pipeline) settle(err error, log *logger.Logger) error {
	switch {
	case err == nil:
		return nil
	case store.IsTransitionError(err), errors.Is(err, store.ErrNotFound):
		log.Info("execution moved on, dropping job", "error", err)
		return nil
	}
	return err
}

// classify marks validation errors from collaborators as permanent.
func classify(err error) error {
	if apperr.IsKind(err, apperr.KindValidation) {
		return permanent(err)
	}
	return err
}
