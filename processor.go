package newsdigest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/metrics"
	"github.com/mohans/newsdigest/store"
)

// FailureHandler is told about every failed job attempt. retried and
// maxRetry come from the queue; the job will not run again when
// retried >= maxRetry or err wraps asynq.SkipRetry.
type FailureHandler interface {
	HandleFailure(ctx context.Context, taskType string, payload []byte, err error, retried, maxRetry int)
}

// ProcessorConfig sizes one worker pool per queue.
type ProcessorConfig struct {
	// Concurrency maps queue name to worker count. Missing queues get 5.
	Concurrency     map[string]int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ShutdownTimeout time.Duration
}

// Processor runs one asynq server per queue and updates job records on
// lifecycle events.
type Processor struct {
	servers  map[string]*asynq.Server
	jobs     store.JobRecorder
	failures FailureHandler
	log      *logger.Logger
	tracer   trace.Tracer
}

func NewProcessor(redisOpt asynq.RedisConnOpt, jobs store.JobRecorder, failures FailureHandler, cfg ProcessorConfig, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Processor{
		servers:  make(map[string]*asynq.Server, len(Queues)),
		jobs:     jobs,
		failures: failures,
		log:      log,
		tracer:   otel.Tracer("github.com/mohans/newsdigest"),
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	for _, q := range Queues {
		con := cfg.Concurrency[q]
		if con <= 0 {
			con = 5
		}
		p.servers[q] = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     con,
			Queues:          map[string]int{q: 1},
			RetryDelayFunc:  Backoff(cfg.BackoffBase, cfg.BackoffMax),
			ErrorHandler:    asynq.ErrorHandlerFunc(p.handleError),
			Logger:          log.Queue(),
			LogLevel:        asynq.WarnLevel,
			ShutdownTimeout: shutdown,
		})
	}
	return p
}

// Backoff returns an exponential retry delay: base * 2^n, capped at max.
func Backoff(base, max time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		d := time.Duration(float64(base) * math.Pow(2, float64(n)))
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}

func (p *Processor) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	id, _ := asynq.GetTaskID(ctx)
	final := retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
	p.log.Warn("job failed", "job_id", id, "type", t.Type(), "retried", retried, "max_retry", maxRetry, "final", final, "error", err)
	if p.failures != nil {
		p.failures.HandleFailure(ctx, t.Type(), t.Payload(), err, retried, maxRetry)
	}
}

// lifecycleMiddleware marks started/completed/failed and wraps the handler
// in a span.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		queue, _ := asynq.GetQueueName(ctx)
		retried, _ := asynq.GetRetryCount(ctx)

		ctx, span := p.tracer.Start(ctx, "job "+t.Type(), trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("job.queue", queue),
			attribute.Int("job.retried", retried),
		))
		defer span.End()

		started := time.Now()
		if p.jobs != nil {
			if err := p.jobs.MarkStarted(ctx, id, retried+1, started.UTC()); err != nil {
				p.log.Debug("mark job started failed", "job_id", id, "error", err)
			}
		}
		err := next.ProcessTask(ctx, t)
		finished := time.Now()

		outcome := "ok"
		switch {
		case err == nil:
		case errors.Is(err, asynq.SkipRetry):
			outcome = "failed"
		default:
			outcome = "retry"
		}
		metrics.RecordJob(queue, outcome, finished.Sub(started).Seconds())

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.jobs != nil {
			var merr error
			if err != nil {
				merr = p.jobs.MarkFailed(ctx, id, err.Error(), finished.UTC())
			} else {
				merr = p.jobs.MarkCompleted(ctx, id, finished.UTC())
			}
			if merr != nil {
				p.log.Debug("mark job finished failed", "job_id", id, "error", merr)
			}
		}
		return err
	})
}

// Start runs every queue's server with the handlers registered for it.
// handlers maps task type to handler; each type runs on its own queue.
func (p *Processor) Start(handlers map[string]asynq.Handler) error {
	muxes := make(map[string]*asynq.ServeMux, len(p.servers))
	for q := range p.servers {
		muxes[q] = asynq.NewServeMux()
		muxes[q].Use(p.lifecycleMiddleware)
	}
	for taskType, h := range handlers {
		q, ok := queueOf[taskType]
		if !ok {
			return fmt.Errorf("no queue for task type %q", taskType)
		}
		muxes[q].Handle(taskType, h)
	}
	for _, q := range Queues {
		if err := p.servers[q].Start(muxes[q]); err != nil {
			p.Shutdown()
			return fmt.Errorf("start %s server: %w", q, err)
		}
	}
	return nil
}

// Shutdown stops every server, waiting for active jobs up to the shutdown
// timeout.
func (p *Processor) Shutdown() {
	for _, s := range p.servers {
		s.Shutdown()
	}
}

var queueOf = map[string]string{
	TypeTick:    QueueTick,
	TypeFetch:   QueueFetch,
	TypeAnalyze: QueueAnalyze,
	TypeNotify:  QueueNotify,
}
