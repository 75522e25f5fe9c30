package newsdigest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/notify"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/store"
)

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db, "sqlite")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// queuedJob is one job held by memQueue.
type queuedJob struct {
	id       string
	taskType string
	queue    string
	payload  []byte
	maxRetry int
}

// memQueue is an in-process Enqueuer with asynq's task ID dedup. IDs stay
// reserved after a job runs, like a retained asynq task.
type memQueue struct {
	mu      sync.Mutex
	seen    map[string]bool
	pending []queuedJob
	failErr error
}

func newMemQueue() *memQueue {
	return &memQueue{seen: make(map[string]bool)}
}

func (q *memQueue) Enqueue(_ context.Context, taskType string, payload any, opts ...asynq.Option) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return q.failErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	j := queuedJob{taskType: taskType, payload: data, queue: "default", maxRetry: 25}
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			j.id = o.Value().(string)
		case asynq.QueueOpt:
			j.queue = o.Value().(string)
		case asynq.MaxRetryOpt:
			j.maxRetry = o.Value().(int)
		}
	}
	if j.id == "" {
		j.id = uuid.NewString()
	}
	if q.seen[j.id] {
		return fmt.Errorf("enqueue %s: %w", taskType, ErrJobExists)
	}
	q.seen[j.id] = true
	q.pending = append(q.pending, j)
	return nil
}

func (j queuedJob) task() *asynq.Task { return asynq.NewTask(j.taskType, j.payload) }

func (q *memQueue) pop() (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return queuedJob{}, false
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j, true
}

// jobs returns the pending jobs of one type.
func (q *memQueue) jobs(taskType string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.pending {
		if j.taskType == taskType {
			out = append(out, j)
		}
	}
	return out
}

func (q *memQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// drain runs pending jobs in FIFO order until the queue is empty. Failed
// jobs are retried in place up to their MaxRetry and every failure is
// reported to failures, the way the asynq error handler does.
func (q *memQueue) drain(t *testing.T, handlers map[string]asynq.Handler, failures FailureHandler) {
	t.Helper()
	ctx := context.Background()
	for steps := 0; ; steps++ {
		if steps > 1000 {
			t.Fatalf("queue did not drain")
		}
		j, ok := q.pop()
		if !ok {
			return
		}
		h, ok := handlers[j.taskType]
		if !ok {
			t.Fatalf("no handler for %s", j.taskType)
		}
		for retried := 0; ; retried++ {
			err := h.ProcessTask(ctx, j.task())
			if err == nil {
				break
			}
			if failures != nil {
				failures.HandleFailure(ctx, j.taskType, j.payload, err, retried, j.maxRetry)
			}
			if retried >= j.maxRetry || errors.Is(err, asynq.SkipRetry) {
				break
			}
		}
	}
}

type fakeSearch struct {
	mu       sync.Mutex
	articles []models.Article
	err      error
	calls    int
}

func (f *fakeSearch) Search(_ context.Context, _ params.Parameters) ([]models.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.articles, nil
}

type fakeSummarizer struct {
	mu       sync.Mutex
	analysis *models.Analysis
	err      error
	calls    int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ []models.Article) (*models.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	a := *f.analysis
	return &a, nil
}

type delivery struct {
	userID string
	n      models.Notification
}

type recordingSink struct {
	mu  sync.Mutex
	got []delivery
}

func (s *recordingSink) Deliver(_ context.Context, userID string, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivery{userID: userID, n: n})
	return nil
}

func (s *recordingSink) all() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got...)
}

func strp(s string) *string { return &s }

func sampleArticles() []models.Article {
	return []models.Article{
		{Source: models.ArticleSource{Name: "Reuters"}, Title: "Chip exports rise", URL: "https://example.com/a", PublishedAt: "2025-01-01T08:00:00Z", Description: strp("Exports up")},
		{Source: models.ArticleSource{Name: "AP"}, Title: "Markets rally", URL: "https://example.com/b", PublishedAt: "2025-01-01T09:00:00Z"},
		{Source: models.ArticleSource{Name: "Reuters"}, Title: "Fed holds rates", URL: "https://example.com/c", PublishedAt: "2025-01-01T10:00:00Z"},
	}
}

func sampleAnalysis() *models.Analysis {
	return &models.Analysis{
		BriefSummary: models.BriefSummary{
			Text:      "Chip exports and markets rose while the Fed held rates.",
			Keywords:  []string{"chips", "markets"},
			Sentiment: models.SentimentPositive,
		},
		DetailedSummary: "Exports grew, stocks rallied and rates stayed put.",
		Sentiment:       models.SentimentPositive,
		Entities:        []models.Entity{{Name: "Federal Reserve", Type: models.EntityOrganization}},
	}
}

// harness wires the real store, scheduler, pipeline and service around an
// in-memory queue.
type harness struct {
	store     *store.SQLStore
	queue     *memQueue
	search    *fakeSearch
	summ      *fakeSummarizer
	sink      *recordingSink
	scheduler *Scheduler
	pipeline  *Pipeline
	hub       *notify.Hub
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  openTestStore(t),
		queue:  newMemQueue(),
		search: &fakeSearch{articles: sampleArticles()},
		summ:   &fakeSummarizer{analysis: sampleAnalysis()},
		sink:   &recordingSink{},
	}
	log := logger.NewNop()
	h.scheduler = NewScheduler(h.store, h.queue, SchedulerConfig{TickMaxRetry: 1}, log)
	h.pipeline = NewPipeline(PipelineDeps{
		Tasks:      h.store,
		Executions: h.store,
		Queue:      h.queue,
		Search:     h.search,
		Summarizer: h.summ,
		Sink:       h.sink,
		Orphans:    h.scheduler,
	}, PipelineConfig{
		Fetch:   StageConfig{MaxRetry: 2},
		Analyze: StageConfig{MaxRetry: 2},
		Notify:  StageConfig{MaxRetry: 1},
	}, log)
	h.hub = notify.NewHub(h.store, nil, notify.HubConfig{}, log)
	h.service = NewService(ServiceDeps{
		Tasks:      h.store,
		Executions: h.store,
		Push:       h.store,
		Scheduler:  h.scheduler,
		Hub:        h.hub,
	}, log)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	h.queue.drain(t, h.pipeline.Handlers(), h.pipeline)
}

func (h *harness) createTask(t *testing.T, userID, query string) *TaskView {
	t.Helper()
	p := params.New("us", "", query)
	v, err := h.service.CreateTask(context.Background(), userID, TaskInput{Parameters: &p})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return v
}

func (h *harness) executions(t *testing.T, taskID string) []models.Execution {
	t.Helper()
	out, err := h.store.ListExecutions(context.Background(), taskID, 100, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	return out
}
