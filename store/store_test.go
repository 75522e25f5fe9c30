package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/schedule"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := New(db, "sqlite")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newTask(userID, query string) *models.Task {
	p := params.New("us", "", query).Normalize()
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Task{
		ID:         uuid.NewString(),
		UserID:     userID,
		Parameters: p,
		ParamsHash: params.Hash(p),
		Schedule:   schedule.Default,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustCreateTask(t *testing.T, s *SQLStore, task *models.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := sqliteMigrations[len(sqliteMigrations)-1].Version; v != want {
		t.Fatalf("want version %d got %d", want, v)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	if _, err := New(nil, "oracle"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestJobRecords_Lifecycle_Success(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := JobRecord{
		ID:          "fetch:exec-1",
		Type:        "news:fetch",
		Queue:       "fetch",
		PayloadJSON: `{"taskId":"t","executionId":"exec-1"}`,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertCreated(ctx, rec); err != nil {
		t.Fatalf("InsertCreated: %v", err)
	}
	if err := s.MarkStarted(ctx, rec.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := s.MarkCompleted(ctx, rec.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := s.GetJobRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if got.Status != JobCompleted {
		t.Fatalf("want status=%s got=%s", JobCompleted, got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("want attempts=1 got=%d", got.Attempts)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected timestamps to be set: started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
}

func TestJobRecords_MarkFailedThenRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := JobRecord{ID: "analysis:exec-2", Type: "news:analyze", Queue: "analyze", PayloadJSON: `{}`}
	if err := s.InsertCreated(ctx, rec); err != nil {
		t.Fatalf("InsertCreated: %v", err)
	}
	if err := s.MarkStarted(ctx, rec.ID, 1, time.Now()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := s.MarkFailed(ctx, rec.ID, "boom", time.Now()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := s.GetJobRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if got.Status != JobFailed || got.ErrorMsg == nil || *got.ErrorMsg != "boom" {
		t.Fatalf("unexpected record: %#v", got)
	}

	if err := s.MarkStarted(ctx, rec.ID, 2, time.Now()); err != nil {
		t.Fatalf("MarkStarted retry: %v", err)
	}
	if err := s.MarkCompleted(ctx, rec.ID, time.Now()); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, _ = s.GetJobRecord(ctx, rec.ID)
	if got.Status != JobCompleted || got.Attempts != 2 || got.ErrorMsg != nil {
		t.Fatalf("unexpected record after retry: %#v", got)
	}
}

func TestJobRecords_DuplicateInsertKeepsFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.InsertCreated(ctx, JobRecord{ID: "j", Type: "a", Queue: "q", PayloadJSON: `1`}); err != nil {
		t.Fatalf("InsertCreated: %v", err)
	}
	if err := s.InsertCreated(ctx, JobRecord{ID: "j", Type: "b", Queue: "q", PayloadJSON: `2`}); err != nil {
		t.Fatalf("InsertCreated duplicate: %v", err)
	}
	got, err := s.GetJobRecord(ctx, "j")
	if err != nil {
		t.Fatalf("GetJobRecord: %v", err)
	}
	if got.Type != "a" || got.PayloadJSON != "1" {
		t.Fatalf("duplicate insert overwrote record: %#v", got)
	}
}

func TestJobRecords_NotFound(t *testing.T) {
	s := openTestStore(t)
	if rec, err := s.GetJobRecord(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got rec=%#v err=%v", rec, err)
	}
}
