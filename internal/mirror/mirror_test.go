package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/events"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
)

func testMirror(t *testing.T) (*Mirror, tasks.TaskRepo, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	repo := tasks.NewTaskRepo(tx, log)

	m := New(log, repo, events.NopBus{})
	m.debounce = 0 // flush every write in tests
	m.sleep = func(time.Duration) {}
	return m, repo, tx
}

func seedTask(t *testing.T, repo tasks.TaskRepo, tx *gorm.DB, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task, err := repo.Create(dbctx.Context{Ctx: context.Background(), Tx: tx}, &domain.Task{
		WorkspaceID: uuid.New(),
		Kind:        domain.TaskKindProcessUpload,
		Status:      status,
		Payload:     []byte(`{"uploadId":"u1"}`),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestSetRunningIsIdempotent(t *testing.T) {
	m, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskQueued)

	if err := m.SetRunning(ctx, task.ID); err != nil {
		t.Fatalf("set running: %v", err)
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != domain.TaskRunning || row.StartedAt == nil {
		t.Fatalf("row = status %s startedAt %v", row.Status, row.StartedAt)
	}

	// A second call loses the conditional write and stays quiet.
	if err := m.SetRunning(ctx, task.ID); err != nil {
		t.Fatalf("second set running: %v", err)
	}
}

func TestSetProgressMeanAndMonotonic(t *testing.T) {
	m, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskRunning)

	m.Track(task.ID, []string{"transcode:probe", "transcode:thumbnail", "transcode:sprite"})
	if err := m.SetProgress(ctx, task.ID, "transcode:probe", 100, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.SetProgress(ctx, task.ID, "transcode:thumbnail", 100, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.SetProgress(ctx, task.ID, "transcode:sprite", 40, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}

	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Progress != 80 {
		t.Fatalf("progress = %v, want 80 (mean of 100,100,40)", row.Progress)
	}

	// A stale lower report never moves a step backwards.
	if err := m.SetProgress(ctx, task.ID, "transcode:probe", 10, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	row, _ = repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if row.Progress != 80 {
		t.Fatalf("progress regressed to %v", row.Progress)
	}

	step, pct, ok := m.LiveProgress(task.ID)
	if !ok || step != "transcode:probe" || pct != 100 {
		t.Fatalf("live = %s %v %v", step, pct, ok)
	}
}

func TestFullIngestProgressCountsLeavesOnly(t *testing.T) {
	m, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskRunning)

	raw, err := json.Marshal(domain.FullIngestPayload{
		UploadID: "u9",
		Processing: domain.ProcessUploadPayload{
			Thumbnail: &domain.ThumbnailConfig{TS: 1, W: 320, H: 240},
		},
		Detection: domain.DetectLabelsPayload{LabelDetection: true},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	opts, err := flow.LoadOpts()
	if err != nil {
		t.Fatalf("load opts: %v", err)
	}
	plan, err := flow.BuildFlow(&domain.Task{
		ID:          task.ID,
		WorkspaceID: task.WorkspaceID,
		Kind:        domain.TaskKindFullIngest,
		Status:      domain.TaskRunning,
		Payload:     datatypes.JSON(raw),
	}, opts)
	if err != nil {
		t.Fatalf("build flow: %v", err)
	}

	// The nested subflow parent aggregates children; it never reports
	// progress and must not dilute the denominator.
	kinds := plan.StepKinds()
	for _, kind := range kinds {
		if kind == flow.SubflowTranscode {
			t.Fatalf("step kinds include subflow parent: %v", kinds)
		}
	}

	m.Track(task.ID, kinds)
	for _, kind := range kinds {
		if err := m.SetProgress(ctx, task.ID, kind, 100, ""); err != nil {
			t.Fatalf("progress %s: %v", kind, err)
		}
	}

	overall, ok := m.Overall(task.ID)
	if !ok || overall != 100 {
		t.Fatalf("overall = %v, want 100 with every step done", overall)
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Progress != 100 {
		t.Fatalf("stored progress = %v, want 100", row.Progress)
	}
}

func TestWriteProgressMonotonicAcrossMirrors(t *testing.T) {
	m1, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskRunning)

	m1.Track(task.ID, []string{"transcode:probe", "transcode:thumbnail"})
	for _, kind := range []string{"transcode:probe", "transcode:thumbnail"} {
		if err := m1.SetProgress(ctx, task.ID, kind, 100, ""); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Progress != 100 {
		t.Fatalf("stored progress = %v, want 100", row.Progress)
	}

	// A second engine instance that has only seen one step computes a lower
	// mean; its conditional write loses to the higher stored value.
	m2 := New(testutil.Logger(t), repo, events.NopBus{})
	m2.debounce = 0
	m2.sleep = func(time.Duration) {}
	m2.Track(task.ID, []string{"transcode:probe"})
	if err := m2.SetProgress(ctx, task.ID, "transcode:probe", 50, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	row, _ = repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if row.Progress != 100 {
		t.Fatalf("stored progress regressed to %v", row.Progress)
	}
}

func TestSetProgressClampsOutOfRange(t *testing.T) {
	m, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskRunning)

	if err := m.SetProgress(ctx, task.ID, "render:prepare", 150, ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, pct, _ := m.LiveProgress(task.ID); pct != 100 {
		t.Fatalf("pct = %v, want clamp to 100", pct)
	}
}

func TestSetTerminalIdempotentAndConflicting(t *testing.T) {
	m, repo, tx := testMirror(t)
	ctx := context.Background()
	task := seedTask(t, repo, tx, domain.TaskRunning)

	result := json.RawMessage(`{"mediaId":"m1","steps":{}}`)
	if err := m.SetTerminal(ctx, task.ID, domain.TaskSucceeded, result, ""); err != nil {
		t.Fatalf("set terminal: %v", err)
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != domain.TaskSucceeded || row.Progress != 100 || row.CompletedAt == nil {
		t.Fatalf("row = %+v", row)
	}

	// Identical repeat is a no-op.
	if err := m.SetTerminal(ctx, task.ID, domain.TaskSucceeded, result, ""); err != nil {
		t.Fatalf("repeat terminal: %v", err)
	}

	// A different terminal status is a conflict and leaves the row alone.
	err = m.SetTerminal(ctx, task.ID, domain.TaskFailed, nil, "boom")
	if !errors.Is(err, errs.ErrTerminalConflict) {
		t.Fatalf("err = %v, want ErrTerminalConflict", err)
	}
	row, _ = repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if row.Status != domain.TaskSucceeded {
		t.Fatalf("status overwritten to %s", row.Status)
	}
}

func TestSetTerminalRejectsNonTerminalStatus(t *testing.T) {
	m, _, _ := testMirror(t)
	if err := m.SetTerminal(context.Background(), uuid.New(), domain.TaskRunning, nil, ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestRetryStoreRetriesTransientOnly(t *testing.T) {
	m, _, _ := testMirror(t)

	calls := 0
	err := m.retryStore(context.Background(), "op", func() error {
		calls++
		return fmt.Errorf("write: %w", errs.ErrStorePutFailed)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != maxWriteAttempts {
		t.Fatalf("calls = %d, want %d", calls, maxWriteAttempts)
	}

	calls = 0
	err = m.retryStore(context.Background(), "op", func() error {
		calls++
		return errors.New("constraint violation")
	})
	if err == nil || calls != 1 {
		t.Fatalf("non-retryable: calls = %d err = %v", calls, err)
	}
}
