package enqueuer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/events"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/mirror"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

func testEnqueuer(t *testing.T) (*Enqueuer, tasks.TaskRepo, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	t.Setenv("PROGRESS_DEBOUNCE_MS", "0")

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	repo := tasks.NewTaskRepo(tx, log)
	q := queue.New(rdb, log)
	m := mirror.New(log, repo, events.NopBus{})

	opts, err := flow.LoadOpts()
	if err != nil {
		t.Fatalf("load opts: %v", err)
	}
	return New(log, repo, q, opts, m, events.NopBus{}), repo, tx, mr
}

func createTask(t *testing.T, repo tasks.TaskRepo, tx *gorm.DB, ws uuid.UUID, payload string) *domain.Task {
	t.Helper()
	task, err := repo.Create(dbctx.Context{Ctx: context.Background(), Tx: tx}, &domain.Task{
		WorkspaceID: ws,
		Kind:        domain.TaskKindProcessUpload,
		Status:      domain.TaskQueued,
		Payload:     []byte(payload),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestRotateByWorkspaceInterleaves(t *testing.T) {
	wsA, wsB := uuid.New(), uuid.New()
	mk := func(ws uuid.UUID) *domain.Task { return &domain.Task{ID: uuid.New(), WorkspaceID: ws} }
	a1, a2, a3, b1 := mk(wsA), mk(wsA), mk(wsA), mk(wsB)

	out := rotateByWorkspace([]*domain.Task{a1, a2, a3, b1}, 3)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].ID != a1.ID || out[1].ID != b1.ID || out[2].ID != a2.ID {
		t.Fatalf("order = %v %v %v, want a1 b1 a2", out[0].ID, out[1].ID, out[2].ID)
	}

	// Fewer tasks than the limit just drains everything.
	out = rotateByWorkspace([]*domain.Task{a1, b1}, 10)
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
}

func TestDrainDispatchesQueuedTask(t *testing.T) {
	e, repo, tx, _ := testEnqueuer(t)
	ctx := context.Background()

	task := createTask(t, repo, tx, uuid.New(), `{"uploadId":"u1","thumbnail":{"ts":1,"w":320,"h":180}}`)

	n, err := e.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}

	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != domain.TaskRunning || row.ParentJobID == nil || row.StartedAt == nil {
		t.Fatalf("row = status %s parentJobID %v", row.Status, row.ParentJobID)
	}

	counts, err := e.q.Counts(ctx, flow.QueueTranscode)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting == 0 {
		t.Fatalf("nothing reached the transcode queue: %+v", counts)
	}

	// A second drain finds nothing queued.
	n, err = e.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second drain = %d, %v", n, err)
	}
}

func TestDrainFailsTaskOnMalformedPayload(t *testing.T) {
	e, repo, tx, _ := testEnqueuer(t)
	ctx := context.Background()

	task := createTask(t, repo, tx, uuid.New(), `{"thumbnail":{"ts":1}}`) // no uploadId

	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.ErrorLog == nil || *row.ErrorLog == "" {
		t.Fatal("errorLog empty")
	}
	if row.ParentJobID != nil {
		t.Fatalf("fatal task reached the queue: %v", *row.ParentJobID)
	}
}

func TestDrainRevertsOnBackendOutage(t *testing.T) {
	e, repo, tx, mr := testEnqueuer(t)
	ctx := context.Background()

	task := createTask(t, repo, tx, uuid.New(), `{"uploadId":"u1","thumbnail":{"ts":1,"w":320,"h":180}}`)
	mr.Close()

	_, err := e.Drain(ctx)
	if !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	row, err := repo.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != domain.TaskQueued {
		t.Fatalf("status = %s, want queued (reverted)", row.Status)
	}
}
