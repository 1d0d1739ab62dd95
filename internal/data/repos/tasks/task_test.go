package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
)

func TestTaskRepoLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	wsA := uuid.New()
	wsB := uuid.New()

	older := &domain.Task{
		ID:          uuid.New(),
		WorkspaceID: wsA,
		Kind:        domain.TaskKindProcessUpload,
		Status:      domain.TaskQueued,
		Payload:     datatypes.JSON([]byte(`{"uploadId":"u1"}`)),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	newer := &domain.Task{
		ID:          uuid.New(),
		WorkspaceID: wsB,
		Kind:        domain.TaskKindRenderTimeline,
		Status:      domain.TaskQueued,
		Payload:     datatypes.JSON([]byte(`{"timelineId":"t1","version":1}`)),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}
	for _, task := range []*domain.Task{older, newer} {
		if _, err := repo.Create(dbc, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	queued, err := repo.ListQueued(dbc, 10)
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("ListQueued: expected 2, got %d", len(queued))
	}
	if queued[0].ID != older.ID {
		t.Fatalf("ListQueued: expected oldest first, got %s", queued[0].ID)
	}

	status, err := repo.StatusOf(dbc, older.ID)
	if err != nil || status != domain.TaskQueued {
		t.Fatalf("StatusOf: status=%s err=%v", status, err)
	}
}

func TestTaskRepoTransitionStatusRace(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	task := &domain.Task{
		WorkspaceID: uuid.New(),
		Kind:        domain.TaskKindProcessUpload,
		Status:      domain.TaskQueued,
		Payload:     datatypes.JSON([]byte(`{"uploadId":"u1"}`)),
	}
	if _, err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	won, err := repo.TransitionStatus(dbc, task.ID, domain.TaskQueued, domain.TaskRunning, map[string]interface{}{
		"started_at": time.Now(),
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !won {
		t.Fatalf("first transition should win")
	}

	// Same conditional write again models the lost race: the row is no
	// longer queued, so nothing updates.
	won, err = repo.TransitionStatus(dbc, task.ID, domain.TaskQueued, domain.TaskRunning, nil)
	if err != nil {
		t.Fatalf("TransitionStatus second: %v", err)
	}
	if won {
		t.Fatalf("second transition should lose")
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.TaskRunning {
		t.Fatalf("status: got %s want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at not set")
	}
}

func TestTaskRepoUpdateFieldsUnlessStatus(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	task := &domain.Task{
		WorkspaceID: uuid.New(),
		Kind:        domain.TaskKindDetectLabels,
		Status:      domain.TaskRunning,
		Payload:     datatypes.JSON([]byte(`{"uploadId":"u1","labelDetection":true}`)),
	}
	if _, err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	terminal := []domain.TaskStatus{domain.TaskSucceeded, domain.TaskFailed, domain.TaskCancelled}

	applied, err := repo.UpdateFieldsUnlessStatus(dbc, task.ID, terminal, map[string]interface{}{
		"progress": 42.5,
	})
	if err != nil || !applied {
		t.Fatalf("progress write on running task: applied=%v err=%v", applied, err)
	}

	applied, err = repo.UpdateFieldsUnlessStatus(dbc, task.ID, terminal, map[string]interface{}{
		"status":       domain.TaskSucceeded,
		"progress":     100.0,
		"completed_at": time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("terminal write: applied=%v err=%v", applied, err)
	}

	// Terminal status blocks further guarded writes.
	applied, err = repo.UpdateFieldsUnlessStatus(dbc, task.ID, terminal, map[string]interface{}{
		"progress": 10.0,
	})
	if err != nil {
		t.Fatalf("guarded write after terminal: %v", err)
	}
	if applied {
		t.Fatalf("write should be blocked once terminal")
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Progress != 100.0 || got.Status != domain.TaskSucceeded {
		t.Fatalf("row drifted after blocked write: status=%s progress=%v", got.Status, got.Progress)
	}
}

func TestTaskRepoParentJobAndNotFound(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewTaskRepo(db, testutil.Logger(t))

	task := &domain.Task{
		WorkspaceID: uuid.New(),
		Kind:        domain.TaskKindRenderTimeline,
		Status:      domain.TaskRunning,
		Payload:     datatypes.JSON([]byte(`{"timelineId":"t1","version":1}`)),
	}
	if _, err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SetParentJobID(dbc, task.ID, "job-123"); err != nil {
		t.Fatalf("SetParentJobID: %v", err)
	}
	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ParentJobID == nil || *got.ParentJobID != "job-123" {
		t.Fatalf("parent job id not persisted: %v", got.ParentJobID)
	}

	running, err := repo.ListRunning(dbc, 10)
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 1 || running[0].ID != task.ID {
		t.Fatalf("ListRunning: expected the running task, got %d rows", len(running))
	}

	if _, err := repo.GetByID(dbc, uuid.New()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("GetByID missing row: got %v want ErrNotFound", err)
	}
	if _, err := repo.StatusOf(dbc, uuid.New()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("StatusOf missing row: got %v want ErrNotFound", err)
	}
}
