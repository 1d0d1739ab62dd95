package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

// Reconciler repairs tasks whose terminal mirror write was lost: rows still
// running while their parent job already finished in the backend. It
// re-aggregates from children values and re-issues the terminal write.
type Reconciler struct {
	log    *logger.Logger
	tasks  tasks.TaskRepo
	q      *queue.FlowQueue
	mirror *Mirror

	interval time.Duration
	batch    int
}

func NewReconciler(log *logger.Logger, taskRepo tasks.TaskRepo, q *queue.FlowQueue, m *Mirror) *Reconciler {
	return &Reconciler{
		log:      log.With("service", "Reconciler"),
		tasks:    taskRepo,
		q:        q,
		mirror:   m,
		interval: envutil.MillisDur("RECONCILE_INTERVAL_MS", time.Minute),
		batch:    100,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			repaired, err := r.Sweep(ctx)
			if err != nil {
				r.log.Warn("reconcile sweep failed", "error", err)
			} else if repaired > 0 {
				r.log.Info("reconciled stuck tasks", "count", repaired)
			}
		}
	}
}

// Sweep runs one reconciliation pass and returns how many tasks it repaired.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	rows, err := r.tasks.ListRunning(dbctx.New(ctx), r.batch)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, task := range rows {
		if task.ParentJobID == nil {
			continue
		}
		ok, err := r.reconcileTask(ctx, task.ID, task.Kind, *task.ParentJobID)
		if err != nil {
			r.log.Warn("reconcile task failed", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			repaired++
		}
	}
	return repaired, nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, taskID uuid.UUID, kind domain.TaskKind, parentJobID string) (bool, error) {
	job, err := r.q.GetJob(ctx, parentJobID)
	if errors.Is(err, errs.ErrNotFound) {
		// The backend no longer knows the job; the task can never finish.
		err = r.mirror.SetTerminal(ctx, taskID, domain.TaskFailed, nil,
			"parent job "+parentJobID+" missing from queue backend")
		if errors.Is(err, errs.ErrTerminalConflict) {
			return false, nil
		}
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if job.Status != queue.JobCompleted && job.Status != queue.JobFailed {
		return false, nil
	}

	results, err := r.q.StepResults(ctx, job.ID)
	if err != nil {
		return false, err
	}
	expected, err := r.childKinds(ctx, job)
	if err != nil {
		return false, err
	}
	outcome, err := flow.ComputeOutcome(kind, expected, results)
	if err != nil {
		return false, err
	}

	err = r.mirror.SetTerminal(ctx, taskID, outcome.Status, outcome.Result, outcome.ErrorLog)
	if errors.Is(err, errs.ErrTerminalConflict) {
		// Someone else repaired it first; the store stays as it is.
		r.log.Warn("terminal conflict during reconcile", "task_id", taskID, "status", outcome.Status)
		return false, nil
	}
	return err == nil, err
}

func (r *Reconciler) childKinds(ctx context.Context, parent *queue.Job) ([]string, error) {
	kinds := make([]string, 0, len(parent.ChildIDs))
	for _, childID := range parent.ChildIDs {
		child, err := r.q.GetJob(ctx, childID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, child.Kind)
	}
	return kinds, nil
}
