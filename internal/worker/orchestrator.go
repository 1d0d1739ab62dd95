package worker

import (
	"context"
	"errors"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

// runParent aggregates a parent job whose children are all terminal (the
// queue does not release a parent before that). Root parents mirror the task
// outcome; nested subflow parents record their aggregate as a step result on
// their own parent so dependents can read it or cascade.
func (w *Worker) runParent(ctx context.Context, job *queue.Job) {
	log := w.log.With("job_id", job.ID, "kind", job.Kind, "task_id", job.TaskID)

	results, err := w.q.StepResults(ctx, job.ID)
	if err != nil {
		log.Warn("read step results failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}
	expected, err := w.childKinds(ctx, job)
	if err != nil {
		log.Warn("resolve children failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}

	kind := job.TaskKind
	if job.ParentID != "" {
		// A grafted transcode subflow aggregates like its standalone flow.
		kind = domain.TaskKindProcessUpload
	}
	outcome, err := flow.ComputeOutcome(kind, expected, results)
	if err != nil {
		log.Error("aggregate failed", "error", err)
		w.nack(ctx, job, err.Error(), false)
		return
	}

	if job.ParentID != "" {
		w.finishNestedParent(ctx, job, outcome)
		return
	}

	err = w.mirror.SetTerminal(ctx, job.TaskID, outcome.Status, outcome.Result, outcome.ErrorLog)
	if errors.Is(err, errs.ErrTerminalConflict) {
		// Children values stay authoritative; the store keeps what it has.
		log.Warn("terminal conflict, store left as-is", "status", outcome.Status)
	} else if err != nil {
		log.Warn("mirror terminal write failed", "status", outcome.Status, "error", err)
	}

	if outcome.Status == domain.TaskFailed {
		w.nack(ctx, job, outcome.ErrorLog, false)
	} else {
		w.ack(ctx, job, outcome.Result)
	}
	observability.Current().IncFlowFinished(string(job.TaskKind), string(outcome.Status))
	log.Info("flow finished", "status", outcome.Status)
}

// finishNestedParent closes a subflow without touching the task mirror. A
// failed subflow nacks permanently so the steps depending on it cascade.
func (w *Worker) finishNestedParent(ctx context.Context, job *queue.Job, outcome flow.Outcome) {
	status := flow.StepCompleted
	switch outcome.Status {
	case domain.TaskFailed:
		status = flow.StepFailed
	case domain.TaskCancelled:
		status = flow.StepCancelled
	}
	if err := w.q.PutStepResult(ctx, job.ParentID, flow.StepResult{
		StepKind: job.Kind,
		Status:   status,
		Output:   outcome.Result,
		Error:    outcome.ErrorLog,
	}); err != nil {
		w.log.Warn("record subflow result failed", "job_id", job.ID, "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}
	if status == flow.StepFailed {
		w.nack(ctx, job, outcome.ErrorLog, false)
		return
	}
	w.ack(ctx, job, outcome.Result)
}

func (w *Worker) childKinds(ctx context.Context, parent *queue.Job) ([]string, error) {
	kinds := make([]string, 0, len(parent.ChildIDs))
	for _, childID := range parent.ChildIDs {
		child, err := w.q.GetJob(ctx, childID)
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
