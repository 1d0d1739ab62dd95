// Package worker drains the flow queues. A worker claims jobs from one
// queue; step jobs run their registered handler, parent jobs aggregate their
// children. Memoization and cancellation are enforced here, before any
// handler runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/mirror"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
	"github.com/make-ware/video-ware-sub003/internal/steps"
)

const heartbeatEvery = 15 * time.Second

// Worker drains one queue. Run as many per queue as concurrency allows; all
// coordination goes through the backend.
type Worker struct {
	log    *logger.Logger
	q      *queue.FlowQueue
	reg    *steps.Registry
	mirror *mirror.Mirror
	tasks  tasks.TaskRepo

	queueName  string
	maxRetries int
	now        func() time.Time
}

func New(log *logger.Logger, q *queue.FlowQueue, reg *steps.Registry, m *mirror.Mirror, taskRepo tasks.TaskRepo, queueName string) *Worker {
	return &Worker{
		log:        log.With("worker", "queue:"+queueName),
		q:          q,
		reg:        reg,
		mirror:     m,
		tasks:      taskRepo,
		queueName:  queueName,
		maxRetries: envutil.IntClamped("WORKER_MAX_RETRIES", 3, 1, 10),
		now:        time.Now,
	}
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.q.Claim(ctx, w.queueName)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			w.log.Warn("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one claimed job to a terminal queue transition.
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	if job.IsParent() {
		w.runParent(ctx, job)
		return
	}
	w.runStep(ctx, job)
}

func (w *Worker) runStep(ctx context.Context, job *queue.Job) {
	log := w.log.With("job_id", job.ID, "step", job.Kind, "task_id", job.TaskID)

	// Memoization fast-path: a completed result from an earlier attempt of
	// this flow means the work is already done.
	results, err := w.q.StepResults(ctx, job.ParentID)
	if err != nil {
		log.Warn("read step results failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}
	if memo, ok := results[job.Kind]; ok && memo.Status == flow.StepCompleted {
		log.Info("step memoized, skipping handler")
		observability.Current().IncStepMemoized(w.queueName, job.Kind)
		w.ack(ctx, job, memo.Output)
		return
	}

	// Cancellation boundary: claimed but not yet started.
	status, err := w.tasks.StatusOf(dbctx.New(ctx), job.TaskID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		log.Warn("task status lookup failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}
	if status == domain.TaskCancelled {
		w.finishCancelled(ctx, job)
		return
	}

	handler, err := w.reg.Resolve(job.Kind)
	if err != nil {
		w.failStep(ctx, job, err, false)
		return
	}

	upstream, err := w.q.ChildrenValues(ctx, job.ParentID)
	if err != nil {
		log.Warn("read children values failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}

	startedAt := w.now()
	sc := &steps.Context{
		JobID:       job.ID,
		TaskID:      job.TaskID,
		WorkspaceID: job.WorkspaceID,
		TaskKind:    job.TaskKind,
		StepKind:    job.Kind,
		Attempt:     job.Attempt + 1,
		Input:       job.Input,
		Upstream:    upstream,
		Log:         log,
		Report: func(pct float64, message string) {
			_ = w.q.UpdateProgress(ctx, job.RootID, queue.Progress{
				StepKind: job.Kind,
				Pct:      pct,
				Message:  message,
				At:       w.now().UnixMilli(),
			})
			if err := w.mirror.SetProgress(ctx, job.TaskID, job.Kind, pct, message); err != nil {
				log.Debug("mirror progress failed", "error", err)
			}
		},
	}

	stopHeartbeat := w.startHeartbeat(ctx, job.ID)
	output, err := w.invoke(ctx, handler, sc)
	stopHeartbeat()

	if err != nil {
		w.failStep(ctx, job, err, errs.IsPermanent(err))
		return
	}

	raw, err := json.Marshal(output)
	if err != nil {
		w.failStep(ctx, job, errs.Permanent(fmt.Errorf("marshal output: %w", err)), true)
		return
	}
	completedAt := w.now()
	if err := w.q.PutStepResult(ctx, job.ParentID, flow.StepResult{
		StepKind:    job.Kind,
		Status:      flow.StepCompleted,
		Output:      raw,
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}); err != nil {
		// The result must land before the Ack, or a crash here would lose it.
		log.Warn("put step result failed", "error", err)
		w.nack(ctx, job, err.Error(), true)
		return
	}
	if err := w.mirror.SetProgress(ctx, job.TaskID, job.Kind, 100, "completed"); err != nil {
		log.Debug("mirror progress failed", "error", err)
	}
	w.ack(ctx, job, raw)
	observability.Current().ObserveStep(w.queueName, job.Kind, "completed", completedAt.Sub(startedAt))
	log.Info("step completed", "attempt", job.Attempt+1, "duration", completedAt.Sub(startedAt).String())
}

// invoke runs the handler with panic recovery; a panicking handler is a
// permanent failure, not a dead worker.
func (w *Worker) invoke(ctx context.Context, handler steps.HandlerFunc, sc *steps.Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.Current().IncStepPanic()
			err = errs.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, sc)
}

// failStep routes a handler error. Retryable failures with attempts left just
// nack; the final failure records a failed step result first so dependents
// and the parent see it.
func (w *Worker) failStep(ctx context.Context, job *queue.Job, handlerErr error, permanent bool) {
	final := permanent || job.Attempt+1 >= job.Opts.Attempts
	log := w.log.With("job_id", job.ID, "step", job.Kind)
	if !final {
		log.Warn("step failed, will retry", "attempt", job.Attempt+1, "error", handlerErr)
		observability.Current().IncStepRetried(w.queueName, job.Kind)
		w.nack(ctx, job, handlerErr.Error(), true)
		return
	}

	log.Error("step failed permanently", "attempt", job.Attempt+1, "error", handlerErr)
	observability.Current().ObserveStep(w.queueName, job.Kind, "failed", 0)
	if err := w.q.PutStepResult(ctx, job.ParentID, flow.StepResult{
		StepKind: job.Kind,
		Status:   flow.StepFailed,
		Error:    handlerErr.Error(),
	}); err != nil {
		log.Warn("record failed step result failed", "error", err)
	}
	w.nack(ctx, job, handlerErr.Error(), !permanent)
}

// finishCancelled acks a step for a cancelled task with a synthetic result,
// so the parent aggregates a cancelled flow instead of hanging.
func (w *Worker) finishCancelled(ctx context.Context, job *queue.Job) {
	w.log.Info("task cancelled, skipping step", "job_id", job.ID, "step", job.Kind)
	if err := w.q.PutStepResult(ctx, job.ParentID, flow.StepResult{
		StepKind: job.Kind,
		Status:   flow.StepCancelled,
	}); err != nil {
		w.log.Warn("record cancelled step result failed", "job_id", job.ID, "error", err)
	}
	observability.Current().ObserveStep(w.queueName, job.Kind, "cancelled", 0)
	w.ack(ctx, job, nil)
}

func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.q.Heartbeat(hbCtx, jobID); err != nil {
					w.log.Debug("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) ack(ctx context.Context, job *queue.Job, result json.RawMessage) {
	if err := w.backendOp(ctx, func() error { return w.q.Ack(ctx, job.ID, result) }); err != nil {
		// Left active; the stall sweeper redelivers it.
		w.log.Warn("ack failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, job *queue.Job, msg string, retryable bool) {
	if err := w.backendOp(ctx, func() error { return w.q.Nack(ctx, job.ID, msg, retryable) }); err != nil {
		w.log.Warn("nack failed", "job_id", job.ID, "error", err)
	}
}

// backendOp retries a queue transition up to WORKER_MAX_RETRIES times. After
// that the job stays on the active list and stall recovery redelivers it.
func (w *Worker) backendOp(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	return err
}
