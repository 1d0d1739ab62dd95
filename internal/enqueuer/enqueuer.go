// Package enqueuer moves queued tasks from the store into the flow queue. A
// single polling goroutine claims tasks with a conditional status write, so
// running more than one engine instance is safe.
package enqueuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/events"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/mirror"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

type Enqueuer struct {
	log    *logger.Logger
	tasks  tasks.TaskRepo
	q      *queue.FlowQueue
	opts   *flow.OptsRegistry
	mirror *mirror.Mirror
	bus    events.Bus

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

func New(log *logger.Logger, taskRepo tasks.TaskRepo, q *queue.FlowQueue, opts *flow.OptsRegistry, m *mirror.Mirror, bus events.Bus) *Enqueuer {
	if bus == nil {
		bus = events.NopBus{}
	}
	pollMs := envutil.IntClamped("POLL_INTERVAL_MS", 5000, 1000, 60000)
	return &Enqueuer{
		log:          log.With("service", "Enqueuer"),
		tasks:        taskRepo,
		q:            q,
		opts:         opts,
		mirror:       m,
		bus:          bus,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		batchSize:    envutil.Int("BATCH_SIZE", 25),
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled.
func (e *Enqueuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Drain(ctx); err != nil {
				e.log.Warn("drain failed", "error", err)
			}
		}
	}
}

// Drain runs one poll cycle and returns how many tasks it dispatched. A
// backend outage stops the cycle early; everything already claimed is
// reverted to queued.
func (e *Enqueuer) Drain(ctx context.Context) (int, error) {
	// Over-fetch so workspace rotation has something to rotate.
	rows, err := e.tasks.ListQueued(dbctx.New(ctx), e.batchSize*4)
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	batch := rotateByWorkspace(rows, e.batchSize)

	dispatched := 0
	for _, task := range batch {
		if err := e.dispatch(ctx, task); err != nil {
			if errors.Is(err, errs.ErrBackendUnavailable) {
				return dispatched, err
			}
			e.log.Warn("dispatch failed", "task_id", task.ID, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// rotateByWorkspace interleaves tasks round-robin by workspace, preserving
// age order within each workspace, so one busy tenant cannot monopolize a
// batch.
func rotateByWorkspace(rows []*domain.Task, limit int) []*domain.Task {
	perWorkspace := map[uuid.UUID][]*domain.Task{}
	var order []uuid.UUID
	for _, task := range rows {
		if _, seen := perWorkspace[task.WorkspaceID]; !seen {
			order = append(order, task.WorkspaceID)
		}
		perWorkspace[task.WorkspaceID] = append(perWorkspace[task.WorkspaceID], task)
	}

	var out []*domain.Task
	for len(out) < limit {
		progressed := false
		for _, ws := range order {
			bucket := perWorkspace[ws]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			perWorkspace[ws] = bucket[1:]
			progressed = true
			if len(out) == limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func (e *Enqueuer) dispatch(ctx context.Context, task *domain.Task) error {
	dbc := dbctx.New(ctx)

	won, err := e.tasks.TransitionStatus(dbc, task.ID, domain.TaskQueued, domain.TaskRunning,
		map[string]interface{}{"started_at": e.now()})
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !won {
		// Another instance got here first.
		return nil
	}

	plan, err := flow.BuildFlow(task, e.opts)
	if errs.IsPlanBuild(err) {
		e.log.Warn("plan build failed, task fatal", "task_id", task.ID, "kind", task.Kind, "error", err)
		return e.failFatally(ctx, task.ID, err)
	}
	if err != nil {
		return fmt.Errorf("build flow: %w", err)
	}

	rootID, err := e.q.SubmitFlow(ctx, plan)
	if errors.Is(err, errs.ErrBackendUnavailable) {
		e.revertToQueued(ctx, task.ID)
		return err
	}
	if err != nil {
		return e.failFatally(ctx, task.ID, err)
	}

	if err := e.tasks.SetParentJobID(dbc, task.ID, rootID); err != nil {
		// The flow runs regardless; the reconciler cannot repair this task
		// without the link, so surface it loudly.
		e.log.Error("persist parent job id failed", "task_id", task.ID, "parent_job_id", rootID, "error", err)
	}
	e.mirror.Track(task.ID, plan.StepKinds())
	observability.Current().IncTaskDispatched(string(task.Kind))
	e.publish(ctx, events.Event{Type: events.EventTaskRunning, TaskID: task.ID, WorkspaceID: task.WorkspaceID})

	e.log.Info("task dispatched",
		"task_id", task.ID, "kind", task.Kind, "parent_job_id", rootID, "steps", len(plan.StepKinds()))
	return nil
}

// failFatally marks a task failed before anything reached the queue.
func (e *Enqueuer) failFatally(ctx context.Context, taskID uuid.UUID, cause error) error {
	msg := cause.Error()
	_, err := e.tasks.TransitionStatus(dbctx.New(ctx), taskID, domain.TaskRunning, domain.TaskFailed,
		map[string]interface{}{
			"error_log":    msg,
			"completed_at": e.now(),
		})
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	e.publish(ctx, events.Event{Type: events.EventTaskFailed, TaskID: taskID, Message: msg})
	return nil
}

func (e *Enqueuer) revertToQueued(ctx context.Context, taskID uuid.UUID) {
	_, err := e.tasks.TransitionStatus(dbctx.New(ctx), taskID, domain.TaskRunning, domain.TaskQueued,
		map[string]interface{}{"started_at": nil})
	if err != nil {
		e.log.Error("revert to queued failed", "task_id", taskID, "error", err)
	}
}

func (e *Enqueuer) publish(ctx context.Context, ev events.Event) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Debug("event publish failed", "type", ev.Type, "error", err)
	}
}
