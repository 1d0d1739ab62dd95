// Package mirror is the write-through layer between the execution engine and
// the task store. Step workers and orchestrators report here; the mirror
// coalesces progress, enforces write-once terminal statuses, and retries
// transient store failures so a database blip never fails a flow.
package mirror

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/events"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

const (
	maxWriteAttempts = 3
	maxRetryDelay    = 2 * time.Second
)

var terminalStatuses = []domain.TaskStatus{
	domain.TaskSucceeded,
	domain.TaskFailed,
	domain.TaskCancelled,
}

type taskState struct {
	steps    map[string]float64
	lastStep string
	lastPct  float64

	lastFlush  time.Time
	flushArmed bool
	dirty      bool
}

// Mirror reflects engine state onto task rows.
type Mirror struct {
	log   *logger.Logger
	tasks tasks.TaskRepo
	bus   events.Bus

	debounce time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	mu    sync.Mutex
	state map[uuid.UUID]*taskState
}

// New builds the mirror; PROGRESS_DEBOUNCE_MS bounds how often progress
// reaches the store per task.
func New(log *logger.Logger, taskRepo tasks.TaskRepo, bus events.Bus) *Mirror {
	if bus == nil {
		bus = events.NopBus{}
	}
	return &Mirror{
		log:      log.With("service", "TaskMirror"),
		tasks:    taskRepo,
		bus:      bus,
		debounce: envutil.MillisDur("PROGRESS_DEBOUNCE_MS", 250*time.Millisecond),
		now:      time.Now,
		sleep:    time.Sleep,
		state:    map[uuid.UUID]*taskState{},
	}
}

// Track seeds the per-step progress table from the plan, so the overall mean
// is computed against every planned step from the first report on.
func (m *Mirror) Track(taskID uuid.UUID, stepKinds []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(taskID)
	for _, kind := range stepKinds {
		if _, ok := st.steps[kind]; !ok {
			st.steps[kind] = 0
		}
	}
}

// SetRunning flips a queued task to running. Idempotent: losing the race to
// another writer is not an error.
func (m *Mirror) SetRunning(ctx context.Context, taskID uuid.UUID) error {
	var won bool
	err := m.retryStore(ctx, "set running", func() error {
		var err error
		won, err = m.tasks.TransitionStatus(dbctx.New(ctx), taskID,
			domain.TaskQueued, domain.TaskRunning,
			map[string]interface{}{"started_at": m.now()})
		return err
	})
	if err != nil {
		return err
	}
	if won {
		m.publish(ctx, events.Event{Type: events.EventTaskRunning, TaskID: taskID})
	}
	return nil
}

// SetProgress records one step's progress. Values are clamped to [0,100] and
// made monotonic per step, so late or duplicate deliveries never move a bar
// backwards. Store writes are coalesced per task.
func (m *Mirror) SetProgress(ctx context.Context, taskID uuid.UUID, stepKind string, pct float64, message string) error {
	pct = clampPct(pct)

	m.mu.Lock()
	st := m.ensureLocked(taskID)
	if prev, ok := st.steps[stepKind]; ok && prev > pct {
		pct = prev
	}
	st.steps[stepKind] = pct
	st.lastStep = stepKind
	st.lastPct = pct
	st.dirty = true

	now := m.now()
	flushNow := now.Sub(st.lastFlush) >= m.debounce
	if flushNow {
		st.lastFlush = now
		st.dirty = false
	} else if !st.flushArmed {
		// Arm a trailing flush so the final value of a burst still lands.
		st.flushArmed = true
		time.AfterFunc(m.debounce-now.Sub(st.lastFlush), func() {
			m.flush(context.Background(), taskID)
		})
	}
	overall := overallLocked(st)
	m.mu.Unlock()

	m.publish(ctx, events.Event{
		Type:     events.EventStepProgress,
		TaskID:   taskID,
		StepKind: stepKind,
		Progress: pct,
		Message:  message,
	})

	if !flushNow {
		return nil
	}
	return m.writeProgress(ctx, taskID, overall)
}

func (m *Mirror) flush(ctx context.Context, taskID uuid.UUID) {
	m.mu.Lock()
	st, ok := m.state[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.flushArmed = false
	if !st.dirty {
		m.mu.Unlock()
		return
	}
	st.dirty = false
	st.lastFlush = m.now()
	overall := overallLocked(st)
	m.mu.Unlock()

	if err := m.writeProgress(ctx, taskID, overall); err != nil {
		m.log.Warn("trailing progress flush failed", "task_id", taskID, "error", err)
	}
}

// writeProgress lands the overall mean with a monotonic conditional write.
// Another engine instance with a fuller view may already have stored a
// higher value; losing that race leaves the row alone.
func (m *Mirror) writeProgress(ctx context.Context, taskID uuid.UUID, overall float64) error {
	return m.retryStore(ctx, "set progress", func() error {
		_, err := m.tasks.BumpProgress(dbctx.New(ctx), taskID, terminalStatuses, overall)
		return err
	})
}

// LiveProgress returns the most recent (step, pct) pair for a task, for the
// operator API's live indicator.
func (m *Mirror) LiveProgress(taskID uuid.UUID) (string, float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[taskID]
	if !ok || st.lastStep == "" {
		return "", 0, false
	}
	return st.lastStep, st.lastPct, true
}

// Overall returns the in-memory aggregate progress for a task.
func (m *Mirror) Overall(taskID uuid.UUID) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[taskID]
	if !ok || len(st.steps) == 0 {
		return 0, false
	}
	return overallLocked(st), true
}

// SetTerminal writes a task's final status. Identical repeats are no-ops; a
// second terminal write naming a different status returns ErrTerminalConflict
// and leaves the row untouched.
func (m *Mirror) SetTerminal(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, result []byte, errorLog string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	updates := map[string]interface{}{
		"status":       status,
		"completed_at": m.now(),
	}
	if status == domain.TaskSucceeded {
		updates["progress"] = float64(100)
	}
	if len(result) > 0 {
		updates["result"] = datatypes.JSON(result)
	}
	if errorLog != "" {
		updates["error_log"] = errorLog
	}

	var won bool
	err := m.retryStore(ctx, "set terminal", func() error {
		var err error
		won, err = m.tasks.UpdateFieldsUnlessStatus(dbctx.New(ctx), taskID, terminalStatuses, updates)
		return err
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.state, taskID)
	m.mu.Unlock()

	if !won {
		current, err := m.tasks.StatusOf(dbctx.New(ctx), taskID)
		if err != nil {
			return err
		}
		if current == status {
			return nil
		}
		observability.Current().IncStoreConflict()
		return fmt.Errorf("task %s already %s, refusing %s: %w", taskID, current, status, errs.ErrTerminalConflict)
	}

	m.publish(ctx, events.Event{Type: terminalEvent(status), TaskID: taskID, Message: errorLog})
	return nil
}

func terminalEvent(status domain.TaskStatus) events.EventType {
	switch status {
	case domain.TaskFailed:
		return events.EventTaskFailed
	case domain.TaskCancelled:
		return events.EventTaskCancelled
	default:
		return events.EventTaskCompleted
	}
}

// retryStore runs fn with capped exponential backoff on transient store
// errors. Non-retryable errors surface immediately.
func (m *Mirror) retryStore(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errs.RetryableStore(err) || attempt == maxWriteAttempts {
			break
		}
		delay := 250 * time.Millisecond << (attempt - 1)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		m.log.Warn("store write retrying", "op", op, "attempt", attempt, "error", err)
		observability.Current().IncStoreRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.sleep(delay)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Mirror) publish(ctx context.Context, ev events.Event) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Debug("event publish failed", "type", ev.Type, "task_id", ev.TaskID, "error", err)
	}
}

func (m *Mirror) ensureLocked(taskID uuid.UUID) *taskState {
	st, ok := m.state[taskID]
	if !ok {
		st = &taskState{steps: map[string]float64{}}
		m.state[taskID] = st
	}
	return st
}

// overallLocked is the arithmetic mean over tracked steps, rounded to two
// decimals.
func overallLocked(st *taskState) float64 {
	if len(st.steps) == 0 {
		return 0
	}
	var sum float64
	for _, pct := range st.steps {
		sum += pct
	}
	return math.Round(sum/float64(len(st.steps))*100) / 100
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
