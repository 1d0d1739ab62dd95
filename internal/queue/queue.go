package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// FlowQueue is the Redis-backed durable queue the engine runs on. One job
// per plan node; dependency edges and the parent/child waiting primitive are
// kept as counters on the job hashes, so every transition is a handful of
// O(1) commands.
//
// Delivery is at-least-once: a worker that dies mid-step leaves the job on
// the active list until the stall sweeper requeues it.
type FlowQueue struct {
	rdb *goredis.Client
	log *logger.Logger

	// claimBlock bounds each BLMOVE so Claim can notice context
	// cancellation and promote due retries.
	claimBlock time.Duration
	now        func() time.Time
}

// Connect dials QUEUE_BACKEND_URL and verifies the backend is reachable.
func Connect(log *logger.Logger) (*goredis.Client, error) {
	url := envutil.Str("QUEUE_BACKEND_URL", "redis://localhost:6379")
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse QUEUE_BACKEND_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, backendErr("redis ping", err)
	}
	return rdb, nil
}

func New(rdb *goredis.Client, log *logger.Logger) *FlowQueue {
	return &FlowQueue{
		rdb:        rdb,
		log:        log.With("service", "FlowQueue"),
		claimBlock: 2 * time.Second,
		now:        time.Now,
	}
}

// Progress is the structured value streamed by running steps. Last writer
// wins.
type Progress struct {
	StepKind string  `json:"stepKind"`
	Pct      float64 `json:"pct"`
	Message  string  `json:"message,omitempty"`
	At       int64   `json:"at"`
}

// QueueCounts mirrors the five per-queue gauges the operator surface
// reports.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// SubmitFlow persists the whole plan in one MULTI/EXEC pipeline and seeds
// the wait lists with every node whose dependencies are already satisfied.
// Returns the root parent's job id.
func (q *FlowQueue) SubmitFlow(ctx context.Context, plan *flow.Plan) (string, error) {
	if plan == nil || len(plan.Root.Children) == 0 {
		return "", fmt.Errorf("%w: empty plan", errs.ErrMalformedPlan)
	}

	rootID := uuid.NewString()
	specs, pendingDeps, err := flattenPlan(plan, rootID)
	if err != nil {
		return "", err
	}

	nowMs := q.now().UnixMilli()
	pipe := q.rdb.TxPipeline()
	for _, spec := range specs {
		raw, err := encodeSpec(spec)
		if err != nil {
			return "", fmt.Errorf("encode job spec: %w", err)
		}
		status := JobWaiting
		if spec.IsParent() {
			status = JobWaitingChildren
		}
		pipe.HSet(ctx, jobKey(spec.ID),
			fieldSpec, raw,
			fieldStatus, string(status),
			fieldAttempt, 0,
			fieldHeartbeat, nowMs,
			fieldPendingDeps, pendingDeps[spec.ID],
			fieldPendingChildren, len(spec.ChildIDs),
		)
		if !spec.IsParent() && pendingDeps[spec.ID] == 0 {
			pipe.LPush(ctx, waitKey(spec.Queue), spec.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", backendErr("submit flow", err)
	}
	q.log.Info("flow submitted",
		"task_id", plan.TaskID,
		"task_kind", plan.TaskKind,
		"parent_job_id", rootID,
		"steps", len(plan.StepKinds()),
	)
	return rootID, nil
}

// flattenPlan assigns job ids and resolves dependsOn/dependents within each
// sibling list. The returned slice is in plan order, root first.
func flattenPlan(plan *flow.Plan, rootID string) ([]*JobSpec, map[string]int, error) {
	var specs []*JobSpec
	pendingDeps := map[string]int{}

	var walk func(node *flow.Node, id, parentID string) error
	walk = func(node *flow.Node, id, parentID string) error {
		spec := &JobSpec{
			ID:          id,
			Kind:        node.Kind,
			Queue:       node.Queue,
			TaskID:      plan.TaskID,
			WorkspaceID: plan.WorkspaceID,
			TaskKind:    plan.TaskKind,
			ParentID:    parentID,
			RootID:      rootID,
			Input:       node.Input,
			Opts:        node.Opts,
		}
		specs = append(specs, spec)

		if len(node.Children) == 0 {
			return nil
		}
		kindToID := make(map[string]string, len(node.Children))
		for i := range node.Children {
			childID := uuid.NewString()
			kindToID[node.Children[i].Kind] = childID
			spec.ChildIDs = append(spec.ChildIDs, childID)
			if err := walk(&node.Children[i], childID, id); err != nil {
				return err
			}
		}
		// Second pass: wire edges now that every sibling has an id.
		for i := range node.Children {
			child := &node.Children[i]
			childID := kindToID[child.Kind]
			pendingDeps[childID] = len(child.DependsOn)
			for _, depKind := range child.DependsOn {
				depID, ok := kindToID[depKind]
				if !ok {
					return fmt.Errorf("%w: %q depends on %q outside the plan", errs.ErrMalformedPlan, child.Kind, depKind)
				}
				dep := findSpec(specs, depID)
				dep.DependentIDs = append(dep.DependentIDs, childID)
			}
		}
		return nil
	}

	if err := walk(&plan.Root, rootID, ""); err != nil {
		return nil, nil, err
	}
	return specs, pendingDeps, nil
}

func findSpec(specs []*JobSpec, id string) *JobSpec {
	for _, s := range specs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Claim blocks until the next ready job on the queue. It promotes due
// delayed jobs first, then waits on the list with a bounded timeout so
// context cancellation is honored.
func (q *FlowQueue) Claim(ctx context.Context, queueName string) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDelayed(ctx, queueName); err != nil {
			return nil, err
		}
		id, err := q.rdb.BLMove(ctx, waitKey(queueName), activeKey(queueName), "RIGHT", "LEFT", q.claimBlock).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, backendErr("claim", err)
		}
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.log.Warn("claimed job unreadable", "job_id", id, "error", err)
			_ = q.rdb.LRem(ctx, activeKey(queueName), 1, id).Err()
			continue
		}
		if job.Status == JobCompleted || job.Status == JobFailed {
			// Spurious redelivery of a finished job; acking it again would
			// double-count against the parent.
			_ = q.rdb.LRem(ctx, activeKey(queueName), 1, id).Err()
			continue
		}
		nowMs := q.now().UnixMilli()
		if err := q.rdb.HSet(ctx, jobKey(id), fieldStatus, string(JobActive), fieldHeartbeat, nowMs).Err(); err != nil {
			return nil, backendErr("claim activate", err)
		}
		job.Status = JobActive
		return job, nil
	}
}

func (q *FlowQueue) promoteDelayed(ctx context.Context, queueName string) error {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(queueName), &goredis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return backendErr("promote delayed", err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, delayedKey(queueName), id).Result()
		if err != nil {
			return backendErr("promote delayed", err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), fieldStatus, string(JobWaiting))
		pipe.LPush(ctx, waitKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return backendErr("promote delayed", err)
		}
	}
	return nil
}

// Ack completes a job: stores its result, releases dependents whose last
// dependency this was, and notifies the enclosing parent.
func (q *FlowQueue) Ack(ctx context.Context, jobID string, result any) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fieldStatus, string(JobCompleted), fieldResult, string(raw))
	pipe.LRem(ctx, activeKey(job.Queue), 1, jobID)
	pipe.Incr(ctx, completedKey(job.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("ack", err)
	}

	for _, depID := range job.DependentIDs {
		if err := q.releaseDependent(ctx, depID); err != nil {
			return err
		}
	}
	return q.notifyParent(ctx, job.ParentID)
}

func (q *FlowQueue) releaseDependent(ctx context.Context, depID string) error {
	left, err := q.rdb.HIncrBy(ctx, jobKey(depID), fieldPendingDeps, -1).Result()
	if err != nil {
		return backendErr("release dependent", err)
	}
	if left > 0 {
		return nil
	}
	dep, err := q.GetJob(ctx, depID)
	if err != nil {
		return err
	}
	if dep.Status != JobWaiting {
		return nil
	}
	if err := q.rdb.LPush(ctx, waitKey(dep.Queue), depID).Err(); err != nil {
		return backendErr("release dependent", err)
	}
	return nil
}

// notifyParent decrements the pending-children counter and, exactly once,
// pushes the parent onto its wait list when the last child resolves.
func (q *FlowQueue) notifyParent(ctx context.Context, parentID string) error {
	if parentID == "" {
		return nil
	}
	left, err := q.rdb.HIncrBy(ctx, jobKey(parentID), fieldPendingChildren, -1).Result()
	if err != nil {
		return backendErr("notify parent", err)
	}
	if left > 0 {
		return nil
	}
	woke, err := q.rdb.SetNX(ctx, wokenKey(parentID), "1", 0).Result()
	if err != nil {
		return backendErr("notify parent", err)
	}
	if !woke {
		return nil
	}
	parent, err := q.GetJob(ctx, parentID)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(parentID), fieldStatus, string(JobWaiting))
	pipe.LPush(ctx, waitKey(parent.Queue), parentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("notify parent", err)
	}
	return nil
}

// Nack records a failed attempt. Retryable failures with attempts remaining
// are rescheduled at delayMs * 2^(attempt-1); everything else fails the job
// and cascades to its dependents.
func (q *FlowQueue) Nack(ctx context.Context, jobID string, errMsg string, retryable bool) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	attempt, err := q.rdb.HIncrBy(ctx, jobKey(jobID), fieldAttempt, 1).Result()
	if err != nil {
		return backendErr("nack", err)
	}
	if retryable && attempt < int64(job.Opts.Attempts) {
		delay := time.Duration(job.Opts.Backoff.DelayMs) * time.Millisecond << (attempt - 1)
		readyAt := q.now().Add(delay).UnixMilli()
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(jobID), fieldStatus, string(JobDelayed), fieldError, errMsg)
		pipe.LRem(ctx, activeKey(job.Queue), 1, jobID)
		pipe.ZAdd(ctx, delayedKey(job.Queue), goredis.Z{Score: float64(readyAt), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return backendErr("nack retry", err)
		}
		q.log.Info("job scheduled for retry",
			"job_id", jobID, "kind", job.Kind, "attempt", attempt, "delay", delay)
		return nil
	}
	return q.failJob(ctx, &job.JobSpec, errMsg, false)
}

// failJob marks the job failed and walks its dependents: none of them can
// ever become ready, so they fail by cascade, which in turn resolves them
// toward the parent.
func (q *FlowQueue) failJob(ctx context.Context, spec *JobSpec, errMsg string, cascade bool) error {
	cur, err := q.GetJob(ctx, spec.ID)
	if err != nil {
		return err
	}
	if cur.Status == JobCompleted || cur.Status == JobFailed {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(spec.ID),
		fieldStatus, string(JobFailed),
		fieldError, errMsg,
		fieldCascade, boolField(cascade),
	)
	pipe.LRem(ctx, activeKey(spec.Queue), 1, spec.ID)
	pipe.ZRem(ctx, delayedKey(spec.Queue), spec.ID)
	pipe.Incr(ctx, failedKey(spec.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("fail job", err)
	}

	for _, depID := range spec.DependentIDs {
		dep, err := q.GetJob(ctx, depID)
		if err != nil {
			return err
		}
		if err := q.failJob(ctx, &dep.JobSpec, fmt.Sprintf("dependency %s failed: %s", spec.Kind, errMsg), true); err != nil {
			return err
		}
	}
	return q.notifyParent(ctx, spec.ParentID)
}

// GetJob loads one job. The mutable fields come from the hash; the spec is
// decoded from its immutable blob.
func (q *FlowQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	vals, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, backendErr("get job", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	spec, err := decodeSpec(vals[fieldSpec])
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	attempt, _ := strconv.Atoi(vals[fieldAttempt])
	return &Job{
		JobSpec: *spec,
		Status:  JobStatus(vals[fieldStatus]),
		Attempt: attempt,
		Error:   vals[fieldError],
		Cascade: vals[fieldCascade] == "1",
	}, nil
}

// JobResult returns the raw result stored by Ack, nil when absent.
func (q *FlowQueue) JobResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	raw, err := q.rdb.HGet(ctx, jobKey(jobID), fieldResult).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr("job result", err)
	}
	return json.RawMessage(raw), nil
}

// PutStepResult writes one entry of the parent's stepResults mapping. A
// completed entry is never overwritten; that guard is the memoization basis.
func (q *FlowQueue) PutStepResult(ctx context.Context, parentJobID string, res flow.StepResult) error {
	existing, err := q.rdb.HGet(ctx, resultsKey(parentJobID), res.StepKind).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return backendErr("put step result", err)
	}
	if existing != "" {
		var prev flow.StepResult
		if jsonErr := json.Unmarshal([]byte(existing), &prev); jsonErr == nil && prev.Status == flow.StepCompleted {
			return nil
		}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}
	if err := q.rdb.HSet(ctx, resultsKey(parentJobID), res.StepKind, string(raw)).Err(); err != nil {
		return backendErr("put step result", err)
	}
	return nil
}

// StepResults returns the full stepResults view of one parent, completed and
// failed entries alike. The memoization fast-path reads this.
func (q *FlowQueue) StepResults(ctx context.Context, parentJobID string) (map[string]flow.StepResult, error) {
	vals, err := q.rdb.HGetAll(ctx, resultsKey(parentJobID)).Result()
	if err != nil {
		return nil, backendErr("step results", err)
	}
	out := make(map[string]flow.StepResult, len(vals))
	for kind, raw := range vals {
		var res flow.StepResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			q.log.Warn("undecodable step result", "parent_job_id", parentJobID, "step", kind, "error", err)
			continue
		}
		out[kind] = res
	}
	return out, nil
}

// ChildrenValues returns only the completed children's results, keyed by
// step kind. Failed and in-flight children are absent.
func (q *FlowQueue) ChildrenValues(ctx context.Context, parentJobID string) (map[string]flow.StepResult, error) {
	all, err := q.StepResults(ctx, parentJobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]flow.StepResult, len(all))
	for kind, res := range all {
		if res.Status == flow.StepCompleted {
			out[kind] = res
		}
	}
	return out, nil
}

// UpdateProgress stores the job's latest progress value, last writer wins,
// and refreshes the heartbeat.
func (q *FlowQueue) UpdateProgress(ctx context.Context, jobID string, p Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	err = q.rdb.HSet(ctx, jobKey(jobID),
		fieldProgress, string(raw),
		fieldHeartbeat, q.now().UnixMilli(),
	).Err()
	if err != nil {
		return backendErr("update progress", err)
	}
	return nil
}

// JobProgress returns the last stored progress value, zero when absent.
func (q *FlowQueue) JobProgress(ctx context.Context, jobID string) (Progress, error) {
	raw, err := q.rdb.HGet(ctx, jobKey(jobID), fieldProgress).Result()
	if errors.Is(err, goredis.Nil) {
		return Progress{}, nil
	}
	if err != nil {
		return Progress{}, backendErr("job progress", err)
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Progress{}, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}

// Heartbeat refreshes the job's liveness marker; the stall sweeper requeues
// active jobs whose marker goes quiet.
func (q *FlowQueue) Heartbeat(ctx context.Context, jobID string) error {
	if err := q.rdb.HSet(ctx, jobKey(jobID), fieldHeartbeat, q.now().UnixMilli()).Err(); err != nil {
		return backendErr("heartbeat", err)
	}
	return nil
}

// RequeueStalled nacks (retryable) every active job on the queue whose
// heartbeat is older than threshold. Returns how many were requeued.
func (q *FlowQueue) RequeueStalled(ctx context.Context, queueName string, threshold time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, activeKey(queueName), 0, -1).Result()
	if err != nil {
		return 0, backendErr("requeue stalled", err)
	}
	cutoff := q.now().Add(-threshold).UnixMilli()
	n := 0
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, jobKey(id), fieldHeartbeat).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return n, backendErr("requeue stalled", err)
		}
		hb, _ := strconv.ParseInt(raw, 10, 64)
		if hb > cutoff {
			continue
		}
		q.log.Warn("requeueing stalled job", "job_id", id, "queue", queueName)
		if err := q.Nack(ctx, id, "stalled: no heartbeat", true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Counts reports the per-queue gauges for health and metrics.
func (q *FlowQueue) Counts(ctx context.Context, queueName string) (QueueCounts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitKey(queueName))
	active := pipe.LLen(ctx, activeKey(queueName))
	delayed := pipe.ZCard(ctx, delayedKey(queueName))
	completed := pipe.Get(ctx, completedKey(queueName))
	failed := pipe.Get(ctx, failedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return QueueCounts{}, backendErr("counts", err)
	}
	completedN, _ := strconv.ParseInt(completed.Val(), 10, 64)
	failedN, _ := strconv.ParseInt(failed.Val(), 10, 64)
	return QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completedN,
		Failed:    failedN,
	}, nil
}

// Ping verifies backend liveness within the caller's deadline.
func (q *FlowQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return backendErr("redis ping", err)
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, errs.ErrBackendUnavailable, err)
}
