package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
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
	"github.com/make-ware/video-ware-sub003/internal/steps"
)

type testEnv struct {
	t    *testing.T
	ctx  context.Context
	q    *queue.FlowQueue
	rdb  *goredis.Client
	repo tasks.TaskRepo
	tx   *gorm.DB
	m    *mirror.Mirror
	reg  *steps.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("PROGRESS_DEBOUNCE_MS", "0")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	repo := tasks.NewTaskRepo(tx, log)

	return &testEnv{
		t:    t,
		ctx:  ctx,
		q:    queue.New(rdb, log),
		rdb:  rdb,
		repo: repo,
		tx:   tx,
		m:    mirror.New(log, repo, events.NopBus{}),
		reg:  steps.NewRegistry(),
	}
}

func (e *testEnv) worker(queueName string) *Worker {
	return New(testutil.Logger(e.t), e.q, e.reg, e.m, e.repo, queueName)
}

func (e *testEnv) register(stepKind string, fn steps.HandlerFunc) {
	e.t.Helper()
	if err := e.reg.Register(stepKind, fn); err != nil {
		e.t.Fatalf("register %s: %v", stepKind, err)
	}
}

func (e *testEnv) seedTask(kind domain.TaskKind, status domain.TaskStatus) *domain.Task {
	e.t.Helper()
	task, err := e.repo.Create(dbctx.Context{Ctx: e.ctx, Tx: e.tx}, &domain.Task{
		WorkspaceID: uuid.New(),
		Kind:        kind,
		Status:      status,
		Payload:     []byte(`{"uploadId":"u1"}`),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		e.t.Fatalf("seed task: %v", err)
	}
	return task
}

func (e *testEnv) submit(plan *flow.Plan) string {
	e.t.Helper()
	rootID, err := e.q.SubmitFlow(e.ctx, plan)
	if err != nil {
		e.t.Fatalf("submit flow: %v", err)
	}
	if err := e.repo.SetParentJobID(dbctx.Context{Ctx: e.ctx, Tx: e.tx}, plan.TaskID, rootID); err != nil {
		e.t.Fatalf("set parent job id: %v", err)
	}
	return rootID
}

func (e *testEnv) claim(queueName string) *queue.Job {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	job, err := e.q.Claim(ctx, queueName)
	if err != nil {
		e.t.Fatalf("claim from %s: %v", queueName, err)
	}
	return job
}

func (e *testEnv) taskRow(id uuid.UUID) *domain.Task {
	e.t.Helper()
	row, err := e.repo.GetByID(dbctx.Context{Ctx: e.ctx, Tx: e.tx}, id)
	if err != nil {
		e.t.Fatalf("get task: %v", err)
	}
	return row
}

func testOpts() flow.StepOpts {
	return flow.StepOpts{Attempts: 2, Backoff: flow.Backoff{Type: flow.BackoffExponential, DelayMs: 1}}
}

func staticOutput(out string) steps.HandlerFunc {
	return func(ctx context.Context, sc *steps.Context) (any, error) {
		return json.RawMessage(out), nil
	}
}

func TestFlowHappyPathMirrorsSucceeded(t *testing.T) {
	e := newTestEnv(t)
	probeCalls, thumbCalls := 0, 0
	e.register(flow.StepTranscodeProbe, func(ctx context.Context, sc *steps.Context) (any, error) {
		probeCalls++
		sc.Progress(50, "probing")
		return json.RawMessage(`{"mediaId":"m1"}`), nil
	})
	e.register(flow.StepTranscodeThumbnail, func(ctx context.Context, sc *steps.Context) (any, error) {
		thumbCalls++
		return json.RawMessage(`{"key":"artifacts/u1/t.jpg"}`), nil
	})

	task := e.seedTask(domain.TaskKindProcessUpload, domain.TaskRunning)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind: "flow:process_upload", Queue: flow.QueueTranscode, Opts: testOpts(),
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
				{Kind: flow.StepTranscodeThumbnail, Queue: flow.QueueTranscode, Opts: testOpts()},
			},
		},
	})

	w := e.worker(flow.QueueTranscode)
	for i := 0; i < 3; i++ {
		w.Process(e.ctx, e.claim(flow.QueueTranscode))
	}

	if probeCalls != 1 || thumbCalls != 1 {
		t.Fatalf("calls = probe %d thumb %d", probeCalls, thumbCalls)
	}
	row := e.taskRow(task.ID)
	if row.Status != domain.TaskSucceeded || row.Progress != 100 {
		t.Fatalf("row = status %s progress %v", row.Status, row.Progress)
	}
	if !strings.Contains(string(row.Result), `"mediaId":"m1"`) {
		t.Fatalf("result = %s", row.Result)
	}
}

func TestPermanentFailureIsolatesSiblings(t *testing.T) {
	e := newTestEnv(t)
	e.register(flow.StepTranscodeProbe, func(ctx context.Context, sc *steps.Context) (any, error) {
		return nil, errs.Permanent(errors.New("unreadable media"))
	})
	e.register(flow.StepTranscodeThumbnail, staticOutput(`{"key":"artifacts/u1/t.jpg"}`))

	task := e.seedTask(domain.TaskKindProcessUpload, domain.TaskRunning)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind: "flow:process_upload", Queue: flow.QueueTranscode, Opts: testOpts(),
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
				{Kind: flow.StepTranscodeThumbnail, Queue: flow.QueueTranscode, Opts: testOpts()},
			},
		},
	})

	w := e.worker(flow.QueueTranscode)
	for i := 0; i < 3; i++ {
		w.Process(e.ctx, e.claim(flow.QueueTranscode))
	}

	row := e.taskRow(task.ID)
	if row.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.ErrorLog == nil || !strings.Contains(*row.ErrorLog, "transcode:probe: unreadable media") {
		t.Fatalf("errorLog = %v", row.ErrorLog)
	}
	// The completed sibling's output survives in the partial result.
	if !strings.Contains(string(row.Result), `"thumbnail"`) {
		t.Fatalf("result = %s", row.Result)
	}
	if strings.Contains(string(row.Result), `"probe"`) {
		t.Fatalf("failed step leaked into result: %s", row.Result)
	}
}

func TestRetryMemoizesCompletedSteps(t *testing.T) {
	e := newTestEnv(t)
	probeCalls, thumbCalls := 0, 0
	e.register(flow.StepTranscodeProbe, func(ctx context.Context, sc *steps.Context) (any, error) {
		probeCalls++
		return json.RawMessage(`{"mediaId":"m1"}`), nil
	})
	e.register(flow.StepTranscodeThumbnail, func(ctx context.Context, sc *steps.Context) (any, error) {
		thumbCalls++
		if thumbCalls == 1 {
			return nil, errors.New("storage blip")
		}
		return json.RawMessage(`{"key":"artifacts/u1/t.jpg"}`), nil
	})

	task := e.seedTask(domain.TaskKindProcessUpload, domain.TaskRunning)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind: "flow:process_upload", Queue: flow.QueueTranscode, Opts: testOpts(),
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
				{Kind: flow.StepTranscodeThumbnail, Queue: flow.QueueTranscode, Opts: testOpts(),
					DependsOn: []string{flow.StepTranscodeProbe}},
			},
		},
	})

	w := e.worker(flow.QueueTranscode)

	// Simulate a worker that recorded the probe result but died before
	// acking: the stall sweeper nacks it, and the redelivery must take the
	// memoization fast-path instead of running the handler again.
	probeJob := e.claim(flow.QueueTranscode)
	if err := e.q.PutStepResult(e.ctx, probeJob.ParentID, flow.StepResult{
		StepKind: probeJob.Kind,
		Status:   flow.StepCompleted,
		Output:   json.RawMessage(`{"mediaId":"m1"}`),
	}); err != nil {
		t.Fatalf("put step result: %v", err)
	}
	if err := e.q.Nack(e.ctx, probeJob.ID, "worker lost", true); err != nil {
		t.Fatalf("nack: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	if probeCalls != 0 {
		t.Fatalf("probe calls = %d, want 0 (memoized)", probeCalls)
	}

	// First thumbnail attempt fails transiently and is retried after the
	// backoff delay.
	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	time.Sleep(20 * time.Millisecond)
	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	if thumbCalls != 2 {
		t.Fatalf("thumbnail calls = %d, want 2", thumbCalls)
	}

	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	row := e.taskRow(task.ID)
	if row.Status != domain.TaskSucceeded {
		t.Fatalf("status = %s, want succeeded", row.Status)
	}
}

func TestCancelledTaskSkipsHandlers(t *testing.T) {
	e := newTestEnv(t)
	calls := 0
	e.register(flow.StepTranscodeProbe, func(ctx context.Context, sc *steps.Context) (any, error) {
		calls++
		return json.RawMessage(`{}`), nil
	})

	task := e.seedTask(domain.TaskKindProcessUpload, domain.TaskCancelled)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind: "flow:process_upload", Queue: flow.QueueTranscode, Opts: testOpts(),
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
			},
		},
	})

	w := e.worker(flow.QueueTranscode)
	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	w.Process(e.ctx, e.claim(flow.QueueTranscode))

	if calls != 0 {
		t.Fatalf("handler ran %d times on a cancelled task", calls)
	}
	row := e.taskRow(task.ID)
	if row.Status != domain.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", row.Status)
	}
}

func TestNestedSubflowAggregatesIntoRoot(t *testing.T) {
	e := newTestEnv(t)
	e.register(flow.StepTranscodeProbe, staticOutput(`{"mediaId":"m1"}`))
	e.register(flow.StepLabelsUploadToGCS, staticOutput(`{"gcsUri":"gs://b/u1.mp4","staged":true}`))

	task := e.seedTask(domain.TaskKindFullIngest, domain.TaskRunning)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindFullIngest,
		Root: flow.Node{
			Kind: "flow:full_ingest", Queue: flow.QueueLabels, Opts: testOpts(),
			Children: []flow.Node{
				{
					Kind: flow.SubflowTranscode, Queue: flow.QueueTranscode, Opts: testOpts(),
					Children: []flow.Node{
						{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
					},
				},
				{Kind: flow.StepLabelsUploadToGCS, Queue: flow.QueueLabels, Opts: testOpts(),
					DependsOn: []string{flow.SubflowTranscode}},
			},
		},
	})

	tw := e.worker(flow.QueueTranscode)
	lw := e.worker(flow.QueueLabels)

	tw.Process(e.ctx, e.claim(flow.QueueTranscode)) // probe
	tw.Process(e.ctx, e.claim(flow.QueueTranscode)) // subflow parent
	lw.Process(e.ctx, e.claim(flow.QueueLabels))    // upload_to_gcs
	lw.Process(e.ctx, e.claim(flow.QueueLabels))    // root parent

	row := e.taskRow(task.ID)
	if row.Status != domain.TaskSucceeded {
		t.Fatalf("status = %s, want succeeded", row.Status)
	}
	var result struct {
		Media  json.RawMessage `json:"media"`
		Labels struct {
			Steps map[string]json.RawMessage `json:"steps"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(row.Result, &result); err != nil {
		t.Fatalf("decode result: %v (%s)", err, row.Result)
	}
	if !strings.Contains(string(result.Media), `"mediaId":"m1"`) {
		t.Fatalf("media = %s", result.Media)
	}
	if _, ok := result.Labels.Steps["upload_to_gcs"]; !ok {
		t.Fatalf("labels steps = %v", result.Labels.Steps)
	}
}

func TestPanickingHandlerFailsPermanently(t *testing.T) {
	e := newTestEnv(t)
	e.register(flow.StepTranscodeProbe, func(ctx context.Context, sc *steps.Context) (any, error) {
		panic("boom")
	})

	task := e.seedTask(domain.TaskKindProcessUpload, domain.TaskRunning)
	e.submit(&flow.Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind: "flow:process_upload", Queue: flow.QueueTranscode, Opts: testOpts(),
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode, Opts: testOpts()},
			},
		},
	})

	w := e.worker(flow.QueueTranscode)
	w.Process(e.ctx, e.claim(flow.QueueTranscode))
	w.Process(e.ctx, e.claim(flow.QueueTranscode))

	row := e.taskRow(task.ID)
	if row.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.ErrorLog == nil || !strings.Contains(*row.ErrorLog, "handler panic") {
		t.Fatalf("errorLog = %v", row.ErrorLog)
	}
}
