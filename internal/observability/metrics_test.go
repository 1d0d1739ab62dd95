package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	t.Setenv("METRICS_ENABLED", "true")
	return Init(testutil.Logger(t))
}

func render(t *testing.T, m *Metrics) string {
	t.Helper()
	var b strings.Builder
	if err := m.WritePrometheus(&b); err != nil {
		t.Fatalf("write prometheus: %v", err)
	}
	return b.String()
}

func TestWritePrometheusIncludesStepMetrics(t *testing.T) {
	m := testMetrics(t)

	m.ObserveStep(flow.QueueTranscode, flow.StepTranscodeProbe, "completed", 1200*time.Millisecond)
	m.IncStepMemoized(flow.QueueTranscode, flow.StepTranscodeProbe)
	m.IncFlowFinished("PROCESS_UPLOAD", "succeeded")

	out := render(t, m)
	for _, want := range []string{
		`vw_steps_processed_total{queue="transcode",step="probe",status="completed"} 1`,
		`vw_steps_memoized_total{queue="transcode",step="probe"} 1`,
		`vw_flows_finished_total{kind="PROCESS_UPLOAD",status="succeeded"} 1`,
		"# TYPE vw_step_duration_seconds histogram",
		`vw_step_duration_seconds_bucket{queue="transcode",step="probe",le="2"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestSampleQueuesReportsDepthAndLiveness(t *testing.T) {
	m := testMetrics(t)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, testutil.Logger(t))

	ctx := context.Background()
	plan := &flow.Plan{
		TaskID:      uuid.New(),
		WorkspaceID: uuid.New(),
		TaskKind:    domain.TaskKindProcessUpload,
		Root: flow.Node{
			Kind:  "flow:process_upload",
			Queue: flow.QueueTranscode,
			Children: []flow.Node{
				{Kind: flow.StepTranscodeProbe, Queue: flow.QueueTranscode},
			},
		},
	}
	if _, err := q.SubmitFlow(ctx, plan); err != nil {
		t.Fatalf("submit flow: %v", err)
	}

	m.SampleQueues(ctx, nil, q)
	out := render(t, m)
	if !strings.Contains(out, `vw_queue_depth{queue="transcode",state="waiting"} 1`) {
		t.Fatalf("waiting depth not reported:\n%s", out)
	}
	if !strings.Contains(out, "vw_redis_up 1") {
		t.Fatalf("redis_up not 1:\n%s", out)
	}

	mr.Close()
	m.SampleQueues(ctx, nil, q)
	if out := render(t, m); !strings.Contains(out, "vw_redis_up 0") {
		t.Fatalf("redis_up not 0 after outage:\n%s", out)
	}
}
