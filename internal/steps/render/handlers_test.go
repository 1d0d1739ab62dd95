package render

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/media"
	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/steps"
	"github.com/make-ware/video-ware-sub003/internal/storage"

	_ "gocloud.dev/blob/memblob"
)

func TestOrderedVideoClipsFlattensAndSorts(t *testing.T) {
	p := &domain.RenderTimelinePayload{
		Tracks: []domain.TimelineTrack{
			{ID: "t1", Kind: "video", Clips: []domain.TimelineClip{
				{UploadID: "b", StartSec: 5, InSec: 0, OutSec: 2},
				{UploadID: "a", StartSec: 0, InSec: 1, OutSec: 3},
			}},
			{ID: "t2", Kind: "audio", Clips: []domain.TimelineClip{
				{UploadID: "music", StartSec: 0, InSec: 0, OutSec: 7},
			}},
			{ID: "t3", Clips: []domain.TimelineClip{
				{UploadID: "c", StartSec: 2, InSec: 0, OutSec: 1},
			}},
		},
	}
	clips := orderedVideoClips(p)
	var order []string
	for _, c := range clips {
		order = append(order, c.UploadID)
	}
	want := []string{"a", "c", "b"}
	if len(order) != len(want) {
		t.Fatalf("clips = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("clips = %v, want %v", order, want)
		}
	}
}

func renderInput(t *testing.T, p domain.RenderTimelinePayload) flow.StepInput {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return flow.StepInput{Config: raw}
}

func TestPrepareRejectsTimelineWithoutVideoClips(t *testing.T) {
	h := &handlers{}
	sc := &steps.Context{
		StepKind: flow.StepRenderPrepare,
		Input: renderInput(t, domain.RenderTimelinePayload{
			TimelineID:     "tl-1",
			Version:        1,
			OutputSettings: domain.RenderOutputSettings{Format: "mp4"},
			Tracks: []domain.TimelineTrack{
				{ID: "t1", Kind: "audio", Clips: []domain.TimelineClip{{UploadID: "m", OutSec: 4}}},
			},
		}),
	}
	if _, err := h.prepare(context.Background(), sc); !errs.IsPermanent(err) {
		t.Fatalf("prepare err = %v, want permanent", err)
	}
}

func TestFinalizeRecordsRenderOutput(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()

	store, err := storage.OpenURL(ctx, log, "mem://")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key := storage.RenderKey("tl-9", "render_tl-9_deadbeef.mp4")
	if err := store.Put(ctx, key, []byte("rendered"), "video/mp4"); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	h := &handlers{log: log, store: store, renders: media.NewRenderRepo(tx, log)}

	exeRaw, err := json.Marshal(ExecuteOutput{OutputKey: key, DurationSec: 12.5, SizeBytes: 8})
	if err != nil {
		t.Fatalf("marshal execute output: %v", err)
	}
	sc := &steps.Context{
		StepKind:    flow.StepRenderFinalize,
		WorkspaceID: uuid.New(),
		Input: renderInput(t, domain.RenderTimelinePayload{
			TimelineID:     "tl-9",
			Version:        2,
			OutputSettings: domain.RenderOutputSettings{Format: "mp4"},
		}),
		Upstream: map[string]flow.StepResult{
			flow.StepRenderExecute: {
				StepKind: flow.StepRenderExecute,
				Status:   flow.StepCompleted,
				Output:   exeRaw,
			},
		},
	}

	out, err := h.finalize(ctx, sc)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	fin, ok := out.(*FinalizeOutput)
	if !ok {
		t.Fatalf("output type %T", out)
	}
	if fin.OutputKey != key || fin.DurationSec != 12.5 {
		t.Fatalf("output = %+v", fin)
	}

	row, err := h.renders.GetByTimelineVersion(dbctx.Context{Ctx: ctx, Tx: tx}, "tl-9", 2)
	if err != nil {
		t.Fatalf("get render output: %v", err)
	}
	if row.OutputKey != key || row.DurationSec != 12.5 || row.SizeBytes != 8 {
		t.Fatalf("row = %+v", row)
	}

	// Re-running finalize updates the same row.
	if _, err := h.finalize(ctx, sc); err != nil {
		t.Fatalf("finalize rerun: %v", err)
	}
	again, err := h.renders.GetByTimelineVersion(dbctx.Context{Ctx: ctx, Tx: tx}, "tl-9", 2)
	if err != nil {
		t.Fatalf("get after rerun: %v", err)
	}
	if again.ID != row.ID {
		t.Fatalf("rerun created a second row: %s vs %s", again.ID, row.ID)
	}
}

func TestFinalizeFailsWhenObjectMissing(t *testing.T) {
	log := testutil.Logger(t)
	ctx := context.Background()
	store, err := storage.OpenURL(ctx, log, "mem://")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &handlers{log: log, store: store}
	exeRaw, _ := json.Marshal(ExecuteOutput{OutputKey: "renders/tl-x/gone.mp4"})
	sc := &steps.Context{
		StepKind: flow.StepRenderFinalize,
		Input: renderInput(t, domain.RenderTimelinePayload{
			TimelineID:     "tl-x",
			Version:        1,
			OutputSettings: domain.RenderOutputSettings{Format: "mp4"},
		}),
		Upstream: map[string]flow.StepResult{
			flow.StepRenderExecute: {
				StepKind: flow.StepRenderExecute,
				Status:   flow.StepCompleted,
				Output:   exeRaw,
			},
		},
	}
	if _, err := h.finalize(ctx, sc); !errs.IsPermanent(err) {
		t.Fatalf("finalize err = %v, want permanent", err)
	}
}
