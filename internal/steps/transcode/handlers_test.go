package transcode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/media"
	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/steps"
)

func TestFrameTimestampCentersSamples(t *testing.T) {
	// 10s video, 5 samples: centers of five 2s slots.
	want := []float64{1, 3, 5, 7, 9}
	for i, w := range want {
		if got := frameTimestamp(10, 5, i); got != w {
			t.Errorf("frameTimestamp(10, 5, %d) = %v, want %v", i, got, w)
		}
	}
	if got := frameTimestamp(0, 5, 2); got != 0 {
		t.Errorf("zero duration timestamp = %v", got)
	}
}

func TestTimestampLabel(t *testing.T) {
	cases := []struct {
		ts   float64
		want string
	}{
		{0, "00:00"},
		{59.9, "00:59"},
		{60, "01:00"},
		{3599, "59:59"},
		{-1, "00:00"},
	}
	for _, tc := range cases {
		if got := timestampLabel(tc.ts); got != tc.want {
			t.Errorf("timestampLabel(%v) = %q, want %q", tc.ts, got, tc.want)
		}
	}
}

func TestRecordRenditionMergesByCodecAndResolution(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)

	h := &handlers{log: log, media: media.NewMediaRepo(tx, log)}
	sc := &steps.Context{
		StepKind:    flow.StepTranscodeTranscode,
		WorkspaceID: uuid.New(),
		Input:       flow.StepInput{UploadID: "up-rend-1"},
	}
	ctx := context.Background()

	first := Rendition{Codec: "h264", Resolution: "720p", Key: "artifacts/up-rend-1/a.mp4", SizeBytes: 100}
	if err := h.recordRendition(ctx, sc, first); err != nil {
		t.Fatalf("record first: %v", err)
	}
	other := Rendition{Codec: "h264", Resolution: "1080p", Key: "artifacts/up-rend-1/b.mp4", SizeBytes: 200}
	if err := h.recordRendition(ctx, sc, other); err != nil {
		t.Fatalf("record other: %v", err)
	}
	// Re-run of the same step replaces, never duplicates.
	rerun := Rendition{Codec: "h264", Resolution: "720p", Key: "artifacts/up-rend-1/a.mp4", SizeBytes: 150}
	if err := h.recordRendition(ctx, sc, rerun); err != nil {
		t.Fatalf("record rerun: %v", err)
	}

	row, err := h.media.GetByUploadID(dbctx.Context{Ctx: ctx, Tx: tx}, "up-rend-1")
	if err != nil {
		t.Fatalf("get media: %v", err)
	}
	var rends []Rendition
	if err := json.Unmarshal(row.Renditions, &rends); err != nil {
		t.Fatalf("decode renditions: %v", err)
	}
	if len(rends) != 2 {
		t.Fatalf("renditions = %+v, want 2 entries", rends)
	}
	for _, r := range rends {
		if r.Resolution == "720p" && r.SizeBytes != 150 {
			t.Errorf("720p rendition not replaced: %+v", r)
		}
	}
}
