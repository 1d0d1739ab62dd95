package media

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
)

func TestMediaUpsertKeepsOneRowPerUpload(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewMediaRepo(db, testutil.Logger(t))

	ws := uuid.New()
	first := &domain.Media{
		UploadID:    "u-upsert",
		WorkspaceID: ws,
		DurationSec: 12.5,
		Width:       1280,
		Height:      720,
		Codec:       "h264",
		Container:   "mp4",
		Probe:       datatypes.JSON([]byte(`{"streams":1}`)),
	}
	if _, err := repo.UpsertByUploadID(dbc, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Reprocessing the same upload must update in place.
	second := &domain.Media{
		UploadID:    "u-upsert",
		WorkspaceID: ws,
		DurationSec: 13.0,
		Width:       1920,
		Height:      1080,
		Codec:       "h264",
		Container:   "mp4",
		Probe:       datatypes.JSON([]byte(`{"streams":2}`)),
	}
	got, err := repo.UpsertByUploadID(dbc, second)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.Width != 1920 || got.DurationSec != 13.0 {
		t.Fatalf("upsert did not update: width=%d dur=%v", got.Width, got.DurationSec)
	}

	count, err := repo.CountByUploadID(dbc, "u-upsert")
	if err != nil {
		t.Fatalf("CountByUploadID: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 media row, got %d", count)
	}
}

func TestMediaSetRenditions(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewMediaRepo(db, testutil.Logger(t))

	m := &domain.Media{
		UploadID:    "u-rend",
		WorkspaceID: uuid.New(),
		DurationSec: 5,
	}
	if _, err := repo.UpsertByUploadID(dbc, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.SetRenditions(dbc, "u-rend", []byte(`[{"res":"720p","key":"artifacts/u-rend/out.mp4"}]`)); err != nil {
		t.Fatalf("SetRenditions: %v", err)
	}
	got, err := repo.GetByUploadID(dbc, "u-rend")
	if err != nil {
		t.Fatalf("GetByUploadID: %v", err)
	}
	if len(got.Renditions) == 0 {
		t.Fatalf("renditions not persisted")
	}
}

func TestRenderUpsertByTimelineVersion(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewRenderRepo(db, testutil.Logger(t))

	out := &domain.RenderOutput{
		TimelineID:  "t1",
		Version:     1,
		WorkspaceID: uuid.New(),
		OutputKey:   "renders/t1/v1.mp4",
		DurationSec: 30,
	}
	if _, err := repo.UpsertByTimelineVersion(dbc, out); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	again := &domain.RenderOutput{
		TimelineID:  "t1",
		Version:     1,
		WorkspaceID: out.WorkspaceID,
		OutputKey:   "renders/t1/v1-retry.mp4",
		DurationSec: 31,
	}
	got, err := repo.UpsertByTimelineVersion(dbc, again)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.OutputKey != "renders/t1/v1-retry.mp4" {
		t.Fatalf("output key not updated: %s", got.OutputKey)
	}
}

func TestUploadRepoRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewUploadRepo(db, testutil.Logger(t))

	u := &domain.Upload{
		ID:          "u-rt",
		WorkspaceID: uuid.New(),
		StorageKey:  "uploads/u-rt/source.mp4",
		Filename:    "source.mp4",
		ContentType: "video/mp4",
		SizeBytes:   1024,
	}
	if _, err := repo.Create(dbc, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.GetByID(dbc, "u-rt")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.StorageKey != u.StorageKey {
		t.Fatalf("storage key mismatch: %s", got.StorageKey)
	}
}
