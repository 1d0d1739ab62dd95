// Package render implements the timeline render flow: clip resolution, the
// cut-and-concat encode, and the finalize step that records the output. The
// three steps form a strict chain; each reads the previous step's output.
package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/media"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/naming"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/localmedia"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/steps"
	"github.com/make-ware/video-ware-sub003/internal/storage"
)

type Deps struct {
	Log     *logger.Logger
	Tools   localmedia.Tools
	Store   *storage.Store
	Uploads media.UploadRepo
	Renders media.RenderRepo
}

type handlers struct {
	log     *logger.Logger
	tools   localmedia.Tools
	store   *storage.Store
	uploads media.UploadRepo
	renders media.RenderRepo
}

func Register(reg *steps.Registry, d Deps) error {
	h := &handlers{
		log:     d.Log.With("worker", "render"),
		tools:   d.Tools,
		store:   d.Store,
		uploads: d.Uploads,
		renders: d.Renders,
	}
	table := map[string]steps.HandlerFunc{
		flow.StepRenderPrepare:  h.prepare,
		flow.StepRenderExecute:  h.execute,
		flow.StepRenderFinalize: h.finalize,
	}
	for kind, fn := range table {
		if err := reg.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// PreparedClip is one render segment with its source resolved to a storage
// key. Segments play back to back in slice order.
type PreparedClip struct {
	UploadID   string  `json:"uploadId"`
	StorageKey string  `json:"storageKey"`
	Filename   string  `json:"filename"`
	InSec      float64 `json:"inSec"`
	OutSec     float64 `json:"outSec"`
}

type PrepareOutput struct {
	TimelineID  string         `json:"timelineId"`
	Version     int            `json:"version"`
	Clips       []PreparedClip `json:"clips"`
	DurationSec float64        `json:"durationSec"`
}

func (h *handlers) prepare(ctx context.Context, sc *steps.Context) (any, error) {
	var p domain.RenderTimelinePayload
	if err := sc.BindInput(&p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, errs.Permanent(fmt.Errorf("timeline %s: %w", p.TimelineID, err))
	}

	clips := orderedVideoClips(&p)
	if len(clips) == 0 {
		return nil, errs.Permanent(fmt.Errorf("timeline %s has no video clips", p.TimelineID))
	}
	sc.Progress(10, "resolving clips")

	out := &PrepareOutput{TimelineID: p.TimelineID, Version: p.Version}
	for i, c := range clips {
		up, err := h.uploads.GetByID(dbctx.New(ctx), c.UploadID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Permanent(fmt.Errorf("clip %d: upload %s not found", i, c.UploadID))
		}
		if err != nil {
			return nil, err
		}
		ok, err := h.store.Exists(ctx, up.StorageKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Permanent(fmt.Errorf("clip %d: upload %s object missing at %s", i, c.UploadID, up.StorageKey))
		}
		out.Clips = append(out.Clips, PreparedClip{
			UploadID:   c.UploadID,
			StorageKey: up.StorageKey,
			Filename:   up.Filename,
			InSec:      c.InSec,
			OutSec:     c.OutSec,
		})
		out.DurationSec += c.OutSec - c.InSec
		sc.Progress(10+float64(i+1)/float64(len(clips))*85, "resolving clips")
	}
	sc.Progress(100, "prepared")
	return out, nil
}

// orderedVideoClips flattens the video tracks into playback order. Audio-only
// tracks are carried by their clips' embedded audio; standalone audio tracks
// are not mixed.
func orderedVideoClips(p *domain.RenderTimelinePayload) []domain.TimelineClip {
	var clips []domain.TimelineClip
	for _, tr := range p.Tracks {
		if tr.Kind != "" && tr.Kind != "video" {
			continue
		}
		clips = append(clips, tr.Clips...)
	}
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].StartSec < clips[j].StartSec })
	return clips
}

type ExecuteOutput struct {
	OutputKey   string  `json:"outputKey"`
	DurationSec float64 `json:"durationSec"`
	SizeBytes   int64   `json:"sizeBytes"`
}

func (h *handlers) execute(ctx context.Context, sc *steps.Context) (any, error) {
	var p domain.RenderTimelinePayload
	if err := sc.BindInput(&p); err != nil {
		return nil, err
	}
	var prep PrepareOutput
	if err := sc.UpstreamOutput(flow.StepRenderPrepare, &prep); err != nil {
		return nil, err
	}
	if len(prep.Clips) == 0 {
		return nil, errs.Permanent(fmt.Errorf("timeline %s: prepare produced no clips", p.TimelineID))
	}

	dir, cleanup, err := h.tools.WorkDir(sc.JobID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	segments := make([]string, 0, len(prep.Clips))
	for i, c := range prep.Clips {
		src := filepath.Join(dir, fmt.Sprintf("src_%03d%s", i, filepath.Ext(c.Filename)))
		if err := h.store.GetToFile(ctx, c.StorageKey, src); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, errs.Permanent(fmt.Errorf("clip %d object missing: %w", i, err))
			}
			return nil, err
		}
		seg := src
		if c.OutSec > c.InSec {
			seg = filepath.Join(dir, fmt.Sprintf("seg_%03d%s", i, filepath.Ext(c.Filename)))
			if _, err := h.tools.Cut(ctx, src, seg, c.InSec, c.OutSec); err != nil {
				return nil, fmt.Errorf("cut clip %d of %s: %w", i, p.TimelineID, err)
			}
		}
		segments = append(segments, seg)
		sc.Progress(float64(i+1)/float64(len(prep.Clips))*30, "staging clips")
	}

	format := p.OutputSettings.Format
	local := filepath.Join(dir, "render."+format)
	_, err = h.tools.Concat(ctx, segments, local, localmedia.TranscodeOptions{
		Codec:       p.OutputSettings.Codec,
		Resolution:  p.OutputSettings.Resolution,
		Format:      format,
		DurationSec: prep.DurationSec,
		OnProgress: func(pct float64) {
			// Encode occupies the 30..85 band; upload takes the rest.
			sc.Progress(30+pct*0.55, "encoding")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", p.TimelineID, err)
	}

	name, err := naming.OutputName(flow.StepRenderExecute, p.TimelineID, p, format)
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.RenderKey(p.TimelineID, name)
	sc.Progress(90, "uploading")
	size, err := h.store.PutFile(ctx, key, local, "video/"+format)
	if err != nil {
		return nil, err
	}
	sc.Progress(100, "rendered")
	return &ExecuteOutput{OutputKey: key, DurationSec: prep.DurationSec, SizeBytes: size}, nil
}

type FinalizeOutput struct {
	OutputKey   string  `json:"outputKey"`
	DurationSec float64 `json:"durationSec"`
	SizeBytes   int64   `json:"sizeBytes"`
}

func (h *handlers) finalize(ctx context.Context, sc *steps.Context) (any, error) {
	var p domain.RenderTimelinePayload
	if err := sc.BindInput(&p); err != nil {
		return nil, err
	}
	var exe ExecuteOutput
	if err := sc.UpstreamOutput(flow.StepRenderExecute, &exe); err != nil {
		return nil, err
	}

	ok, err := h.store.Exists(ctx, exe.OutputKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Permanent(fmt.Errorf("rendered object missing at %s", exe.OutputKey))
	}
	sc.Progress(40, "recording output")

	if _, err := h.renders.UpsertByTimelineVersion(dbctx.New(ctx), &domain.RenderOutput{
		TimelineID:  p.TimelineID,
		Version:     p.Version,
		WorkspaceID: sc.WorkspaceID,
		OutputKey:   exe.OutputKey,
		DurationSec: exe.DurationSec,
		SizeBytes:   exe.SizeBytes,
	}); err != nil {
		return nil, fmt.Errorf("record render: %w: %v", errs.ErrStorePutFailed, err)
	}
	sc.Progress(100, "finalized")
	return &FinalizeOutput{
		OutputKey:   exe.OutputKey,
		DurationSec: exe.DurationSec,
		SizeBytes:   exe.SizeBytes,
	}, nil
}
