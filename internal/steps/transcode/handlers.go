// Package transcode implements the local media steps of the upload
// processing flow: ffprobe inspection, derived images, renditions, and audio
// demux. Everything it produces lands in the artifact store under a
// deterministic name, so re-runs overwrite instead of duplicating.
package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

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
	Media   media.MediaRepo
	Uploads media.UploadRepo
}

type handlers struct {
	log     *logger.Logger
	tools   localmedia.Tools
	store   *storage.Store
	media   media.MediaRepo
	uploads media.UploadRepo
}

func Register(reg *steps.Registry, d Deps) error {
	h := &handlers{
		log:     d.Log.With("worker", "transcode"),
		tools:   d.Tools,
		store:   d.Store,
		media:   d.Media,
		uploads: d.Uploads,
	}
	table := map[string]steps.HandlerFunc{
		flow.StepTranscodeProbe:     h.probe,
		flow.StepTranscodeThumbnail: h.thumbnail,
		flow.StepTranscodeSprite:    h.sprite,
		flow.StepTranscodeFilmstrip: h.filmstrip,
		flow.StepTranscodeTranscode: h.transcode,
		flow.StepTranscodeAudio:     h.audio,
	}
	for kind, fn := range table {
		if err := reg.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// fetchSource resolves the upload row and stages its object into a scratch
// dir. A missing upload or object is permanent; storage blips are not.
func (h *handlers) fetchSource(ctx context.Context, sc *steps.Context) (string, func(), error) {
	if sc.Input.UploadID == "" {
		return "", nil, errs.Permanent(fmt.Errorf("step %s: missing uploadId", sc.StepKind))
	}
	up, err := h.uploads.GetByID(dbctx.New(ctx), sc.Input.UploadID)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil, errs.Permanent(fmt.Errorf("upload %s not found", sc.Input.UploadID))
	}
	if err != nil {
		return "", nil, err
	}

	dir, cleanup, err := h.tools.WorkDir(sc.JobID)
	if err != nil {
		return "", nil, err
	}
	local := filepath.Join(dir, "source"+filepath.Ext(up.Filename))
	if err := h.store.GetToFile(ctx, up.StorageKey, local); err != nil {
		cleanup()
		if errors.Is(err, errs.ErrNotFound) {
			return "", nil, errs.Permanent(fmt.Errorf("upload %s object missing: %w", sc.Input.UploadID, err))
		}
		return "", nil, err
	}
	return local, cleanup, nil
}

// ProbeOutput is the completion value of transcode:probe, and the shape
// downstream consumers read duration and dimensions from.
type ProbeOutput struct {
	MediaID string `json:"mediaId"`
	localmedia.ProbeInfo
}

func (h *handlers) probe(ctx context.Context, sc *steps.Context) (any, error) {
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	sc.Progress(20, "probing")

	info, err := h.tools.Probe(ctx, src)
	if err != nil {
		return nil, errs.Permanent(fmt.Errorf("probe %s: %w", sc.Input.UploadID, err))
	}

	rawProbe, err := json.Marshal(info)
	if err != nil {
		return nil, errs.Permanent(err)
	}
	row, err := h.media.UpsertByUploadID(dbctx.New(ctx), &domain.Media{
		UploadID:    sc.Input.UploadID,
		WorkspaceID: sc.WorkspaceID,
		DurationSec: info.DurationSec,
		Width:       info.Width,
		Height:      info.Height,
		Codec:       info.VideoCodec,
		Container:   info.Format,
		HasAudio:    info.HasAudio,
		Probe:       rawProbe,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert media: %w: %v", errs.ErrStorePutFailed, err)
	}
	sc.Progress(100, "probed")
	return &ProbeOutput{MediaID: row.ID.String(), ProbeInfo: *info}, nil
}

type ThumbnailOutput struct {
	Key    string  `json:"key"`
	TS     float64 `json:"ts"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

func (h *handlers) thumbnail(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg domain.ThumbnailConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	sc.Progress(30, "extracting frame")

	local := filepath.Join(filepath.Dir(src), "thumbnail.jpg")
	if _, err := h.tools.ExtractFrame(ctx, src, local, localmedia.FrameOptions{
		AtSec:  cfg.TS,
		Width:  cfg.W,
		Height: cfg.H,
	}); err != nil {
		return nil, errs.Permanent(fmt.Errorf("thumbnail %s: %w", sc.Input.UploadID, err))
	}

	name, err := naming.OutputName(flow.StepTranscodeThumbnail, sc.Input.UploadID, cfg, "jpg")
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.ArtifactKey(sc.Input.UploadID, name)
	sc.Progress(80, "uploading")
	if _, err := h.store.PutFile(ctx, key, local, "image/jpeg"); err != nil {
		return nil, err
	}
	sc.Progress(100, "done")
	return &ThumbnailOutput{Key: key, TS: cfg.TS, Width: cfg.W, Height: cfg.H}, nil
}

// Rendition is one entry of the media row's renditions list.
type Rendition struct {
	Codec      string `json:"codec"`
	Resolution string `json:"resolution"`
	Key        string `json:"key"`
	SizeBytes  int64  `json:"sizeBytes"`
}

type TranscodeOutput struct {
	Key        string `json:"key"`
	Codec      string `json:"codec"`
	Resolution string `json:"resolution"`
	SizeBytes  int64  `json:"sizeBytes"`
}

func (h *handlers) transcode(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg domain.TranscodeConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	info, err := h.tools.Probe(ctx, src)
	if err != nil {
		return nil, errs.Permanent(fmt.Errorf("probe before transcode: %w", err))
	}
	sc.Progress(5, "transcoding")

	local := filepath.Join(filepath.Dir(src), "rendition.mp4")
	_, err = h.tools.Transcode(ctx, src, local, localmedia.TranscodeOptions{
		Codec:       cfg.Codec,
		Resolution:  cfg.Res,
		DurationSec: info.DurationSec,
		OnProgress: func(pct float64) {
			// Encode occupies the 5..90 band; upload takes the rest.
			sc.Progress(5+pct*0.85, "transcoding")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", sc.Input.UploadID, err)
	}

	name, err := naming.OutputName(flow.StepTranscodeTranscode, sc.Input.UploadID, cfg, "mp4")
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.ArtifactKey(sc.Input.UploadID, name)
	sc.Progress(90, "uploading")
	size, err := h.store.PutFile(ctx, key, local, "video/mp4")
	if err != nil {
		return nil, err
	}

	if err := h.recordRendition(ctx, sc, Rendition{
		Codec:      cfg.Codec,
		Resolution: cfg.Res,
		Key:        key,
		SizeBytes:  size,
	}); err != nil {
		return nil, err
	}
	sc.Progress(100, "done")
	return &TranscodeOutput{Key: key, Codec: cfg.Codec, Resolution: cfg.Res, SizeBytes: size}, nil
}

// recordRendition merges one rendition into the media row, replacing an
// existing entry with the same codec and resolution.
func (h *handlers) recordRendition(ctx context.Context, sc *steps.Context, rend Rendition) error {
	dbc := dbctx.New(ctx)
	row, err := h.media.GetByUploadID(dbc, sc.Input.UploadID)
	if errors.Is(err, errs.ErrNotFound) {
		// Probe may not have landed yet; renditions hang off a minimal row.
		row, err = h.media.UpsertByUploadID(dbc, &domain.Media{
			UploadID:    sc.Input.UploadID,
			WorkspaceID: sc.WorkspaceID,
		})
	}
	if err != nil {
		return fmt.Errorf("load media: %w: %v", errs.ErrStorePutFailed, err)
	}

	var rends []Rendition
	if len(row.Renditions) > 0 {
		if err := json.Unmarshal(row.Renditions, &rends); err != nil {
			h.log.Warn("resetting undecodable renditions", "upload_id", sc.Input.UploadID, "error", err)
			rends = nil
		}
	}
	replaced := false
	for i := range rends {
		if rends[i].Codec == rend.Codec && rends[i].Resolution == rend.Resolution {
			rends[i] = rend
			replaced = true
		}
	}
	if !replaced {
		rends = append(rends, rend)
	}
	raw, err := json.Marshal(rends)
	if err != nil {
		return errs.Permanent(err)
	}
	if err := h.media.SetRenditions(dbc, sc.Input.UploadID, raw); err != nil {
		return fmt.Errorf("set renditions: %w: %v", errs.ErrStorePutFailed, err)
	}
	return nil
}

type AudioOutput struct {
	Key          string `json:"key"`
	Format       string `json:"format"`
	SampleRateHz int    `json:"sampleRateHz"`
	Channels     int    `json:"channels"`
}

func (h *handlers) audio(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg domain.AudioConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	sc.Progress(20, "extracting audio")

	format := cfg.Format
	if format == "" {
		format = "wav"
	}
	local := filepath.Join(filepath.Dir(src), "audio."+format)
	if _, err := h.tools.ExtractAudio(ctx, src, local, localmedia.AudioOptions{
		SampleRateHz: cfg.SampleRate,
		Channels:     cfg.Channels,
		Format:       format,
	}); err != nil {
		return nil, fmt.Errorf("extract audio %s: %w", sc.Input.UploadID, err)
	}

	name, err := naming.OutputName(flow.StepTranscodeAudio, sc.Input.UploadID, cfg, format)
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.ArtifactKey(sc.Input.UploadID, name)
	sc.Progress(80, "uploading")
	if _, err := h.store.PutFile(ctx, key, local, "audio/"+format); err != nil {
		return nil, err
	}
	sc.Progress(100, "done")

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	return &AudioOutput{Key: key, Format: format, SampleRateHz: sr, Channels: ch}, nil
}
