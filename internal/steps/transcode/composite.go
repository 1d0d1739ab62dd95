package transcode

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/naming"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/localmedia"
	"github.com/make-ware/video-ware-sub003/internal/steps"
	"github.com/make-ware/video-ware-sub003/internal/storage"
)

// Composite steps: the sprite sheet used by scrubbing UIs and the labeled
// filmstrip. Both extract frames with ffmpeg and assemble the sheet
// in-process.

type SpriteOutput struct {
	Key        string  `json:"key"`
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	TileWidth  int     `json:"tileWidth"`
	TileHeight int     `json:"tileHeight"`
	Frames     int     `json:"frames"`
	FPS        float64 `json:"fps"`
}

func (h *handlers) sprite(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg domain.SpriteConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	sc.Progress(10, "extracting frames")

	framesDir := filepath.Join(filepath.Dir(src), "frames")
	frames, err := h.tools.ExtractFrames(ctx, src, framesDir, localmedia.FramesOptions{
		FPS:       cfg.FPS,
		Width:     cfg.TileWidth,
		MaxFrames: cfg.Cols * cfg.Rows,
	})
	if err != nil {
		return nil, errs.Permanent(fmt.Errorf("sprite frames %s: %w", sc.Input.UploadID, err))
	}
	sc.Progress(60, "composing sheet")

	dc := gg.NewContext(cfg.Cols*cfg.TileWidth, cfg.Rows*cfg.TileHeight)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	for i, framePath := range frames {
		img, err := gg.LoadImage(framePath)
		if err != nil {
			return nil, errs.Permanent(fmt.Errorf("load frame %s: %w", framePath, err))
		}
		tile := scaleInto(img, cfg.TileWidth, cfg.TileHeight)
		col := i % cfg.Cols
		row := i / cfg.Cols
		dc.DrawImage(tile, col*cfg.TileWidth, row*cfg.TileHeight)
	}

	local := filepath.Join(filepath.Dir(src), "sprite.png")
	if err := dc.SavePNG(local); err != nil {
		return nil, fmt.Errorf("save sprite: %w", err)
	}

	name, err := naming.OutputName(flow.StepTranscodeSprite, sc.Input.UploadID, cfg, "png")
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.ArtifactKey(sc.Input.UploadID, name)
	sc.Progress(85, "uploading")
	if _, err := h.store.PutFile(ctx, key, local, "image/png"); err != nil {
		return nil, err
	}
	sc.Progress(100, "done")
	return &SpriteOutput{
		Key:        key,
		Cols:       cfg.Cols,
		Rows:       cfg.Rows,
		TileWidth:  cfg.TileWidth,
		TileHeight: cfg.TileHeight,
		Frames:     len(frames),
		FPS:        cfg.FPS,
	}, nil
}

type FilmstripOutput struct {
	Key        string `json:"key"`
	Count      int    `json:"count"`
	TileWidth  int    `json:"tileWidth"`
	TileHeight int    `json:"tileHeight"`
}

func (h *handlers) filmstrip(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg domain.FilmstripConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	src, cleanup, err := h.fetchSource(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	info, err := h.tools.Probe(ctx, src)
	if err != nil {
		return nil, errs.Permanent(fmt.Errorf("probe before filmstrip: %w", err))
	}

	face, err := labelFace()
	if err != nil {
		return nil, errs.Permanent(err)
	}
	dc := gg.NewContext(cfg.Count*cfg.W, cfg.H)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetFontFace(face)

	dir := filepath.Dir(src)
	for i := 0; i < cfg.Count; i++ {
		ts := frameTimestamp(info.DurationSec, cfg.Count, i)
		framePath := filepath.Join(dir, fmt.Sprintf("strip_%04d.jpg", i))
		if _, err := h.tools.ExtractFrame(ctx, src, framePath, localmedia.FrameOptions{
			AtSec: ts,
			Width: cfg.W,
		}); err != nil {
			return nil, errs.Permanent(fmt.Errorf("filmstrip frame %d: %w", i, err))
		}
		img, err := gg.LoadImage(framePath)
		if err != nil {
			return nil, errs.Permanent(fmt.Errorf("load frame %d: %w", i, err))
		}
		dc.DrawImage(scaleInto(img, cfg.W, cfg.H), i*cfg.W, 0)

		dc.SetRGB(1, 1, 1)
		dc.DrawString(timestampLabel(ts), float64(i*cfg.W)+6, float64(cfg.H)-8)

		sc.Progress(float64(i+1)/float64(cfg.Count)*80, "composing strip")
	}

	local := filepath.Join(dir, "filmstrip.png")
	if err := dc.SavePNG(local); err != nil {
		return nil, fmt.Errorf("save filmstrip: %w", err)
	}

	name, err := naming.OutputName(flow.StepTranscodeFilmstrip, sc.Input.UploadID, cfg, "png")
	if err != nil {
		return nil, errs.Permanent(err)
	}
	key := storage.ArtifactKey(sc.Input.UploadID, name)
	sc.Progress(90, "uploading")
	if _, err := h.store.PutFile(ctx, key, local, "image/png"); err != nil {
		return nil, err
	}
	sc.Progress(100, "done")
	return &FilmstripOutput{Key: key, Count: cfg.Count, TileWidth: cfg.W, TileHeight: cfg.H}, nil
}

// scaleInto resamples img to exactly w x h.
func scaleInto(img image.Image, w, h int) image.Image {
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// frameTimestamp spaces count samples evenly, centered in their slots, so
// the first frame is not always the (often black) first frame of the video.
func frameTimestamp(durationSec float64, count, i int) float64 {
	if count <= 0 || durationSec <= 0 {
		return 0
	}
	return durationSec * (float64(i) + 0.5) / float64(count)
}

func timestampLabel(ts float64) string {
	total := int(ts)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// labelFace loads the timestamp font: FILMSTRIP_FONT points at a TTF on
// disk, otherwise the embedded Go Regular is used.
func labelFace() (font.Face, error) {
	ttf := goregular.TTF
	if path := os.Getenv("FILMSTRIP_FONT"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read FILMSTRIP_FONT: %w", err)
		}
		ttf = data
	}
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse label font: %w", err)
	}
	return truetype.NewFace(f, &truetype.Options{Size: 13}), nil
}
