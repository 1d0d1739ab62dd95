// Package labels implements the GCP side of detection flows: staging media
// into GCS, the four Video Intelligence passes, and speech transcription.
// Detection steps run one feature each, so a quota blowup on one feature
// never poisons the others.
package labels

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/media"
	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/gcp"
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
	Bucket  gcp.BucketService
	Video   gcp.Video
	Speech  gcp.Speech
}

type handlers struct {
	log     *logger.Logger
	tools   localmedia.Tools
	store   *storage.Store
	uploads media.UploadRepo
	bucket  gcp.BucketService
	video   gcp.Video
	speech  gcp.Speech
}

func Register(reg *steps.Registry, d Deps) error {
	h := &handlers{
		log:     d.Log.With("worker", "labels"),
		tools:   d.Tools,
		store:   d.Store,
		uploads: d.Uploads,
		bucket:  d.Bucket,
		video:   d.Video,
		speech:  d.Speech,
	}
	table := map[string]steps.HandlerFunc{
		flow.StepLabelsUploadToGCS:         h.uploadToGCS,
		flow.StepLabelsLabelDetection:      h.detect(gcp.FeatureLabelDetection),
		flow.StepLabelsObjectTracking:      h.detect(gcp.FeatureObjectTracking),
		flow.StepLabelsFaceDetection:       h.detect(gcp.FeatureFaceDetection),
		flow.StepLabelsPersonDetection:     h.detect(gcp.FeaturePersonDetection),
		flow.StepLabelsSpeechTranscription: h.transcribe,
	}
	for kind, fn := range table {
		if err := reg.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

type uploadConfig struct {
	GCSInputURI string `json:"gcsInputUri"`
}

// UploadOutput is what every detection step reads from upstream.
type UploadOutput struct {
	GCSURI string `json:"gcsUri"`
	Staged bool   `json:"staged"`
}

func (h *handlers) uploadToGCS(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg uploadConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	// A caller-provided URI skips staging entirely.
	if cfg.GCSInputURI != "" {
		return &UploadOutput{GCSURI: cfg.GCSInputURI}, nil
	}
	if sc.Input.UploadID == "" {
		return nil, errs.Permanent(fmt.Errorf("step %s: missing uploadId", sc.StepKind))
	}

	up, err := h.uploads.GetByID(dbctx.New(ctx), sc.Input.UploadID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Permanent(fmt.Errorf("upload %s not found", sc.Input.UploadID))
	}
	if err != nil {
		return nil, err
	}

	dir, cleanup, err := h.tools.WorkDir(sc.JobID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	local := filepath.Join(dir, "source"+filepath.Ext(up.Filename))
	sc.Progress(20, "downloading source")
	if err := h.store.GetToFile(ctx, up.StorageKey, local); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Permanent(err)
		}
		return nil, err
	}

	sc.Progress(50, "uploading to gcs")
	object := "intake/" + sc.Input.UploadID + filepath.Ext(up.Filename)
	uri, err := h.bucket.UploadFile(ctx, local, object)
	if err != nil {
		return nil, classifyGCP(fmt.Errorf("stage %s: %w", sc.Input.UploadID, err))
	}
	sc.Progress(100, "staged")
	return &UploadOutput{GCSURI: uri, Staged: true}, nil
}

// DetectionOutput wraps one annotation pass with the counts dashboards ask
// for first.
type DetectionOutput struct {
	GCSURI      string               `json:"gcsUri"`
	Feature     string               `json:"feature"`
	LabelCount  int                  `json:"labelCount,omitempty"`
	ObjectCount int                  `json:"objectCount,omitempty"`
	TrackCount  int                  `json:"trackCount,omitempty"`
	Annotation  *gcp.VideoAnnotation `json:"annotation"`
}

func (h *handlers) detect(feature gcp.Feature) steps.HandlerFunc {
	return func(ctx context.Context, sc *steps.Context) (any, error) {
		uri, err := h.upstreamURI(sc)
		if err != nil {
			return nil, err
		}
		sc.Progress(10, "annotating")

		ann, err := h.video.Annotate(ctx, uri, feature)
		if err != nil {
			return nil, classifyGCP(fmt.Errorf("annotate %s %s: %w", feature, uri, err))
		}
		sc.Progress(100, "annotated")
		return &DetectionOutput{
			GCSURI:      uri,
			Feature:     string(feature),
			LabelCount:  len(ann.Labels),
			ObjectCount: len(ann.Objects),
			TrackCount:  len(ann.Tracks),
			Annotation:  ann,
		}, nil
	}
}

type speechConfig struct {
	LanguageCode string `json:"languageCode"`
}

func (h *handlers) transcribe(ctx context.Context, sc *steps.Context) (any, error) {
	var cfg speechConfig
	if err := sc.BindInput(&cfg); err != nil {
		return nil, err
	}
	uri, err := h.upstreamURI(sc)
	if err != nil {
		return nil, err
	}
	sc.Progress(10, "transcribing")

	tr, err := h.speech.Transcribe(ctx, uri, gcp.TranscribeConfig{LanguageCode: cfg.LanguageCode})
	if err != nil {
		return nil, classifyGCP(fmt.Errorf("transcribe %s: %w", uri, err))
	}
	sc.Progress(100, "transcribed")
	return tr, nil
}

// upstreamURI reads the staged gs:// URI from the upload step's output.
func (h *handlers) upstreamURI(sc *steps.Context) (string, error) {
	var up UploadOutput
	if err := sc.UpstreamOutput(flow.StepLabelsUploadToGCS, &up); err != nil {
		return "", err
	}
	if up.GCSURI == "" {
		return "", errs.Permanent(fmt.Errorf("step %s: upstream produced empty gcsUri", sc.StepKind))
	}
	return up.GCSURI, nil
}

// classifyGCP maps upstream API failures onto the retry policy: gRPC codes
// worth another attempt retry, everything else fails the step.
func classifyGCP(err error) error {
	if errs.RetryableGRPC(err) {
		return errs.Transient(err)
	}
	return errs.Permanent(err)
}
