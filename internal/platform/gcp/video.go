package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// Feature selects one Video Intelligence annotation pass. One detection step
// runs exactly one feature, so partial failures stay isolated per feature.
type Feature string

const (
	FeatureLabelDetection  Feature = "LABEL_DETECTION"
	FeatureObjectTracking  Feature = "OBJECT_TRACKING"
	FeatureFaceDetection   Feature = "FACE_DETECTION"
	FeaturePersonDetection Feature = "PERSON_DETECTION"
)

type Video interface {
	Annotate(ctx context.Context, gcsURI string, feature Feature) (*VideoAnnotation, error)
	Close() error
}

// Segment is a time range with the provider's confidence for it.
type Segment struct {
	StartSec   float64 `json:"startSec"`
	EndSec     float64 `json:"endSec"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Label struct {
	Description string    `json:"description"`
	Categories  []string  `json:"categories,omitempty"`
	Segments    []Segment `json:"segments"`
}

type TrackedObject struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Segment     Segment `json:"segment"`
	FrameCount  int     `json:"frameCount"`
}

// VideoAnnotation carries the parsed result of one feature pass; only the
// slice matching the requested feature is populated.
type VideoAnnotation struct {
	Provider  string  `json:"provider"`
	SourceURI string  `json:"sourceUri"`
	Feature   Feature `json:"feature"`

	Labels  []Label         `json:"labels,omitempty"`
	Objects []TrackedObject `json:"objects,omitempty"`
	// Tracks holds face or person tracks depending on the feature.
	Tracks []Segment `json:"tracks,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

type videoService struct {
	log        *logger.Logger
	client     *videointelligence.Client
	maxRetries int
}

func NewVideo(log *logger.Logger) (Video, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Video")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()

	c, err := videointelligence.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}

	return &videoService{
		log:        slog,
		client:     c,
		maxRetries: 4,
	}, nil
}

func (s *videoService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *videoService) Annotate(ctx context.Context, gcsURI string, feature Feature) (*VideoAnnotation, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if !strings.HasPrefix(gcsURI, "gs://") {
		return nil, fmt.Errorf("gcsURI must be gs://... got %q", gcsURI)
	}

	req := &vipb.AnnotateVideoRequest{InputUri: gcsURI}
	switch feature {
	case FeatureLabelDetection:
		req.Features = []vipb.Feature{vipb.Feature_LABEL_DETECTION}
	case FeatureObjectTracking:
		req.Features = []vipb.Feature{vipb.Feature_OBJECT_TRACKING}
	case FeatureFaceDetection:
		req.Features = []vipb.Feature{vipb.Feature_FACE_DETECTION}
		req.VideoContext = &vipb.VideoContext{
			FaceDetectionConfig: &vipb.FaceDetectionConfig{IncludeBoundingBoxes: true},
		}
	case FeaturePersonDetection:
		req.Features = []vipb.Feature{vipb.Feature_PERSON_DETECTION}
		req.VideoContext = &vipb.VideoContext{
			PersonDetectionConfig: &vipb.PersonDetectionConfig{IncludeBoundingBoxes: true},
		}
	default:
		return nil, fmt.Errorf("unsupported feature %q", feature)
	}

	resp, err := s.retryAnnotate(ctx, func() (*vipb.AnnotateVideoResponse, error) {
		op, err := s.client.AnnotateVideo(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("videointelligence AnnotateVideo: %w", err)
	}

	out := &VideoAnnotation{
		Provider:  "gcp_videointelligence",
		SourceURI: gcsURI,
		Feature:   feature,
	}

	if resp == nil || len(resp.AnnotationResults) == 0 || resp.AnnotationResults[0] == nil {
		out.Warnings = append(out.Warnings, "no annotation results")
		return out, nil
	}
	ar := resp.AnnotationResults[0]

	switch feature {
	case FeatureLabelDetection:
		out.Labels = parseLabels(ar.SegmentLabelAnnotations, ar.ShotLabelAnnotations)
	case FeatureObjectTracking:
		out.Objects = parseObjects(ar.ObjectAnnotations)
	case FeatureFaceDetection:
		for _, fa := range ar.FaceDetectionAnnotations {
			if fa == nil {
				continue
			}
			out.Tracks = append(out.Tracks, parseTracks(fa.Tracks)...)
		}
	case FeaturePersonDetection:
		for _, pa := range ar.PersonDetectionAnnotations {
			if pa == nil {
				continue
			}
			out.Tracks = append(out.Tracks, parseTracks(pa.Tracks)...)
		}
	}
	return out, nil
}

func parseLabels(groups ...[]*vipb.LabelAnnotation) []Label {
	out := []Label{}
	seen := map[string]int{}
	for _, anns := range groups {
		for _, la := range anns {
			if la == nil || la.Entity == nil || strings.TrimSpace(la.Entity.Description) == "" {
				continue
			}
			label := Label{Description: la.Entity.Description}
			for _, cat := range la.CategoryEntities {
				if cat != nil && cat.Description != "" {
					label.Categories = append(label.Categories, cat.Description)
				}
			}
			for _, seg := range la.Segments {
				if seg == nil || seg.Segment == nil {
					continue
				}
				label.Segments = append(label.Segments, Segment{
					StartSec:   durToSecVI(seg.Segment.StartTimeOffset),
					EndSec:     durToSecVI(seg.Segment.EndTimeOffset),
					Confidence: float64(seg.Confidence),
				})
			}
			if idx, ok := seen[label.Description]; ok {
				out[idx].Segments = append(out[idx].Segments, label.Segments...)
				continue
			}
			seen[label.Description] = len(out)
			out = append(out, label)
		}
	}
	return out
}

func parseObjects(anns []*vipb.ObjectTrackingAnnotation) []TrackedObject {
	out := []TrackedObject{}
	for _, oa := range anns {
		if oa == nil || oa.Entity == nil {
			continue
		}
		obj := TrackedObject{
			Description: oa.Entity.Description,
			Confidence:  float64(oa.Confidence),
			FrameCount:  len(oa.Frames),
		}
		if seg := oa.GetSegment(); seg != nil {
			obj.Segment = Segment{
				StartSec: durToSecVI(seg.StartTimeOffset),
				EndSec:   durToSecVI(seg.EndTimeOffset),
			}
		}
		out = append(out, obj)
	}
	return out
}

func parseTracks(tracks []*vipb.Track) []Segment {
	out := []Segment{}
	for _, tr := range tracks {
		if tr == nil || tr.Segment == nil {
			continue
		}
		out = append(out, Segment{
			StartSec:   durToSecVI(tr.Segment.StartTimeOffset),
			EndSec:     durToSecVI(tr.Segment.EndTimeOffset),
			Confidence: float64(tr.Confidence),
		})
	}
	return out
}

func durToSecVI(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return float64(d.Seconds) + float64(d.Nanos)/1e9
}

func (s *videoService) retryAnnotate(ctx context.Context, fn func() (*vipb.AnnotateVideoResponse, error)) (*vipb.AnnotateVideoResponse, error) {
	backoff := 750 * time.Millisecond
	var last error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}
