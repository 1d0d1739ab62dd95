package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type Speech interface {
	Transcribe(ctx context.Context, gcsURI string, cfg TranscribeConfig) (*Transcript, error)
	Close() error
}

type TranscribeConfig struct {
	LanguageCode string
	// SampleRateHz and Channels describe the staged audio; zero lets the
	// service sniff them from the container.
	SampleRateHz int
	Channels     int
}

type TranscriptSegment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartSec   float64 `json:"startSec"`
	EndSec     float64 `json:"endSec"`
}

type Transcript struct {
	Provider  string              `json:"provider"`
	SourceURI string              `json:"sourceUri"`
	Language  string              `json:"language"`
	Text      string              `json:"text"`
	Segments  []TranscriptSegment `json:"segments,omitempty"`
}

type speechService struct {
	log    *logger.Logger
	client *speech.Client
}

func NewSpeech(log *logger.Logger) (Speech, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	ctx := context.Background()
	c, err := speech.NewClient(ctx, ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &speechService{
		log:    log.With("service", "gcp.Speech"),
		client: c,
	}, nil
}

func (s *speechService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *speechService) Transcribe(ctx context.Context, gcsURI string, cfg TranscribeConfig) (*Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if !strings.HasPrefix(gcsURI, "gs://") {
		return nil, fmt.Errorf("gcsURI must be gs://... got %q", gcsURI)
	}
	lang := cfg.LanguageCode
	if lang == "" {
		lang = "en-US"
	}

	rc := &speechpb.RecognitionConfig{
		LanguageCode:               lang,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
		Model:                      "video",
	}
	if cfg.SampleRateHz > 0 {
		rc.SampleRateHertz = int32(cfg.SampleRateHz)
	}
	if cfg.Channels > 0 {
		rc.AudioChannelCount = int32(cfg.Channels)
	}

	op, err := s.client.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("speech LongRunningRecognize: %w", err)
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech LongRunningRecognize wait: %w", err)
	}

	out := &Transcript{
		Provider:  "gcp_speech",
		SourceURI: gcsURI,
		Language:  lang,
	}
	var full strings.Builder
	for _, res := range resp.GetResults() {
		if res == nil || len(res.Alternatives) == 0 || res.Alternatives[0] == nil {
			continue
		}
		alt := res.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		seg := TranscriptSegment{Text: text, Confidence: float64(alt.Confidence)}
		if len(alt.Words) > 0 {
			seg.StartSec = durToSecVI(alt.Words[0].StartTime)
			seg.EndSec = durToSecVI(alt.Words[len(alt.Words)-1].EndTime)
		}
		out.Segments = append(out.Segments, seg)
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(text)
	}
	out.Text = full.String()
	return out, nil
}
