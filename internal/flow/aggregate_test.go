package flow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/make-ware/video-ware-sub003/internal/domain"
)

func completed(step string, output string) StepResult {
	return StepResult{StepKind: step, Status: StepCompleted, Output: json.RawMessage(output)}
}

func TestComputeOutcomeSucceeded(t *testing.T) {
	expected := []string{StepRenderPrepare, StepRenderExecute, StepRenderFinalize}
	results := map[string]StepResult{
		StepRenderPrepare:  completed(StepRenderPrepare, `{"clips":[]}`),
		StepRenderExecute:  completed(StepRenderExecute, `{"outputKey":"renders/tl/r.mp4"}`),
		StepRenderFinalize: completed(StepRenderFinalize, `{"outputKey":"renders/tl/r.mp4","durationSec":9.5}`),
	}
	out, err := ComputeOutcome(domain.TaskKindRenderTimeline, expected, results)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != domain.TaskSucceeded || out.ErrorLog != "" {
		t.Fatalf("outcome = %+v", out)
	}
	var res struct {
		OutputKey   string                     `json:"outputKey"`
		DurationSec float64                    `json:"durationSec"`
		Steps       map[string]json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.OutputKey != "renders/tl/r.mp4" || res.DurationSec != 9.5 {
		t.Fatalf("result = %+v", res)
	}
	for _, short := range []string{"prepare", "execute", "finalize"} {
		if _, ok := res.Steps[short]; !ok {
			t.Errorf("steps missing %q: %v", short, res.Steps)
		}
	}
}

func TestComputeOutcomeKeepsPartialOutputsOnFailure(t *testing.T) {
	expected := []string{
		StepLabelsUploadToGCS,
		StepLabelsLabelDetection,
		StepLabelsFaceDetection,
	}
	results := map[string]StepResult{
		StepLabelsUploadToGCS:    completed(StepLabelsUploadToGCS, `{"gcsUri":"gs://b/v.mp4"}`),
		StepLabelsLabelDetection: completed(StepLabelsLabelDetection, `{"labelCount":3}`),
		StepLabelsFaceDetection: {
			StepKind: StepLabelsFaceDetection,
			Status:   StepFailed,
			Error:    "invalid media",
		},
	}
	out, err := ComputeOutcome(domain.TaskKindDetectLabels, expected, results)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != domain.TaskFailed {
		t.Fatalf("status = %s", out.Status)
	}
	if !strings.Contains(out.ErrorLog, "labels:face_detection: invalid media") {
		t.Fatalf("errorLog = %q", out.ErrorLog)
	}
	var res struct {
		GCSURI string                     `json:"gcsUri"`
		Steps  map[string]json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.GCSURI != "gs://b/v.mp4" {
		t.Fatalf("gcsUri = %q", res.GCSURI)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %v, want completed outputs only", res.Steps)
	}
	if _, ok := res.Steps["face_detection"]; ok {
		t.Fatalf("failed step leaked into result: %v", res.Steps)
	}
}

func TestComputeOutcomeMissingChildCountsAsFailure(t *testing.T) {
	expected := []string{StepRenderPrepare, StepRenderExecute}
	results := map[string]StepResult{
		StepRenderPrepare: completed(StepRenderPrepare, `{}`),
	}
	out, err := ComputeOutcome(domain.TaskKindRenderTimeline, expected, results)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != domain.TaskFailed {
		t.Fatalf("status = %s", out.Status)
	}
	if !strings.Contains(out.ErrorLog, "render:execute: cascade failed") {
		t.Fatalf("errorLog = %q", out.ErrorLog)
	}
}

func TestComputeOutcomeCancelled(t *testing.T) {
	expected := []string{StepTranscodeProbe, StepTranscodeThumbnail}
	results := map[string]StepResult{
		StepTranscodeProbe:     completed(StepTranscodeProbe, `{"mediaId":"m1"}`),
		StepTranscodeThumbnail: {StepKind: StepTranscodeThumbnail, Status: StepCancelled},
	}
	out, err := ComputeOutcome(domain.TaskKindProcessUpload, expected, results)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != domain.TaskCancelled {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestFullIngestAggregateNestsSubflow(t *testing.T) {
	results := map[string]StepResult{
		SubflowTranscode:         completed(SubflowTranscode, `{"mediaId":"m1","steps":{"probe":{}}}`),
		StepLabelsUploadToGCS:    completed(StepLabelsUploadToGCS, `{"gcsUri":"gs://b/v.mp4"}`),
		StepLabelsLabelDetection: completed(StepLabelsLabelDetection, `{"labelCount":1}`),
	}
	raw, err := AggregateResult(domain.TaskKindFullIngest, results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	var res struct {
		Media  json.RawMessage `json:"media"`
		Labels struct {
			Steps map[string]json.RawMessage `json:"steps"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var media struct {
		MediaID string `json:"mediaId"`
	}
	if err := json.Unmarshal(res.Media, &media); err != nil || media.MediaID != "m1" {
		t.Fatalf("media = %s (err %v)", res.Media, err)
	}
	if len(res.Labels.Steps) != 2 {
		t.Fatalf("labels steps = %v", res.Labels.Steps)
	}
	if _, ok := res.Labels.Steps["flow"]; ok {
		t.Fatalf("subflow leaked into labels steps: %v", res.Labels.Steps)
	}
}
