package flow

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/make-ware/video-ware-sub003/internal/domain"
)

// Outcome is the terminal verdict for one flow, computed from its children's
// step results. Result always carries the completed outputs, so a failed task
// still preserves the work that finished.
type Outcome struct {
	Status   domain.TaskStatus
	Result   json.RawMessage
	ErrorLog string
}

// ComputeOutcome folds the step results of expected children into a task
// outcome. A child with no result entry counts as failed: it was
// cascade-failed or lost before it could record anything.
func ComputeOutcome(kind domain.TaskKind, expected []string, results map[string]StepResult) (Outcome, error) {
	var failures []string
	cancelled := 0
	for _, step := range expected {
		res, ok := results[step]
		if !ok {
			failures = append(failures, step+": cascade failed")
			continue
		}
		switch res.Status {
		case StepCompleted:
		case StepCancelled:
			cancelled++
		default:
			msg := res.Error
			if msg == "" {
				msg = "failed"
			}
			failures = append(failures, step+": "+msg)
		}
	}

	result, err := AggregateResult(kind, results)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case len(failures) > 0:
		sort.Strings(failures)
		return Outcome{
			Status:   domain.TaskFailed,
			Result:   result,
			ErrorLog: strings.Join(failures, "; "),
		}, nil
	case cancelled > 0:
		return Outcome{Status: domain.TaskCancelled, Result: result}, nil
	default:
		return Outcome{Status: domain.TaskSucceeded, Result: result}, nil
	}
}

// AggregateResult builds the kind-specific task result from completed step
// outputs. Failed and cancelled entries are left out; partial failure keeps
// whatever completed.
func AggregateResult(kind domain.TaskKind, results map[string]StepResult) (json.RawMessage, error) {
	switch kind {
	case domain.TaskKindProcessUpload:
		out := struct {
			MediaID string                     `json:"mediaId,omitempty"`
			Steps   map[string]json.RawMessage `json:"steps"`
		}{Steps: completedSteps(results)}
		if probe, ok := completedOutput(results, StepTranscodeProbe); ok {
			var p struct {
				MediaID string `json:"mediaId"`
			}
			if err := json.Unmarshal(probe, &p); err == nil {
				out.MediaID = p.MediaID
			}
		}
		return json.Marshal(out)

	case domain.TaskKindDetectLabels:
		out := struct {
			GCSURI string                     `json:"gcsUri,omitempty"`
			Steps  map[string]json.RawMessage `json:"steps"`
		}{Steps: completedSteps(results)}
		if up, ok := completedOutput(results, StepLabelsUploadToGCS); ok {
			var u struct {
				GCSURI string `json:"gcsUri"`
			}
			if err := json.Unmarshal(up, &u); err == nil {
				out.GCSURI = u.GCSURI
			}
		}
		return json.Marshal(out)

	case domain.TaskKindRenderTimeline:
		out := struct {
			OutputKey   string                     `json:"outputKey,omitempty"`
			DurationSec float64                    `json:"durationSec,omitempty"`
			Steps       map[string]json.RawMessage `json:"steps"`
		}{Steps: completedSteps(results)}
		if fin, ok := completedOutput(results, StepRenderFinalize); ok {
			var f struct {
				OutputKey   string  `json:"outputKey"`
				DurationSec float64 `json:"durationSec"`
			}
			if err := json.Unmarshal(fin, &f); err == nil {
				out.OutputKey = f.OutputKey
				out.DurationSec = f.DurationSec
			}
		}
		return json.Marshal(out)

	case domain.TaskKindFullIngest:
		// The grafted transcode parent's aggregate is recorded under its own
		// step kind; labels steps sit alongside it on the root.
		labelResults := map[string]StepResult{}
		for step, res := range results {
			if step != SubflowTranscode {
				labelResults[step] = res
			}
		}
		out := struct {
			Media  json.RawMessage `json:"media,omitempty"`
			Labels struct {
				Steps map[string]json.RawMessage `json:"steps"`
			} `json:"labels"`
		}{}
		if media, ok := completedOutput(results, SubflowTranscode); ok {
			out.Media = media
		}
		out.Labels.Steps = completedSteps(labelResults)
		return json.Marshal(out)
	}
	return nil, nil
}

// completedSteps maps completed outputs by short step name, e.g.
// "transcode:probe" -> "probe".
func completedSteps(results map[string]StepResult) map[string]json.RawMessage {
	steps := map[string]json.RawMessage{}
	for step, res := range results {
		if res.Status != StepCompleted {
			continue
		}
		steps[ShortStepName(step)] = res.Output
	}
	return steps
}

func completedOutput(results map[string]StepResult, step string) (json.RawMessage, bool) {
	res, ok := results[step]
	if !ok || res.Status != StepCompleted || len(res.Output) == 0 {
		return nil, false
	}
	return res.Output, true
}

// ShortStepName strips the family prefix from a step kind.
func ShortStepName(step string) string {
	if _, name, ok := strings.Cut(step, ":"); ok {
		return name
	}
	return step
}
