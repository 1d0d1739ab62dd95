package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
)

// BuildFlow turns a task into the plan the queue backend executes. It is
// pure and deterministic: two calls with the same task produce byte-identical
// plans. Unknown kinds and payloads that fail validation never reach the
// queue; the enqueuer fails the task directly.
func BuildFlow(task *domain.Task, opts *OptsRegistry) (*Plan, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", errs.ErrMalformedPayload)
	}
	if !domain.KnownTaskKind(task.Kind) {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownTaskKind, task.Kind)
	}
	payload, err := domain.DecodePayload(task.Kind, []byte(task.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err)
	}

	var children []Node
	switch p := payload.(type) {
	case *domain.ProcessUploadPayload:
		children, err = buildProcessUpload(p, opts)
	case *domain.DetectLabelsPayload:
		children, err = buildDetectLabels(p, opts)
	case *domain.RenderTimelinePayload:
		children, err = buildRenderTimeline(p, opts)
	case *domain.FullIngestPayload:
		children, err = buildFullIngest(p, opts)
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownTaskKind, task.Kind)
	}
	if err != nil {
		return nil, err
	}

	def, _ := DefinitionFor(task.Kind)
	plan := &Plan{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		TaskKind:    task.Kind,
		Root: Node{
			Kind:     RootKind(task.Kind),
			Queue:    def.Queue,
			Opts:     opts.Default(),
			Children: children,
		},
	}
	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// RootKind names the task-level parent node for one kind.
func RootKind(kind domain.TaskKind) string {
	return "flow:" + strings.ToLower(string(kind))
}

func buildProcessUpload(p *domain.ProcessUploadPayload, opts *OptsRegistry) ([]Node, error) {
	def, _ := DefinitionFor(domain.TaskKindProcessUpload)

	nodes := []Node{
		stepNode(def, StepTranscodeProbe, opts, StepInput{UploadID: p.UploadID}),
	}
	for _, kind := range def.Optional {
		var cfg any
		switch kind {
		case StepTranscodeThumbnail:
			if p.Thumbnail == nil {
				continue
			}
			cfg = p.Thumbnail
		case StepTranscodeSprite:
			if p.Sprite == nil {
				continue
			}
			cfg = p.Sprite
		case StepTranscodeFilmstrip:
			if p.Filmstrip == nil {
				continue
			}
			cfg = p.Filmstrip
		case StepTranscodeTranscode:
			if p.Transcode == nil || !p.Transcode.Enabled {
				continue
			}
			cfg = p.Transcode
		case StepTranscodeAudio:
			if p.Audio == nil || !p.Audio.Enabled {
				continue
			}
			cfg = p.Audio
		}
		in, err := stepInput(p.UploadID, cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, stepNode(def, kind, opts, in))
	}
	return nodes, nil
}

func buildDetectLabels(p *domain.DetectLabelsPayload, opts *OptsRegistry) ([]Node, error) {
	def, _ := DefinitionFor(domain.TaskKindDetectLabels)

	uploadIn, err := stepInput(p.UploadID, map[string]any{
		"gcsInputUri": p.GCSInputURI,
	})
	if err != nil {
		return nil, err
	}
	nodes := []Node{
		stepNode(def, StepLabelsUploadToGCS, opts, uploadIn),
	}

	enabled := map[string]bool{
		StepLabelsLabelDetection:      p.LabelDetection,
		StepLabelsObjectTracking:      p.ObjectTracking,
		StepLabelsFaceDetection:       p.FaceDetection,
		StepLabelsPersonDetection:     p.PersonDetection,
		StepLabelsSpeechTranscription: p.SpeechTranscription,
	}
	for _, kind := range def.Optional {
		if !enabled[kind] {
			continue
		}
		var cfg any
		if kind == StepLabelsSpeechTranscription {
			cfg = map[string]any{"languageCode": p.LanguageCode}
		}
		in, err := stepInput(p.UploadID, cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, stepNode(def, kind, opts, in))
	}
	return nodes, nil
}

func buildRenderTimeline(p *domain.RenderTimelinePayload, opts *OptsRegistry) ([]Node, error) {
	def, _ := DefinitionFor(domain.TaskKindRenderTimeline)

	// All three steps carry the full timeline spec; the execute and finalize
	// handlers also read their upstream outputs.
	in, err := stepInput("", p)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(def.Required))
	for _, kind := range def.Required {
		nodes = append(nodes, stepNode(def, kind, opts, in))
	}
	return nodes, nil
}

// buildFullIngest composes the two subflows and grafts the transcode parent
// as a dependency of labels:upload_to_gcs, so a transcode failure cascades
// the whole labels side (fail-fast).
func buildFullIngest(p *domain.FullIngestPayload, opts *OptsRegistry) ([]Node, error) {
	transcodeChildren, err := buildProcessUpload(&p.Processing, opts)
	if err != nil {
		return nil, err
	}
	labelNodes, err := buildDetectLabels(&p.Detection, opts)
	if err != nil {
		return nil, err
	}
	for i := range labelNodes {
		if labelNodes[i].Kind == StepLabelsUploadToGCS {
			labelNodes[i].DependsOn = append([]string{SubflowTranscode}, labelNodes[i].DependsOn...)
		}
	}

	children := make([]Node, 0, 1+len(labelNodes))
	children = append(children, Node{
		Kind:     SubflowTranscode,
		Queue:    QueueTranscode,
		Opts:     opts.Default(),
		Input:    StepInput{UploadID: p.UploadID},
		Children: transcodeChildren,
	})
	children = append(children, labelNodes...)
	return children, nil
}

func stepNode(def Definition, kind string, opts *OptsRegistry, in StepInput) Node {
	var deps []string
	if edges := def.Edges[kind]; len(edges) > 0 {
		deps = append(deps, edges...)
	}
	return Node{
		Kind:      kind,
		Queue:     def.queueFor(kind),
		Opts:      opts.For(kind),
		DependsOn: deps,
		Input:     in,
	}
}

func stepInput(uploadID string, cfg any) (StepInput, error) {
	in := StepInput{UploadID: uploadID}
	if cfg == nil {
		return in, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return StepInput{}, fmt.Errorf("%w: encode step config: %v", errs.ErrMalformedPayload, err)
	}
	in.Config = raw
	return in, nil
}
