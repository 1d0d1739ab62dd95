package flow

import (
	"github.com/make-ware/video-ware-sub003/internal/domain"
)

// Definition fixes the shape of one task kind's flow: which steps are
// required, which are flag-gated, the dependency edges, and the queue each
// node lands on. The builder consumes this table and never invents edges.
type Definition struct {
	// Queue carries the parent node (and any step without a row in
	// StepQueues).
	Queue string
	// Required steps appear in every plan of this kind, in this order.
	Required []string
	// Optional steps appear iff the payload enables them, in this order
	// after the required ones.
	Optional []string
	// Edges maps a step kind to the sibling kinds it depends on.
	Edges map[string][]string
	// StepQueues overrides the queue for individual steps.
	StepQueues map[string]string
}

var definitions = map[domain.TaskKind]Definition{
	domain.TaskKindProcessUpload: {
		Queue:    QueueTranscode,
		Required: []string{StepTranscodeProbe},
		Optional: []string{
			StepTranscodeThumbnail,
			StepTranscodeSprite,
			StepTranscodeFilmstrip,
			StepTranscodeTranscode,
			StepTranscodeAudio,
		},
		// Optional siblings are independent; the parent awaits all.
		Edges: map[string][]string{},
	},
	domain.TaskKindDetectLabels: {
		Queue:    QueueLabels,
		Required: []string{StepLabelsUploadToGCS},
		Optional: []string{
			StepLabelsLabelDetection,
			StepLabelsObjectTracking,
			StepLabelsFaceDetection,
			StepLabelsPersonDetection,
			StepLabelsSpeechTranscription,
		},
		Edges: map[string][]string{
			StepLabelsLabelDetection:      {StepLabelsUploadToGCS},
			StepLabelsObjectTracking:      {StepLabelsUploadToGCS},
			StepLabelsFaceDetection:       {StepLabelsUploadToGCS},
			StepLabelsPersonDetection:     {StepLabelsUploadToGCS},
			StepLabelsSpeechTranscription: {StepLabelsUploadToGCS},
		},
		// Detection steps run on the intelligence pool; the GCS upload
		// stays on the labels pool.
		StepQueues: map[string]string{
			StepLabelsLabelDetection:      QueueIntelligence,
			StepLabelsObjectTracking:      QueueIntelligence,
			StepLabelsFaceDetection:       QueueIntelligence,
			StepLabelsPersonDetection:     QueueIntelligence,
			StepLabelsSpeechTranscription: QueueIntelligence,
		},
	},
	domain.TaskKindRenderTimeline: {
		Queue:    QueueRender,
		Required: []string{StepRenderPrepare, StepRenderExecute, StepRenderFinalize},
		Edges: map[string][]string{
			StepRenderExecute:  {StepRenderPrepare},
			StepRenderFinalize: {StepRenderExecute},
		},
	},
	// FULL_INGEST composes the two flows above; the builder grafts the
	// transcode parent as a dependency of labels:upload_to_gcs.
	domain.TaskKindFullIngest: {
		Queue: QueueLabels,
	},
}

// DefinitionFor returns the flow definition for kind.
func DefinitionFor(kind domain.TaskKind) (Definition, bool) {
	def, ok := definitions[kind]
	return def, ok
}

// queueFor resolves the queue of one step within a definition.
func (d Definition) queueFor(stepKind string) string {
	if q, ok := d.StepQueues[stepKind]; ok {
		return q
	}
	return d.Queue
}

var dispatchableStepKinds = map[string]struct{}{
	StepTranscodeProbe:            {},
	StepTranscodeThumbnail:        {},
	StepTranscodeSprite:           {},
	StepTranscodeFilmstrip:        {},
	StepTranscodeTranscode:        {},
	StepTranscodeAudio:            {},
	StepRenderPrepare:             {},
	StepRenderExecute:             {},
	StepRenderFinalize:            {},
	StepLabelsUploadToGCS:         {},
	StepLabelsLabelDetection:      {},
	StepLabelsObjectTracking:      {},
	StepLabelsFaceDetection:       {},
	StepLabelsPersonDetection:     {},
	StepLabelsSpeechTranscription: {},
}

// KnownStepKind reports whether kind names a dispatchable (leaf) step.
func KnownStepKind(kind string) bool {
	_, ok := dispatchableStepKinds[kind]
	return ok
}

// DispatchableStepKinds lists every leaf step kind, for registry closure
// checks at startup.
func DispatchableStepKinds() []string {
	return []string{
		StepTranscodeProbe,
		StepTranscodeThumbnail,
		StepTranscodeSprite,
		StepTranscodeFilmstrip,
		StepTranscodeTranscode,
		StepTranscodeAudio,
		StepRenderPrepare,
		StepRenderExecute,
		StepRenderFinalize,
		StepLabelsUploadToGCS,
		StepLabelsLabelDetection,
		StepLabelsObjectTracking,
		StepLabelsFaceDetection,
		StepLabelsPersonDetection,
		StepLabelsSpeechTranscription,
	}
}

var knownQueues = map[string]struct{}{
	QueueTranscode:    {},
	QueueIntelligence: {},
	QueueRender:       {},
	QueueLabels:       {},
}

// KnownQueue reports whether name is one of the four engine queues.
func KnownQueue(name string) bool {
	_, ok := knownQueues[name]
	return ok
}

// TaskKindOfStep maps a step kind to the task-kind family that registers its
// handler. The registry is keyed by (taskKind, stepKind); FULL_INGEST reuses
// the families of its two subflows.
func TaskKindOfStep(stepKind string) domain.TaskKind {
	switch stepKind {
	case StepTranscodeProbe, StepTranscodeThumbnail, StepTranscodeSprite,
		StepTranscodeFilmstrip, StepTranscodeTranscode, StepTranscodeAudio:
		return domain.TaskKindProcessUpload
	case StepRenderPrepare, StepRenderExecute, StepRenderFinalize:
		return domain.TaskKindRenderTimeline
	case StepLabelsUploadToGCS, StepLabelsLabelDetection, StepLabelsObjectTracking,
		StepLabelsFaceDetection, StepLabelsPersonDetection, StepLabelsSpeechTranscription:
		return domain.TaskKindDetectLabels
	}
	return ""
}
