package flow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/domain"
)

// Step kinds. These are wire strings: they appear in queue payloads, in
// stepResults keys and in artifact filenames, and must never drift.
const (
	StepTranscodeProbe     = "transcode:probe"
	StepTranscodeThumbnail = "transcode:thumbnail"
	StepTranscodeSprite    = "transcode:sprite"
	StepTranscodeFilmstrip = "transcode:filmstrip"
	StepTranscodeTranscode = "transcode:transcode"
	StepTranscodeAudio     = "transcode:audio"

	StepRenderPrepare  = "render:prepare"
	StepRenderExecute  = "render:execute"
	StepRenderFinalize = "render:finalize"

	StepLabelsUploadToGCS         = "labels:upload_to_gcs"
	StepLabelsLabelDetection      = "labels:label_detection"
	StepLabelsObjectTracking      = "labels:object_tracking"
	StepLabelsFaceDetection       = "labels:face_detection"
	StepLabelsPersonDetection     = "labels:person_detection"
	StepLabelsSpeechTranscription = "labels:speech_transcription"

	// SubflowTranscode names the grafted transcode parent inside a
	// FULL_INGEST plan. It is not dispatchable; any node carrying children
	// is handled by the parent orchestrator.
	SubflowTranscode = "transcode:flow"
)

// Queue names, also wire strings.
const (
	QueueTranscode    = "transcode"
	QueueIntelligence = "intelligence"
	QueueRender       = "render"
	QueueLabels       = "labels"
)

// QueueNames lists every queue the engine drains, in display order.
func QueueNames() []string {
	return []string{QueueTranscode, QueueIntelligence, QueueRender, QueueLabels}
}

type BackoffType string

const BackoffExponential BackoffType = "exponential"

type Backoff struct {
	Type    BackoffType `json:"type"`
	DelayMs int64       `json:"delayMs"`
}

// StepOpts carries the retry policy one node was built with. The backend
// schedules the n-th retry at DelayMs * 2^(n-1).
type StepOpts struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

// StepInput is the kind-specific handler payload. Config is hashed for
// deterministic artifact names, so the builder must emit it identically for
// identical tasks.
type StepInput struct {
	UploadID string          `json:"uploadId,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Node is one vertex of a flow plan. A node with Children is a nested
// parent: it becomes ready when all of its children are terminal, and its
// completion value is the aggregate of their outputs.
type Node struct {
	Kind      string    `json:"kind"`
	Queue     string    `json:"queue"`
	Opts      StepOpts  `json:"opts"`
	DependsOn []string  `json:"dependsOn,omitempty"`
	Input     StepInput `json:"input,omitempty"`
	Children  []Node    `json:"children,omitempty"`
}

// IsParent reports whether the node aggregates children instead of running a
// handler.
func (n *Node) IsParent() bool { return len(n.Children) > 0 }

// Plan is the DAG built for one task. Root is the task-level parent; its
// children are the steps (and, for FULL_INGEST, one nested subflow parent).
type Plan struct {
	TaskID      uuid.UUID       `json:"taskId"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	TaskKind    domain.TaskKind `json:"taskKind"`
	Root        Node            `json:"root"`
}

// StepKinds returns every dispatchable step kind in the plan, in plan order.
// Nested subflow parents are walked but not listed: they aggregate children
// and never report progress, so the mirror's denominator counts leaves only.
func (p *Plan) StepKinds() []string {
	var kinds []string
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			if n.IsParent() {
				walk(n.Children)
				continue
			}
			kinds = append(kinds, n.Kind)
		}
	}
	walk(p.Root.Children)
	return kinds
}

// Fingerprint renders the plan as canonical bytes. Two builds of the same
// task must produce identical fingerprints.
func (p *Plan) Fingerprint() ([]byte, error) {
	return json.Marshal(p)
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// StepResult is the memoized outcome of one step, stored on the parent job.
// A completed entry is never overwritten; that is what makes retries skip
// finished work.
type StepResult struct {
	StepKind    string          `json:"stepKind"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Terminal reports whether the result is final.
func (r *StepResult) Terminal() bool {
	switch r.Status {
	case StepCompleted, StepFailed, StepCancelled:
		return true
	}
	return false
}
