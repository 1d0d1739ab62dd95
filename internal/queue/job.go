package queue

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/flow"
)

type JobStatus string

const (
	// JobWaiting sits on (or is headed for) a wait list.
	JobWaiting JobStatus = "waiting"
	// JobWaitingChildren is a parent that has not seen all children terminal.
	JobWaitingChildren JobStatus = "waiting-children"
	// JobDelayed is scheduled for a retry at a later time.
	JobDelayed JobStatus = "delayed"
	// JobActive has been claimed by a worker.
	JobActive JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobSpec is the immutable half of a job, written once at submit time.
type JobSpec struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Queue       string          `json:"queue"`
	TaskID      uuid.UUID       `json:"taskId"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	TaskKind    domain.TaskKind `json:"taskKind"`
	// ParentID is the enclosing parent job; empty on the root.
	ParentID string `json:"parentId,omitempty"`
	// RootID is the task-level parent; progress forwarding targets it.
	RootID string `json:"rootId,omitempty"`
	// DependentIDs are the sibling jobs released when this one completes.
	DependentIDs []string `json:"dependentIds,omitempty"`
	// ChildIDs is non-empty on parent jobs.
	ChildIDs []string       `json:"childIds,omitempty"`
	Input    flow.StepInput `json:"input"`
	Opts     flow.StepOpts  `json:"opts"`
}

// IsParent reports whether the job aggregates children instead of running a
// step handler.
func (s *JobSpec) IsParent() bool { return len(s.ChildIDs) > 0 }

// Job is a claimed job: the spec plus the mutable state the worker needs.
type Job struct {
	JobSpec
	Status  JobStatus
	Attempt int
	Error   string
	// Cascade marks a failure inherited from a dependency rather than the
	// job's own handler.
	Cascade bool
}

func encodeSpec(s *JobSpec) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeSpec(raw string) (*JobSpec, error) {
	var s JobSpec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
