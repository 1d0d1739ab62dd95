package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TaskKind string

const (
	TaskKindProcessUpload  TaskKind = "PROCESS_UPLOAD"
	TaskKindDetectLabels   TaskKind = "DETECT_LABELS"
	TaskKindRenderTimeline TaskKind = "RENDER_TIMELINE"
	TaskKindFullIngest     TaskKind = "FULL_INGEST"
)

// KnownTaskKind reports whether k is one of the four dispatchable kinds.
func KnownTaskKind(k TaskKind) bool {
	switch k {
	case TaskKindProcessUpload, TaskKindDetectLabels, TaskKindRenderTimeline, TaskKindFullIngest:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal statuses are write-once; the mirror enforces that.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is the unit of user-visible work. Created externally as queued; the
// engine writes only status, progress, result, error_log, parent_job_id and
// the started/completed timestamps.
type Task struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID uuid.UUID      `gorm:"type:uuid;not null;index" json:"workspace_id"`
	Kind        TaskKind       `gorm:"column:kind;not null;index" json:"kind"`
	Status      TaskStatus     `gorm:"column:status;not null;index" json:"status"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Progress    float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	ErrorLog    *string        `gorm:"column:error_log" json:"error_log,omitempty"`
	ParentJobID *string        `gorm:"column:parent_job_id;index" json:"parent_job_id,omitempty"`
	CreatedBy   *uuid.UUID     `gorm:"type:uuid;column:created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "task" }

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskQueued
	}
	return nil
}

// ThumbnailConfig selects one frame. Presence of the object enables the
// step.
type ThumbnailConfig struct {
	TS float64 `json:"ts"`
	W  int     `json:"w"`
	H  int     `json:"h"`
}

// SpriteConfig tiles keyframes into a cols x rows sheet.
type SpriteConfig struct {
	FPS        float64 `json:"fps"`
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	TileWidth  int     `json:"tw"`
	TileHeight int     `json:"th"`
}

// FilmstripConfig lays evenly spaced frames in a single horizontal strip.
type FilmstripConfig struct {
	Count int `json:"count"`
	W     int `json:"w"`
	H     int `json:"h"`
}

// TranscodeConfig is gated on Enabled, unlike the image configs.
type TranscodeConfig struct {
	Enabled bool   `json:"enabled"`
	Codec   string `json:"codec"`
	Res     string `json:"res"`
}

// AudioConfig is gated on Enabled.
type AudioConfig struct {
	Enabled    bool   `json:"enabled"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"ar,omitempty"`
	Channels   int    `json:"ac,omitempty"`
}

type ProcessUploadPayload struct {
	UploadID  string           `json:"uploadId"`
	Thumbnail *ThumbnailConfig `json:"thumbnail,omitempty"`
	Sprite    *SpriteConfig    `json:"sprite,omitempty"`
	Filmstrip *FilmstripConfig `json:"filmstrip,omitempty"`
	Transcode *TranscodeConfig `json:"transcode,omitempty"`
	Audio     *AudioConfig     `json:"audio,omitempty"`
}

func (p *ProcessUploadPayload) Validate() error {
	if p.UploadID == "" {
		return fmt.Errorf("uploadId is required")
	}
	if p.Sprite != nil && (p.Sprite.Cols <= 0 || p.Sprite.Rows <= 0) {
		return fmt.Errorf("sprite cols/rows must be positive")
	}
	if p.Filmstrip != nil && p.Filmstrip.Count < 0 {
		return fmt.Errorf("filmstrip count must not be negative")
	}
	return nil
}

type DetectLabelsPayload struct {
	UploadID            string `json:"uploadId"`
	GCSInputURI         string `json:"gcsInputUri,omitempty"`
	LabelDetection      bool   `json:"labelDetection"`
	ObjectTracking      bool   `json:"objectTracking"`
	FaceDetection       bool   `json:"faceDetection"`
	PersonDetection     bool   `json:"personDetection"`
	SpeechTranscription bool   `json:"speechTranscription"`
	LanguageCode        string `json:"languageCode,omitempty"`
}

// DetectionCount returns how many detection steps the flags enable. The
// builder rejects a payload enabling none.
func (p *DetectLabelsPayload) DetectionCount() int {
	n := 0
	for _, on := range []bool{p.LabelDetection, p.ObjectTracking, p.FaceDetection, p.PersonDetection, p.SpeechTranscription} {
		if on {
			n++
		}
	}
	return n
}

func (p *DetectLabelsPayload) Validate() error {
	if p.UploadID == "" {
		return fmt.Errorf("uploadId is required")
	}
	if p.DetectionCount() == 0 {
		return fmt.Errorf("at least one detection flag must be set")
	}
	return nil
}

type TimelineClip struct {
	UploadID string  `json:"uploadId"`
	StartSec float64 `json:"startSec"`
	InSec    float64 `json:"inSec"`
	OutSec   float64 `json:"outSec"`
}

type TimelineTrack struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Clips []TimelineClip `json:"clips,omitempty"`
}

type RenderOutputSettings struct {
	Codec      string `json:"codec"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
}

type RenderTimelinePayload struct {
	TimelineID     string               `json:"timelineId"`
	Version        int                  `json:"version"`
	Tracks         []TimelineTrack      `json:"tracks"`
	OutputSettings RenderOutputSettings `json:"outputSettings"`
}

func (p *RenderTimelinePayload) Validate() error {
	if p.TimelineID == "" {
		return fmt.Errorf("timelineId is required")
	}
	if p.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if p.OutputSettings.Format == "" {
		return fmt.Errorf("outputSettings.format is required")
	}
	for i, tr := range p.Tracks {
		for j, c := range tr.Clips {
			if c.OutSec < c.InSec {
				return fmt.Errorf("track %d clip %d: outSec before inSec", i, j)
			}
		}
	}
	return nil
}

// FullIngestPayload chains upload processing and label detection against one
// upload. Nested uploadIds default to the top-level one.
type FullIngestPayload struct {
	UploadID   string               `json:"uploadId"`
	Processing ProcessUploadPayload `json:"processing"`
	Detection  DetectLabelsPayload  `json:"detection"`
}

func (p *FullIngestPayload) Validate() error {
	if p.UploadID == "" {
		return fmt.Errorf("uploadId is required")
	}
	if p.Processing.UploadID == "" {
		p.Processing.UploadID = p.UploadID
	}
	if p.Detection.UploadID == "" {
		p.Detection.UploadID = p.UploadID
	}
	if err := p.Processing.Validate(); err != nil {
		return fmt.Errorf("processing: %w", err)
	}
	if err := p.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	return nil
}

// DecodePayload unmarshals and validates raw into the payload type for kind.
func DecodePayload(kind TaskKind, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	switch kind {
	case TaskKindProcessUpload:
		var p ProcessUploadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case TaskKindDetectLabels:
		var p DetectLabelsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case TaskKindRenderTimeline:
		var p RenderTimelinePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case TaskKindFullIngest:
		var p FullIngestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, fmt.Errorf("no payload type for kind %q", kind)
}
