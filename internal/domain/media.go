package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Upload is the source object a task processes. Upload ids are opaque
// strings owned by the issuing application.
type Upload struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	WorkspaceID uuid.UUID `gorm:"type:uuid;not null;index" json:"workspace_id"`
	StorageKey  string    `gorm:"column:storage_key;not null" json:"storage_key"`
	Filename    string    `gorm:"column:filename" json:"filename"`
	ContentType string    `gorm:"column:content_type" json:"content_type"`
	SizeBytes   int64     `gorm:"column:size_bytes" json:"size_bytes"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (Upload) TableName() string { return "upload" }

// Media holds probe metadata and rendition pointers for one upload. The
// unique index on upload_id is what keeps reprocessing from ever producing a
// second row.
type Media struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UploadID    string         `gorm:"column:upload_id;not null;uniqueIndex" json:"upload_id"`
	WorkspaceID uuid.UUID      `gorm:"type:uuid;not null;index" json:"workspace_id"`
	DurationSec float64        `gorm:"column:duration_sec" json:"duration_sec"`
	Width       int            `gorm:"column:width" json:"width"`
	Height      int            `gorm:"column:height" json:"height"`
	Codec       string         `gorm:"column:codec" json:"codec"`
	Container   string         `gorm:"column:container" json:"container"`
	HasAudio    bool           `gorm:"column:has_audio" json:"has_audio"`
	Probe       datatypes.JSON `gorm:"column:probe" json:"probe,omitempty"`
	Renditions  datatypes.JSON `gorm:"column:renditions" json:"renditions,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (Media) TableName() string { return "media" }

func (m *Media) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// RenderOutput records one finalized timeline render.
type RenderOutput struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TimelineID  string    `gorm:"column:timeline_id;not null;uniqueIndex:idx_render_timeline_version" json:"timeline_id"`
	Version     int       `gorm:"column:version;not null;uniqueIndex:idx_render_timeline_version" json:"version"`
	WorkspaceID uuid.UUID `gorm:"type:uuid;not null;index" json:"workspace_id"`
	OutputKey   string    `gorm:"column:output_key;not null" json:"output_key"`
	DurationSec float64   `gorm:"column:duration_sec" json:"duration_sec"`
	SizeBytes   int64     `gorm:"column:size_bytes" json:"size_bytes"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (RenderOutput) TableName() string { return "render_output" }

func (r *RenderOutput) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
