package media

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type RenderRepo interface {
	// UpsertByTimelineVersion records a finalized render. Re-running a
	// finalize step for the same (timeline, version) updates in place.
	UpsertByTimelineVersion(dbc dbctx.Context, out *domain.RenderOutput) (*domain.RenderOutput, error)
	GetByTimelineVersion(dbc dbctx.Context, timelineID string, version int) (*domain.RenderOutput, error)
}

type renderRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRenderRepo(db *gorm.DB, baseLog *logger.Logger) RenderRepo {
	return &renderRepo{
		db:  db,
		log: baseLog.With("repo", "RenderRepo"),
	}
}

func (r *renderRepo) UpsertByTimelineVersion(dbc dbctx.Context, out *domain.RenderOutput) (*domain.RenderOutput, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if out == nil || out.TimelineID == "" {
		return nil, errors.New("render output requires a timeline id")
	}
	out.UpdatedAt = time.Now()
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "timeline_id"}, {Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"output_key", "duration_sec", "size_bytes", "updated_at",
			}),
		}).
		Create(out).Error
	if err != nil {
		return nil, err
	}
	return r.GetByTimelineVersion(dbc, out.TimelineID, out.Version)
}

func (r *renderRepo) GetByTimelineVersion(dbc dbctx.Context, timelineID string, version int) (*domain.RenderOutput, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if timelineID == "" {
		return nil, errs.ErrNotFound
	}
	var out domain.RenderOutput
	err := transaction.WithContext(dbc.Ctx).
		Where("timeline_id = ? AND version = ?", timelineID, version).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
