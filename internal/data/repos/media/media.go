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

type MediaRepo interface {
	// UpsertByUploadID writes probe metadata keyed by upload id. Conflicts
	// update in place: processing an upload k times leaves exactly one row.
	UpsertByUploadID(dbc dbctx.Context, m *domain.Media) (*domain.Media, error)
	GetByUploadID(dbc dbctx.Context, uploadID string) (*domain.Media, error)
	// SetRenditions replaces the renditions JSON for an upload's media row.
	SetRenditions(dbc dbctx.Context, uploadID string, renditions []byte) error
	CountByUploadID(dbc dbctx.Context, uploadID string) (int64, error)
}

type mediaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMediaRepo(db *gorm.DB, baseLog *logger.Logger) MediaRepo {
	return &mediaRepo{
		db:  db,
		log: baseLog.With("repo", "MediaRepo"),
	}
}

func (r *mediaRepo) UpsertByUploadID(dbc dbctx.Context, m *domain.Media) (*domain.Media, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if m == nil || m.UploadID == "" {
		return nil, errors.New("media requires an upload id")
	}
	now := time.Now()
	m.UpdatedAt = now
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "upload_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"duration_sec", "width", "height", "codec", "container", "has_audio", "probe", "updated_at",
			}),
		}).
		Create(m).Error
	if err != nil {
		return nil, err
	}
	return r.GetByUploadID(dbc, m.UploadID)
}

func (r *mediaRepo) GetByUploadID(dbc dbctx.Context, uploadID string) (*domain.Media, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if uploadID == "" {
		return nil, errs.ErrNotFound
	}
	var m domain.Media
	err := transaction.WithContext(dbc.Ctx).
		Where("upload_id = ?", uploadID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mediaRepo) SetRenditions(dbc dbctx.Context, uploadID string, renditions []byte) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if uploadID == "" {
		return errors.New("media requires an upload id")
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Media{}).
		Where("upload_id = ?", uploadID).
		Updates(map[string]interface{}{
			"renditions": renditions,
			"updated_at": time.Now(),
		}).Error
}

func (r *mediaRepo) CountByUploadID(dbc dbctx.Context, uploadID string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Media{}).
		Where("upload_id = ?", uploadID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
