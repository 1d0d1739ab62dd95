package media

import (
	"errors"

	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type UploadRepo interface {
	Create(dbc dbctx.Context, u *domain.Upload) (*domain.Upload, error)
	GetByID(dbc dbctx.Context, id string) (*domain.Upload, error)
}

type uploadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUploadRepo(db *gorm.DB, baseLog *logger.Logger) UploadRepo {
	return &uploadRepo{
		db:  db,
		log: baseLog.With("repo", "UploadRepo"),
	}
}

func (r *uploadRepo) Create(dbc dbctx.Context, u *domain.Upload) (*domain.Upload, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if u == nil || u.ID == "" {
		return nil, errors.New("upload requires an id")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

func (r *uploadRepo) GetByID(dbc dbctx.Context, id string) (*domain.Upload, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, errs.ErrNotFound
	}
	var u domain.Upload
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
