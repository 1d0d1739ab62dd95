package tasks

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	StatusOf(dbc dbctx.Context, id uuid.UUID) (domain.TaskStatus, error)
	// ListQueued returns queued tasks oldest-first, up to limit. The
	// enqueuer over-fetches and applies workspace rotation on top.
	ListQueued(dbc dbctx.Context, limit int) ([]*domain.Task, error)
	// ListRunning returns running tasks with a parent job id, for the
	// reconciliation sweep.
	ListRunning(dbc dbctx.Context, limit int) ([]*domain.Task, error)
	// TransitionStatus flips status from -> to and reports whether this call
	// won the write. Lost races return (false, nil).
	TransitionStatus(dbc dbctx.Context, id uuid.UUID, from, to domain.TaskStatus, updates map[string]interface{}) (bool, error)
	// UpdateFieldsUnlessStatus applies updates unless the row sits in one of
	// the disallowed statuses. Conditional-write primitive under the mirror.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.TaskStatus, updates map[string]interface{}) (bool, error)
	// BumpProgress raises progress monotonically: the write lands only when
	// the row is non-terminal and its stored progress does not exceed pct.
	// Concurrent mirrors with partial views can never move a bar backwards.
	BumpProgress(dbc dbctx.Context, id uuid.UUID, disallowed []domain.TaskStatus, pct float64) (bool, error)
	SetParentJobID(dbc dbctx.Context, id uuid.UUID, parentJobID string) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if task == nil {
		return nil, errors.New("nil task")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, errs.ErrNotFound
	}
	var task domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) StatusOf(dbc dbctx.Context, id uuid.UUID) (domain.TaskStatus, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return "", errs.ErrNotFound
	}
	var status string
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Pluck("status", &status).Error
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", errs.ErrNotFound
	}
	return domain.TaskStatus(status), nil
}

func (r *taskRepo) ListQueued(dbc dbctx.Context, limit int) ([]*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		return []*domain.Task{}, nil
	}
	var out []*domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", domain.TaskQueued).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListRunning(dbc dbctx.Context, limit int) ([]*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		return []*domain.Task{}, nil
	}
	var out []*domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND parent_job_id IS NOT NULL", domain.TaskRunning).
		Order("started_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) TransitionStatus(dbc dbctx.Context, id uuid.UUID, from, to domain.TaskStatus, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.TaskStatus, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) BumpProgress(dbc dbctx.Context, id uuid.UUID, disallowed []domain.TaskStatus, pct float64) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND progress <= ?", id, pct)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}

	res := q.Updates(map[string]interface{}{
		"progress":   pct,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) SetParentJobID(dbc dbctx.Context, id uuid.UUID, parentJobID string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"parent_job_id": parentJobID,
			"updated_at":    time.Now(),
		}).Error
}
