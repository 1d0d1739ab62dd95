package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/domain"
)

func SeedUpload(tb testing.TB, ctx context.Context, tx *gorm.DB, id, storageKey string) *domain.Upload {
	tb.Helper()
	u := &domain.Upload{
		ID:          id,
		WorkspaceID: uuid.New(),
		StorageKey:  storageKey,
		Filename:    "clip.mp4",
		ContentType: "video/mp4",
		SizeBytes:   1 << 20,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed upload: %v", err)
	}
	return u
}

func SeedTask(tb testing.TB, ctx context.Context, tx *gorm.DB, kind domain.TaskKind, payload string) *domain.Task {
	tb.Helper()
	task := &domain.Task{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Kind:        kind,
		Status:      domain.TaskQueued,
		Payload:     []byte(payload),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := tx.WithContext(ctx).Create(task).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return task
}
